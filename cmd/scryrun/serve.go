package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/catalog"
	"github.com/copyleftdev/scryrun/internal/server"
	"github.com/copyleftdev/scryrun/internal/suite"
)

func serveCommand(ctx context.Context, args []string, stderr io.Writer) int {
	var cf commonFlags
	fs := newFlagSet("serve", stderr)
	cf.register(fs)
	port := fs.Int("port", 0, "listen port")
	watch := fs.BoolP("watch", "w", false, "reload the catalog when scenario files change")
	if ok, code := parse(fs, args); !ok {
		return code
	}
	cfg, err := cf.load(fs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if fs.Changed("port") {
		cfg.Server.Port = *port
	}

	logger := newLogger(cfg, stderr)
	defer logger.Sync()

	cat, err := catalog.Load(cfg.Suite.ScenarioDirs, cfg.Suite.Builtins)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	var current atomic.Pointer[catalog.Catalog]
	current.Store(cat)

	st, err := newStack(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	manager := suite.NewManager(st.runner, st.history(), logger.Named("manager"))

	if *watch && len(cfg.Suite.ScenarioDirs) > 0 {
		go func() {
			err := catalog.Watch(ctx, cfg.Suite.ScenarioDirs, cfg.Suite.Builtins, logger, func(c *catalog.Catalog) {
				current.Store(c)
				logger.Info("catalog reloaded", zap.Int("scenarios", c.Len()))
			})
			if err != nil {
				logger.Error("scenario watch stopped", zap.Error(err))
			}
		}()
	}

	deps := server.Deps{Manager: manager, Catalog: current.Load}
	if st.store != nil {
		deps.History = st.store
	}
	if cfg.Telemetry.Metrics {
		deps.Metrics = st.metrics.Handler()
	}
	srv := server.NewServer(cfg, deps, logger.Named("http"))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	code := exitPassed
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
			code = exitFailed
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Browser.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && err != http.ErrServerClosed {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := manager.Shutdown(sctx); err != nil {
		logger.Warn("runs still active at shutdown", zap.Error(err))
	}
	if err := st.close(sctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return code
}
