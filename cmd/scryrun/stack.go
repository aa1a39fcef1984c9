package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/auth"
	"github.com/copyleftdev/scryrun/internal/config"
	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/driver/cdpdriver"
	"github.com/copyleftdev/scryrun/internal/driver/pwdriver"
	"github.com/copyleftdev/scryrun/internal/driver/roddriver"
	"github.com/copyleftdev/scryrun/internal/executor"
	"github.com/copyleftdev/scryrun/internal/push"
	"github.com/copyleftdev/scryrun/internal/scenario"
	"github.com/copyleftdev/scryrun/internal/services"
	"github.com/copyleftdev/scryrun/internal/snapshot"
	"github.com/copyleftdev/scryrun/internal/store"
	"github.com/copyleftdev/scryrun/internal/suite"
	"github.com/copyleftdev/scryrun/internal/telemetry"
)

// newDriver starts the configured backend. Tests swap it for a fake.
var newDriver = func(cfg config.BrowserConfig, logger *zap.Logger) (driver.Driver, error) {
	switch cfg.Backend {
	case "chromedp":
		return cdpdriver.New(cfg, logger)
	case "rod":
		return roddriver.New(cfg, logger)
	case "playwright":
		return pwdriver.New(cfg, logger)
	}
	return nil, fmt.Errorf("unknown browser backend %q", cfg.Backend)
}

// stack is everything a suite run needs, built from one config.
type stack struct {
	cfg     *config.Config
	logger  *zap.Logger
	driver  driver.Driver
	metrics *telemetry.Metrics
	runner  *suite.Runner
	store   *store.Store

	closers []func(context.Context) error
}

func newStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *stack, err error) {
	st := &stack{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			st.close(context.Background())
		}
	}()

	d, err := newDriver(cfg.Browser, logger.Named(cfg.Browser.Backend))
	if err != nil {
		return nil, fmt.Errorf("failed to start browser backend: %w", err)
	}
	st.driver = d
	st.closers = append(st.closers, func(context.Context) error { return d.Close() })

	svc := services.New(cfg.Services, logger.Named("services"))
	st.closers = append(st.closers, func(context.Context) error { return svc.Close() })

	opts := []executor.Option{
		executor.WithCodes(auth.EnvCodes()),
		executor.WithServices(svc),
		executor.WithStepHook(func(l scenario.StepLog) {
			logger.Debug("step finished",
				zap.String("path", l.Path),
				zap.String("kind", string(l.Kind)),
				zap.String("name", l.Name),
				zap.Int64("duration_ms", l.DurationMS),
				zap.String("error", l.Error))
		}),
	}

	q, err := snapshot.New(ctx, cfg.Snapshot, os.Getenv, logger, st.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to set up snapshot sink: %w", err)
	}
	if q != nil {
		opts = append(opts, executor.WithSnapshots(q))
		st.closers = append(st.closers, q.Close)
	}

	if cfg.Push.Enabled {
		p := push.New(cfg.Push, logger.Named("push"))
		p.OnForegroundMessage(logNotification(logger, push.Foreground))
		p.OnBackgroundMessage(logNotification(logger, push.Background))
		opts = append(opts, executor.WithPush(p))
	}

	if cfg.Telemetry.Tracing {
		tr, err := telemetry.NewTracing(os.Stderr, version)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithTracer(tr.Tracer()))
		st.closers = append(st.closers, tr.Shutdown)
	}

	exec, err := executor.New(d, executor.Options{
		BaseURL:      cfg.Suite.BaseURL,
		StepTimeout:  cfg.Suite.StepTimeout,
		PollInterval: cfg.Suite.PollInterval,
	}, logger.Named("executor"), opts...)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Path != "" {
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		st.store = s
		st.closers = append(st.closers, func(context.Context) error { return s.Close() })
	}

	st.runner = suite.NewRunner(exec, suite.Options{
		Parallelism: cfg.Suite.Parallelism,
		StepTimeout: cfg.Suite.StepTimeout,
		Margin:      cfg.Suite.Margin,
		AbortGrace:  cfg.Suite.AbortGrace,
		Retries:     cfg.Suite.Retries,
		Sessions:    cfg.Browser.MaxSessions,
		BaseURL:     cfg.Suite.BaseURL,
		Driver:      d.Name(),
	}, logger.Named("suite"), st.metrics)
	return st, nil
}

// history returns the store as a suite.History, or nil without one.
func (st *stack) history() suite.History {
	if st.store == nil {
		return nil
	}
	return st.store
}

// close releases resources in reverse order of acquisition.
func (st *stack) close(ctx context.Context) error {
	var errs []error
	for _, c := range slices.Backward(st.closers) {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	st.closers = nil
	return errors.Join(errs...)
}

func logNotification(logger *zap.Logger, src push.Source) push.Handler {
	return func(sessionID string, n scenario.Notification) {
		logger.Info("push notification received",
			zap.String("session", sessionID),
			zap.String("source", string(src)),
			zap.String("title", n.Title))
	}
}
