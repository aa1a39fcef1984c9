package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/catalog"
	"github.com/copyleftdev/scryrun/internal/report"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

type runFlags struct {
	reportJSON string
	watch      bool
	verbose    bool
	retries    int
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var cf commonFlags
	var rf runFlags
	fs := newFlagSet("run", stderr)
	cf.register(fs)
	fs.StringVar(&rf.reportJSON, "report-json", "", "write the JSON report to this file, - for stdout")
	fs.BoolVarP(&rf.watch, "watch", "w", false, "run again whenever scenario files change")
	fs.BoolVarP(&rf.verbose, "verbose", "v", false, "print the DOM outline of failed scenarios")
	fs.IntVar(&rf.retries, "retries", 0, "re-run scenarios that did not pass")
	if ok, code := parse(fs, args); !ok {
		return code
	}

	cfg, err := cf.load(fs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if fs.Changed("retries") {
		if rf.retries < 0 {
			fmt.Fprintln(stderr, "--retries must not be negative")
			return exitUsage
		}
		cfg.Suite.Retries = rf.retries
	}
	if rf.watch && len(cfg.Suite.ScenarioDirs) == 0 {
		fmt.Fprintln(stderr, "--watch needs at least one scenario directory")
		return exitUsage
	}

	logger := newLogger(cfg, stderr)
	defer logger.Sync()

	cat, err := catalog.Load(cfg.Suite.ScenarioDirs, cfg.Suite.Builtins)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	st, err := newStack(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Browser.ShutdownTimeout)
		defer cancel()
		if err := st.close(sctx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	code := runOnce(ctx, st, cat, rf, stdout, stderr)
	if !rf.watch {
		return code
	}

	changes := make(chan *catalog.Catalog, 1)
	go func() {
		err := catalog.Watch(ctx, cfg.Suite.ScenarioDirs, cfg.Suite.Builtins, logger, func(c *catalog.Catalog) {
			select {
			case <-changes:
			default:
			}
			changes <- c
		})
		if err != nil {
			logger.Error("scenario watch stopped", zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return code
		case c := <-changes:
			fmt.Fprintln(stdout)
			code = runOnce(ctx, st, c, rf, stdout, stderr)
		}
	}
}

// runOnce runs the selected scenarios of cat and returns the exit code the
// result deserves.
func runOnce(ctx context.Context, st *stack, cat *catalog.Catalog, rf runFlags, stdout, stderr io.Writer) int {
	scs, err := cat.Select(st.cfg.Suite.Filter, st.cfg.Suite.Tags)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	rep, err := st.runner.Run(ctx, scs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	if st.store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := st.store.Save(sctx, rep); err != nil {
			st.logger.Error("failed to persist run", zap.String("run", rep.ID), zap.Error(err))
		}
		cancel()
	}
	if err := report.WriteText(stdout, rep, rf.verbose); err != nil {
		st.logger.Error("failed to write summary", zap.Error(err))
	}
	if rf.reportJSON != "" {
		if err := writeReportJSON(rf.reportJSON, rep, stdout); err != nil {
			fmt.Fprintln(stderr, err)
		}
	}

	if rep.Summary.AllPassed() {
		return exitPassed
	}
	return exitFailed
}

func writeReportJSON(path string, rep *scenario.Report, stdout io.Writer) error {
	if path == "-" {
		return report.WriteJSON(stdout, rep)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := report.WriteJSON(f, rep); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}
