// Package suite runs many scenarios with bounded parallelism, enforcing a
// wall-clock budget per scenario, and tracks asynchronous suite runs.
package suite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

// ScenarioRunner executes one scenario. It must honour ctx cancellation.
type ScenarioRunner interface {
	Run(ctx context.Context, sc *scenario.Scenario) *scenario.ExecutionResult
}

// Observer is notified as results come in.
type Observer interface {
	ScenarioFinished(res *scenario.ExecutionResult)
	SuiteFinished(rep *scenario.Report)
}

// Options tune the runner. Zero values fall back to the defaults noted.
type Options struct {
	// Parallelism caps concurrently running scenarios. Default 1.
	Parallelism int
	// StepTimeout stands in for unset step timeouts when computing budgets.
	// Default 10s.
	StepTimeout time.Duration
	// Margin is added to every scenario's budget. Default 30s.
	Margin time.Duration
	// AbortGrace is how long an aborted scenario may take to return before
	// it is abandoned. Default 5s.
	AbortGrace time.Duration
	// Retries re-runs a scenario that did not pass. Default 0.
	Retries int
	// Sessions caps browser contexts open at once across all scenarios. A
	// scenario reserves every context it may open before it starts, so
	// concurrent scenarios cannot starve each other of the backend's
	// session slots. Zero means no cap.
	Sessions int
	// BaseURL and Driver are copied into reports.
	BaseURL string
	Driver  string
}

func (o *Options) applyDefaults() {
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 10 * time.Second
	}
	if o.Margin <= 0 {
		o.Margin = 30 * time.Second
	}
	if o.AbortGrace <= 0 {
		o.AbortGrace = 5 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Sessions < 0 {
		o.Sessions = 0
	}
}

// Runner runs suites against one ScenarioRunner.
type Runner struct {
	exec      ScenarioRunner
	opts      Options
	logger    *zap.Logger
	observers []Observer
	sessions  *semaphore.Weighted
}

func NewRunner(exec ScenarioRunner, opts Options, logger *zap.Logger, observers ...Observer) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	r := &Runner{exec: exec, opts: opts, logger: logger, observers: observers}
	if opts.Sessions > 0 {
		r.sessions = semaphore.NewWeighted(int64(opts.Sessions))
	}
	return r
}

// Run executes scenarios and returns a report whose results are in input
// order. A failing scenario never stops the others. Run only returns an
// error for an invalid suite; scenario failures live in the report.
func (r *Runner) Run(ctx context.Context, scenarios []scenario.Scenario) (*scenario.Report, error) {
	return r.run(ctx, uuid.NewString(), scenarios)
}

func (r *Runner) run(ctx context.Context, id string, scenarios []scenario.Scenario) (*scenario.Report, error) {
	if err := checkNames(scenarios); err != nil {
		return nil, err
	}

	rep := &scenario.Report{
		ID:        id,
		BaseURL:   r.opts.BaseURL,
		Driver:    r.opts.Driver,
		StartedAt: time.Now().UTC(),
		Results:   make([]scenario.ExecutionResult, len(scenarios)),
	}
	logger := r.logger.With(zap.String("run", id))
	logger.Info("suite started", zap.Int("scenarios", len(scenarios)), zap.Int("parallelism", r.opts.Parallelism))

	// errgroup is used for its limiter only; scenarios never return errors
	// to it, so one failure cannot cancel its siblings.
	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for i := range scenarios {
		sc := &scenarios[i]
		g.Go(func() error {
			res := r.runScenario(ctx, sc)
			rep.Results[i] = *res
			for _, o := range r.observers {
				o.ScenarioFinished(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.DurationMS = time.Since(rep.StartedAt).Milliseconds()
	rep.Summary = scenario.Summarize(rep.Results)
	for _, o := range r.observers {
		o.SuiteFinished(rep)
	}
	logger.Info("suite finished",
		zap.Int("passed", rep.Summary.Passed),
		zap.Int("failed", rep.Summary.Failed),
		zap.Int("errored", rep.Summary.Errored),
		zap.Int64("duration_ms", rep.DurationMS))
	return rep, nil
}

func checkNames(scenarios []scenario.Scenario) error {
	seen := make(map[string]bool, len(scenarios))
	for _, sc := range scenarios {
		if seen[sc.Name] {
			return errs.New(errs.InvalidScenario, "duplicate scenario name %q", sc.Name)
		}
		seen[sc.Name] = true
	}
	return nil
}

// runScenario runs sc, re-running it up to Retries times while it does not
// pass. Cancellation of ctx stops retrying.
func (r *Runner) runScenario(ctx context.Context, sc *scenario.Scenario) *scenario.ExecutionResult {
	budget := sc.Budget(r.opts.StepTimeout, r.opts.Margin)
	var res *scenario.ExecutionResult
	for attempt := 1; attempt <= r.opts.Retries+1; attempt++ {
		if ctx.Err() != nil && res != nil {
			break
		}
		res = r.runBudgeted(ctx, sc, budget)
		res.Attempts = attempt
		if res.Passed() || res.Kind == errs.Canceled || res.Kind == errs.InvalidScenario {
			break
		}
		if attempt <= r.opts.Retries {
			r.logger.Info("retrying scenario",
				zap.String("scenario", sc.Name),
				zap.Int("attempt", attempt),
				zap.String("kind", string(res.Kind)))
		}
	}
	return res
}

// runBudgeted runs sc under budget. If the executor does not return within
// AbortGrace of the deadline, the run is abandoned and reported as a
// SuiteTimeout without waiting for it.
func (r *Runner) runBudgeted(ctx context.Context, sc *scenario.Scenario, budget time.Duration) *scenario.ExecutionResult {
	started := time.Now()
	release, err := r.reserve(ctx, sc)
	if err != nil {
		res := &scenario.ExecutionResult{Scenario: sc.Name, StepIndex: -1, StartedAt: started}
		res.Fail(scenario.PhaseSetup, -1, "", err)
		res.Finish()
		return res
	}

	sctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan *scenario.ExecutionResult, 1)
	go func() {
		// an abandoned run keeps its contexts until it really returns
		defer release()
		done <- r.exec.Run(sctx, sc)
	}()

	select {
	case res := <-done:
		return r.classify(ctx, sctx, res, budget)
	case <-sctx.Done():
	}

	grace := time.NewTimer(r.opts.AbortGrace)
	defer grace.Stop()
	select {
	case res := <-done:
		return r.classify(ctx, sctx, res, budget)
	case <-grace.C:
	}

	r.logger.Error("scenario abandoned after abort grace period",
		zap.String("scenario", sc.Name),
		zap.Duration("budget", budget),
		zap.Duration("grace", r.opts.AbortGrace))
	res := &scenario.ExecutionResult{Scenario: sc.Name, StepIndex: -1, StartedAt: started}
	kind, cause := errs.SuiteTimeout, error(context.DeadlineExceeded)
	if ctx.Err() != nil {
		kind, cause = errs.Canceled, ctx.Err()
	}
	res.Fail(scenario.PhaseSteps, -1, "", errs.Wrap(kind, cause, "scenario did not stop within %s of abort", r.opts.AbortGrace))
	res.Finish()
	return res
}

// reserve blocks until every browser context sc may open is available.
func (r *Runner) reserve(ctx context.Context, sc *scenario.Scenario) (func(), error) {
	if r.sessions == nil {
		return func() {}, nil
	}
	n := sc.Contexts()
	if n > r.opts.Sessions {
		return nil, errs.New(errs.InvalidScenario,
			"scenario opens up to %d browser contexts but only %d sessions are allowed", n, r.opts.Sessions)
	}
	if err := r.sessions.Acquire(ctx, int64(n)); err != nil {
		return nil, errs.Wrap(errs.Canceled, err, "waiting for %d browser sessions", n)
	}
	return func() { r.sessions.Release(int64(n)) }, nil
}

// classify rewrites a result cut short by the budget deadline as a
// SuiteTimeout, keeping the step it was stopped at.
func (r *Runner) classify(parent, sctx context.Context, res *scenario.ExecutionResult, budget time.Duration) *scenario.ExecutionResult {
	if res.Passed() || parent.Err() != nil {
		return res
	}
	if !errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return res
	}
	if res.Kind != errs.Canceled && res.Kind != errs.WaitTimeout && res.Kind != errs.NavigationTimeout {
		return res
	}
	res.Outcome = scenario.Errored
	res.Kind = errs.SuiteTimeout
	res.Reason = fmt.Sprintf("scenario exceeded its %s budget: %s", budget, res.Reason)
	return res
}
