// Package executor runs one scenario's setup, steps and teardown against
// browser sessions from a driver.
package executor

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/dom"
	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
	"github.com/copyleftdev/scryrun/internal/wait"
)

// PrimaryContext names the session every scenario starts with. Steps with an
// empty context target it.
const PrimaryContext = "primary"

// diagnosticsTimeout bounds the DOM capture after a failure.
const diagnosticsTimeout = 3 * time.Second

// SnapshotSink accepts visual snapshots. Submit must not block.
type SnapshotSink interface {
	Submit(label string, image []byte)
}

// ServiceCaller queries an external network service and returns the items of
// its response in order.
type ServiceCaller interface {
	Call(ctx context.Context, service, method string, params map[string]any) ([]any, error)
}

// PushProvider talks to the page's push-notification client.
type PushProvider interface {
	RequestPermission(ctx context.Context, s driver.Session) (bool, error)
	GetToken(ctx context.Context, s driver.Session) (string, error)
	Deliver(ctx context.Context, s driver.Session, n scenario.Notification) error
	Received(ctx context.Context, s driver.Session) ([]scenario.Notification, error)
}

// CodeSource resolves {{totp.X}} placeholders.
type CodeSource interface {
	Code(name string) (string, error)
}

// Options are the per-run knobs shared by every scenario.
type Options struct {
	BaseURL      string
	StepTimeout  time.Duration
	PollInterval time.Duration
	Vars         map[string]string
	OutlineLimit int
}

// Option configures optional collaborators.
type Option func(*Executor)

func WithSnapshots(s SnapshotSink) Option { return func(e *Executor) { e.snapshots = s } }

func WithServices(c ServiceCaller) Option { return func(e *Executor) { e.services = c } }

func WithPush(p PushProvider) Option { return func(e *Executor) { e.push = p } }

func WithCodes(c CodeSource) Option { return func(e *Executor) { e.codes = c } }

func WithTracer(t trace.Tracer) Option { return func(e *Executor) { e.tracer = t } }

// WithStepHook is called after every executed step, nested ones included.
func WithStepHook(h func(scenario.StepLog)) Option {
	return func(e *Executor) { e.stepHook = h }
}

// WithEnv replaces the lookup behind {{env.X}}.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(e *Executor) { e.env = lookup }
}

// Executor runs scenarios. It is safe for concurrent use; each Run owns its
// sessions.
type Executor struct {
	driver driver.Driver
	opts   Options
	base   *url.URL
	logger *zap.Logger

	snapshots SnapshotSink
	services  ServiceCaller
	push      PushProvider
	codes     CodeSource
	tracer    trace.Tracer
	env       func(string) (string, bool)
	stepHook  func(scenario.StepLog)
}

func New(d driver.Driver, opts Options, logger *zap.Logger, with ...Option) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = wait.DefaultPollInterval
	}
	e := &Executor{
		driver: d,
		opts:   opts,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("scryrun"),
		env:    os.LookupEnv,
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
		}
		e.base = u
	}
	for _, o := range with {
		o(e)
	}
	return e, nil
}

// run is the state of one scenario execution.
type run struct {
	e        *Executor
	sc       *scenario.Scenario
	logger   *zap.Logger
	result   *scenario.ExecutionResult
	vars     map[string]string
	x        *expander
	sessions map[string]driver.Session
	opened   []driver.Session
	// last is the session the most recent step ran against.
	last driver.Session
}

// stepError locates a failure inside the step tree.
type stepError struct {
	phase scenario.Phase
	index int
	path  string
	err   error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

// Run executes sc once. Sessions opened during the run are closed exactly
// once before Run returns, on every path.
func (e *Executor) Run(ctx context.Context, sc *scenario.Scenario) *scenario.ExecutionResult {
	ctx, span := e.tracer.Start(ctx, "scenario "+sc.Name, trace.WithAttributes(
		attribute.String("scenario.name", sc.Name),
		attribute.String("driver", e.driver.Name()),
	))
	defer span.End()

	r := &run{
		e:        e,
		sc:       sc,
		logger:   e.logger.With(zap.String("scenario", sc.Name)),
		result:   &scenario.ExecutionResult{Scenario: sc.Name, Outcome: scenario.Passed, StepIndex: -1, Attempts: 1, StartedAt: time.Now()},
		vars:     make(map[string]string, len(e.opts.Vars)),
		sessions: make(map[string]driver.Session),
	}
	for k, v := range e.opts.Vars {
		r.vars[k] = v
	}
	r.x = &expander{vars: r.vars, env: e.env, codes: e.codes, base: e.base}

	defer func() {
		r.closeAll()
		r.result.Finish()
		span.SetAttributes(attribute.String("scenario.outcome", string(r.result.Outcome)))
		if !r.result.Passed() {
			span.SetStatus(codes.Error, r.result.Reason)
		}
		r.logger.Info("scenario finished",
			zap.String("outcome", string(r.result.Outcome)),
			zap.Duration("duration", r.result.Duration))
	}()

	r.logger.Info("scenario started", zap.Int("steps", len(sc.Steps)))

	primary, err := e.driver.NewSession(ctx)
	if err != nil {
		phase := scenario.PhaseSetup
		if len(sc.Setup) == 0 {
			phase = scenario.PhaseSteps
		}
		r.fail(&stepError{phase: phase, index: -1, err: errs.Annotate(err, "open primary context")})
		return r.result
	}
	r.bind(PrimaryContext, primary)

	if err := r.runPhase(ctx, scenario.PhaseSetup, sc.Setup); err != nil {
		r.fail(err)
	} else if err := r.runPhase(ctx, scenario.PhaseSteps, sc.Steps); err != nil {
		r.fail(err)
	}

	switch {
	case len(sc.Teardown) == 0:
	case ctx.Err() != nil:
		r.logger.Warn("teardown skipped after abort")
	default:
		if err := r.runPhase(ctx, scenario.PhaseTeardown, sc.Teardown); err != nil {
			if r.result.Passed() {
				r.fail(err)
				r.result.Outcome = scenario.Errored
			} else {
				r.logger.Warn("teardown failed", zap.Error(err))
			}
		}
	}
	return r.result
}

func (r *run) fail(err *stepError) {
	r.result.Fail(err.phase, err.index, err.path, err.err)
	r.logger.Warn("scenario stopped",
		zap.String("phase", string(err.phase)),
		zap.String("step", err.path),
		zap.String("kind", string(r.result.Kind)),
		zap.Error(err.err))

	if r.last == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), diagnosticsTimeout)
	defer cancel()
	outline, derr := dom.Capture(ctx, r.last, r.e.opts.OutlineLimit)
	if derr != nil {
		r.logger.Debug("dom outline unavailable", zap.Error(derr))
		return
	}
	r.result.DOMOutline = outline
}

func (r *run) bind(name string, s driver.Session) {
	r.sessions[name] = s
	r.opened = append(r.opened, s)
}

// closeAll releases sessions in reverse order of opening.
func (r *run) closeAll() {
	for i := len(r.opened) - 1; i >= 0; i-- {
		if err := r.opened[i].Close(); err != nil {
			r.logger.Warn("failed to close context", zap.String("session", r.opened[i].ID()), zap.Error(err))
		}
	}
	r.opened = nil
}

func (r *run) session(name string) (driver.Session, error) {
	if name == "" {
		name = PrimaryContext
	}
	s, ok := r.sessions[name]
	if !ok {
		return nil, errs.New(errs.InvalidScenario, "unknown context %q", name)
	}
	return s, nil
}

func (r *run) runPhase(ctx context.Context, phase scenario.Phase, steps []scenario.Step) *stepError {
	for i := range steps {
		if err := r.runStep(ctx, phase, i, fmt.Sprint(i), &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// runStep executes one step and, for branches, the chosen arm. index is the
// top-level position used for reporting.
func (r *run) runStep(ctx context.Context, phase scenario.Phase, index int, path string, step *scenario.Step) *stepError {
	if err := ctx.Err(); err != nil {
		return &stepError{phase: phase, index: index, path: path, err: errs.Wrap(errs.Canceled, err, "scenario aborted")}
	}

	ctx, span := r.e.tracer.Start(ctx, string(step.Kind), trace.WithAttributes(
		attribute.String("step.path", path),
		attribute.String("step.name", step.Describe()),
	))
	defer span.End()

	log := scenario.StepLog{
		Phase:     phase,
		Path:      path,
		Kind:      step.Kind,
		Name:      step.Describe(),
		Context:   step.Context,
		StartedAt: time.Now(),
	}
	r.logger.Debug("step", zap.String("phase", string(phase)), zap.String("path", path), zap.String("step", log.Name))

	var nested *stepError
	err := r.exec(ctx, step, func(arm string, steps []scenario.Step) {
		for i := range steps {
			if nested = r.runStep(ctx, phase, index, fmt.Sprintf("%s.%s.%d", path, arm, i), &steps[i]); nested != nil {
				return
			}
		}
	})

	log.DurationMS = time.Since(log.StartedAt).Milliseconds()
	if err != nil {
		log.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
	}
	r.record(log)

	if err != nil {
		return &stepError{phase: phase, index: index, path: path, err: errs.Annotate(err, "%s", log.Name)}
	}
	return nested
}

func (r *run) record(log scenario.StepLog) {
	r.result.Steps = append(r.result.Steps, log)
	if r.e.stepHook != nil {
		r.e.stepHook(log)
	}
}

// timeout is the step's own timeout or the configured default. It is never
// zero.
func (r *run) timeout(step *scenario.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return r.e.opts.StepTimeout
}

// clock starts the step's deadline.
func (r *run) clock(step *scenario.Step) stepClock { return newClock(r.timeout(step)) }

func (r *run) poll() time.Duration { return r.e.opts.PollInterval }
