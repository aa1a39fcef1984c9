package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
	"github.com/copyleftdev/scryrun/internal/wait"
)

// armRunner executes the step list a branch selected.
type armRunner func(arm string, steps []scenario.Step)

// exec translates a step into driver calls.
func (r *run) exec(ctx context.Context, step *scenario.Step, runArm armRunner) error {
	switch step.Kind {
	case scenario.StepOpenContext:
		return r.openContext(ctx, step)
	case scenario.StepServiceCheck:
		return r.serviceCheck(ctx, step)
	case scenario.StepPause:
		r.logger.Warn("pause step used; prefer wait_for on a named condition", zap.Duration("duration", step.Duration))
		return wait.Sleep(ctx, step.Duration)
	case scenario.StepAssert:
		if step.Expect.Kind == scenario.ExpectVarMatches {
			return r.assert(ctx, nil, step)
		}
	}

	s, err := r.session(step.Context)
	if err != nil {
		return err
	}
	r.last = s

	switch step.Kind {
	case scenario.StepNavigate:
		return r.navigate(ctx, s, step)
	case scenario.StepWaitFor:
		loc, err := r.x.locator(step.Locator)
		if err != nil {
			return err
		}
		return r.waitFor(ctx, s, loc, step.WaitCondition(), r.timeout(step))
	case scenario.StepInteract:
		return r.interact(ctx, s, step)
	case scenario.StepAssert:
		return r.assert(ctx, s, step)
	case scenario.StepEvaluate:
		return r.evaluate(ctx, s, step)
	case scenario.StepOpenPopup:
		return r.openPopup(ctx, s, step)
	case scenario.StepBranch:
		return r.branch(ctx, s, step, runArm)
	case scenario.StepExtract:
		return r.extract(ctx, s, step)
	case scenario.StepSnapshot:
		return r.snapshot(ctx, s, step)
	case scenario.StepPushToken:
		return r.pushToken(ctx, s, step)
	case scenario.StepPushNotify:
		return r.pushNotify(ctx, s, step)
	}
	return errs.New(errs.InvalidScenario, "unsupported step kind %q", step.Kind)
}

// stepClock is one step's deadline. Every wait and driver call the step
// makes draws from the same budget.
type stepClock struct {
	timeout  time.Duration
	deadline time.Time
}

func newClock(timeout time.Duration) stepClock {
	return stepClock{timeout: timeout, deadline: time.Now().Add(timeout)}
}

// left is the time remaining before the deadline, never zero so waits stay
// well-formed; an exhausted clock leaves them a single attempt.
func (c stepClock) left() time.Duration {
	return max(time.Until(c.deadline), time.Nanosecond)
}

// bounded runs fn until the clock's deadline. A deadline hit inside fn is
// reported as kind, while cancellation of the parent stays Canceled.
func bounded(ctx context.Context, c stepClock, kind errs.Kind, what string, fn func(context.Context) error) error {
	bctx, cancel := context.WithDeadline(ctx, c.deadline)
	defer cancel()
	err := fn(bctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errs.Wrap(errs.Canceled, ctx.Err(), "%s aborted", what)
	}
	expired := errors.Is(bctx.Err(), context.DeadlineExceeded)
	if expired && (errs.KindOf(err) == errs.Internal || errs.KindOf(err) == errs.Canceled) {
		return errs.Wrap(kind, err, "%s did not finish within %s", what, c.timeout)
	}
	return err
}

func (r *run) navigate(ctx context.Context, s driver.Session, step *scenario.Step) error {
	u, err := r.x.resolveURL(step.URL)
	if err != nil {
		return err
	}
	return bounded(ctx, r.clock(step), errs.NavigationTimeout, "navigate "+u, func(ctx context.Context) error {
		return s.Navigate(ctx, u)
	})
}

func (r *run) waitFor(ctx context.Context, s driver.Session, loc scenario.Locator, cond scenario.Condition, timeout time.Duration) error {
	err := wait.Until(ctx, func(ctx context.Context) (bool, any, error) {
		return checkCondition(ctx, s, loc, cond)
	}, timeout, r.poll())
	if err != nil {
		return errs.Annotate(err, "%s not %s", &loc, cond)
	}
	return nil
}

// element waits for loc to reach cond and returns its first match.
func (r *run) element(ctx context.Context, s driver.Session, raw *scenario.Locator, cond scenario.Condition, timeout time.Duration) (driver.Handle, error) {
	loc, err := r.x.locator(raw)
	if err != nil {
		return driver.Handle{}, err
	}
	if err := r.waitFor(ctx, s, loc, cond, timeout); err != nil {
		return driver.Handle{}, err
	}
	return driver.Handle{Locator: loc}, nil
}

func (r *run) interact(ctx context.Context, s driver.Session, step *scenario.Step) error {
	action := *step.Action
	var err error
	if action.Text, err = r.x.expand(action.Text); err != nil {
		return err
	}
	if action.Key, err = r.x.expand(action.Key); err != nil {
		return err
	}

	cond := scenario.CondVisible
	if action.Type == scenario.ActionScroll || action.Type == scenario.ActionScrollIntoView {
		cond = scenario.CondPresent
	}
	clock := r.clock(step)
	h, err := r.element(ctx, s, step.Locator, cond, clock.left())
	if err != nil {
		return err
	}
	return bounded(ctx, clock, errs.WaitTimeout, string(action.Type), func(ctx context.Context) error {
		return s.Act(ctx, h, action)
	})
}

func (r *run) assert(ctx context.Context, s driver.Session, step *scenario.Step) error {
	exp := *step.Expect
	var err error
	if exp.Value, err = r.x.expand(exp.Value); err != nil {
		return err
	}

	var loc *scenario.Locator
	if exp.NeedsLocator() {
		l, err := r.x.locator(step.Locator)
		if err != nil {
			return err
		}
		loc = &l
	}

	if exp.Kind == scenario.ExpectVarMatches {
		ok, obs, msg, err := r.checkExpectation(ctx, s, loc, exp)
		if err != nil {
			return err
		}
		if !ok {
			return errs.WithObserved(errs.New(errs.AssertionFailure, "%s", msg), obs)
		}
		return nil
	}

	var lastMsg string
	err = wait.Until(ctx, func(ctx context.Context) (bool, any, error) {
		ok, obs, msg, err := r.checkExpectation(ctx, s, loc, exp)
		lastMsg = msg
		return ok, obs, err
	}, r.timeout(step), r.poll())
	if te, ok := wait.AsTimeout(err); ok {
		return errs.WithObserved(errs.New(errs.AssertionFailure, "%s after %s", lastMsg, te.Timeout), te.LastObserved)
	}
	return err
}

func (r *run) evaluate(ctx context.Context, s driver.Session, step *scenario.Step) error {
	script, err := r.x.expand(step.Script)
	if err != nil {
		return err
	}
	clock := r.clock(step)
	var h *driver.Handle
	if step.Locator != nil {
		el, err := r.element(ctx, s, step.Locator, scenario.CondPresent, clock.left())
		if err != nil {
			return err
		}
		h = &el
	}

	var v any
	err = bounded(ctx, clock, errs.ScriptEvaluation, "evaluate", func(ctx context.Context) error {
		var err error
		v, err = s.Evaluate(ctx, h, script)
		return err
	})
	if err != nil {
		return err
	}
	if step.Bind != "" {
		r.vars[step.Bind] = stringify(v)
	}
	return nil
}

func (r *run) openPopup(ctx context.Context, s driver.Session, step *scenario.Step) error {
	if _, taken := r.sessions[step.Bind]; taken {
		return errs.New(errs.InvalidScenario, "context %q is already bound", step.Bind)
	}
	clock := r.clock(step)
	trigger, err := r.element(ctx, s, step.Locator, scenario.CondVisible, clock.left())
	if err != nil {
		return err
	}

	var popup driver.Session
	err = bounded(ctx, clock, errs.PopupNotOpened, "open_popup", func(ctx context.Context) error {
		var err error
		popup, err = s.AwaitPopup(ctx, trigger)
		return err
	})
	if err != nil {
		return err
	}
	r.bind(step.Bind, popup)
	r.logger.Info("popup bound", zap.String("context", step.Bind), zap.String("session", popup.ID()))
	return nil
}

func (r *run) openContext(ctx context.Context, step *scenario.Step) error {
	if _, taken := r.sessions[step.Bind]; taken {
		return errs.New(errs.InvalidScenario, "context %q is already bound", step.Bind)
	}
	clock := r.clock(step)
	var s driver.Session
	err := bounded(ctx, clock, errs.Internal, "open_context", func(ctx context.Context) error {
		var err error
		s, err = r.e.driver.NewSession(ctx)
		return err
	})
	if err != nil {
		return err
	}
	r.bind(step.Bind, s)
	r.last = s
	r.logger.Info("context opened", zap.String("context", step.Bind), zap.String("session", s.ID()))

	if step.URL == "" {
		return nil
	}
	u, err := r.x.resolveURL(step.URL)
	if err != nil {
		return err
	}
	return bounded(ctx, clock, errs.NavigationTimeout, "navigate "+u, func(ctx context.Context) error {
		return s.Navigate(ctx, u)
	})
}

// predicate evaluates a branch guard once against the current page.
func (r *run) predicate(ctx context.Context, s driver.Session, p scenario.Predicate) (bool, any, error) {
	if p.Script != "" {
		script, err := r.x.expand(p.Script)
		if err != nil {
			return false, nil, err
		}
		v, err := s.Evaluate(ctx, nil, script)
		if err != nil {
			return false, nil, err
		}
		return truthy(v), v, nil
	}
	loc, err := r.x.locator(p.Locator)
	if err != nil {
		return false, nil, err
	}
	cond := p.Condition
	if cond == "" {
		cond = scenario.CondPresent
	}
	return checkCondition(ctx, s, loc, cond)
}

// selectArm returns the index of the first arm whose guard holds, or -1.
// Arms are always evaluated in declaration order, so identical page state
// selects the same arm.
func (r *run) selectArm(ctx context.Context, s driver.Session, arms []scenario.Variant) (int, map[string]any, error) {
	seen := make(map[string]any, len(arms))
	for i, arm := range arms {
		ok, obs, err := r.predicate(ctx, s, arm.When)
		if err != nil {
			return -1, seen, errs.Annotate(err, "branch %s", arm.Name)
		}
		if ok {
			return i, seen, nil
		}
		seen[arm.Name] = obs
	}
	return -1, seen, nil
}

func armLabel(b *scenario.Branch, v scenario.Variant) string {
	if b.When != nil {
		return "then"
	}
	return "variant[" + v.Name + "]"
}

func (r *run) branch(ctx context.Context, s driver.Session, step *scenario.Step, runArm armRunner) error {
	b := step.Branch
	arms, fallback, hasElse := b.Arms()

	chosen := -1
	var observed map[string]any
	if b.Timeout > 0 {
		err := wait.Until(ctx, func(ctx context.Context) (bool, any, error) {
			var err error
			chosen, observed, err = r.selectArm(ctx, s, arms)
			return chosen >= 0, observed, err
		}, b.Timeout, r.poll())
		if _, ok := wait.AsTimeout(err); ok {
			chosen = -1
		} else if err != nil {
			return err
		}
	} else {
		err := bounded(ctx, r.clock(step), errs.WaitTimeout, "branch", func(ctx context.Context) error {
			var err error
			chosen, observed, err = r.selectArm(ctx, s, arms)
			return err
		})
		if err != nil {
			return err
		}
	}

	switch {
	case chosen >= 0:
		arm := arms[chosen]
		r.logger.Info("branch selected", zap.String("variant", arm.Name))
		runArm(armLabel(b, arm), arm.Steps)
	case hasElse:
		r.logger.Info("branch selected", zap.String("variant", "else"))
		runArm("else", fallback)
	default:
		names := make([]string, len(arms))
		for i, a := range arms {
			names[i] = a.Name
		}
		return errs.WithObserved(
			errs.New(errs.AssertionFailure, "no branch variant matched (tried %s)", strings.Join(names, ", ")),
			observed)
	}
	return nil
}

func (r *run) extract(ctx context.Context, s driver.Session, step *scenario.Step) error {
	loc, err := r.x.locator(step.Locator)
	if err != nil {
		return err
	}
	var re *regexp.Regexp
	if step.Pattern != "" {
		if re, err = regexp.Compile(step.Pattern); err != nil {
			return errs.Wrap(errs.InvalidScenario, err, "extract pattern")
		}
	}

	var value string
	err = wait.Until(ctx, func(ctx context.Context) (bool, any, error) {
		obs, err := probe(ctx, s, loc)
		if err != nil || obs.State == nil {
			return false, obs, err
		}
		raw := obs.State.Text
		if step.Attribute != "" {
			raw = obs.State.Attributes[step.Attribute]
		} else if !obs.State.Visible {
			return false, obs, nil
		}
		obs.Value = raw
		if re == nil {
			value = strings.TrimSpace(raw)
			return value != "", obs, nil
		}
		m := re.FindStringSubmatch(raw)
		switch {
		case m == nil:
			return false, obs, nil
		case len(m) > 1:
			value = m[1]
		default:
			value = m[0]
		}
		return true, obs, nil
	}, r.timeout(step), r.poll())
	if te, ok := wait.AsTimeout(err); ok {
		what := "text"
		if step.Attribute != "" {
			what = "attribute " + step.Attribute
		}
		if re != nil {
			what += " matching " + re.String()
		}
		return errs.WithObserved(errs.New(errs.AssertionFailure, "no %s on %s after %s", what, &loc, te.Timeout), te.LastObserved)
	}
	if err != nil {
		return err
	}
	r.vars[step.Bind] = value
	r.logger.Debug("extracted", zap.String("var", step.Bind), zap.String("value", value))
	return nil
}

func (r *run) snapshot(ctx context.Context, s driver.Session, step *scenario.Step) error {
	label, err := r.x.expand(step.Label)
	if err != nil {
		return err
	}
	var img []byte
	err = bounded(ctx, r.clock(step), errs.Internal, "screenshot", func(ctx context.Context) error {
		var err error
		img, err = s.Screenshot(ctx)
		return err
	})
	if err != nil {
		if errs.Is(err, errs.Canceled) {
			return err
		}
		r.logger.Warn("snapshot skipped", zap.String("label", label), zap.Error(err))
		return nil
	}
	if r.e.snapshots != nil {
		r.e.snapshots.Submit(r.sc.Name+"/"+label, img)
	}
	r.result.Snapshots = append(r.result.Snapshots, label)
	return nil
}

func (r *run) serviceCheck(ctx context.Context, step *scenario.Step) error {
	call := step.Service
	if r.e.services == nil {
		return errs.New(errs.ServiceUnavailable, "no service client configured for %s", call.Name)
	}
	params, err := r.x.request(call.Request)
	if err != nil {
		return err
	}

	var items []any
	err = bounded(ctx, r.clock(step), errs.ServiceUnavailable, fmt.Sprintf("%s/%s", call.Name, call.Method), func(ctx context.Context) error {
		var err error
		items, err = r.e.services.Call(ctx, call.Name, call.Method, params)
		return err
	})
	if err != nil {
		return err
	}

	want := max(call.MinItems, 1)
	if len(items) < want {
		return errs.WithObserved(
			errs.New(errs.AssertionFailure, "%s/%s returned %d items, want at least %d", call.Name, call.Method, len(items), want),
			map[string]int{"items": len(items)})
	}
	if step.Bind != "" {
		r.vars[step.Bind] = fmt.Sprint(len(items))
	}
	return nil
}

func (r *run) pushToken(ctx context.Context, s driver.Session, step *scenario.Step) error {
	if r.e.push == nil {
		return errs.New(errs.TokenUnavailable, "push provider is not configured")
	}
	var token string
	err := bounded(ctx, r.clock(step), errs.TokenUnavailable, "push token", func(ctx context.Context) error {
		granted, err := r.e.push.RequestPermission(ctx, s)
		if err != nil {
			return err
		}
		if !granted {
			return errs.New(errs.TokenUnavailable, "notification permission denied")
		}
		token, err = r.e.push.GetToken(ctx, s)
		return err
	})
	if err != nil {
		return err
	}
	r.vars[step.Bind] = token
	return nil
}

func (r *run) pushNotify(ctx context.Context, s driver.Session, step *scenario.Step) error {
	if r.e.push == nil {
		return errs.New(errs.TokenUnavailable, "push provider is not configured")
	}
	n := *step.Notify
	var err error
	if n.Title, err = r.x.expand(n.Title); err != nil {
		return err
	}
	if n.Body, err = r.x.expand(n.Body); err != nil {
		return err
	}
	clock := r.clock(step)
	err = bounded(ctx, clock, errs.ServiceUnavailable, "push deliver", func(ctx context.Context) error {
		return r.e.push.Deliver(ctx, s, n)
	})
	if err != nil {
		return err
	}

	err = wait.Until(ctx, func(ctx context.Context) (bool, any, error) {
		got, err := r.e.push.Received(ctx, s)
		if err != nil {
			return false, nil, err
		}
		for _, m := range got {
			if m.Title == n.Title {
				return true, got, nil
			}
		}
		return false, got, nil
	}, clock.left(), r.poll())
	if err != nil {
		return errs.Annotate(err, "notification %q not received", n.Title)
	}
	return nil
}
