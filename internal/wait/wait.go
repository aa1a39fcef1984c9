// Package wait polls a predicate against live page state until it holds or a
// finite deadline passes.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/copyleftdev/scryrun/internal/errs"
)

// DefaultPollInterval is used when a caller passes a non-positive interval.
const DefaultPollInterval = 200 * time.Millisecond

// ErrNoDeadline is returned for a non-positive timeout. Waits are always bounded.
var ErrNoDeadline = errors.New("wait requires a positive timeout")

// Predicate reports whether the awaited state holds. observed is kept as the
// last seen state for diagnostics. A non-nil error aborts the wait.
type Predicate func(ctx context.Context) (ok bool, observed any, err error)

// TimeoutError is returned when the predicate never held within the timeout.
type TimeoutError struct {
	Timeout      time.Duration
	Elapsed      time.Duration
	LastObserved any
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("condition not met within %s (waited %s)", e.Timeout, e.Elapsed.Round(time.Millisecond))
}

// Until evaluates p immediately and then every poll until it returns true or
// timeout elapses. The predicate is evaluated with a context bounded by
// timeout+poll, so a predicate honouring its context cannot block past that.
// On expiry the returned error is a *TimeoutError wrapped as errs.WaitTimeout.
func Until(ctx context.Context, p Predicate, timeout, poll time.Duration) error {
	if timeout <= 0 {
		return ErrNoDeadline
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	start := time.Now()
	deadline := start.Add(timeout)
	pctx, cancel := context.WithDeadline(ctx, deadline.Add(poll))
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	var last any
	for {
		ok, observed, err := p(pctx)
		if err != nil {
			if ctx.Err() != nil {
				return errs.Wrap(errs.Canceled, ctx.Err(), "wait aborted")
			}
			if pctx.Err() == nil || !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// the predicate ran into the grace deadline; treat it as expiry
		} else {
			if ok {
				return nil
			}
			last = observed
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timeoutError(timeout, time.Since(start), last)
		}
		if remaining > poll {
			remaining = poll
		}
		timer.Reset(remaining)
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Canceled, ctx.Err(), "wait aborted")
		case <-timer.C:
		}
	}
}

func timeoutError(timeout, elapsed time.Duration, last any) error {
	te := &TimeoutError{Timeout: timeout, Elapsed: elapsed, LastObserved: last}
	return &errs.Error{Kind: errs.WaitTimeout, Err: te, Observed: last}
}

// AsTimeout extracts the *TimeoutError from err.
func AsTimeout(err error) (*TimeoutError, bool) {
	var te *TimeoutError
	ok := errors.As(err, &te)
	return te, ok
}

// Sleep blocks for d or until ctx is done. It exists for the discouraged
// pause step; everything else should wait on a named predicate.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.Canceled, ctx.Err(), "pause aborted")
	case <-t.C:
		return nil
	}
}
