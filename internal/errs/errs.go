package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a scenario failure.
type Kind string

const (
	ElementNotFound    Kind = "ElementNotFound"
	NavigationTimeout  Kind = "NavigationTimeout"
	WaitTimeout        Kind = "WaitTimeout"
	ScriptEvaluation   Kind = "ScriptEvaluationError"
	PopupNotOpened     Kind = "PopupNotOpened"
	SuiteTimeout       Kind = "SuiteTimeout"
	AssertionFailure   Kind = "AssertionFailure"
	TokenUnavailable   Kind = "TokenUnavailable"
	ServiceUnavailable Kind = "ServiceUnavailable"
	InvalidScenario    Kind = "InvalidScenario"
	Canceled           Kind = "Canceled"
	Internal           Kind = "Internal"
)

// Error is a classified error. Observed holds the last element or page state
// seen before the failure, when there is one.
type Error struct {
	Kind     Kind
	Message  string
	Err      error
	Observed any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithObserved attaches the last observed state to err. Unclassified errors
// are wrapped as Internal.
func WithObserved(err error, observed any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Observed = observed
		return &cp
	}
	return &Error{Kind: Internal, Err: err, Observed: observed}
}

// KindOf returns the kind of err. Context cancellation maps to Canceled and
// anything unclassified to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ObservedOf returns the observed state attached to err, if any.
func ObservedOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Observed
	}
	return nil
}

// IsFailure reports whether the error is an assertion outcome rather than an
// infrastructure fault.
func IsFailure(err error) bool {
	return KindOf(err) == AssertionFailure
}

// Annotate prefixes err's message with context, keeping its kind and
// observed state. Unclassified errors are wrapped as Internal.
func Annotate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindOf(err), Message: msg, Err: err}
	}
	cp := *e
	if cp.Message == "" {
		cp.Message = msg
	} else {
		cp.Message = msg + ": " + cp.Message
	}
	return &cp
}
