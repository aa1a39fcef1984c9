// Package driver defines the uniform browser capability surface the executor
// runs against, plus a Session implementation shared by every backend.
//
// Backends only provide the small Page primitive interface. Locator
// resolution, element state and interactions are implemented once, in an
// injected JavaScript resolver, so every backend agrees on what a locator
// means.
package driver

import (
	"context"
	"encoding/json"

	"github.com/copyleftdev/scryrun/internal/scenario"
)

// Rect is an element's bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementState is a point-in-time read of one element.
type ElementState struct {
	Present    bool              `json:"present"`
	Visible    bool              `json:"visible"`
	Enabled    bool              `json:"enabled"`
	Tag        string            `json:"tag,omitempty"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Rect       Rect              `json:"rect"`
}

// Handle addresses the Index-th match of Locator. It carries no reference to
// a live node; every use re-resolves the locator against the current page.
type Handle struct {
	Locator scenario.Locator `json:"locator"`
	Index   int              `json:"index"`
}

// Session is one isolated browsing context. Operations never retry; callers
// wrap them in wait.Until when they need to tolerate asynchronous rendering.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	Find(ctx context.Context, loc scenario.Locator) ([]Handle, error)
	ReadState(ctx context.Context, h Handle) (ElementState, error)
	Act(ctx context.Context, h Handle, a scenario.Action) error
	// Evaluate runs script against the page, or against the element h refers
	// to (bound as el) when h is non-nil.
	Evaluate(ctx context.Context, h *Handle, script string) (any, error)
	// AwaitPopup clicks trigger and returns the top-level page it opens.
	AwaitPopup(ctx context.Context, trigger Handle) (Session, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	GrantPermissions(ctx context.Context, origin string, permissions ...string) error
	// Close releases the context. Calls after the first return nil.
	Close() error
}

// Driver creates sessions on one automation backend.
type Driver interface {
	Name() string
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Page is the primitive surface a backend implements. Eval receives a
// complete expression that may evaluate to a promise; the backend awaits it
// and returns the JSON encoding of the settled value.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Eval(ctx context.Context, expr string) (json.RawMessage, error)
	Click(ctx context.Context, x, y float64) error
	InsertText(ctx context.Context, text string) error
	Press(ctx context.Context, key string) error
	Screenshot(ctx context.Context) ([]byte, error)
	// AwaitPopup runs trigger and waits for the page it opens.
	AwaitPopup(ctx context.Context, trigger func(context.Context) error) (Page, error)
	GrantPermissions(ctx context.Context, origin string, permissions []string) error
	Close() error
}
