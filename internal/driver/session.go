package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

var errSessionClosed = errors.New("session closed")

// PageSession implements Session over a backend Page.
type PageSession struct {
	id     string
	page   Page
	logger *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewPageSession wraps page. The session owns page and closes it on Close.
func NewPageSession(page Page, logger *zap.Logger) *PageSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &PageSession{
		id:     id,
		page:   page,
		logger: logger.With(zap.String("session", id)),
	}
}

func (s *PageSession) ID() string { return s.id }

// Page exposes the underlying backend page.
func (s *PageSession) Page() Page { return s.page }

func (s *PageSession) Navigate(ctx context.Context, url string) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	s.logger.Debug("navigate", zap.String("url", url))
	if err := s.page.Navigate(ctx, url); err != nil {
		if errs.KindOf(err) != errs.Internal {
			return err
		}
		return errs.Wrap(errs.NavigationTimeout, err, "navigate %s", url)
	}
	return nil
}

func (s *PageSession) resolve(ctx context.Context, req resolveRequest) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, errSessionClosed
	}
	expr, err := resolveExpr(req)
	if err != nil {
		return nil, err
	}
	raw, err := s.page.Eval(ctx, settled(expr))
	if err != nil {
		return nil, err
	}
	var resp resolveResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Wrap(errs.ScriptEvaluation, err, "decode resolver response")
	}
	if !resp.OK {
		if resp.Reason == "not_found" {
			return nil, errs.New(errs.ElementNotFound, "no element #%d for %s (%d matches)", req.Index, &req.Locator, resp.Count)
		}
		return nil, errs.New(errs.ScriptEvaluation, "resolver: %s", resp.Reason)
	}
	return resp.Value, nil
}

func (s *PageSession) Find(ctx context.Context, loc scenario.Locator) ([]Handle, error) {
	raw, err := s.resolve(ctx, resolveRequest{Locator: loc, Op: opCount})
	if err != nil {
		return nil, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, errs.Wrap(errs.ScriptEvaluation, err, "decode match count")
	}
	handles := make([]Handle, n)
	for i := range handles {
		handles[i] = Handle{Locator: loc, Index: i}
	}
	return handles, nil
}

func (s *PageSession) ReadState(ctx context.Context, h Handle) (ElementState, error) {
	raw, err := s.resolve(ctx, resolveRequest{Locator: h.Locator, Op: opState, Index: h.Index})
	if err != nil {
		return ElementState{}, err
	}
	var st ElementState
	if err := json.Unmarshal(raw, &st); err != nil {
		return ElementState{}, errs.Wrap(errs.ScriptEvaluation, err, "decode element state")
	}
	return st, nil
}

type point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (s *PageSession) Act(ctx context.Context, h Handle, a scenario.Action) error {
	s.logger.Debug("act", zap.String("action", string(a.Type)), zap.Stringer("locator", &h.Locator), zap.Int("index", h.Index))
	switch a.Type {
	case scenario.ActionClick:
		raw, err := s.resolve(ctx, resolveRequest{Locator: h.Locator, Op: opPoint, Index: h.Index})
		if err != nil {
			return err
		}
		var p point
		if err := json.Unmarshal(raw, &p); err != nil {
			return errs.Wrap(errs.ScriptEvaluation, err, "decode click point")
		}
		return s.page.Click(ctx, p.X, p.Y)
	case scenario.ActionFill:
		if _, err := s.resolve(ctx, resolveRequest{Locator: h.Locator, Op: opFocus, Index: h.Index, Select: true}); err != nil {
			return err
		}
		if a.Text == "" {
			return s.page.Press(ctx, "Backspace")
		}
		return s.page.InsertText(ctx, a.Text)
	case scenario.ActionKeyPress:
		if _, err := s.resolve(ctx, resolveRequest{Locator: h.Locator, Op: opFocus, Index: h.Index}); err != nil {
			return err
		}
		return s.page.Press(ctx, a.Key)
	case scenario.ActionScroll:
		_, err := s.resolve(ctx, resolveRequest{Locator: h.Locator, Op: opScroll, Index: h.Index, DX: a.DX, DY: a.DY})
		return err
	case scenario.ActionScrollIntoView:
		_, err := s.resolve(ctx, resolveRequest{Locator: h.Locator, Op: opScrollIntoView, Index: h.Index})
		return err
	}
	return fmt.Errorf("unsupported action %q", a.Type)
}

func (s *PageSession) Evaluate(ctx context.Context, h *Handle, script string) (any, error) {
	if s.closed.Load() {
		return nil, errSessionClosed
	}
	expr := pageScriptExpr(script)
	if h != nil {
		var err error
		if expr, err = elementScriptExpr(*h, script); err != nil {
			return nil, err
		}
	}
	raw, err := s.page.Eval(ctx, settled(expr))
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errs.Wrap(errs.ScriptEvaluation, err, "decode script result")
	}
	if m, ok := v.(map[string]any); ok && h != nil && m[missingKey] == true {
		return nil, errs.New(errs.ElementNotFound, "no element #%d for %s", h.Index, &h.Locator)
	}
	return v, nil
}

func (s *PageSession) evalString(ctx context.Context, script string) (string, error) {
	v, err := s.Evaluate(ctx, nil, script)
	if err != nil {
		return "", err
	}
	str, _ := v.(string)
	return str, nil
}

func (s *PageSession) Title(ctx context.Context) (string, error) {
	return s.evalString(ctx, "document.title")
}

func (s *PageSession) URL(ctx context.Context) (string, error) {
	return s.evalString(ctx, "location.href")
}

func (s *PageSession) HTML(ctx context.Context) (string, error) {
	return s.evalString(ctx, "document.documentElement.outerHTML")
}

func (s *PageSession) AwaitPopup(ctx context.Context, trigger Handle) (Session, error) {
	if s.closed.Load() {
		return nil, errSessionClosed
	}
	var triggerErr error
	popup, err := s.page.AwaitPopup(ctx, func(ctx context.Context) error {
		triggerErr = s.Act(ctx, trigger, scenario.Action{Type: scenario.ActionClick})
		return triggerErr
	})
	if err != nil {
		if triggerErr != nil {
			return nil, triggerErr
		}
		if errs.KindOf(err) == errs.Canceled {
			return nil, err
		}
		return nil, errs.Wrap(errs.PopupNotOpened, err, "no popup after clicking %s", &trigger.Locator)
	}
	child := NewPageSession(popup, s.logger)
	s.logger.Debug("popup opened", zap.String("popup", child.ID()))
	return child, nil
}

func (s *PageSession) Screenshot(ctx context.Context) ([]byte, error) {
	if s.closed.Load() {
		return nil, errSessionClosed
	}
	return s.page.Screenshot(ctx)
}

func (s *PageSession) GrantPermissions(ctx context.Context, origin string, permissions ...string) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	return s.page.GrantPermissions(ctx, origin, permissions)
}

func (s *PageSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.page.Close()
		s.logger.Debug("session closed")
	})
	return s.closeErr
}
