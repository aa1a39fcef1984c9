// Package roddriver drives Chrome with go-rod. Sessions are incognito
// browser contexts of one shared browser.
package roddriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/copyleftdev/scryrun/internal/config"
	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
)

var _ driver.Driver = (*Driver)(nil)

type Driver struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	logger   *zap.Logger
	sem      *semaphore.Weighted
}

func New(cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", "rod"))

	controlURL := cfg.RemoteURL
	var l *launcher.Launcher
	if controlURL == "" {
		l = launcher.New().
			Headless(cfg.Headless).
			NoSandbox(true).
			Set("mute-audio").
			Set("autoplay-policy", "no-user-gesture-required")
		if cfg.ExecutablePath != "" {
			l = l.Bin(cfg.ExecutablePath)
		}
		if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
			l = l.Set("window-size", fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight))
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if cfg.Debug {
		b = b.Logger(zap.NewStdLog(logger)).Trace(true)
	}
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return &Driver{
		launcher: l,
		browser:  b,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(maxSessions)),
	}, nil
}

func (d *Driver) Name() string { return "rod" }

func (d *Driver) NewSession(ctx context.Context) (driver.Session, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.Canceled, err, "failed to acquire browser slot")
	}

	incognito, err := d.browser.Incognito()
	if err != nil {
		d.sem.Release(1)
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	pg, err := incognito.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		d.sem.Release(1)
		return nil, fmt.Errorf("open page: %w", err)
	}

	p := &page{
		page:    pg.Context(context.Background()),
		browser: incognito,
		release: func() {
			_ = incognito.Close()
			d.sem.Release(1)
		},
	}
	return driver.NewPageSession(p, d.logger), nil
}

func (d *Driver) Close() error {
	if d.launcher == nil {
		return nil
	}
	err := d.browser.Close()
	d.launcher.Kill()
	d.launcher.Cleanup()
	return err
}

type page struct {
	page    *rod.Page
	browser *rod.Browser
	release func()

	closeOnce sync.Once
}

func (p *page) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		var navErr *rod.NavigationError
		if errors.As(err, &navErr) {
			return errs.Wrap(errs.NavigationTimeout, err, "navigate %s", url)
		}
		return err
	}
	return pg.WaitLoad()
}

func (p *page) Eval(ctx context.Context, expr string) (json.RawMessage, error) {
	res, err := p.page.Context(ctx).Evaluate(rod.Eval("() => " + expr).ByPromise())
	if err != nil {
		var evalErr *rod.EvalError
		if errors.As(err, &evalErr) {
			return nil, errs.Wrap(errs.ScriptEvaluation, err, "evaluate")
		}
		return nil, err
	}
	if res.Value.Nil() {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(res.Value)
}

func (p *page) Click(ctx context.Context, x, y float64) error {
	pg := p.page.Context(ctx)
	for _, ev := range []proto.InputDispatchMouseEvent{
		{Type: proto.InputDispatchMouseEventTypeMouseMoved, X: x, Y: y},
		{Type: proto.InputDispatchMouseEventTypeMousePressed, X: x, Y: y, Button: proto.InputMouseButtonLeft, ClickCount: 1},
		{Type: proto.InputDispatchMouseEventTypeMouseReleased, X: x, Y: y, Button: proto.InputMouseButtonLeft, ClickCount: 1},
	} {
		if err := ev.Call(pg); err != nil {
			return err
		}
	}
	return nil
}

func (p *page) InsertText(ctx context.Context, text string) error {
	return proto.InputInsertText{Text: text}.Call(p.page.Context(ctx))
}

func (p *page) Press(ctx context.Context, key string) error {
	k, ok := keyFor(key)
	if !ok {
		return p.InsertText(ctx, key)
	}
	pg := p.page.Context(ctx)
	if err := k.Encode(proto.InputDispatchKeyEventTypeKeyDown, 0).Call(pg); err != nil {
		return err
	}
	return k.Encode(proto.InputDispatchKeyEventTypeKeyUp, 0).Call(pg)
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, nil)
}

func (p *page) AwaitPopup(ctx context.Context, trigger func(context.Context) error) (driver.Page, error) {
	wait := p.page.Context(ctx).WaitOpen()
	if err := trigger(ctx); err != nil {
		return nil, err
	}
	popup, err := wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &page{page: popup.Context(context.Background()), browser: p.browser, release: func() {}}, nil
}

func (p *page) GrantPermissions(ctx context.Context, origin string, permissions []string) error {
	perms := make([]proto.BrowserPermissionType, len(permissions))
	for i, name := range permissions {
		perms[i] = proto.BrowserPermissionType(name)
	}
	return proto.BrowserGrantPermissions{
		Permissions:      perms,
		Origin:           origin,
		BrowserContextID: p.browser.BrowserContextID,
	}.Call(p.browser.Context(ctx))
}

func (p *page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.page.Close()
		p.release()
	})
	return err
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"Escape":     input.Escape,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"Space":      input.Space,
}

// keyFor maps a DOM key name to a rod key. Single printable ASCII
// characters map to themselves; anything else has no key and is inserted
// as text instead.
func keyFor(name string) (input.Key, bool) {
	if k, ok := namedKeys[name]; ok {
		return k, true
	}
	if len(name) == 1 && name[0] >= 0x20 && name[0] < 0x7f {
		return input.Key(name[0]), true
	}
	return 0, false
}
