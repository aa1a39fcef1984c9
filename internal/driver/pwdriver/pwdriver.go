// Package pwdriver drives Chromium through playwright-go.
package pwdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/copyleftdev/scryrun/internal/config"
	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
)

var _ driver.Driver = (*Driver)(nil)

// defaultTimeout bounds playwright calls made with a context that has no
// deadline. playwright-go takes millisecond timeouts, not contexts.
const defaultTimeout = 30 * time.Second

type Driver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	cfg     config.BrowserConfig
	logger  *zap.Logger
	sem     *semaphore.Weighted
}

func New(cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", "playwright"))

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	var b playwright.Browser
	if cfg.RemoteURL != "" {
		b, err = pw.Chromium.ConnectOverCDP(cfg.RemoteURL)
	} else {
		opts := playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(cfg.Headless),
			Args: []string{
				"--no-sandbox",
				"--mute-audio",
				"--autoplay-policy=no-user-gesture-required",
			},
		}
		if cfg.ExecutablePath != "" {
			opts.ExecutablePath = playwright.String(cfg.ExecutablePath)
		}
		b, err = pw.Chromium.Launch(opts)
	}
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return &Driver{
		pw:      pw,
		browser: b,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(maxSessions)),
	}, nil
}

func (d *Driver) Name() string { return "playwright" }

func (d *Driver) NewSession(ctx context.Context) (driver.Session, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.Canceled, err, "failed to acquire browser slot")
	}

	opts := playwright.BrowserNewContextOptions{IgnoreHttpsErrors: playwright.Bool(true)}
	if d.cfg.WindowWidth > 0 && d.cfg.WindowHeight > 0 {
		opts.Viewport = &playwright.Size{Width: d.cfg.WindowWidth, Height: d.cfg.WindowHeight}
	}
	bctx, err := d.browser.NewContext(opts)
	if err != nil {
		d.sem.Release(1)
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	pg, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		d.sem.Release(1)
		return nil, fmt.Errorf("open page: %w", err)
	}

	p := &page{
		page: pg,
		release: func() {
			_ = bctx.Close()
			d.sem.Release(1)
		},
	}
	return driver.NewPageSession(p, d.logger), nil
}

func (d *Driver) Close() error {
	var err error
	if d.cfg.RemoteURL == "" {
		err = d.browser.Close()
	}
	return errors.Join(err, d.pw.Stop())
}

// timeoutMS converts the time left on ctx into a playwright timeout.
func timeoutMS(ctx context.Context) *float64 {
	left := defaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		left = time.Until(dl)
		if left < time.Millisecond {
			left = time.Millisecond
		}
	}
	return playwright.Float(float64(left.Milliseconds()))
}

// classify maps playwright's sentinel errors onto the error taxonomy.
func classify(ctx context.Context, err error, kind errs.Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, playwright.ErrTargetClosed) {
		kind = errs.Internal
	}
	return errs.Wrap(kind, err, format, args...)
}

type page struct {
	page    playwright.Page
	release func()

	closeOnce sync.Once
}

func (p *page) Navigate(ctx context.Context, url string) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMS(ctx),
	})
	return classify(ctx, err, errs.NavigationTimeout, "navigate %s", url)
}

func (p *page) Eval(ctx context.Context, expr string) (json.RawMessage, error) {
	p.page.SetDefaultTimeout(*timeoutMS(ctx))
	v, err := p.page.Evaluate("() => " + expr)
	if err != nil {
		return nil, classify(ctx, err, errs.ScriptEvaluation, "evaluate")
	}
	if v == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}

func (p *page) Click(ctx context.Context, x, y float64) error {
	return classify(ctx, p.page.Mouse().Click(x, y), errs.Internal, "click")
}

func (p *page) InsertText(ctx context.Context, text string) error {
	return classify(ctx, p.page.Keyboard().InsertText(text), errs.Internal, "insert text")
}

func (p *page) Press(ctx context.Context, key string) error {
	return classify(ctx, p.page.Keyboard().Press(key), errs.Internal, "press %s", key)
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	buf, err := p.page.Screenshot(playwright.PageScreenshotOptions{Timeout: timeoutMS(ctx)})
	if err != nil {
		return nil, classify(ctx, err, errs.Internal, "screenshot")
	}
	return buf, nil
}

func (p *page) AwaitPopup(ctx context.Context, trigger func(context.Context) error) (driver.Page, error) {
	popup, err := p.page.ExpectPopup(func() error {
		return trigger(ctx)
	}, playwright.PageExpectPopupOptions{Timeout: timeoutMS(ctx)})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := popup.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: timeoutMS(ctx),
	}); err != nil {
		_ = popup.Close()
		return nil, classify(ctx, err, errs.NavigationTimeout, "popup load")
	}
	return &page{page: popup, release: func() {}}, nil
}

func (p *page) GrantPermissions(ctx context.Context, origin string, permissions []string) error {
	err := p.page.Context().GrantPermissions(permissions, playwright.BrowserContextGrantPermissionsOptions{
		Origin: playwright.String(origin),
	})
	return classify(ctx, err, errs.Internal, "grant permissions")
}

func (p *page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.page.Close()
		if errors.Is(err, playwright.ErrTargetClosed) {
			err = nil
		}
		p.release()
	})
	return err
}
