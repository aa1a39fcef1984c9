// Package cdpdriver drives Chrome over the DevTools protocol with chromedp.
package cdpdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/copyleftdev/scryrun/internal/config"
	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/logging"
)

// Compile-time check to ensure Driver implements the interface
var _ driver.Driver = (*Driver)(nil)

// Driver owns one browser. Every session is a separate browser context in
// it, so sessions share no cookies or storage.
type Driver struct {
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	cfg             config.BrowserConfig
	logger          *zap.Logger
	sem             *semaphore.Weighted
	activeCtxWg     sync.WaitGroup
}

func New(cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", "chromedp"))

	var allocatorCtx context.Context
	var cancel context.CancelFunc
	if cfg.RemoteURL != "" {
		allocatorCtx, cancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("mute-audio", true),
			chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
			chromedp.IgnoreCertErrors,
		)
		if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
			opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
		}
		if cfg.ExecutablePath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ExecutablePath))
		}
		allocatorCtx, cancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	ctxOpts := []chromedp.ContextOption{chromedp.WithErrorf(logging.Errorf(logger))}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logging.Printf(logger)))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx, ctxOpts...)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return &Driver{
		allocatorCtx:    allocatorCtx,
		allocatorCancel: cancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		cfg:             cfg,
		logger:          logger,
		sem:             semaphore.NewWeighted(int64(maxSessions)),
	}, nil
}

func (d *Driver) Name() string { return "chromedp" }

// NewSession blocks until a session slot is free or ctx is done.
func (d *Driver) NewSession(ctx context.Context) (driver.Session, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.Canceled, err, "failed to acquire browser slot")
	}
	d.activeCtxWg.Add(1)
	release := func() {
		d.sem.Release(1)
		d.activeCtxWg.Done()
	}

	tabCtx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithNewBrowserContext())
	p := &page{ctx: tabCtx, cancel: cancel, release: release, logger: d.logger}
	rctx, done := p.bind(ctx)
	defer done()
	if err := chromedp.Run(rctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("open browser context: %w", err)
	}
	return driver.NewPageSession(p, d.logger), nil
}

// Close waits for open sessions up to the shutdown timeout, then stops the
// browser.
func (d *Driver) Close() error {
	done := make(chan struct{})
	go func() {
		d.activeCtxWg.Wait()
		close(done)
	}()

	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("shutdown timed out waiting for sessions")
	}

	var err error
	if d.cfg.RemoteURL == "" {
		// a remote browser outlives us
		err = chromedp.Cancel(d.browserCtx)
	}
	d.browserCancel()
	d.allocatorCancel()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// page is one chromedp target.
type page struct {
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	logger  *zap.Logger

	closeOnce sync.Once
}

// bind derives a context that carries the target from p.ctx and the
// deadline and cancellation of the caller's ctx.
func (p *page) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	rctx, cancel := context.WithCancel(p.ctx)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		rctx, cancelDeadline = context.WithDeadline(rctx, dl)
		inner := cancel
		cancel = func() { cancelDeadline(); inner() }
	}
	stop := context.AfterFunc(ctx, cancel)
	return rctx, func() {
		stop()
		cancel()
	}
}

func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, done := p.bind(ctx)
	defer done()
	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func (p *page) Eval(ctx context.Context, expr string) (json.RawMessage, error) {
	var raw []byte
	err := p.run(ctx, chromedp.Evaluate(expr, &raw, awaitPromise))
	if err != nil {
		var exc *runtime.ExceptionDetails
		if errors.As(err, &exc) {
			return nil, errs.Wrap(errs.ScriptEvaluation, err, "evaluate")
		}
		return nil, err
	}
	if len(raw) == 0 {
		raw = []byte("null")
	}
	return raw, nil
}

func (p *page) Click(ctx context.Context, x, y float64) error {
	return p.run(ctx, chromedp.MouseClickXY(x, y))
}

func (p *page) InsertText(ctx context.Context, text string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
}

func (p *page) Press(ctx context.Context, key string) error {
	return p.run(ctx, chromedp.KeyEvent(keyFor(key)))
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *page) AwaitPopup(ctx context.Context, trigger func(context.Context) error) (driver.Page, error) {
	rctx, done := p.bind(ctx)
	defer done()

	opener := chromedp.FromContext(p.ctx).Target.TargetID
	ch := chromedp.WaitNewTarget(rctx, func(info *target.Info) bool {
		return info.Type == "page" && info.OpenerID == opener
	})
	if err := trigger(ctx); err != nil {
		return nil, err
	}

	select {
	case id := <-ch:
		popupCtx, cancel := chromedp.NewContext(p.ctx, chromedp.WithTargetID(id))
		child := &page{ctx: popupCtx, cancel: cancel, release: func() {}, logger: p.logger}
		if err := child.run(ctx); err != nil {
			_ = child.Close()
			return nil, fmt.Errorf("attach popup: %w", err)
		}
		return child, nil
	case <-rctx.Done():
		return nil, rctx.Err()
	}
}

func (p *page) GrantPermissions(ctx context.Context, origin string, permissions []string) error {
	perms := make([]browser.PermissionType, len(permissions))
	for i, name := range permissions {
		perms[i] = browser.PermissionType(name)
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := browser.GrantPermissions(perms).WithOrigin(origin)
		if c := chromedp.FromContext(ctx); c != nil && c.BrowserContextID != "" {
			params = params.WithBrowserContextID(c.BrowserContextID)
		}
		return params.Do(ctx)
	}))
}

func (p *page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = chromedp.Cancel(p.ctx)
		p.cancel()
		p.release()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}
