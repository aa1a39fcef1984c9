// Package fakedriver is an in-memory driver.Driver for executor and suite
// tests. Sites are described as element lists; every session builds fresh
// pages, so sessions share no state.
package fakedriver

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

var (
	_ driver.Driver  = (*Driver)(nil)
	_ driver.Session = (*Session)(nil)
)

// Site builds the page served for u. It is called on every navigation and
// must return a fresh Page each time.
type Site func(u *url.URL) *Page

// Element is one node of a fake page.
type Element struct {
	ID     string
	Parent string
	Tag    string
	Text   string
	Label  string
	Role   string
	Attrs  map[string]string
	Rect   driver.Rect

	Hidden   bool
	Disabled bool
	// AppearAfter and EnableAfter are measured from page load.
	AppearAfter time.Duration
	EnableAfter time.Duration

	// OnClick runs with the page locked.
	OnClick func(p *Page)
	// Popup is the URL a click opens in a new top-level page.
	Popup string
}

// Page is the live state of one fake document.
type Page struct {
	Title    string
	Elements []*Element
	// Scripts answers page-level evaluate calls by exact script text.
	Scripts map[string]func(p *Page) (any, error)
	// OnScroll runs with the page locked after any scroll action.
	OnScroll func(p *Page)
	// OnLoad runs once the page is attached to its session's storage.
	OnLoad func(p *Page)

	mu       sync.Mutex
	url      string
	loadedAt time.Time
	storage  map[string]string
	keys     []string
	scrolled int
}

// Add appends elements and returns the page for chaining.
func (p *Page) Add(els ...*Element) *Page {
	p.Elements = append(p.Elements, els...)
	return p
}

// Keys returns the keys pressed on the page so far.
func (p *Page) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// Storage returns the value stored under key in the session's local
// storage.
func (p *Page) Storage(key string) (string, bool) {
	v, ok := p.storage[key]
	return v, ok
}

// SetStorage writes to the session's local storage.
func (p *Page) SetStorage(key, value string) { p.storage[key] = value }

// Scrolls counts scroll actions performed on the page.
func (p *Page) Scrolls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrolled
}

// Element returns the element with id, or nil. Callers inside OnClick or
// OnScroll already hold the lock.
func (p *Page) Element(id string) *Element {
	if id == "" {
		return nil
	}
	for _, el := range p.Elements {
		if el.ID == id {
			return el
		}
	}
	return nil
}

func (p *Page) present(el *Element) bool {
	return time.Since(p.loadedAt) >= el.AppearAfter
}

func (p *Page) visible(el *Element) bool {
	if !p.present(el) || el.Hidden {
		return false
	}
	if el.Parent != "" {
		if parent := p.Element(el.Parent); parent != nil {
			return p.visible(parent)
		}
	}
	return true
}

func (p *Page) enabled(el *Element) bool {
	return !el.Disabled && time.Since(p.loadedAt) >= el.EnableAfter
}

// Driver serves Sites keyed by host+path. The "*" key catches everything
// else.
type Driver struct {
	mu      sync.Mutex
	sites   map[string]Site
	opened  int
	closes  map[string]int
	perms   map[string][]string
	fail    error
	latency time.Duration
	act     time.Duration
	slots   *semaphore.Weighted
	live    int
	peak    int
}

func New() *Driver {
	return &Driver{
		sites:  make(map[string]Site),
		closes: make(map[string]int),
		perms:  make(map[string][]string),
	}
}

// Handle registers site for a URL without scheme, e.g. "yral.com/wallet".
func (d *Driver) Handle(hostPath string, site Site) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sites[strings.TrimSuffix(hostPath, "/")] = site
}

// FailSessions makes NewSession return err.
func (d *Driver) FailSessions(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

// SetLatency delays every session operation by lat. Operations still honour
// their context.
func (d *Driver) SetLatency(lat time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = lat
}

// SetActLatency delays every Act by lat on top of any session latency.
func (d *Driver) SetActLatency(lat time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.act = lat
}

// LimitSessions makes NewSession block until one of n slots is free, the
// way the browser backends do. Closing a session frees its slot.
func (d *Driver) LimitSessions(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots = semaphore.NewWeighted(int64(n))
}

// PeakSessions is the most sessions that were open at once.
func (d *Driver) PeakSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

func (d *Driver) Name() string { return "fake" }

func (d *Driver) NewSession(ctx context.Context) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Canceled, err, "failed to acquire browser slot")
	}
	d.mu.Lock()
	slots := d.slots
	d.mu.Unlock()
	if slots != nil {
		if err := slots.Acquire(ctx, 1); err != nil {
			return nil, errs.Wrap(errs.Canceled, err, "failed to acquire browser slot")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		if slots != nil {
			slots.Release(1)
		}
		return nil, d.fail
	}
	d.opened++
	d.live++
	d.peak = max(d.peak, d.live)
	s := d.newSession(nil)
	s.owned, s.slots = true, slots
	return s, nil
}

func (d *Driver) newSession(storage map[string]string) *Session {
	if storage == nil {
		storage = make(map[string]string)
	}
	return &Session{id: uuid.NewString(), driver: d, storage: storage}
}

func (d *Driver) Close() error { return nil }

// Opened is the number of top-level sessions created.
func (d *Driver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// CloseCounts maps session IDs to the number of times the session was
// actually released.
func (d *Driver) CloseCounts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.closes))
	for k, v := range d.closes {
		out[k] = v
	}
	return out
}

// Permissions returns the permissions granted for origin.
func (d *Driver) Permissions(origin string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.perms[origin]...)
}

func (d *Driver) site(u *url.URL) (Site, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.TrimSuffix(u.Host+u.Path, "/")
	if s, ok := d.sites[key]; ok {
		return s, true
	}
	s, ok := d.sites["*"]
	return s, ok
}

// Session is one fake browsing context. Popups share its storage.
type Session struct {
	id      string
	driver  *Driver
	storage map[string]string

	mu     sync.Mutex
	page   *Page
	closed bool
	// owned sessions came from NewSession and hold a slot; popups do not.
	owned bool
	slots *semaphore.Weighted
}

func (s *Session) ID() string { return s.id }

// Page returns the current page, or nil before the first navigation.
func (s *Session) Page() *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *Session) current(ctx context.Context) (*Page, error) {
	s.driver.mu.Lock()
	lat := s.driver.latency
	s.driver.mu.Unlock()
	if lat > 0 {
		t := time.NewTimer(lat)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session closed")
	}
	if s.page == nil {
		return nil, errs.New(errs.Internal, "no page loaded")
	}
	return s.page, nil
}

func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session closed")
	}
	p, err := s.load(rawURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.page = p
	s.mu.Unlock()
	return nil
}

func (s *Session) load(rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errs.Wrap(errs.NavigationTimeout, err, "navigate %s", rawURL)
	}
	site, ok := s.driver.site(u)
	if !ok {
		return nil, errs.New(errs.NavigationTimeout, "navigate %s: no route", rawURL)
	}
	p := site(u)
	p.url = rawURL
	p.loadedAt = time.Now()
	p.storage = s.storage
	if p.OnLoad != nil {
		p.OnLoad(p)
	}
	return p, nil
}

func (s *Session) Find(ctx context.Context, loc scenario.Locator) ([]driver.Handle, error) {
	p, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.query(loc))
	hs := make([]driver.Handle, n)
	for i := range hs {
		hs[i] = driver.Handle{Locator: loc, Index: i}
	}
	return hs, nil
}

func (s *Session) lookup(p *Page, h driver.Handle) (*Element, error) {
	els := p.query(h.Locator)
	if h.Index >= len(els) {
		return nil, errs.New(errs.ElementNotFound, "no element for %s (index %d of %d)", &h.Locator, h.Index, len(els))
	}
	return els[h.Index], nil
}

func (s *Session) ReadState(ctx context.Context, h driver.Handle) (driver.ElementState, error) {
	p, err := s.current(ctx)
	if err != nil {
		return driver.ElementState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, err := s.lookup(p, h)
	if err != nil {
		return driver.ElementState{}, err
	}
	attrs := make(map[string]string, len(el.Attrs))
	for k, v := range el.Attrs {
		attrs[k] = v
	}
	return driver.ElementState{
		Present:    true,
		Visible:    p.visible(el),
		Enabled:    p.enabled(el),
		Tag:        el.Tag,
		Text:       el.Text,
		Attributes: attrs,
		Rect:       el.Rect,
	}, nil
}

func (s *Session) Act(ctx context.Context, h driver.Handle, a scenario.Action) error {
	p, err := s.current(ctx)
	if err != nil {
		return err
	}
	s.driver.mu.Lock()
	lat := s.driver.act
	s.driver.mu.Unlock()
	if lat > 0 {
		t := time.NewTimer(lat)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, err := s.lookup(p, h)
	if err != nil {
		return err
	}
	switch a.Type {
	case scenario.ActionClick:
		if el.OnClick != nil {
			el.OnClick(p)
		}
	case scenario.ActionFill:
		el.Text = a.Text
	case scenario.ActionKeyPress:
		p.keys = append(p.keys, a.Key)
	case scenario.ActionScroll, scenario.ActionScrollIntoView:
		p.scrolled++
		if p.OnScroll != nil {
			p.OnScroll(p)
		}
	default:
		return fmt.Errorf("unsupported action %q", a.Type)
	}
	return nil
}

// Evaluate answers "el.<attr>" element scripts from attributes, a few
// document properties, and anything registered in Page.Scripts.
func (s *Session) Evaluate(ctx context.Context, h *driver.Handle, script string) (any, error) {
	p, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h != nil {
		el, err := s.lookup(p, *h)
		if err != nil {
			return nil, err
		}
		if name, ok := strings.CutPrefix(script, "el."); ok {
			if name == "textContent" || name == "innerText" {
				return el.Text, nil
			}
			v, ok := el.Attrs[name]
			if !ok {
				return nil, nil
			}
			return scalar(v), nil
		}
		return nil, errs.New(errs.ScriptEvaluation, "unsupported element script %q", script)
	}
	if fn, ok := p.Scripts[script]; ok {
		return fn(p)
	}
	switch {
	case script == "document.title":
		return p.Title, nil
	case strings.HasPrefix(script, "localStorage.setItem("):
		k, v := twoArgs(script)
		p.storage[k] = v
		return nil, nil
	case strings.HasPrefix(script, "localStorage.getItem("):
		k, _ := twoArgs(script)
		if v, ok := p.storage[k]; ok {
			return v, nil
		}
		return nil, nil
	}
	return nil, errs.New(errs.ScriptEvaluation, "unsupported script %q", script)
}

func scalar(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func twoArgs(call string) (string, string) {
	open := strings.IndexByte(call, '(')
	inner := strings.TrimSuffix(strings.TrimSpace(call[open+1:]), ")")
	var out []string
	for _, part := range strings.Split(inner, ",") {
		out = append(out, strings.Trim(strings.TrimSpace(part), `'"`))
	}
	for len(out) < 2 {
		out = append(out, "")
	}
	return out[0], out[1]
}

func (s *Session) AwaitPopup(ctx context.Context, trigger driver.Handle) (driver.Session, error) {
	p, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	el, err := s.lookup(p, trigger)
	if err == nil && el.OnClick != nil {
		el.OnClick(p)
	}
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if el.Popup == "" {
		<-ctx.Done()
		return nil, errs.Wrap(errs.PopupNotOpened, ctx.Err(), "no popup after clicking %s", &trigger.Locator)
	}
	child := s.driver.newSession(s.storage)
	if err := child.Navigate(ctx, el.Popup); err != nil {
		return nil, err
	}
	return child, nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	p, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return []byte("PNG " + p.url), nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	p, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Title, nil
}

func (s *Session) URL(ctx context.Context) (string, error) {
	p, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	return p.url, nil
}

// HTML renders present elements as a flat document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	p, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body>", p.Title)
	for _, el := range p.Elements {
		if !p.present(el) {
			continue
		}
		tag := el.Tag
		if tag == "" {
			tag = "div"
		}
		fmt.Fprintf(&b, "<%s", tag)
		if el.ID != "" {
			fmt.Fprintf(&b, ` id="%s"`, el.ID)
		}
		for k, v := range el.Attrs {
			fmt.Fprintf(&b, ` %s="%s"`, k, v)
		}
		fmt.Fprintf(&b, ">%s</%s>", el.Text, tag)
	}
	b.WriteString("</body></html>")
	return b.String(), nil
}

func (s *Session) GrantPermissions(ctx context.Context, origin string, permissions ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	s.driver.perms[origin] = append(s.driver.perms[origin], permissions...)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.driver.mu.Lock()
	s.driver.closes[s.id]++
	if s.owned {
		s.driver.live--
	}
	s.driver.mu.Unlock()
	if s.owned && s.slots != nil {
		s.slots.Release(1)
	}
	return nil
}
