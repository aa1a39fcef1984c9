package fakedriver

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

func menuSite(u *url.URL) *Page {
	p := &Page{Title: "Yral"}
	return p.Add(
		&Element{ID: "nav", Tag: "nav", Rect: driver.Rect{Width: 400, Height: 40}},
		&Element{ID: "settings", Parent: "nav", Tag: "span", Text: "Settings", Rect: driver.Rect{X: 10, Width: 60, Height: 20}},
		&Element{ID: "gear", Parent: "nav", Tag: "svg", Rect: driver.Rect{X: 80, Width: 20, Height: 20},
			OnClick: func(p *Page) { p.Element("notify").Hidden = false }},
		&Element{ID: "far", Tag: "svg", Rect: driver.Rect{X: 300, Width: 20, Height: 20}},
		&Element{ID: "notify", Tag: "div", Text: "Enable Notifications", Hidden: true},
		&Element{ID: "login", Tag: "button", Text: "Login", Attrs: map[string]string{"class": "btn primary"}},
		&Element{ID: "claim", Tag: "button", Text: "Login to claim your COYNs", EnableAfter: 30 * time.Millisecond},
		&Element{ID: "late", Tag: "span", Text: "1000", AppearAfter: 30 * time.Millisecond},
		&Element{ID: "google", Tag: "button", Text: "Google Sign-In", Popup: "https://accounts.example.com/auth"},
	)
}

func newDriver() *Driver {
	d := New()
	d.Handle("yral.com/menu", menuSite)
	d.Handle("accounts.example.com/auth", func(*url.URL) *Page {
		return (&Page{Title: "Sign in"}).Add(&Element{Tag: "p", Text: "Choose an account"})
	})
	return d
}

func open(t *testing.T, d *Driver) driver.Session {
	t.Helper()
	s, err := d.NewSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Navigate(context.Background(), "https://yral.com/menu"))
	return s
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	s := open(t, newDriver())
	defer s.Close()

	tests := []struct {
		name string
		loc  scenario.Locator
		want int
	}{
		{"text", scenario.Locator{Text: "Login"}, 1},
		{"contains", scenario.Locator{Text: "Login", Contains: true}, 2},
		{"role", scenario.Locator{Role: "button"}, 3},
		{"role and name", scenario.Locator{Role: "button", Name: "COYNs", Contains: true}, 1},
		{"css class", scenario.Locator{CSS: "button.primary"}, 1},
		{"css descendant", scenario.Locator{CSS: "nav svg"}, 1},
		{"within", scenario.Locator{CSS: "svg", Within: &scenario.Locator{CSS: "#nav"}}, 1},
		{"right of", scenario.Locator{CSS: "svg", RightOf: &scenario.Locator{Text: "Settings"}}, 2},
		{"nth", scenario.Locator{Role: "button", Nth: 1}, 1},
		{"nth out of range", scenario.Locator{Role: "button", Nth: 9}, 0},
		{"not yet present", scenario.Locator{Text: "1000"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs, err := s.Find(ctx, tt.loc)
			require.NoError(t, err)
			assert.Len(t, hs, tt.want)
		})
	}
}

func TestRightOfPicksNearest(t *testing.T) {
	ctx := context.Background()
	s := open(t, newDriver())
	defer s.Close()

	h := driver.Handle{Locator: scenario.Locator{CSS: "svg", RightOf: &scenario.Locator{Text: "Settings"}}}
	require.NoError(t, s.Act(ctx, h, scenario.Action{Type: scenario.ActionClick}))

	st, err := s.ReadState(ctx, driver.Handle{Locator: scenario.Locator{Text: "Enable Notifications"}})
	require.NoError(t, err)
	assert.True(t, st.Visible)
}

func TestTimedState(t *testing.T) {
	ctx := context.Background()
	s := open(t, newDriver())
	defer s.Close()

	claim := driver.Handle{Locator: scenario.Locator{Text: "Login to claim your COYNs"}}
	st, err := s.ReadState(ctx, claim)
	require.NoError(t, err)
	assert.False(t, st.Enabled)

	_, err = s.ReadState(ctx, driver.Handle{Locator: scenario.Locator{Text: "1000"}})
	assert.Equal(t, errs.ElementNotFound, errs.KindOf(err))

	time.Sleep(40 * time.Millisecond)
	st, err = s.ReadState(ctx, claim)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
}

func TestPopupAndIsolation(t *testing.T) {
	ctx := context.Background()
	d := newDriver()
	a := open(t, d)
	b := open(t, d)

	_, err := a.Evaluate(ctx, nil, "localStorage.setItem('actor', 'a')")
	require.NoError(t, err)
	v, err := b.Evaluate(ctx, nil, "localStorage.getItem('actor')")
	require.NoError(t, err)
	assert.Nil(t, v)

	popup, err := a.AwaitPopup(ctx, driver.Handle{Locator: scenario.Locator{Text: "Google Sign-In"}})
	require.NoError(t, err)
	title, err := popup.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Sign in", title)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = a.AwaitPopup(short, driver.Handle{Locator: scenario.Locator{Text: "Login"}})
	assert.Equal(t, errs.PopupNotOpened, errs.KindOf(err))

	for _, s := range []driver.Session{a, b, popup} {
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
	}
	assert.Equal(t, 2, d.Opened())
	for id, n := range d.CloseCounts() {
		assert.Equal(t, 1, n, id)
	}
}

func TestEvaluateElementScript(t *testing.T) {
	ctx := context.Background()
	d := New()
	d.Handle("*", func(*url.URL) *Page {
		return (&Page{}).Add(&Element{Tag: "video", Attrs: map[string]string{"paused": "false", "muted": "true"}})
	})
	s, err := d.NewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Navigate(ctx, "https://yral.com/"))

	h := &driver.Handle{Locator: scenario.Locator{CSS: "video"}}
	v, err := s.Evaluate(ctx, h, "el.paused")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	_, err = s.Evaluate(ctx, nil, "window.boom()")
	assert.Equal(t, errs.ScriptEvaluation, errs.KindOf(err))
}
