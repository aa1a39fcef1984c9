// Package drivertest holds the behaviour every browser backend must share,
// run against a local fixture page.
package drivertest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

// SkipUnlessBrowser skips live-browser tests in -short mode and unless
// SCRYRUN_BROWSER_TESTS=1.
func SkipUnlessBrowser(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	if os.Getenv("SCRYRUN_BROWSER_TESTS") != "1" {
		t.Skip("set SCRYRUN_BROWSER_TESTS=1 to run browser tests")
	}
}

const indexHTML = `<!doctype html>
<html>
<head><title>Yral</title></head>
<body>
<nav style="display:flex;gap:8px;align-items:center">
  <span id="settings-label">Settings</span>
  <svg id="gear" width="24" height="24"><rect width="24" height="24" fill="gray"></rect></svg>
</nav>
<h1>Menu</h1>
<button id="login">Login</button>
<button id="claim" disabled>Login to claim your COYNs</button>
<label for="email">Email</label>
<input id="email" placeholder="you@example.com">
<div id="notify" style="display:none">Enable Notifications</div>
<button id="google" onclick="window.open('/popup', 'auth', 'width=480,height=480')">Google Sign-In</button>
<script>
document.getElementById('gear').addEventListener('click', () => {
  document.getElementById('notify').style.display = 'block';
});
</script>
</body>
</html>`

const popupHTML = `<!doctype html><html><head><title>Popup</title></head><body><p>Choose an account</p></body></html>`

// NewFixtureServer serves the fixture pages.
func NewFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/popup", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(popupHTML))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(indexHTML))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func one(t *testing.T, ctx context.Context, s driver.Session, loc scenario.Locator) driver.Handle {
	t.Helper()
	hs, err := s.Find(ctx, loc)
	require.NoError(t, err)
	require.Len(t, hs, 1, "locator %s", &loc)
	return hs[0]
}

// Run exercises d against the fixture server.
func Run(t *testing.T, d driver.Driver) {
	srv := NewFixtureServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s, err := d.NewSession(ctx)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Navigate(ctx, srv.URL))

	t.Run("title", func(t *testing.T) {
		title, err := s.Title(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Yral", title)
	})

	t.Run("text and state", func(t *testing.T) {
		st, err := s.ReadState(ctx, one(t, ctx, s, scenario.Locator{Text: "Login"}))
		require.NoError(t, err)
		assert.True(t, st.Visible)
		assert.True(t, st.Enabled)

		claim := one(t, ctx, s, scenario.Locator{Role: "button", Name: "COYNs", Contains: true})
		st, err = s.ReadState(ctx, claim)
		require.NoError(t, err)
		assert.False(t, st.Enabled)

		id, err := s.Evaluate(ctx, &claim, "el.id")
		require.NoError(t, err)
		assert.Equal(t, "claim", id)
	})

	t.Run("fill by label", func(t *testing.T) {
		h := one(t, ctx, s, scenario.Locator{Label: "Email"})
		require.NoError(t, s.Act(ctx, h, scenario.Action{Type: scenario.ActionFill, Text: "qa@example.com"}))
		st, err := s.ReadState(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, "qa@example.com", st.Text)
	})

	t.Run("right_of click reveals element", func(t *testing.T) {
		notify := one(t, ctx, s, scenario.Locator{Text: "Enable Notifications"})
		st, err := s.ReadState(ctx, notify)
		require.NoError(t, err)
		assert.False(t, st.Visible)

		gear := one(t, ctx, s, scenario.Locator{CSS: "svg", RightOf: &scenario.Locator{Text: "Settings"}})
		require.NoError(t, s.Act(ctx, gear, scenario.Action{Type: scenario.ActionClick}))

		st, err = s.ReadState(ctx, notify)
		require.NoError(t, err)
		assert.True(t, st.Visible)
	})

	t.Run("missing element", func(t *testing.T) {
		_, err := s.ReadState(ctx, driver.Handle{Locator: scenario.Locator{Text: "Nope"}})
		assert.Equal(t, errs.ElementNotFound, errs.KindOf(err))
	})

	t.Run("script error", func(t *testing.T) {
		_, err := s.Evaluate(ctx, nil, "null.boom")
		assert.Equal(t, errs.ScriptEvaluation, errs.KindOf(err))
	})

	t.Run("screenshot", func(t *testing.T) {
		img, err := s.Screenshot(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, img)
	})

	t.Run("popup", func(t *testing.T) {
		popup, err := s.AwaitPopup(ctx, one(t, ctx, s, scenario.Locator{Text: "Google Sign-In"}))
		require.NoError(t, err)
		defer popup.Close()

		hs, err := popup.Find(ctx, scenario.Locator{Text: "Choose an account"})
		require.NoError(t, err)
		assert.Len(t, hs, 1)
	})

	t.Run("contexts are isolated", func(t *testing.T) {
		_, err := s.Evaluate(ctx, nil, "localStorage.setItem('actor', 'a')")
		require.NoError(t, err)

		other, err := d.NewSession(ctx)
		require.NoError(t, err)
		defer other.Close()
		require.NoError(t, other.Navigate(ctx, srv.URL))

		v, err := other.Evaluate(ctx, nil, "localStorage.getItem('actor')")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		extra, err := d.NewSession(ctx)
		require.NoError(t, err)
		assert.NoError(t, extra.Close())
		assert.NoError(t, extra.Close())
	})
}
