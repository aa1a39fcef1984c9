package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/driver/fakedriver"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/executor"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

var builtinNames = []string{
	"wallet-default-balance", "wallet-balance-variant", "wallet-usdc-loading",
	"referral-flow", "menu-notifications", "profile-login-prompt",
	"home-feed-title", "feed-video-playback", "feed-like",
	"landing-board-count", "token-advanced-settings-readonly",
	"ml-feed-service", "icpump-search-service", "push-token",
}

func TestBuiltin(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	var names []string
	for _, sc := range c.All() {
		names = append(names, sc.Name)
		assert.Contains(t, sc.Source, "builtin:")
	}
	assert.ElementsMatch(t, builtinNames, names)

	sc, ok := c.Get("referral-flow")
	require.True(t, ok)
	assert.Equal(t, "builtin:referral.yaml", sc.Source)

	menu, ok := c.Get("menu-notifications")
	require.True(t, ok)
	last := menu.Steps[len(menu.Steps)-1]
	assert.Equal(t, scenario.StepWaitFor, last.Kind)
	assert.Equal(t, 5*time.Second, last.Timeout, "toggle wait is bounded on its own")
}

func TestSelect(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	names := func(scs []scenario.Scenario) []string {
		var out []string
		for _, sc := range scs {
			out = append(out, sc.Name)
		}
		return out
	}

	got, err := c.Select("wallet", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"wallet-default-balance", "wallet-balance-variant", "wallet-usdc-loading"}, names(got))

	got, err = c.Select("*-service", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ml-feed-service", "icpump-search-service"}, names(got))

	got, err = c.Select("", []string{"smoke"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wallet-default-balance", "menu-notifications", "profile-login-prompt", "home-feed-title"}, names(got))

	got, err = c.Select("wallet", []string{"smoke"})
	require.NoError(t, err)
	assert.Equal(t, []string{"wallet-default-balance"}, names(got))

	_, err = c.Select("nothing-like-this", nil)
	assert.Equal(t, errs.InvalidScenario, errs.KindOf(err))

	_, err = c.Select("[", nil)
	assert.Equal(t, errs.InvalidScenario, errs.KindOf(err))
}

const extraScenario = `
name: extra-home
steps:
  - kind: navigate
    url: /
`

func TestLoadDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "extra.yml"), []byte(extraScenario), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a scenario"), 0o644))

	c, err := Load([]string{dir}, false)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	sc, ok := c.Get("extra-home")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "nested", "extra.yml"), sc.Source)

	c, err = Load([]string{dir}, true)
	require.NoError(t, err)
	assert.Equal(t, len(builtinNames)+1, c.Len())

	dup := filepath.Join(t.TempDir(), "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("name: feed-like\nsteps:\n  - kind: navigate\n    url: /\n"), 0o644))
	_, err = Load([]string{dup}, true)
	assert.Equal(t, errs.InvalidScenario, errs.KindOf(err))
	assert.Contains(t, err.Error(), "builtin:feed.yaml")

	_, err = Load([]string{filepath.Join(dir, "missing")}, false)
	assert.Equal(t, errs.InvalidScenario, errs.KindOf(err))
}

type fakeServices struct{}

func (fakeServices) Call(_ context.Context, service, method string, _ map[string]any) ([]any, error) {
	switch service + "/" + method {
	case "feed/get_feed_clean", "feed/get_feed_nsfw":
		return []any{map[string]any{"post_id": 1}, map[string]any{"post_id": 2}}, nil
	case "search/SearchV1":
		return []any{map[string]any{"token_name": "CATZ"}}, nil
	}
	return nil, errs.New(errs.ServiceUnavailable, "unexpected %s/%s", service, method)
}

type fakePush struct {
	mu        sync.Mutex
	delivered []scenario.Notification
}

func (p *fakePush) RequestPermission(context.Context, driver.Session) (bool, error) { return true, nil }

func (p *fakePush) GetToken(context.Context, driver.Session) (string, error) {
	return "fcm-token-0123456789abcdef", nil
}

func (p *fakePush) Deliver(_ context.Context, _ driver.Session, n scenario.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, n)
	return nil
}

func (p *fakePush) Received(context.Context, driver.Session) ([]scenario.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scenario.Notification(nil), p.delivered...), nil
}

func TestBuiltinsPassAgainstFakeApp(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	env := map[string]string{"LOGIN_EMAIL": "testautomation@example.com", "LOGIN_PASSWORD": "secret"}
	for _, sc := range c.All() {
		t.Run(sc.Name, func(t *testing.T) {
			d := fakedriver.Yral(fakedriver.YralOptions{Settle: 10 * time.Millisecond})
			e, err := executor.New(d, executor.Options{
				BaseURL:      "https://yral.test",
				StepTimeout:  time.Second,
				PollInterval: 5 * time.Millisecond,
			}, zaptest.NewLogger(t),
				executor.WithServices(fakeServices{}),
				executor.WithPush(&fakePush{}),
				executor.WithEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }),
			)
			require.NoError(t, err)

			res := e.Run(context.Background(), &sc)
			require.Equal(t, scenario.Passed, res.Outcome, "step %s: %s", res.StepPath, res.Reason)
			for id, n := range d.CloseCounts() {
				assert.Equal(t, 1, n, "session %s", id)
			}
		})
	}
}

func TestBuiltinsCatchRegressions(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	tests := []struct {
		name string
		opts fakedriver.YralOptions
		kind errs.Kind
	}{
		{"menu-notifications", fakedriver.YralOptions{BrokenSettings: true}, errs.WaitTimeout},
		{"token-advanced-settings-readonly", fakedriver.YralOptions{EditableAdvanced: true}, errs.AssertionFailure},
		{"wallet-default-balance", fakedriver.YralOptions{Currency: "cents"}, errs.AssertionFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, ok := c.Get(tt.name)
			require.True(t, ok)
			e, err := executor.New(fakedriver.Yral(tt.opts), executor.Options{
				BaseURL:      "https://yral.test",
				StepTimeout:  100 * time.Millisecond,
				PollInterval: 5 * time.Millisecond,
			}, zaptest.NewLogger(t))
			require.NoError(t, err)

			res := e.Run(context.Background(), &sc)
			assert.NotEqual(t, scenario.Passed, res.Outcome)
			assert.Equal(t, tt.kind, res.Kind, res.Reason)
		})
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(extraScenario), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Catalog, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, []string{dir}, false, zaptest.NewLogger(t), func(c *Catalog) { reloaded <- c })
	}()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	second := "name: second\nsteps:\n  - kind: navigate\n    url: /wallet\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "second.yaml"), []byte(second), 0o644))

	select {
	case c := <-reloaded:
		_, ok := c.Get("second")
		assert.True(t, ok)
		assert.Equal(t, 2, c.Len())
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
