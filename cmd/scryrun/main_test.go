package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/config"
	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/driver/fakedriver"
	"github.com/copyleftdev/scryrun/internal/report"
	"github.com/copyleftdev/scryrun/internal/store"
)

func useFakeApp(t *testing.T, opts fakedriver.YralOptions) {
	t.Helper()
	orig := newDriver
	newDriver = func(config.BrowserConfig, *zap.Logger) (driver.Driver, error) {
		return fakedriver.Yral(opts), nil
	}
	t.Cleanup(func() { newDriver = orig })
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := dispatch(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestDispatch(t *testing.T) {
	code, _, stderr := execute(t)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "usage: scryrun")

	code, _, stderr = execute(t, "frobnicate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, `unknown command "frobnicate"`)

	code, stdout, _ := execute(t, "version")
	assert.Equal(t, exitPassed, code)
	assert.Contains(t, stdout, "scryrun dev")

	code, _, _ = execute(t, "run", "--help")
	assert.Equal(t, exitPassed, code)
}

func TestRunPasses(t *testing.T) {
	useFakeApp(t, fakedriver.YralOptions{})
	out := filepath.Join(t.TempDir(), "report.json")

	code, stdout, stderr := execute(t, "run",
		"--base-url", "https://yral.test",
		"--filter", "wallet-*",
		"--parallel", "2",
		"--report-json", out)
	require.Equal(t, exitPassed, code, stderr)
	assert.Contains(t, stdout, "PASS")
	assert.Contains(t, stdout, "wallet-default-balance")
	assert.Contains(t, stdout, "3 passed")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var env report.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, report.EnvelopeVersion, env.Version)
	assert.Equal(t, true, env.Context.Metadata.Custom["all_passed"])
	assert.Equal(t, "fake", env.Context.Metadata.Custom["driver"])
}

func TestRunFailsAndPersists(t *testing.T) {
	useFakeApp(t, fakedriver.YralOptions{Currency: "cents"})
	db := filepath.Join(t.TempDir(), "runs.db")
	t.Setenv("SCRYRUN_STORE_PATH", db)

	code, stdout, _ := execute(t, "run",
		"--base-url", "https://yral.test",
		"--filter", "wallet-default-balance",
		"--timeout", "300ms")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "FAIL")
	assert.Contains(t, stdout, "AssertionFailure")

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	recent, err := st.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 1, recent[0].Summary.Failed)
}

func TestRunUsageErrors(t *testing.T) {
	useFakeApp(t, fakedriver.YralOptions{})

	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--bogus"}},
		{"nothing selected", []string{"--filter", "no-such-scenario"}},
		{"bad backend", []string{"--backend", "netscape"}},
		{"zero parallelism", []string{"--parallel", "0"}},
		{"negative retries", []string{"--retries", "-1"}},
		{"watch without dirs", []string{"--watch"}},
		{"missing scenario dir", []string{"--scenarios", "/does/not/exist"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := execute(t, append([]string{"run"}, tt.args...)...)
			assert.Equal(t, exitUsage, code)
		})
	}
}

func TestRunScenarioDirectory(t *testing.T) {
	useFakeApp(t, fakedriver.YralOptions{})
	dir := t.TempDir()
	doc := "name: local-title\nsteps:\n  - kind: navigate\n    url: /\n  - kind: assert\n    expect: {kind: title_equals, value: Yral}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.yaml"), []byte(doc), 0o644))

	code, stdout, stderr := execute(t, "run", "--base-url", "https://yral.test", "--scenarios", dir, "--no-builtins")
	require.Equal(t, exitPassed, code, stderr)
	assert.Contains(t, stdout, "local-title")
	assert.Contains(t, stdout, "1 passed")
}

func TestList(t *testing.T) {
	code, stdout, _ := execute(t, "list", "--tag", "wallet")
	require.Equal(t, exitPassed, code)
	assert.Contains(t, stdout, "wallet-default-balance")
	assert.Contains(t, stdout, "wallet-usdc-loading")
	assert.NotContains(t, stdout, "referral-flow")
	assert.Contains(t, stdout, "3 scenarios")
}

func TestDoctor(t *testing.T) {
	useFakeApp(t, fakedriver.YralOptions{})

	code, stdout, _ := execute(t, "doctor", "--base-url", "https://yral.test/menu")
	assert.Equal(t, exitPassed, code, stdout)
	assert.Contains(t, stdout, `title "Yral"`)
	assert.Contains(t, stdout, "dom outline 5 elements")
	assert.Contains(t, stdout, `a#nav-home "Home"`)
	assert.Contains(t, stdout, "snapshot sink: none")
}
