package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/copyleftdev/scryrun/internal/catalog"
	"github.com/copyleftdev/scryrun/internal/config"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/report"
	"github.com/copyleftdev/scryrun/internal/scenario"
	"github.com/copyleftdev/scryrun/internal/store"
	"github.com/copyleftdev/scryrun/internal/suite"
	"github.com/copyleftdev/scryrun/internal/telemetry"
)

// byName passes every scenario except those named in fail.
type byName struct{ fail map[string]bool }

func (b byName) Run(_ context.Context, sc *scenario.Scenario) *scenario.ExecutionResult {
	res := &scenario.ExecutionResult{Scenario: sc.Name, Outcome: scenario.Passed, StepIndex: -1, StartedAt: time.Now()}
	if b.fail[sc.Name] {
		res.Fail(scenario.PhaseSteps, 1, "1", errs.New(errs.AssertionFailure, "expected 1000"))
	}
	res.Finish()
	return res
}

type fixture struct {
	srv     *httptest.Server
	manager *suite.Manager
	store   *store.Store
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cat, err := catalog.Builtin()
	require.NoError(t, err)
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	metrics := telemetry.NewMetrics()
	runner := suite.NewRunner(byName{fail: map[string]bool{"feed-like": true}}, suite.Options{Parallelism: 2}, logger, metrics)
	manager := suite.NewManager(runner, st, logger)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	cfg := &config.Config{Security: config.SecurityConfig{AllowedOrigins: []string{"*"}, ApiKey: apiKey}}
	srv := httptest.NewServer(NewRouter(cfg, Deps{
		Manager: manager,
		Catalog: func() *catalog.Catalog { return cat },
		History: st,
		Metrics: metrics.Handler(),
	}, logger))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, manager: manager, store: st}
}

func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) waitCompleted(t *testing.T, id string) suite.Run {
	t.Helper()
	var run suite.Run
	require.Eventually(t, func() bool {
		run = suite.Run{}
		f.do(t, http.MethodGet, "/api/v1/runs/"+id, "", &run)
		return run.Status == suite.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestSubmitAndGetRun(t *testing.T) {
	f := newFixture(t, "")

	var sub SubmitRunResponse
	status := f.do(t, http.MethodPost, "/api/v1/runs", `{"tags":["feed"]}`, &sub)
	require.Equal(t, http.StatusAccepted, status)
	assert.ElementsMatch(t, []string{"home-feed-title", "feed-video-playback", "feed-like"}, sub.Scenarios)

	run := f.waitCompleted(t, sub.RunID)
	require.NotNil(t, run.Report)
	assert.Equal(t, scenario.Summary{Total: 3, Passed: 2, Failed: 1}, run.Report.Summary)

	var env report.Envelope
	status = f.do(t, http.MethodGet, "/api/v1/runs/"+sub.RunID+"?format=envelope", "", &env)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, report.EnvelopeVersion, env.Version)
	assert.Equal(t, sub.RunID, env.RunID)
	assert.Equal(t, false, env.Context.Metadata.Custom["all_passed"])

	status = f.do(t, http.MethodGet, "/api/v1/runs/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSubmitSelections(t *testing.T) {
	f := newFixture(t, "")

	tests := []struct {
		name   string
		body   string
		status int
		want   []string
	}{
		{"by name", `{"scenarios":["wallet-usdc-loading","feed-like"]}`, http.StatusAccepted, []string{"wallet-usdc-loading", "feed-like"}},
		{"glob", `{"filter":"wallet-*"}`, http.StatusAccepted, []string{"wallet-default-balance", "wallet-balance-variant", "wallet-usdc-loading"}},
		{"inline", `{"documents":"name: adhoc\nsteps:\n  - kind: navigate\n    url: /\n"}`, http.StatusAccepted, []string{"adhoc"}},
		{"unknown name", `{"scenarios":["nope"]}`, http.StatusBadRequest, nil},
		{"no match", `{"filter":"zzz"}`, http.StatusBadRequest, nil},
		{"bad document", `{"documents":"name: x\nsteps: []\nbogus: 1\n"}`, http.StatusBadRequest, nil},
		{"bad json", `{`, http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sub SubmitRunResponse
			status := f.do(t, http.MethodPost, "/api/v1/runs", tt.body, &sub)
			assert.Equal(t, tt.status, status)
			if tt.want != nil {
				assert.Equal(t, tt.want, sub.Scenarios)
			}
		})
	}
}

func TestListRunsAndHistory(t *testing.T) {
	f := newFixture(t, "")

	var sub SubmitRunResponse
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/runs", `{"filter":"feed-like"}`, &sub))
	f.waitCompleted(t, sub.RunID)

	var list ListRunsResponse
	require.Eventually(t, func() bool {
		list = ListRunsResponse{}
		f.do(t, http.MethodGet, "/api/v1/runs", "", &list)
		return len(list.Recent) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, list.Active, 1)
	assert.Equal(t, sub.RunID, list.Recent[0].ID)

	var flaky store.Flakiness
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/scenarios/feed-like/history?since=1h", "", &flaky))
	assert.Equal(t, store.Flakiness{Scenario: "feed-like", Runs: 1}, flaky)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/scenarios/feed-like/history?since=soon", "", nil))
}

func TestListScenarios(t *testing.T) {
	f := newFixture(t, "")

	var infos []ScenarioInfo
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/scenarios", "", &infos))
	require.NotEmpty(t, infos)
	for _, info := range infos {
		assert.NotEmpty(t, info.Name)
		assert.Positive(t, info.Steps, info.Name)
		assert.True(t, strings.HasPrefix(info.Source, "builtin:"), info.Source)
	}
}

func TestDomOutline(t *testing.T) {
	f := newFixture(t, "")

	var out DomOutlineResponse
	status := f.do(t, http.MethodPost, "/api/v1/dom/outline", `{"html":"<html><body><h1>Menu</h1><button id=\"login\">Login</button></body></html>"}`, &out)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Lines, 2)
	assert.Contains(t, out.Lines[1], "button#login")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/dom/outline", `{}`, nil))
}

func TestAPIKeyAndPublicRoutes(t *testing.T) {
	f := newFixture(t, "s3cret")

	get := func(path string, header ...string) int {
		req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
		require.NoError(t, err)
		if len(header) == 2 {
			req.Header.Set(header[0], header[1])
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/scenarios"))
	assert.Equal(t, http.StatusForbidden, get("/api/v1/scenarios", "X-API-Key", "wrong"))
	assert.Equal(t, http.StatusOK, get("/api/v1/scenarios", "X-API-Key", "s3cret"))
	assert.Equal(t, http.StatusOK, get("/api/v1/scenarios", "Authorization", "Bearer s3cret"))
	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
}

func TestSubmitAfterShutdown(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.manager.Shutdown(context.Background()))

	status := f.do(t, http.MethodPost, "/api/v1/runs", `{"filter":"feed-like"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
