package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.ScenarioFinished(&scenario.ExecutionResult{Scenario: "wallet", Outcome: scenario.Passed, Attempts: 1, Duration: time.Second})
	m.ScenarioFinished(&scenario.ExecutionResult{Scenario: "menu", Outcome: scenario.Errored, Kind: errs.WaitTimeout, Attempts: 3})
	m.SuiteFinished(&scenario.Report{Summary: scenario.Summary{Total: 2, Passed: 1, Errored: 1}})
	m.SnapshotDelivered("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, line := range []string{
		`scryrun_scenarios_total{kind="",outcome="passed",scenario="wallet"} 1`,
		`scryrun_scenarios_total{kind="WaitTimeout",outcome="errored",scenario="menu"} 1`,
		`scryrun_scenario_retries_total 2`,
		`scryrun_suite_last_passed 0`,
		`scryrun_suites_total 1`,
		`scryrun_snapshots_total{result="ok"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestTracing(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracing(&buf, "test")
	require.NoError(t, err)

	_, span := tr.Tracer().Start(context.Background(), "scenario wallet")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "scenario wallet")
}
