package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

func sampleReport() *scenario.Report {
	results := []scenario.ExecutionResult{
		{Scenario: "wallet-default-balance", Outcome: scenario.Passed, StepIndex: -1, Attempts: 1, DurationMS: 812},
		{
			Scenario: "menu-notifications", Outcome: scenario.Errored, StepIndex: 3, StepPath: "3",
			Phase: scenario.PhaseSteps, Kind: errs.WaitTimeout, Reason: "Enable Notifications not visible after 10s",
			Attempts: 1, DOMOutline: []string{`h1 "Menu"`},
		},
		{
			Scenario: "wallet-balance-variant", Outcome: scenario.Failed, StepIndex: 2, StepPath: "2.variant[coyns].0",
			Phase: scenario.PhaseSteps, Kind: errs.AssertionFailure, Reason: "expected 1000", Attempts: 2,
		},
	}
	return &scenario.Report{ID: "run-1", BaseURL: "https://yral.com", Driver: "chromedp", DurationMS: 4000,
		Results: results, Summary: scenario.Summarize(results)}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, sampleReport(), false))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	assert.True(t, strings.HasPrefix(lines[0], "PASS wallet-default-balance"))
	assert.Equal(t, "ERROR menu-notifications step=3 kind=WaitTimeout Enable Notifications not visible after 10s", lines[1])
	assert.Equal(t, "FAIL wallet-balance-variant step=2 path=2.variant[coyns].0 kind=AssertionFailure expected 1000 attempts=2", lines[2])
	assert.Contains(t, lines[3], "FAILED 1 passed, 1 failed, 1 errored of 3")
}

func TestWriteTextVerboseOutline(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, sampleReport(), true))
	assert.Contains(t, buf.String(), `    h1 "Menu"`)
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleReport()))

	var env struct {
		Version string `json:"version"`
		RunID   string `json:"run_id"`
		Context struct {
			Metadata struct {
				SourceURI string         `json:"source_uri"`
				Custom    map[string]any `json:"custom"`
			} `json:"metadata"`
			Content struct {
				MIMEType string          `json:"mime_type"`
				Data     scenario.Report `json:"data"`
			} `json:"content"`
		} `json:"context"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.Equal(t, "run-1", env.RunID)
	assert.Equal(t, "https://yral.com", env.Context.Metadata.SourceURI)
	assert.Equal(t, false, env.Context.Metadata.Custom["all_passed"])
	assert.Equal(t, "application/json", env.Context.Content.MIMEType)
	assert.Equal(t, errs.WaitTimeout, env.Context.Content.Data.Results[1].Kind)
}

func TestForError(t *testing.T) {
	env := ForError("run-2", errors.New("no scenarios selected"))
	assert.Equal(t, map[string]string{"error": "no scenarios selected"}, env.Context.Content.Data)
}
