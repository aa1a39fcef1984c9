package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/copyleftdev/scryrun/internal/scenario"
)

// EnvelopeVersion identifies the machine-readable report layout.
const EnvelopeVersion = "2026-03-01"

// Envelope wraps a payload with the metadata consumers need to route it.
type Envelope struct {
	Version string  `json:"version"`
	RunID   string  `json:"run_id,omitempty"`
	Context Context `json:"context"`
}

type Context struct {
	Metadata Metadata `json:"metadata"`
	Actors   []Actor  `json:"actors,omitempty"`
	Content  Content  `json:"content"`
}

type Metadata struct {
	SourceURI string         `json:"source_uri,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Custom    map[string]any `json:"custom,omitempty"`
}

type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type Content struct {
	MIMEType string `json:"mime_type"`
	Data     any    `json:"data"`
}

func newEnvelope(runID, sourceURI string) Envelope {
	return Envelope{
		Version: EnvelopeVersion,
		RunID:   runID,
		Context: Context{
			Metadata: Metadata{SourceURI: sourceURI, Timestamp: time.Now().UTC()},
			Actors:   []Actor{{ID: "scryrun", Role: "scenario_runner"}},
		},
	}
}

// ForReport wraps a finished suite report.
func ForReport(rep *scenario.Report) Envelope {
	env := newEnvelope(rep.ID, rep.BaseURL)
	env.Context.Metadata.Custom = map[string]any{
		"driver":     rep.Driver,
		"all_passed": rep.Summary.AllPassed(),
	}
	env.Context.Content = Content{MIMEType: "application/json", Data: rep}
	return env
}

// ForError wraps an error that prevented a run from producing a report.
func ForError(runID string, err error) Envelope {
	env := newEnvelope(runID, "")
	env.Context.Content = Content{
		MIMEType: "application/json",
		Data:     map[string]string{"error": err.Error()},
	}
	return env
}

// WriteJSON writes rep as an indented envelope.
func WriteJSON(w io.Writer, rep *scenario.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ForReport(rep))
}
