package scenario

import (
	"time"

	"github.com/copyleftdev/scryrun/internal/errs"
)

// Outcome is the terminal state of a scenario run.
type Outcome string

const (
	Passed  Outcome = "passed"
	Failed  Outcome = "failed"
	Errored Outcome = "errored"
)

// Phase identifies which step list a step belongs to.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseSteps    Phase = "steps"
	PhaseTeardown Phase = "teardown"
)

// StepLog records one executed step.
type StepLog struct {
	Phase      Phase     `json:"phase"`
	Path       string    `json:"path"`
	Kind       StepKind  `json:"kind"`
	Name       string    `json:"name"`
	Context    string    `json:"context,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// ExecutionResult is produced once per scenario run and not mutated after.
// StepIndex is the top-level index of the step that stopped the run, or -1.
// StepPath addresses nested branch steps, e.g. "4.variant[coyns].1".
type ExecutionResult struct {
	Scenario   string        `json:"scenario"`
	Outcome    Outcome       `json:"outcome"`
	Phase      Phase         `json:"phase,omitempty"`
	StepIndex  int           `json:"step_index"`
	StepPath   string        `json:"step_path,omitempty"`
	Kind       errs.Kind     `json:"kind,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Observed   any           `json:"observed,omitempty"`
	DOMOutline []string      `json:"dom_outline,omitempty"`
	Steps      []StepLog     `json:"steps,omitempty"`
	Snapshots  []string      `json:"snapshots,omitempty"`
	Attempts   int           `json:"attempts"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

func (r *ExecutionResult) Passed() bool { return r.Outcome == Passed }

// Fail sets the terminal outcome from err: AssertionFailure is Failed,
// everything else Errored.
func (r *ExecutionResult) Fail(phase Phase, index int, path string, err error) {
	r.Outcome = Errored
	if errs.IsFailure(err) {
		r.Outcome = Failed
	}
	r.Phase = phase
	r.StepIndex = index
	r.StepPath = path
	r.Kind = errs.KindOf(err)
	r.Reason = err.Error()
	r.Observed = errs.ObservedOf(err)
}

// Finish stamps the duration.
func (r *ExecutionResult) Finish() {
	r.Duration = time.Since(r.StartedAt)
	r.DurationMS = r.Duration.Milliseconds()
}

// Summary counts outcomes across a run.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
}

func Summarize(results []ExecutionResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Outcome {
		case Passed:
			s.Passed++
		case Failed:
			s.Failed++
		default:
			s.Errored++
		}
	}
	return s
}

// AllPassed reports whether the suite should exit zero.
func (s Summary) AllPassed() bool { return s.Total == s.Passed }

// Report is the outcome of one suite run. Results keep the order the
// scenarios were given in.
type Report struct {
	ID         string            `json:"id"`
	BaseURL    string            `json:"base_url,omitempty"`
	Driver     string            `json:"driver,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMS int64             `json:"duration_ms"`
	Results    []ExecutionResult `json:"results"`
	Summary    Summary           `json:"summary"`
}
