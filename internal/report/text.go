// Package report renders suite reports for terminals and machines.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/copyleftdev/scryrun/internal/scenario"
)

type styles struct {
	pass, fail, errored, dim, bold lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		pass:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#008800", Dark: "#55FF55"}).Bold(true),
		fail:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#CC0000", Dark: "#FF5555"}).Bold(true),
		errored: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AA6600", Dark: "#FFAA33"}).Bold(true),
		dim:     r.NewStyle().Faint(true),
		bold:    r.NewStyle().Bold(true),
	}
}

// WriteText prints one line per scenario and a final count. Failed and
// errored scenarios name the stopping step, the error kind and the reason;
// verbose adds the DOM outline captured at failure.
func WriteText(w io.Writer, rep *scenario.Report, verbose bool) error {
	st := newStyles(w)
	var b strings.Builder
	for _, res := range rep.Results {
		b.WriteString(resultLine(st, &res))
		b.WriteByte('\n')
		if verbose && !res.Passed() {
			for _, line := range res.DOMOutline {
				b.WriteString(st.dim.Render("    " + line))
				b.WriteByte('\n')
			}
		}
	}

	s := rep.Summary
	counts := fmt.Sprintf("%d passed, %d failed, %d errored of %d", s.Passed, s.Failed, s.Errored, s.Total)
	verdict := st.pass.Render("OK")
	if !s.AllPassed() {
		verdict = st.fail.Render("FAILED")
	}
	fmt.Fprintf(&b, "%s %s %s\n", verdict, st.bold.Render(counts), st.dim.Render(fmt.Sprintf("(%dms)", rep.DurationMS)))

	_, err := io.WriteString(w, b.String())
	return err
}

func resultLine(st styles, res *scenario.ExecutionResult) string {
	var label string
	switch res.Outcome {
	case scenario.Passed:
		label = st.pass.Render("PASS")
	case scenario.Failed:
		label = st.fail.Render("FAIL")
	default:
		label = st.errored.Render("ERROR")
	}

	line := fmt.Sprintf("%s %s", label, res.Scenario)
	if res.Passed() {
		line += st.dim.Render(fmt.Sprintf(" %dms", res.DurationMS))
		if res.Attempts > 1 {
			line += st.dim.Render(fmt.Sprintf(" attempts=%d", res.Attempts))
		}
		return line
	}

	step := fmt.Sprintf("step=%d", res.StepIndex)
	if res.StepPath != "" && res.StepPath != fmt.Sprint(res.StepIndex) {
		step += " path=" + res.StepPath
	}
	if res.Phase != "" && res.Phase != scenario.PhaseSteps {
		step += " phase=" + string(res.Phase)
	}
	line += fmt.Sprintf(" %s kind=%s %s", step, res.Kind, res.Reason)
	if res.Attempts > 1 {
		line += fmt.Sprintf(" attempts=%d", res.Attempts)
	}
	return line
}
