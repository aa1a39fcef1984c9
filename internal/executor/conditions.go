package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/copyleftdev/scryrun/internal/driver"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

// observation is the diagnostic state kept for a failed wait or assertion.
type observation struct {
	Locator string               `json:"locator,omitempty"`
	Count   int                  `json:"count"`
	State   *driver.ElementState `json:"state,omitempty"`
	Title   string               `json:"title,omitempty"`
	Value   string               `json:"value,omitempty"`
}

// probe reads the first match of loc. A missing element is a normal
// observation, not an error.
func probe(ctx context.Context, s driver.Session, loc scenario.Locator) (observation, error) {
	obs := observation{Locator: loc.String()}
	hs, err := s.Find(ctx, loc)
	if err != nil {
		return obs, err
	}
	obs.Count = len(hs)
	if len(hs) == 0 {
		return obs, nil
	}
	st, err := s.ReadState(ctx, hs[0])
	if errs.Is(err, errs.ElementNotFound) {
		// detached between find and read
		obs.Count = 0
		return obs, nil
	}
	if err != nil {
		return obs, err
	}
	obs.State = &st
	return obs, nil
}

func conditionHolds(c scenario.Condition, obs observation) bool {
	st := obs.State
	switch c {
	case scenario.CondPresent:
		return obs.Count > 0
	case scenario.CondAbsent:
		return obs.Count == 0
	case scenario.CondVisible:
		return st != nil && st.Visible
	case scenario.CondHidden:
		return st == nil || !st.Visible
	case scenario.CondEnabled:
		return st != nil && st.Enabled
	case scenario.CondDisabled:
		return st != nil && !st.Enabled
	}
	return false
}

// checkCondition is a wait.Predicate body for loc reaching c.
func checkCondition(ctx context.Context, s driver.Session, loc scenario.Locator, c scenario.Condition) (bool, any, error) {
	obs, err := probe(ctx, s, loc)
	if err != nil {
		return false, obs, err
	}
	return conditionHolds(c, obs), obs, nil
}

var numberPattern = regexp.MustCompile(`-?\d[\d,]*(\.\d+)?`)

// firstNumber parses the first number in text, ignoring thousands
// separators.
func firstNumber(text string) (float64, bool) {
	m := numberPattern.FindString(text)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	return f, err == nil
}

func normText(s string) string { return strings.Join(strings.Fields(s), " ") }

// checkExpectation evaluates exp once. It returns a description of the
// mismatch when the expectation does not hold.
func (r *run) checkExpectation(ctx context.Context, s driver.Session, loc *scenario.Locator, exp scenario.Expectation) (bool, any, string, error) {
	switch exp.Kind {
	case scenario.ExpectTitleEquals:
		title, err := s.Title(ctx)
		if err != nil {
			return false, nil, "", err
		}
		obs := observation{Title: title}
		return title == exp.Value, obs, fmt.Sprintf("title is %q, want %q", title, exp.Value), nil
	case scenario.ExpectVarMatches:
		v := r.vars[exp.Var]
		re, err := regexp.Compile(exp.Value)
		if err != nil {
			return false, nil, "", errs.Wrap(errs.InvalidScenario, err, "var_matches pattern")
		}
		obs := observation{Value: v}
		return re.MatchString(v), obs, fmt.Sprintf("variable %s=%q does not match %s", exp.Var, v, exp.Value), nil
	}

	obs, err := probe(ctx, s, *loc)
	if err != nil {
		return false, obs, "", err
	}
	st := obs.State
	text := ""
	if st != nil {
		text = normText(st.Text)
	}

	switch exp.Kind {
	case scenario.ExpectVisible:
		return conditionHolds(scenario.CondVisible, obs), obs, "element is not visible", nil
	case scenario.ExpectHidden:
		return conditionHolds(scenario.CondHidden, obs), obs, "element is visible", nil
	case scenario.ExpectEnabled:
		return conditionHolds(scenario.CondEnabled, obs), obs, "element is not enabled", nil
	case scenario.ExpectDisabled:
		return conditionHolds(scenario.CondDisabled, obs), obs, "element is not disabled", nil
	case scenario.ExpectPresent:
		return obs.Count > 0, obs, "element is not present", nil
	case scenario.ExpectAbsent:
		return obs.Count == 0, obs, fmt.Sprintf("element is present (%d matches)", obs.Count), nil
	case scenario.ExpectCountAtLeast:
		return obs.Count >= exp.Count, obs, fmt.Sprintf("found %d matches, want at least %d", obs.Count, exp.Count), nil
	}

	if st == nil {
		return false, obs, "element is not present", nil
	}

	switch exp.Kind {
	case scenario.ExpectTextEquals:
		return text == normText(exp.Value), obs, fmt.Sprintf("text is %q, want %q", text, exp.Value), nil
	case scenario.ExpectTextContains:
		return strings.Contains(text, normText(exp.Value)), obs, fmt.Sprintf("text %q does not contain %q", text, exp.Value), nil
	case scenario.ExpectTextMatches:
		re, err := regexp.Compile(exp.Value)
		if err != nil {
			return false, obs, "", errs.Wrap(errs.InvalidScenario, err, "text_matches pattern")
		}
		return re.MatchString(text), obs, fmt.Sprintf("text %q does not match %s", text, exp.Value), nil
	case scenario.ExpectAttributeEquals:
		v, ok := st.Attributes[exp.Attribute]
		return ok && v == exp.Value, obs, fmt.Sprintf("attribute %s is %q, want %q", exp.Attribute, v, exp.Value), nil
	case scenario.ExpectAttributeContains:
		v, ok := st.Attributes[exp.Attribute]
		return ok && strings.Contains(v, exp.Value), obs, fmt.Sprintf("attribute %s=%q does not contain %q", exp.Attribute, v, exp.Value), nil
	case scenario.ExpectAttributeAbsent:
		_, ok := st.Attributes[exp.Attribute]
		return !ok, obs, fmt.Sprintf("attribute %s is present", exp.Attribute), nil
	case scenario.ExpectNumberGreaterThan:
		n, ok := firstNumber(text)
		if !ok {
			return false, obs, fmt.Sprintf("text %q has no number", text), nil
		}
		return n > exp.Number, obs, fmt.Sprintf("number %g is not greater than %g", n, exp.Number), nil
	}
	return false, obs, "", errs.New(errs.InvalidScenario, "unknown expectation %q", exp.Kind)
}

// truthy follows JavaScript truthiness for decoded JSON values.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return true
}

// stringify renders an evaluated value for binding into a variable.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
