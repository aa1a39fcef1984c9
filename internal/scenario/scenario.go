package scenario

import (
	"fmt"
	"regexp"
	"slices"
	"time"
)

// Step is a tagged variant; Kind selects which of the payload fields apply.
type Step struct {
	Kind    StepKind `yaml:"kind" json:"kind"`
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Context string   `yaml:"context,omitempty" json:"context,omitempty"`

	URL        string        `yaml:"url,omitempty" json:"url,omitempty"`
	Locator    *Locator      `yaml:"locator,omitempty" json:"locator,omitempty"`
	Condition  Condition     `yaml:"condition,omitempty" json:"condition,omitempty"`
	Conditions []Condition   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Action     *Action       `yaml:"action,omitempty" json:"action,omitempty"`
	Expect     *Expectation  `yaml:"expect,omitempty" json:"expect,omitempty"`
	Script     string        `yaml:"script,omitempty" json:"script,omitempty"`
	Bind       string        `yaml:"bind,omitempty" json:"bind,omitempty"`
	Branch     *Branch       `yaml:"branch,omitempty" json:"branch,omitempty"`
	Duration   time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
	Attribute  string        `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Pattern    string        `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Label      string        `yaml:"label,omitempty" json:"label,omitempty"`
	Service    *ServiceCall  `yaml:"service,omitempty" json:"service,omitempty"`
	Notify     *Notification `yaml:"notification,omitempty" json:"notification,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Describe renders a short human label for logs and reports.
func (s *Step) Describe() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind {
	case StepNavigate:
		return "navigate " + s.URL
	case StepWaitFor:
		return fmt.Sprintf("wait_for %s %s", s.Locator, s.WaitCondition())
	case StepInteract:
		if s.Action != nil {
			return fmt.Sprintf("%s %s", s.Action.Type, s.Locator)
		}
	case StepAssert:
		if s.Expect != nil {
			if s.Locator != nil {
				return fmt.Sprintf("assert %s %s", s.Locator, s.Expect.Kind)
			}
			return "assert " + string(s.Expect.Kind)
		}
	case StepOpenPopup:
		return fmt.Sprintf("open_popup %s via %s", s.Bind, s.Locator)
	case StepOpenContext:
		return "open_context " + s.Bind
	case StepPause:
		return "pause " + s.Duration.String()
	case StepSnapshot:
		return "snapshot " + s.Label
	case StepServiceCheck:
		if s.Service != nil {
			return fmt.Sprintf("service_check %s/%s", s.Service.Name, s.Service.Method)
		}
	}
	return string(s.Kind)
}

// WaitCondition is the condition a wait_for step polls for. When several are
// listed the most specific one is used; the default is visible.
func (s *Step) WaitCondition() Condition {
	conds := s.Conditions
	if s.Condition != "" {
		conds = append([]Condition{s.Condition}, conds...)
	}
	if c := MostSpecific(conds...); c != "" {
		return c
	}
	return CondVisible
}

// Validate checks that the payload required by Kind is present. Nested
// branch steps are validated recursively.
func (s *Step) Validate() error {
	switch s.Kind {
	case StepNavigate:
		if s.URL == "" {
			return fmt.Errorf("navigate requires url")
		}
	case StepWaitFor:
		if err := s.Locator.Validate(); err != nil {
			return err
		}
		for _, c := range append([]Condition{s.Condition}, s.Conditions...) {
			if c != "" && !c.Valid() {
				return fmt.Errorf("unknown condition %q", c)
			}
		}
	case StepInteract:
		if err := s.Locator.Validate(); err != nil {
			return err
		}
		if s.Action == nil {
			return fmt.Errorf("interact requires action")
		}
		return s.Action.validate()
	case StepAssert:
		if s.Expect == nil {
			return fmt.Errorf("assert requires expect")
		}
		if err := s.Expect.validate(); err != nil {
			return err
		}
		if s.Expect.NeedsLocator() {
			return s.Locator.Validate()
		}
		if s.Expect.Kind == ExpectVarMatches {
			if _, err := regexp.Compile(s.Expect.Value); err != nil {
				return fmt.Errorf("var_matches pattern: %w", err)
			}
		}
	case StepEvaluate:
		if s.Script == "" {
			return fmt.Errorf("evaluate requires script")
		}
		if s.Locator != nil {
			return s.Locator.Validate()
		}
	case StepOpenPopup:
		if s.Bind == "" {
			return fmt.Errorf("open_popup requires bind")
		}
		return s.Locator.Validate()
	case StepOpenContext:
		if s.Bind == "" {
			return fmt.Errorf("open_context requires bind")
		}
	case StepBranch:
		return s.Branch.validate()
	case StepPause:
		if s.Duration <= 0 {
			return fmt.Errorf("pause requires a positive duration")
		}
	case StepExtract:
		if s.Bind == "" {
			return fmt.Errorf("extract requires bind")
		}
		if s.Pattern != "" {
			if _, err := regexp.Compile(s.Pattern); err != nil {
				return fmt.Errorf("extract pattern: %w", err)
			}
		}
		return s.Locator.Validate()
	case StepSnapshot:
		if s.Label == "" {
			return fmt.Errorf("snapshot requires label")
		}
	case StepServiceCheck:
		if s.Service == nil || s.Service.Name == "" || s.Service.Method == "" {
			return fmt.Errorf("service_check requires service name and method")
		}
	case StepPushToken:
		if s.Bind == "" {
			return fmt.Errorf("push_token requires bind")
		}
	case StepPushNotify:
		if s.Notify == nil || s.Notify.Title == "" {
			return fmt.Errorf("push_notify requires notification title")
		}
	case "":
		return fmt.Errorf("step kind is required")
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

func (b *Branch) validate() error {
	if b == nil {
		return fmt.Errorf("branch requires a branch block")
	}
	if b.When != nil && len(b.Variants) > 0 {
		return fmt.Errorf("branch sets both when and variants")
	}
	if b.When == nil && len(b.Variants) == 0 {
		return fmt.Errorf("branch requires when or variants")
	}
	if b.Timeout < 0 {
		return fmt.Errorf("branch timeout must not be negative")
	}
	arms, fallback, _ := b.Arms()
	for i, v := range arms {
		if err := v.When.validate(); err != nil {
			return fmt.Errorf("variant %d (%s): %w", i, v.Name, err)
		}
		if err := validateSteps(v.Steps); err != nil {
			return fmt.Errorf("variant %d (%s): %w", i, v.Name, err)
		}
	}
	if err := validateSteps(fallback); err != nil {
		return fmt.Errorf("else: %w", err)
	}
	return nil
}

func validateSteps(steps []Step) error {
	for i := range steps {
		if err := steps[i].Validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, steps[i].Kind, err)
		}
	}
	return nil
}

// Budget returns the worst-case wall time of the step, with def standing in
// for any unset timeout. A branch costs its settle time, or the step timeout
// its guard runs under when it has none, plus its most expensive arm.
func (s *Step) Budget(def time.Duration) time.Duration {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = def
	}
	switch s.Kind {
	case StepPause:
		return s.Duration
	case StepInteract, StepEvaluate, StepExtract, StepSnapshot, StepPushToken, StepOpenContext:
		// single driver round trip, bounded by the step timeout
		return timeout
	case StepBranch:
		if s.Branch == nil {
			return 0
		}
		arms, fallback, _ := s.Branch.Arms()
		worst := stepsBudget(fallback, def)
		for _, v := range arms {
			worst = max(worst, stepsBudget(v.Steps, def))
		}
		settle := s.Branch.Timeout
		if settle <= 0 {
			settle = timeout
		}
		return settle + worst
	default:
		return timeout
	}
}

func stepsBudget(steps []Step, def time.Duration) time.Duration {
	var total time.Duration
	for i := range steps {
		total += steps[i].Budget(def)
	}
	return total
}

func stepsContexts(steps []Step) int {
	var n int
	for i := range steps {
		switch {
		case steps[i].Kind == StepOpenContext:
			n++
		case steps[i].Kind == StepBranch && steps[i].Branch != nil:
			arms, fallback, _ := steps[i].Branch.Arms()
			worst := stepsContexts(fallback)
			for _, v := range arms {
				worst = max(worst, stepsContexts(v.Steps))
			}
			n += worst
		}
	}
	return n
}

// Scenario is a named, ordered list of steps against one or more browser
// contexts. Scenarios are immutable once loaded.
type Scenario struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Setup       []Step   `yaml:"setup,omitempty" json:"setup,omitempty"`
	Steps       []Step   `yaml:"steps" json:"steps"`
	Teardown    []Step   `yaml:"teardown,omitempty" json:"teardown,omitempty"`

	// Source is the file the scenario was loaded from.
	Source string `yaml:"-" json:"source,omitempty"`
}

func (sc *Scenario) HasTag(tag string) bool {
	return slices.Contains(sc.Tags, tag)
}

// Validate checks the scenario and all of its steps.
func (sc *Scenario) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario %q has no steps", sc.Name)
	}
	for _, phase := range []struct {
		name  Phase
		steps []Step
	}{{PhaseSetup, sc.Setup}, {PhaseSteps, sc.Steps}, {PhaseTeardown, sc.Teardown}} {
		if err := validateSteps(phase.steps); err != nil {
			return fmt.Errorf("scenario %q %s: %w", sc.Name, phase.name, err)
		}
	}
	return nil
}

// Budget is the wall-clock allowance for one run: every step at its timeout,
// every pause, plus margin.
func (sc *Scenario) Budget(defaultStepTimeout, margin time.Duration) time.Duration {
	return stepsBudget(sc.Setup, defaultStepTimeout) +
		stepsBudget(sc.Steps, defaultStepTimeout) +
		stepsBudget(sc.Teardown, defaultStepTimeout) +
		margin
}

// Contexts returns the most browser contexts sc can hold open at once: the
// primary plus every open_context on its costliest path. Contexts stay open
// until the scenario ends.
func (sc *Scenario) Contexts() int {
	return 1 + stepsContexts(sc.Setup) + stepsContexts(sc.Steps) + stepsContexts(sc.Teardown)
}
