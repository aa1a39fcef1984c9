package scenario

import (
	"fmt"
	"strings"
	"time"
)

// StepKind selects the variant of a Step.
type StepKind string

const (
	StepNavigate     StepKind = "navigate"
	StepWaitFor      StepKind = "wait_for"
	StepInteract     StepKind = "interact"
	StepAssert       StepKind = "assert"
	StepEvaluate     StepKind = "evaluate"
	StepOpenPopup    StepKind = "open_popup"
	StepOpenContext  StepKind = "open_context"
	StepBranch       StepKind = "branch"
	StepPause        StepKind = "pause"
	StepExtract      StepKind = "extract"
	StepSnapshot     StepKind = "snapshot"
	StepServiceCheck StepKind = "service_check"
	StepPushToken    StepKind = "push_token"
	StepPushNotify   StepKind = "push_notify"
)

// Condition is an element state a wait or branch predicate checks for.
type Condition string

const (
	CondPresent  Condition = "present"
	CondAbsent   Condition = "absent"
	CondVisible  Condition = "visible"
	CondHidden   Condition = "hidden"
	CondEnabled  Condition = "enabled"
	CondDisabled Condition = "disabled"
)

// Specificity ranks conditions: state on a concrete handle outranks bare
// existence. Unknown conditions rank lowest.
func (c Condition) Specificity() int {
	switch c {
	case CondPresent, CondAbsent:
		return 1
	case CondVisible, CondHidden:
		return 2
	case CondEnabled, CondDisabled:
		return 3
	default:
		return 0
	}
}

func (c Condition) Valid() bool { return c.Specificity() > 0 }

// MostSpecific picks the condition to wait on when several apply to the same
// element. Ties go to the earliest.
func MostSpecific(conds ...Condition) Condition {
	var best Condition
	for _, c := range conds {
		if c.Specificity() > best.Specificity() {
			best = c
		}
	}
	return best
}

// ActionType is an interaction performed on an element.
type ActionType string

const (
	ActionClick          ActionType = "click"
	ActionFill           ActionType = "fill"
	ActionScroll         ActionType = "scroll"
	ActionKeyPress       ActionType = "key_press"
	ActionScrollIntoView ActionType = "scroll_into_view"
)

// Action is the payload of an interact step.
type Action struct {
	Type ActionType `yaml:"type" json:"type"`
	Text string     `yaml:"text,omitempty" json:"text,omitempty"`
	Key  string     `yaml:"key,omitempty" json:"key,omitempty"`
	DX   int        `yaml:"dx,omitempty" json:"dx,omitempty"`
	DY   int        `yaml:"dy,omitempty" json:"dy,omitempty"`
}

func (a Action) validate() error {
	switch a.Type {
	case ActionClick, ActionScrollIntoView:
	case ActionFill:
		// empty text clears the field
	case ActionKeyPress:
		if a.Key == "" {
			return fmt.Errorf("key_press action requires a key")
		}
	case ActionScroll:
		if a.DX == 0 && a.DY == 0 {
			return fmt.Errorf("scroll action requires dx or dy")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// Locator describes how to find elements. It is resolved against the live
// page every time it is used.
type Locator struct {
	CSS      string   `yaml:"css,omitempty" json:"css,omitempty"`
	Text     string   `yaml:"text,omitempty" json:"text,omitempty"`
	Contains bool     `yaml:"contains,omitempty" json:"contains,omitempty"`
	Label    string   `yaml:"label,omitempty" json:"label,omitempty"`
	Role     string   `yaml:"role,omitempty" json:"role,omitempty"`
	Name     string   `yaml:"name,omitempty" json:"name,omitempty"`
	Within   *Locator `yaml:"within,omitempty" json:"within,omitempty"`
	RightOf  *Locator `yaml:"right_of,omitempty" json:"right_of,omitempty"`
	Nth      int      `yaml:"nth,omitempty" json:"nth,omitempty"`
}

// Validate checks that exactly one primary query is set.
func (l *Locator) Validate() error {
	if l == nil {
		return fmt.Errorf("locator is required")
	}
	n := 0
	for _, s := range []string{l.CSS, l.Text, l.Label, l.Role} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("locator %s must set exactly one of css, text, label, role", l)
	}
	if l.Name != "" && l.Role == "" {
		return fmt.Errorf("locator %s: name is only valid with role", l)
	}
	if l.Nth < 0 {
		return fmt.Errorf("locator %s: nth must not be negative", l)
	}
	if l.Within != nil {
		if err := l.Within.Validate(); err != nil {
			return fmt.Errorf("within: %w", err)
		}
	}
	if l.RightOf != nil {
		if err := l.RightOf.Validate(); err != nil {
			return fmt.Errorf("right_of: %w", err)
		}
	}
	return nil
}

func (l *Locator) String() string {
	if l == nil {
		return "<nil>"
	}
	var parts []string
	switch {
	case l.CSS != "":
		parts = append(parts, fmt.Sprintf("css=%q", l.CSS))
	case l.Text != "":
		if l.Contains {
			parts = append(parts, fmt.Sprintf("text~=%q", l.Text))
		} else {
			parts = append(parts, fmt.Sprintf("text=%q", l.Text))
		}
	case l.Label != "":
		parts = append(parts, fmt.Sprintf("label=%q", l.Label))
	case l.Role != "":
		if l.Name != "" {
			parts = append(parts, fmt.Sprintf("role=%s[name=%q]", l.Role, l.Name))
		} else {
			parts = append(parts, "role="+l.Role)
		}
	}
	if l.Within != nil {
		parts = append(parts, "within("+l.Within.String()+")")
	}
	if l.RightOf != nil {
		parts = append(parts, "right_of("+l.RightOf.String()+")")
	}
	if l.Nth > 0 {
		parts = append(parts, fmt.Sprintf("nth=%d", l.Nth))
	}
	return strings.Join(parts, " ")
}

// ExpectKind selects what an assert step checks.
type ExpectKind string

const (
	ExpectVisible           ExpectKind = "visible"
	ExpectHidden            ExpectKind = "hidden"
	ExpectEnabled           ExpectKind = "enabled"
	ExpectDisabled          ExpectKind = "disabled"
	ExpectPresent           ExpectKind = "present"
	ExpectAbsent            ExpectKind = "absent"
	ExpectTextEquals        ExpectKind = "text_equals"
	ExpectTextContains      ExpectKind = "text_contains"
	ExpectTextMatches       ExpectKind = "text_matches"
	ExpectAttributeEquals   ExpectKind = "attribute_equals"
	ExpectAttributeContains ExpectKind = "attribute_contains"
	ExpectAttributeAbsent   ExpectKind = "attribute_absent"
	ExpectCountAtLeast      ExpectKind = "count_at_least"
	ExpectNumberGreaterThan ExpectKind = "number_greater_than"
	ExpectTitleEquals       ExpectKind = "title_equals"
	ExpectVarMatches        ExpectKind = "var_matches"
)

// Expectation is the payload of an assert step.
type Expectation struct {
	Kind      ExpectKind `yaml:"kind" json:"kind"`
	Value     string     `yaml:"value,omitempty" json:"value,omitempty"`
	Attribute string     `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Count     int        `yaml:"count,omitempty" json:"count,omitempty"`
	Number    float64    `yaml:"number,omitempty" json:"number,omitempty"`
	Var       string     `yaml:"var,omitempty" json:"var,omitempty"`
}

// NeedsLocator reports whether the expectation inspects page elements.
func (e Expectation) NeedsLocator() bool {
	switch e.Kind {
	case ExpectTitleEquals, ExpectVarMatches:
		return false
	}
	return true
}

func (e Expectation) validate() error {
	switch e.Kind {
	case ExpectVisible, ExpectHidden, ExpectEnabled, ExpectDisabled, ExpectPresent, ExpectAbsent,
		ExpectNumberGreaterThan:
	case ExpectTextEquals, ExpectTextContains, ExpectTitleEquals:
		if e.Value == "" {
			return fmt.Errorf("%s expectation requires a value", e.Kind)
		}
	case ExpectTextMatches:
		if e.Value == "" {
			return fmt.Errorf("text_matches expectation requires a pattern value")
		}
	case ExpectAttributeEquals, ExpectAttributeContains, ExpectAttributeAbsent:
		if e.Attribute == "" {
			return fmt.Errorf("%s expectation requires an attribute", e.Kind)
		}
	case ExpectCountAtLeast:
		if e.Count <= 0 {
			return fmt.Errorf("count_at_least expectation requires a positive count")
		}
	case ExpectVarMatches:
		if e.Var == "" || e.Value == "" {
			return fmt.Errorf("var_matches expectation requires var and value")
		}
	default:
		return fmt.Errorf("unknown expectation kind %q", e.Kind)
	}
	return nil
}

// Predicate is a branch guard. Either Locator+Condition or Script is set.
type Predicate struct {
	Locator   *Locator  `yaml:"locator,omitempty" json:"locator,omitempty"`
	Condition Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	Script    string    `yaml:"script,omitempty" json:"script,omitempty"`
}

func (p Predicate) validate() error {
	if p.Script != "" {
		if p.Locator != nil {
			return fmt.Errorf("predicate sets both script and locator")
		}
		return nil
	}
	if err := p.Locator.Validate(); err != nil {
		return err
	}
	if p.Condition == "" {
		return nil
	}
	if !p.Condition.Valid() {
		return fmt.Errorf("unknown condition %q", p.Condition)
	}
	return nil
}

// Variant is one of a closed set of mutually exclusive page states.
type Variant struct {
	Name  string    `yaml:"name" json:"name"`
	When  Predicate `yaml:"when" json:"when"`
	Steps []Step    `yaml:"steps" json:"steps"`
}

// Branch chooses exactly one step list from the current page state.
type Branch struct {
	When     *Predicate    `yaml:"when,omitempty" json:"when,omitempty"`
	Then     []Step        `yaml:"then,omitempty" json:"then,omitempty"`
	Else     []Step        `yaml:"else,omitempty" json:"else,omitempty"`
	Variants []Variant     `yaml:"variants,omitempty" json:"variants,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Arms returns the guarded arms in evaluation order plus the fallback list.
// A when/then branch is the single-variant case.
func (b *Branch) Arms() ([]Variant, []Step, bool) {
	if b.When != nil {
		return []Variant{{Name: "then", When: *b.When, Steps: b.Then}}, b.Else, true
	}
	return b.Variants, b.Else, b.Else != nil
}

// ServiceCall is the payload of a service_check step.
type ServiceCall struct {
	Name     string         `yaml:"name" json:"name"`
	Method   string         `yaml:"method" json:"method"`
	Request  map[string]any `yaml:"request,omitempty" json:"request,omitempty"`
	MinItems int            `yaml:"min_items,omitempty" json:"min_items,omitempty"`
}

// Notification is the payload of a push_notify step.
type Notification struct {
	Title string `yaml:"title" json:"title"`
	Body  string `yaml:"body,omitempty" json:"body,omitempty"`
}
