package scenario

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/scryrun/internal/errs"
)

const walletYAML = `
name: wallet-balance
tags: [wallet, smoke]
steps:
  - kind: navigate
    url: /wallet
    timeout: 10s
  - kind: wait_for
    locator: {text: "1000", contains: true}
    conditions: [present, visible]
    timeout: 15s
  - kind: branch
    branch:
      timeout: 2s
      variants:
        - name: coyns
          when: {locator: {text: COYNS}}
          steps:
            - kind: assert
              locator: {text: "1000"}
              expect: {kind: visible}
        - name: cents
          when: {locator: {text: CENTS}}
          steps:
            - kind: pause
              duration: 500ms
  - kind: snapshot
    label: Wallet page
---
name: second
steps:
  - kind: assert
    expect: {kind: title_equals, value: Yral}
`

func TestParse(t *testing.T) {
	scs, err := Parse([]byte(walletYAML), "wallet.yaml")
	require.NoError(t, err)
	require.Len(t, scs, 2)

	sc := scs[0]
	assert.Equal(t, "wallet-balance", sc.Name)
	assert.Equal(t, "wallet.yaml", sc.Source)
	assert.True(t, sc.HasTag("smoke"))
	assert.False(t, sc.HasTag("feed"))
	require.Len(t, sc.Steps, 4)
	assert.Equal(t, 10*time.Second, sc.Steps[0].Timeout)
	assert.Equal(t, CondVisible, sc.Steps[1].WaitCondition())
	assert.True(t, sc.Steps[1].Locator.Contains)

	arms, fallback, hasElse := sc.Steps[2].Branch.Arms()
	assert.Len(t, arms, 2)
	assert.Nil(t, fallback)
	assert.False(t, hasElse)
	assert.Equal(t, "coyns", arms[0].Name)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("name: x\nsteps:\n  - kind: navigate\n    uri: /\n"), "bad.yaml")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidScenario, errs.KindOf(err))
}

func TestParse_RejectsInvalidSteps(t *testing.T) {
	cases := map[string]string{
		"missing url":        "name: x\nsteps:\n  - kind: navigate\n",
		"two primaries":      "name: x\nsteps:\n  - kind: wait_for\n    locator: {css: a, text: b}\n",
		"unknown condition":  "name: x\nsteps:\n  - kind: wait_for\n    locator: {css: a}\n    condition: shiny\n",
		"unknown kind":       "name: x\nsteps:\n  - kind: teleport\n",
		"popup without bind": "name: x\nsteps:\n  - kind: open_popup\n    locator: {text: Google}\n",
		"empty branch":       "name: x\nsteps:\n  - kind: branch\n    branch: {}\n",
		"bad nested step": `name: x
steps:
  - kind: branch
    branch:
      when: {locator: {css: a}}
      then:
        - kind: interact
          locator: {css: a}
`,
		"no steps": "name: x\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), "case.yaml")
			assert.Error(t, err)
			assert.True(t, errs.Is(err, errs.InvalidScenario))
		})
	}
}

func TestMostSpecific(t *testing.T) {
	assert.Equal(t, CondEnabled, MostSpecific(CondPresent, CondEnabled, CondVisible))
	assert.Equal(t, CondVisible, MostSpecific(CondPresent, CondVisible))
	assert.Equal(t, CondVisible, MostSpecific(CondVisible, CondHidden))
	assert.Equal(t, Condition(""), MostSpecific())
}

func TestWaitConditionDefaultsToVisible(t *testing.T) {
	s := Step{Kind: StepWaitFor, Locator: &Locator{CSS: "a"}}
	assert.Equal(t, CondVisible, s.WaitCondition())
	s.Condition = CondAbsent
	assert.Equal(t, CondAbsent, s.WaitCondition())
}

func TestBudget(t *testing.T) {
	def := 5 * time.Second
	sc := Scenario{
		Name: "budget",
		Setup: []Step{
			{Kind: StepNavigate, URL: "/"},
		},
		Steps: []Step{
			{Kind: StepWaitFor, Locator: &Locator{CSS: "a"}, Timeout: 15 * time.Second},
			{Kind: StepPause, Duration: 2 * time.Second},
			{Kind: StepBranch, Branch: &Branch{
				Timeout: time.Second,
				Variants: []Variant{
					{Name: "short", Steps: []Step{{Kind: StepAssert, Timeout: time.Second}}},
					{Name: "long", Steps: []Step{{Kind: StepAssert, Timeout: 3 * time.Second}, {Kind: StepAssert}}},
				},
				Else: []Step{{Kind: StepAssert, Timeout: 2 * time.Second}},
			}},
		},
	}
	// setup 5s + wait 15s + pause 2s + branch (1s settle + long arm 3s+5s) + margin 30s
	assert.Equal(t, 61*time.Second, sc.Budget(def, 30*time.Second))
}

func TestBudget_BranchWithoutTimeoutChargesGuard(t *testing.T) {
	def := 5 * time.Second
	arms := []Variant{{Name: "only", Steps: []Step{{Kind: StepAssert, Timeout: time.Second}}}}

	unset := Step{Kind: StepBranch, Branch: &Branch{Variants: arms}}
	assert.Equal(t, 6*time.Second, unset.Budget(def), "guard runs under the default step timeout")

	own := Step{Kind: StepBranch, Timeout: 2 * time.Second, Branch: &Branch{Variants: arms}}
	assert.Equal(t, 3*time.Second, own.Budget(def), "guard runs under the step's own timeout")
}

func TestContexts(t *testing.T) {
	open := func(bind string) Step { return Step{Kind: StepOpenContext, Bind: bind} }
	sc := Scenario{
		Name:  "contexts",
		Setup: []Step{open("admin")},
		Steps: []Step{
			{Kind: StepPause, Duration: time.Millisecond},
			{Kind: StepBranch, Branch: &Branch{
				Variants: []Variant{
					{Name: "one", Steps: []Step{open("a")}},
					{Name: "two", Steps: []Step{open("b"), open("c")}},
				},
			}},
		},
		Teardown: []Step{open("audit")},
	}
	// primary + admin + widest arm (2) + audit
	assert.Equal(t, 5, sc.Contexts())
	assert.Equal(t, 1, (&Scenario{Name: "plain"}).Contexts())
}

func TestLocatorString(t *testing.T) {
	l := &Locator{
		Role: "button", Name: "Login",
		Within:  &Locator{CSS: "nav"},
		RightOf: &Locator{Text: "Settings", Contains: true},
		Nth:     1,
	}
	assert.Equal(t, `role=button[name="Login"] within(css="nav") right_of(text~="Settings") nth=1`, l.String())
	assert.Equal(t, "<nil>", (*Locator)(nil).String())
}

func TestResultFail(t *testing.T) {
	r := ExecutionResult{Scenario: "x", StartedAt: time.Now()}
	r.Fail(PhaseSteps, 3, "3", errs.WithObserved(errs.New(errs.AssertionFailure, "text mismatch"), "99 COYNS"))
	assert.Equal(t, Failed, r.Outcome)
	assert.Equal(t, errs.AssertionFailure, r.Kind)
	assert.Equal(t, "99 COYNS", r.Observed)

	r.Fail(PhaseSteps, 1, "1", errors.New("socket closed"))
	assert.Equal(t, Errored, r.Outcome)
	assert.Equal(t, errs.Internal, r.Kind)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]ExecutionResult{{Outcome: Passed}, {Outcome: Failed}, {Outcome: Errored}, {Outcome: Passed}})
	assert.Equal(t, Summary{Total: 4, Passed: 2, Failed: 1, Errored: 1}, s)
	assert.False(t, s.AllPassed())
	assert.True(t, Summarize(nil).AllPassed())
}

func TestMarshalRoundTrip(t *testing.T) {
	scs, err := Parse([]byte(walletYAML), "wallet.yaml")
	require.NoError(t, err)
	out, err := Marshal(&scs[0])
	require.NoError(t, err)
	again, err := Parse(out, "wallet.yaml")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, scs[0], again[0])
}
