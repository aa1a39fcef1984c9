package driver

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/copyleftdev/scryrun/internal/scenario"
)

//go:embed resolver.js
var resolverSource string

var resolverExpr = "(" + strings.TrimSpace(resolverSource) + ")"

const (
	opCount          = "count"
	opState          = "state"
	opPoint          = "point"
	opFocus          = "focus"
	opScroll         = "scroll"
	opScrollIntoView = "scroll_into_view"
)

// missingKey marks an element script whose handle no longer resolves.
const missingKey = "__scryMissing"

type resolveRequest struct {
	Locator scenario.Locator `json:"locator"`
	Op      string           `json:"op"`
	Index   int              `json:"index"`
	Select  bool             `json:"select,omitempty"`
	DX      int              `json:"dx,omitempty"`
	DY      int              `json:"dy,omitempty"`
}

type resolveResponse struct {
	OK     bool            `json:"ok"`
	Value  json.RawMessage `json:"value"`
	Reason string          `json:"reason"`
	Count  int             `json:"count"`
}

func resolveExpr(req resolveRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode locator: %w", err)
	}
	return resolverExpr + ".run(" + string(b) + ")", nil
}

var returnRE = regexp.MustCompile(`\breturn\b`)

// scriptFunc turns a user script into an async arrow function of el. A
// script containing return is treated as a function body, anything else as
// an expression.
func scriptFunc(script string) string {
	script = strings.TrimSpace(script)
	if returnRE.MatchString(script) {
		return "(async (el) => {\n" + script + "\n})"
	}
	return "(async (el) => (\n" + strings.TrimRight(script, ";") + "\n))"
}

func pageScriptExpr(script string) string {
	return scriptFunc(script) + "(null)"
}

func elementScriptExpr(h Handle, script string) (string, error) {
	loc, err := json.Marshal(h.Locator)
	if err != nil {
		return "", fmt.Errorf("encode locator: %w", err)
	}
	return fmt.Sprintf(
		"(() => { const el = %s.query(%s, [document])[%d]; if (!el) return {%s: true}; return %s(el); })()",
		resolverExpr, loc, h.Index, missingKey, scriptFunc(script),
	), nil
}

// settled wraps expr so that it always yields a JSON-encodable promise;
// undefined becomes null.
func settled(expr string) string {
	return "(async () => { const __v = await (" + expr + "); return __v === undefined ? null : __v; })()"
}
