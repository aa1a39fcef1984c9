package fakedriver

import (
	"math"
	"sort"
	"strings"

	"github.com/copyleftdev/scryrun/internal/scenario"
)

// query mirrors the browser resolver against fake elements. The caller
// holds p.mu.
func (p *Page) query(loc scenario.Locator) []*Element {
	var scopes []*Element
	if loc.Within != nil {
		scopes = p.query(*loc.Within)
		if len(scopes) == 0 {
			return nil
		}
	}

	var out []*Element
	for _, el := range p.Elements {
		if !p.present(el) || !p.matchPrimary(el, loc) {
			continue
		}
		if scopes != nil && !p.insideAny(el, scopes) {
			continue
		}
		out = append(out, el)
	}

	if loc.RightOf != nil {
		anchors := p.query(*loc.RightOf)
		if len(anchors) == 0 {
			return nil
		}
		anchor := anchors[0]
		a := anchor.Rect
		ax, ay := a.X+a.Width/2, a.Y+a.Height/2
		dist := func(el *Element) float64 {
			return math.Hypot(el.Rect.X+el.Rect.Width/2-ax, el.Rect.Y+el.Rect.Height/2-ay)
		}
		filtered := out[:0:0]
		for _, el := range out {
			if el != anchor && el.Rect.X >= a.X+a.Width-1 {
				filtered = append(filtered, el)
			}
		}
		sort.SliceStable(filtered, func(i, j int) bool { return dist(filtered[i]) < dist(filtered[j]) })
		out = filtered
	}

	if loc.Nth > 0 {
		if len(out) > loc.Nth {
			return []*Element{out[loc.Nth]}
		}
		return nil
	}
	return out
}

func (p *Page) insideAny(el *Element, scopes []*Element) bool {
	for cur := el; cur != nil && cur.Parent != ""; {
		parent := p.Element(cur.Parent)
		for _, s := range scopes {
			if parent == s {
				return true
			}
		}
		cur = parent
	}
	return false
}

func norm(s string) string { return strings.Join(strings.Fields(s), " ") }

func textMatches(got, want string, contains bool) bool {
	got, want = norm(got), norm(want)
	if contains {
		return strings.Contains(got, want)
	}
	return got == want
}

func (p *Page) matchPrimary(el *Element, loc scenario.Locator) bool {
	switch {
	case loc.CSS != "":
		return p.matchCSS(el, loc.CSS)
	case loc.Text != "":
		return textMatches(el.Text, loc.Text, loc.Contains)
	case loc.Label != "":
		for _, l := range []string{el.Label, el.Attrs["aria-label"], el.Attrs["placeholder"]} {
			if l != "" && textMatches(l, loc.Label, loc.Contains) {
				return true
			}
		}
		return false
	case loc.Role != "":
		if roleOf(el) != loc.Role {
			return false
		}
		if loc.Name == "" {
			return true
		}
		name := el.Attrs["aria-label"]
		if name == "" {
			name = el.Text
		}
		return textMatches(name, loc.Name, loc.Contains)
	}
	return false
}

func roleOf(el *Element) string {
	if el.Role != "" {
		return el.Role
	}
	switch el.Tag {
	case "button":
		return "button"
	case "a":
		return "link"
	case "input", "textarea":
		return "textbox"
	case "img":
		return "img"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return "heading"
	}
	return ""
}

// matchCSS supports descendant combinators over compound selectors made of
// tag, #id, .class and [attr], [attr=v], [attr*=v] parts.
func (p *Page) matchCSS(el *Element, selector string) bool {
	for _, alt := range strings.Split(selector, ",") {
		parts := strings.Fields(alt)
		if len(parts) == 0 || !matchCompound(el, parts[len(parts)-1]) {
			continue
		}
		if p.matchAncestors(el, parts[:len(parts)-1]) {
			return true
		}
	}
	return false
}

func (p *Page) matchAncestors(el *Element, parts []string) bool {
	if len(parts) == 0 {
		return true
	}
	last := parts[len(parts)-1]
	for cur := p.Element(el.Parent); cur != nil; cur = p.Element(cur.Parent) {
		if matchCompound(cur, last) && p.matchAncestors(cur, parts[:len(parts)-1]) {
			return true
		}
	}
	return false
}

func matchCompound(el *Element, sel string) bool {
	tag := el.Tag
	if tag == "" {
		tag = "div"
	}
	i := 0
	for i < len(sel) && sel[i] != '#' && sel[i] != '.' && sel[i] != '[' {
		i++
	}
	if name := sel[:i]; name != "" && name != "*" && name != tag {
		return false
	}
	for rest := sel[i:]; rest != ""; {
		switch rest[0] {
		case '#', '.':
			j := 1
			for j < len(rest) && rest[j] != '#' && rest[j] != '.' && rest[j] != '[' {
				j++
			}
			val := rest[1:j]
			if rest[0] == '#' && el.ID != val {
				return false
			}
			if rest[0] == '.' && !hasClass(el, val) {
				return false
			}
			rest = rest[j:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return false
			}
			if !matchAttr(el, rest[1:end]) {
				return false
			}
			rest = rest[end+1:]
		default:
			return false
		}
	}
	return true
}

func hasClass(el *Element, class string) bool {
	for _, c := range strings.Fields(el.Attrs["class"]) {
		if c == class {
			return true
		}
	}
	return false
}

func matchAttr(el *Element, expr string) bool {
	if name, val, ok := strings.Cut(expr, "*="); ok {
		v, present := el.Attrs[name]
		return present && strings.Contains(v, strings.Trim(val, `'"`))
	}
	if name, val, ok := strings.Cut(expr, "="); ok {
		v, present := el.Attrs[name]
		return present && v == strings.Trim(val, `'"`)
	}
	_, present := el.Attrs[expr]
	if expr == "disabled" {
		return present || el.Disabled
	}
	return present
}
