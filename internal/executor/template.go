package executor

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

var placeholder = regexp.MustCompile(`\{\{\s*(var|env|totp|base)\.([A-Za-z0-9_]+)\s*\}\}`)

// expander resolves {{var.X}}, {{env.X}}, {{totp.X}}, {{base.url}} and
// {{base.host}} placeholders.
type expander struct {
	vars  map[string]string
	env   func(string) (string, bool)
	codes CodeSource
	base  *url.URL
}

func (x *expander) expand(s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		v, err := x.lookup(parts[1], parts[2])
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (x *expander) lookup(ns, name string) (string, error) {
	switch ns {
	case "var":
		if v, ok := x.vars[name]; ok {
			return v, nil
		}
		return "", errs.New(errs.InvalidScenario, "variable %q is not bound", name)
	case "env":
		if x.env != nil {
			if v, ok := x.env(name); ok {
				return v, nil
			}
		}
		return "", errs.New(errs.InvalidScenario, "environment variable %q is not set", name)
	case "totp":
		if x.codes == nil {
			return "", errs.New(errs.InvalidScenario, "no totp source for %q", name)
		}
		code, err := x.codes.Code(name)
		if err != nil {
			return "", errs.Wrap(errs.InvalidScenario, err, "totp %s", name)
		}
		return code, nil
	case "base":
		if x.base == nil {
			return "", errs.New(errs.InvalidScenario, "no base url configured")
		}
		switch name {
		case "url":
			return strings.TrimSuffix(x.base.String(), "/"), nil
		case "host":
			return x.base.Host, nil
		}
	}
	return "", errs.New(errs.InvalidScenario, "unknown placeholder %s.%s", ns, name)
}

// locator returns a copy of loc with every text field expanded.
func (x *expander) locator(loc *scenario.Locator) (scenario.Locator, error) {
	out := *loc
	var err error
	for _, f := range []*string{&out.CSS, &out.Text, &out.Label, &out.Name} {
		if *f, err = x.expand(*f); err != nil {
			return out, err
		}
	}
	if loc.Within != nil {
		w, err := x.locator(loc.Within)
		if err != nil {
			return out, err
		}
		out.Within = &w
	}
	if loc.RightOf != nil {
		r, err := x.locator(loc.RightOf)
		if err != nil {
			return out, err
		}
		out.RightOf = &r
	}
	return out, nil
}

// request expands string values of a service request, recursing into
// nested maps and lists.
func (x *expander) request(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		ev, err := x.value(v)
		if err != nil {
			return nil, err
		}
		out[k] = ev
	}
	return out, nil
}

func (x *expander) value(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return x.expand(t)
	case map[string]any:
		return x.request(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ev, err := x.value(e)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	}
	return v, nil
}

// resolveURL expands raw and joins relative references to the base URL.
func (x *expander) resolveURL(raw string) (string, error) {
	s, err := x.expand(raw)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", errs.Wrap(errs.InvalidScenario, err, "url %q", s)
	}
	if u.IsAbs() {
		return s, nil
	}
	if x.base == nil {
		return "", errs.New(errs.InvalidScenario, "relative url %q without a base url", s)
	}
	return x.base.ResolveReference(u).String(), nil
}
