package executor

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/copyleftdev/scryrun/internal/auth"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

func testExpander(t *testing.T) *expander {
	t.Helper()
	base, err := url.Parse("https://yral.test/")
	require.NoError(t, err)
	codes := &auth.Codes{
		Lookup: func(key string) (string, bool) {
			if key == auth.SecretEnvPrefix+"GOOGLE" {
				return "JBSWY3DPEHPK3PXP", true
			}
			return "", false
		},
		Now: func() time.Time { return time.Unix(1700000000, 0) },
	}
	return &expander{
		vars:  map[string]string{"code": "gzlng-jqzta"},
		env:   func(k string) (string, bool) { return map[string]string{"EMAIL": "a@b.c"}[k], k == "EMAIL" },
		codes: codes,
		base:  base,
	}
}

func TestExpand(t *testing.T) {
	x := testExpander(t)
	want, err := auth.GenerateTOTP("JBSWY3DPEHPK3PXP", time.Unix(1700000000, 0))
	require.NoError(t, err)

	tests := []struct {
		in   string
		want string
		kind errs.Kind
	}{
		{"plain", "plain", ""},
		{"{{var.code}}", "gzlng-jqzta", ""},
		{"{{ var.code }}!", "gzlng-jqzta!", ""},
		{"{{base.url}}/?user_refer={{var.code}}", "https://yral.test/?user_refer=gzlng-jqzta", ""},
		{"{{base.host}}", "yral.test", ""},
		{"{{env.EMAIL}}", "a@b.c", ""},
		{"{{totp.google}}", want, ""},
		{"{{var.missing}}", "", errs.InvalidScenario},
		{"{{env.MISSING}}", "", errs.InvalidScenario},
		{"{{totp.github}}", "", errs.InvalidScenario},
		{"{{base.port}}", "", errs.InvalidScenario},
		{"{{unknown.x}}", "{{unknown.x}}", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := x.expand(tt.in)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, errs.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveURL(t *testing.T) {
	x := testExpander(t)

	got, err := x.resolveURL("/wallet")
	require.NoError(t, err)
	assert.Equal(t, "https://yral.test/wallet", got)

	got, err = x.resolveURL("https://other.test/x")
	require.NoError(t, err)
	assert.Equal(t, "https://other.test/x", got)

	x.base = nil
	_, err = x.resolveURL("/wallet")
	assert.Equal(t, errs.InvalidScenario, errs.KindOf(err))
}

func TestExpandLocatorIsDeepCopy(t *testing.T) {
	x := testExpander(t)
	loc := &scenario.Locator{
		Text:   "{{var.code}}",
		Within: &scenario.Locator{CSS: "#{{var.code}}"},
	}

	got, err := x.locator(loc)
	require.NoError(t, err)
	assert.Equal(t, "gzlng-jqzta", got.Text)
	assert.Equal(t, "#gzlng-jqzta", got.Within.CSS)
	assert.Equal(t, "{{var.code}}", loc.Text)
	assert.Equal(t, "#{{var.code}}", loc.Within.CSS)
}

func TestExpandRequest(t *testing.T) {
	x := testExpander(t)
	got, err := x.request(map[string]any{
		"canister_id":  "{{var.code}}",
		"num_results":  10,
		"filter_posts": []any{"{{var.code}}", 3},
		"nested":       map[string]any{"q": "{{env.EMAIL}}"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"canister_id":  "gzlng-jqzta",
		"num_results":  10,
		"filter_posts": []any{"gzlng-jqzta", 3},
		"nested":       map[string]any{"q": "a@b.c"},
	}, got)
}

func TestExpandProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z0-9_]{1,12}`).Draw(rt, "name")
		value := rapid.String().Draw(rt, "value")
		prefix := rapid.StringMatching(`[^{}]*`).Draw(rt, "prefix")
		x := &expander{vars: map[string]string{name: value}}

		plain, err := x.expand(prefix)
		if err != nil || plain != prefix {
			rt.Fatalf("text without placeholders changed: %q -> %q (%v)", prefix, plain, err)
		}

		got, err := x.expand(prefix + "{{var." + name + "}}" + prefix)
		if err != nil {
			rt.Fatal(err)
		}
		if got != prefix+value+prefix {
			rt.Fatalf("got %q", got)
		}
		// substituted values are never re-expanded
		if strings.Contains(value, "{{") && !strings.Contains(got, value) {
			rt.Fatalf("value %q was rewritten", value)
		}
	})
}
