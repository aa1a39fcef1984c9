package driver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

// scriptedPage answers Eval from a caller-supplied function and records the
// input calls it receives.
type scriptedPage struct {
	mu       sync.Mutex
	respond  func(expr string) (json.RawMessage, error)
	exprs    []string
	clicks   [][2]float64
	inserted []string
	pressed  []string
	closes   int
	navErr   error
	popup    Page
	popupErr error
}

func (p *scriptedPage) Navigate(context.Context, string) error { return p.navErr }

func (p *scriptedPage) Eval(_ context.Context, expr string) (json.RawMessage, error) {
	p.mu.Lock()
	p.exprs = append(p.exprs, expr)
	p.mu.Unlock()
	return p.respond(expr)
}

func (p *scriptedPage) Click(_ context.Context, x, y float64) error {
	p.clicks = append(p.clicks, [2]float64{x, y})
	return nil
}

func (p *scriptedPage) InsertText(_ context.Context, text string) error {
	p.inserted = append(p.inserted, text)
	return nil
}

func (p *scriptedPage) Press(_ context.Context, key string) error {
	p.pressed = append(p.pressed, key)
	return nil
}

func (p *scriptedPage) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (p *scriptedPage) AwaitPopup(ctx context.Context, trigger func(context.Context) error) (Page, error) {
	if err := trigger(ctx); err != nil {
		return nil, err
	}
	return p.popup, p.popupErr
}

func (p *scriptedPage) GrantPermissions(context.Context, string, []string) error { return nil }

func (p *scriptedPage) Close() error {
	p.closes++
	return nil
}

func byOp(answers map[string]string) func(string) (json.RawMessage, error) {
	return func(expr string) (json.RawMessage, error) {
		for op, answer := range answers {
			if strings.Contains(expr, `"op":"`+op+`"`) {
				return json.RawMessage(answer), nil
			}
		}
		return nil, errors.New("unexpected expression")
	}
}

func TestFind(t *testing.T) {
	page := &scriptedPage{respond: byOp(map[string]string{"count": `{"ok":true,"value":3}`})}
	s := NewPageSession(page, nil)

	loc := scenario.Locator{Text: "COYNS"}
	handles, err := s.Find(context.Background(), loc)
	require.NoError(t, err)
	require.Len(t, handles, 3)
	assert.Equal(t, Handle{Locator: loc, Index: 2}, handles[2])
	assert.Contains(t, page.exprs[0], `"text":"COYNS"`)
}

func TestReadState(t *testing.T) {
	page := &scriptedPage{respond: byOp(map[string]string{
		"state": `{"ok":true,"value":{"present":true,"visible":true,"enabled":false,"text":"Login","attributes":{"class":"btn"}}}`,
	})}
	st, err := NewPageSession(page, nil).ReadState(context.Background(), Handle{Locator: scenario.Locator{CSS: "button"}})
	require.NoError(t, err)
	assert.True(t, st.Visible)
	assert.False(t, st.Enabled)
	assert.Equal(t, "btn", st.Attributes["class"])
}

func TestReadState_Missing(t *testing.T) {
	page := &scriptedPage{respond: byOp(map[string]string{"state": `{"ok":false,"reason":"not_found","count":0}`})}
	_, err := NewPageSession(page, nil).ReadState(context.Background(), Handle{Locator: scenario.Locator{Text: "Menu"}})
	assert.Equal(t, errs.ElementNotFound, errs.KindOf(err))
}

func TestAct(t *testing.T) {
	page := &scriptedPage{respond: byOp(map[string]string{
		"point": `{"ok":true,"value":{"x":12.5,"y":40}}`,
		"focus": `{"ok":true,"value":true}`,
	})}
	s := NewPageSession(page, nil)
	h := Handle{Locator: scenario.Locator{Label: "Email"}}
	ctx := context.Background()

	require.NoError(t, s.Act(ctx, h, scenario.Action{Type: scenario.ActionClick}))
	require.NoError(t, s.Act(ctx, h, scenario.Action{Type: scenario.ActionFill, Text: "a@b.c"}))
	require.NoError(t, s.Act(ctx, h, scenario.Action{Type: scenario.ActionFill}))
	require.NoError(t, s.Act(ctx, h, scenario.Action{Type: scenario.ActionKeyPress, Key: "Enter"}))

	assert.Equal(t, [][2]float64{{12.5, 40}}, page.clicks)
	assert.Equal(t, []string{"a@b.c"}, page.inserted)
	assert.Equal(t, []string{"Backspace", "Enter"}, page.pressed)
	assert.Contains(t, page.exprs[1], `"select":true`)
	assert.NotContains(t, page.exprs[3], `"select":true`)
}

func TestEvaluate(t *testing.T) {
	page := &scriptedPage{respond: func(expr string) (json.RawMessage, error) {
		if strings.Contains(expr, "el.paused") {
			return json.RawMessage(`{"__scryMissing":true}`), nil
		}
		return json.RawMessage(`"Yral"`), nil
	}}
	s := NewPageSession(page, nil)

	title, err := s.Title(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Yral", title)

	_, err = s.Evaluate(context.Background(), &Handle{Locator: scenario.Locator{CSS: "video"}, Index: 1}, "el.paused")
	assert.Equal(t, errs.ElementNotFound, errs.KindOf(err))
}

func TestNavigateClassifiesFailures(t *testing.T) {
	page := &scriptedPage{navErr: errors.New("net::ERR_TIMED_OUT")}
	err := NewPageSession(page, nil).Navigate(context.Background(), "https://example.test")
	assert.Equal(t, errs.NavigationTimeout, errs.KindOf(err))

	page.navErr = context.Canceled
	err = NewPageSession(page, nil).Navigate(context.Background(), "https://example.test")
	assert.Equal(t, errs.Canceled, errs.KindOf(err))
}

func TestAwaitPopup(t *testing.T) {
	clickable := byOp(map[string]string{"point": `{"ok":true,"value":{"x":1,"y":1}}`})
	child := &scriptedPage{respond: clickable}
	page := &scriptedPage{respond: clickable, popup: child}
	s := NewPageSession(page, nil)

	popup, err := s.AwaitPopup(context.Background(), Handle{Locator: scenario.Locator{Text: "Google Sign-In"}})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), popup.ID())
	assert.Len(t, page.clicks, 1)

	page.popup, page.popupErr = nil, context.DeadlineExceeded
	_, err = s.AwaitPopup(context.Background(), Handle{Locator: scenario.Locator{Text: "Google Sign-In"}})
	assert.Equal(t, errs.PopupNotOpened, errs.KindOf(err))

	page.respond = byOp(map[string]string{"point": `{"ok":false,"reason":"not_found"}`})
	_, err = s.AwaitPopup(context.Background(), Handle{Locator: scenario.Locator{Text: "Google Sign-In"}})
	assert.Equal(t, errs.ElementNotFound, errs.KindOf(err))
}

func TestCloseOnce(t *testing.T) {
	page := &scriptedPage{}
	s := NewPageSession(page, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, page.closes)

	_, err := s.Find(context.Background(), scenario.Locator{CSS: "a"})
	assert.Error(t, err)
}

func TestScriptFunc(t *testing.T) {
	assert.Equal(t, "(async (el) => (\ndocument.title\n))", scriptFunc("document.title;"))
	assert.Equal(t, "(async (el) => {\nconst n = 1; return n + 1;\n})", scriptFunc("const n = 1; return n + 1;"))
	assert.True(t, strings.HasPrefix(resolverExpr, "((() => {"))
}
