package cdpdriver

import "github.com/chromedp/chromedp/kb"

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"Escape":     kb.Escape,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"Space":      " ",
}

// keyFor maps a DOM key name to the sequence chromedp.KeyEvent expects.
// Anything else is sent as literal text.
func keyFor(name string) string {
	if k, ok := namedKeys[name]; ok {
		return k
	}
	return name
}
