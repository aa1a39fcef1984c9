package fakedriver

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/copyleftdev/scryrun/internal/driver"
)

// GoogleHost serves the fake OAuth popup.
const GoogleHost = "accounts.google.test"

// YralOptions shapes the fake Yral app used by executor, suite and catalog
// tests.
type YralOptions struct {
	// Host defaults to "yral.test".
	Host string
	// Currency selects the default wallet balance: "coyns" (1000 COYNS),
	// "gdolr" (100 GDOLR) or "cents" (2000 CENTS). Default coyns.
	Currency string
	// ReferralCode is shown on /refer-earn once logged in.
	ReferralCode string
	// Settle delays asynchronously rendered UI.
	Settle time.Duration
	// BrokenSettings makes the settings chevron on /menu do nothing.
	BrokenSettings bool
	// EditableAdvanced puts an input under the advanced token settings.
	EditableAdvanced bool
}

// Balance returns the amount and unit the wallet renders for currency.
func Balance(currency string) (amount, unit string) {
	switch currency {
	case "gdolr":
		return "100", "GDOLR"
	case "cents":
		return "2000", "CENTS"
	}
	return "1000", "COYNS"
}

// Yral returns a driver serving a fake Yral app on o.Host plus the Google
// sign-in popup.
func Yral(o YralOptions) *Driver {
	if o.Host == "" {
		o.Host = "yral.test"
	}
	if o.ReferralCode == "" {
		o.ReferralCode = "gzlng-jqzta-5kubz-4nyam-5so2e"
	}
	d := New()
	d.Handle("*", func(u *url.URL) *Page { return yralPage(o, u) })
	return d
}

func yralPage(o YralOptions, u *url.URL) *Page {
	if u.Host == GoogleHost {
		return googleSignIn()
	}
	if u.Host != o.Host {
		return notFound()
	}
	path := strings.TrimSuffix(u.Path, "/")
	switch {
	case path == "":
		return home(o, u)
	case path == "/wallet":
		return wallet(o)
	case strings.HasPrefix(path, "/wallet/"):
		return walletOf(o)
	case path == "/menu":
		return menu(o)
	case strings.HasPrefix(path, "/profile"):
		return loginPrompt(o, &Page{Title: "Yral"})
	case path == "/refer-earn":
		return referEarn(o)
	case path == "/board":
		return board()
	case path == "/token/create/settings":
		return tokenSettings(o)
	}
	return notFound()
}

func notFound() *Page {
	return (&Page{Title: "404"}).Add(&Element{Tag: "h1", Text: "Page not found"})
}

func chrome(p *Page) *Page {
	p.Add(&Element{ID: "nav", Tag: "nav", Role: "navigation", Rect: driver.Rect{Y: 760, Width: 400, Height: 40}})
	for i, name := range []string{"Home", "Upload", "Wallet", "Profile", "Menu"} {
		p.Add(&Element{
			ID: "nav-" + strings.ToLower(name), Parent: "nav", Tag: "a",
			Attrs: map[string]string{"aria-label": name, "href": "/" + strings.ToLower(name)},
			Rect:  driver.Rect{X: float64(i * 80), Y: 760, Width: 80, Height: 40},
		})
	}
	return p
}

// loginPrompt adds the Login button and the Google button it reveals.
func loginPrompt(o YralOptions, p *Page) *Page {
	return chrome(p).Add(
		&Element{ID: "login", Tag: "button", Text: "Login", EnableAfter: o.Settle,
			OnClick: func(p *Page) { p.Element("google").Hidden = false }},
		&Element{ID: "google", Tag: "button", Text: "Google Sign-In", Hidden: true,
			Popup: "https://" + GoogleHost + "/signin"},
	)
}

func googleSignIn() *Page {
	p := &Page{Title: "Sign in - Google Accounts"}
	return p.Add(
		&Element{ID: "email", Tag: "input", Label: "Email or phone"},
		&Element{ID: "password", Tag: "input", Label: "Enter your password", Attrs: map[string]string{"type": "password"}},
		&Element{ID: "next", Tag: "button", Text: "Next", OnClick: func(p *Page) {
			email, pass := p.Element("email").Text, p.Element("password").Text
			if email == "" || pass == "" {
				return
			}
			p.SetStorage("identity", email)
			p.Element("done").Hidden = false
		}},
		&Element{ID: "done", Tag: "p", Text: "You're signed in", Hidden: true},
	)
}

func home(o YralOptions, u *url.URL) *Page {
	p := chrome(&Page{Title: "Yral"})
	p.Add(&Element{ID: "feed-title", Tag: "span", Text: "Home Feed"})
	for i := range 4 {
		post := fmt.Sprintf("post-%d", i)
		img := post + "-heart"
		p.Add(
			&Element{ID: post, Attrs: map[string]string{"class": "snap-always snap-end"}},
			&Element{ID: post + "-video", Parent: post, Tag: "video",
				Attrs: map[string]string{"muted": "", "autoplay": "", "playsinline": "", "paused": "false", "src": fmt.Sprintf("/stream/%d.m3u8", i)},
				Rect:  driver.Rect{Y: float64(i * 800), Width: 400, Height: 760}},
			&Element{ID: post + "-like", Parent: post, Tag: "button", EnableAfter: o.Settle,
				Attrs: map[string]string{"aria-label": "Like"},
				OnClick: func(p *Page) {
					el := p.Element(img)
					if strings.Contains(el.Attrs["src"], "liked") {
						el.Attrs["src"] = "/img/heart-icon.svg"
					} else {
						el.Attrs["src"] = "/img/heart-icon-liked.svg"
					}
				}},
			&Element{ID: img, Parent: post + "-like", Tag: "img",
				Attrs: map[string]string{"alt": "like", "src": "/img/heart-icon.svg"}},
		)
	}
	if ref := u.Query().Get("user_refer"); ref != "" {
		p.OnLoad = func(p *Page) { p.SetStorage("referrer", ref) }
	}
	return p
}

func wallet(o YralOptions) *Page {
	amount, unit := Balance(o.Currency)
	return chrome(&Page{Title: "Yral"}).Add(
		&Element{ID: "claim", Tag: "button", Text: "Login to claim your COYNs", EnableAfter: o.Settle},
		&Element{ID: "balance", Tag: "span", Text: amount, AppearAfter: o.Settle},
		&Element{ID: "unit", Tag: "span", Text: unit, AppearAfter: o.Settle},
	)
}

func walletOf(o YralOptions) *Page {
	return chrome(&Page{Title: "Yral"}).Add(
		&Element{ID: "token-coyns", Tag: "span", Text: "COYNS"},
		&Element{ID: "token-usdc", Tag: "span", Text: "USDC", AppearAfter: 2 * o.Settle},
		&Element{ID: "token-ckbtc", Tag: "span", Text: "ckBTC", AppearAfter: 2 * o.Settle},
	)
}

func menu(o YralOptions) *Page {
	p := loginPrompt(o, &Page{Title: "Yral"})
	p.Add(&Element{ID: "menu-title", Tag: "h1", Text: "Menu"})
	rows := []string{"Profile", "Wallet", "Refer & Earn", "About Us", "Settings", "Terms of Service", "Privacy Policy"}
	for i, name := range rows {
		id := "row-" + strings.ToLower(strings.ReplaceAll(name, " ", "-"))
		y := float64(200 + i*60)
		chevron := &Element{ID: id + "-open", Tag: "svg", Rect: driver.Rect{X: 340, Y: y, Width: 24, Height: 24}}
		if name == "Settings" && !o.BrokenSettings {
			chevron.OnClick = func(p *Page) { p.Element("notifications").Hidden = false }
		}
		p.Add(
			&Element{ID: id + "-icon", Tag: "svg", Rect: driver.Rect{X: 16, Y: y, Width: 24, Height: 24}},
			&Element{ID: id, Tag: "span", Text: name, Rect: driver.Rect{X: 56, Y: y, Width: 120, Height: 24}},
			chevron,
		)
	}
	p.Add(&Element{ID: "notifications", Tag: "span", Text: "Enable Notifications", Hidden: true,
		Rect: driver.Rect{X: 56, Y: 200 + float64(len(rows))*60, Width: 200, Height: 24}})
	return p
}

func referEarn(o YralOptions) *Page {
	p := loginPrompt(o, &Page{Title: "Yral"})
	link := fmt.Sprintf("https://%s/?user_refer=%s", o.Host, o.ReferralCode)
	p.Add(
		&Element{ID: "invite", Tag: "h2", Text: "Invite & Win", Hidden: true},
		&Element{ID: "refer-link", Tag: "span", Text: link, Hidden: true},
		&Element{ID: "copy", Tag: "button", Attrs: map[string]string{"aria-label": "Copy"}, Hidden: true},
	)
	p.OnLoad = func(p *Page) {
		if _, ok := p.Storage("identity"); !ok {
			return
		}
		p.Element("login").Hidden = true
		for _, id := range []string{"invite", "refer-link", "copy"} {
			p.Element(id).Hidden = false
		}
	}
	return p
}

func board() *Page {
	p := chrome(&Page{Title: "Yral"})
	p.Add(&Element{ID: "board", Tag: "main"})
	for i, n := range []string{"12", "7", "3"} {
		p.Add(&Element{
			ID: fmt.Sprintf("count-%d", i), Parent: "board", Hidden: true, Text: n,
			Attrs: map[string]string{"class": "w-8 h-8 rounded-lg flex items-center justify-center text-white bg-blue-500"},
		})
	}
	p.OnScroll = func(p *Page) {
		for i := range 3 {
			p.Element(fmt.Sprintf("count-%d", i)).Hidden = false
		}
	}
	return p
}

func tokenSettings(o YralOptions) *Page {
	p := chrome(&Page{Title: "Yral"}).Add(
		&Element{ID: "advanced-settings"},
		&Element{Parent: "advanced-settings", Tag: "span", Text: "Token supply: 100,000,000"},
		&Element{Parent: "advanced-settings", Tag: "span", Text: "Transaction fee: 1"},
	)
	if o.EditableAdvanced {
		p.Add(&Element{ID: "supply-input", Parent: "advanced-settings", Tag: "input", Label: "Token supply"})
	}
	return p
}
