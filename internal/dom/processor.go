// Package dom turns a failing page's HTML into compact diagnostics.
package dom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/copyleftdev/scryrun/internal/driver"
)

// DefaultOutlineLimit caps the number of lines Capture returns.
const DefaultOutlineLimit = 40

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "meta": true, "link": true,
}

// keptTags maps an element to whether it has a closing tag in the
// simplified output.
var keptTags = map[string]bool{
	"html": true, "head": true, "body": true, "title": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"p": true, "div": true, "span": true, "br": false, "hr": false,
	"ul": true, "ol": true, "li": true,
	"table": true, "thead": true, "tbody": true, "tfoot": true, "tr": true, "th": true, "td": true,
	"a": true, "button": true, "input": false, "textarea": true, "select": true, "option": true, "label": true,
	"form": true, "img": false, "video": true, "svg": true, "pre": true, "code": true,
	"strong": true, "em": true, "b": true, "i": true, "nav": true,
}

var keptAttrs = map[string]bool{
	"href": true, "src": true, "alt": true, "title": true,
	"id": true, "class": true,
	"type": true, "value": true, "placeholder": true, "name": true,
	"selected": true, "checked": true, "disabled": true, "readonly": true,
	"aria-label": true, "aria-hidden": true, "aria-disabled": true, "role": true,
}

var booleanAttrs = map[string]bool{
	"value": true, "selected": true, "checked": true, "disabled": true, "readonly": true,
}

// Simplify strips scripts, styles and presentational attributes, keeping the
// structure a locator can match against.
func Simplify(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := simplifyNode(&buf, doc); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func simplifyNode(w io.Writer, n *html.Node) error {
	switch n.Type {
	case html.ErrorNode, html.CommentNode, html.DoctypeNode:
		return nil
	case html.TextNode:
		trimmed := strings.TrimSpace(n.Data)
		if trimmed == "" {
			return nil
		}
		_, err := io.WriteString(w, html.EscapeString(trimmed)+" ")
		return err
	case html.ElementNode:
		if skippedTags[n.Data] {
			return nil
		}
		if _, ok := keptTags[n.Data]; !ok {
			return simplifyChildren(w, n)
		}
		if _, err := io.WriteString(w, "<"+n.Data); err != nil {
			return err
		}
		for _, a := range n.Attr {
			if !keptAttrs[a.Key] {
				continue
			}
			val := strings.TrimSpace(a.Val)
			if val == "" && !booleanAttrs[a.Key] {
				continue
			}
			if _, err := io.WriteString(w, " "+a.Key+"=\""+html.EscapeString(val)+"\""); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, ">"); err != nil {
			return err
		}
	}

	if err := simplifyChildren(w, n); err != nil {
		return err
	}

	if n.Type == html.ElementNode && keptTags[n.Data] {
		if _, err := io.WriteString(w, "</"+n.Data+">"); err != nil {
			return err
		}
	}
	return nil
}

func simplifyChildren(w io.Writer, n *html.Node) error {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := simplifyNode(w, c); err != nil {
			return err
		}
	}
	return nil
}

const outlineSelector = `title, h1, h2, h3, h4, h5, h6, button, a, input, textarea, select, label, img, video, [role], [aria-label]`

// Outline lists the elements a scenario is most likely to target, one per
// line: tag, id, first class, accessible text and state flags. Duplicates
// collapse and the list stops at limit lines.
func Outline(htmlContent string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultOutlineLimit
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var lines []string
	seen := make(map[string]bool)
	doc.Find(outlineSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		line := describe(sel)
		if line == "" || seen[line] {
			return true
		}
		seen[line] = true
		lines = append(lines, line)
		return len(lines) < limit
	})
	return lines, nil
}

func describe(sel *goquery.Selection) string {
	var b strings.Builder
	b.WriteString(goquery.NodeName(sel))
	if id, ok := sel.Attr("id"); ok && id != "" {
		b.WriteString("#" + id)
	}
	if class, ok := sel.Attr("class"); ok {
		if fields := strings.Fields(class); len(fields) > 0 {
			b.WriteString("." + fields[0])
		}
	}
	if role, ok := sel.Attr("role"); ok && role != "" {
		b.WriteString(" role=" + role)
	}

	text := strings.Join(strings.Fields(sel.Text()), " ")
	for _, attr := range []string{"aria-label", "placeholder", "alt", "value"} {
		if text != "" {
			break
		}
		text, _ = sel.Attr(attr)
	}
	if len(text) > 60 {
		text = text[:57] + "..."
	}
	if text != "" {
		fmt.Fprintf(&b, " %q", text)
	}

	for _, flag := range []string{"disabled", "hidden", "aria-hidden"} {
		if _, ok := sel.Attr(flag); ok {
			b.WriteString(" [" + flag + "]")
		}
	}
	if src, ok := sel.Attr("src"); ok && src != "" {
		b.WriteString(" src=" + src)
	}
	return b.String()
}

// Capture reads the session's current document and returns its outline.
func Capture(ctx context.Context, s driver.Session, limit int) ([]string, error) {
	content, err := s.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return Outline(content, limit)
}
