package snapshot

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// maxNestingDepth bounds open-element depth so a pathological fragment
// cannot exhaust memory with output tags.
const maxNestingDepth = 50

var allowedTags = map[string]bool{
	"a": true, "b": true, "blockquote": true, "br": true, "code": true,
	"div": true, "em": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "hr": true, "i": true,
	"li": true, "ol": true, "p": true, "pre": true, "span": true,
	"strong": true, "table": true, "tbody": true, "td": true,
	"th": true, "thead": true, "tr": true, "u": true, "ul": true,
}

// dropWithContent lists active-content elements whose children are
// discarded along with the element itself.
var dropWithContent = map[string]bool{
	"script": true, "style": true, "iframe": true, "object": true,
	"embed": true, "link": true, "meta": true, "base": true,
	"form": true, "input": true, "button": true, "textarea": true,
	"select": true, "option": true,
}

var voidTags = map[string]bool{"br": true, "hr": true}

var allowedAttrs = map[string]map[string]bool{
	"a":  {"href": true, "title": true},
	"td": {"colspan": true, "rowspan": true},
	"th": {"colspan": true, "rowspan": true},
}

var allowedHrefSchemes = map[string]bool{"": true, "http": true, "https": true, "mailto": true}

// sanitizeHref returns the cleaned href or "" when the scheme is not
// allowed. Scheme-relative URLs (//host) are rejected.
func sanitizeHref(raw string) string {
	href := strings.TrimSpace(raw)
	if href == "" || strings.ContainsRune(href, 0) {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if u.Scheme == "" && u.Host != "" {
		return ""
	}
	if !allowedHrefSchemes[strings.ToLower(u.Scheme)] {
		return ""
	}
	return href
}

// SanitizeHTML reduces an HTML fragment to a strict allowlist: active
// content is dropped with its children, event handlers and style
// attributes are removed, and hrefs are limited to http/https/mailto and
// relative URLs. The output is intended for print rendering, not general
// HTML. On empty or unusable input the result is "" so callers fall back
// to plain text.
func SanitizeHTML(fragment string) string {
	if fragment == "" {
		return ""
	}

	var out strings.Builder
	var open []string
	skipDepth := 0

	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a parse failure; either way emit what we have
			// with still-open tags closed to keep output well-formed.
			for i := len(open) - 1; i >= 0; i-- {
				out.WriteString("</" + open[i] + ">")
			}
			return strings.TrimSpace(out.String())

		case html.TextToken:
			if skipDepth == 0 {
				out.WriteString(html.EscapeString(string(z.Text())))
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			name := strings.ToLower(tok.Data)
			if dropWithContent[name] {
				if tt == html.StartTagToken && !isVoidLike(name) {
					skipDepth++
				}
				continue
			}
			if skipDepth > 0 || !allowedTags[name] || len(open) >= maxNestingDepth {
				continue
			}
			writeTag(&out, name, tok.Attr)
			if !voidTags[name] && tt == html.StartTagToken {
				open = append(open, name)
			}

		case html.EndTagToken:
			tok := z.Token()
			name := strings.ToLower(tok.Data)
			if dropWithContent[name] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if skipDepth > 0 || voidTags[name] {
				continue
			}
			if len(open) > 0 && open[len(open)-1] == name {
				open = open[:len(open)-1]
				out.WriteString("</" + name + ">")
			}

		case html.CommentToken, html.DoctypeToken:
			// dropped
		}
	}
}

// isVoidLike reports dropped elements that never carry children, so a
// lone start tag must not open a skip region that nothing closes.
func isVoidLike(name string) bool {
	switch name {
	case "link", "meta", "base", "input", "embed":
		return true
	}
	return false
}

func writeTag(out *strings.Builder, name string, attrs []html.Attribute) {
	out.WriteString("<" + name)
	allowed := allowedAttrs[name]
	for _, attr := range attrs {
		key := strings.ToLower(strings.TrimSpace(attr.Key))
		if key == "" || key == "style" || strings.HasPrefix(key, "on") {
			continue
		}
		if !allowed[key] {
			continue
		}
		val := attr.Val
		if name == "a" && key == "href" {
			val = sanitizeHref(val)
			if val == "" {
				continue
			}
		}
		out.WriteString(` ` + key + `="` + html.EscapeString(val) + `"`)
	}
	if voidTags[name] {
		out.WriteString(" />")
		return
	}
	out.WriteString(">")
}
