package snapshot

import (
	"strings"

	"golang.org/x/net/html"
)

var blockBreakTags = map[string]bool{"p": true, "div": true, "br": true, "li": true, "tr": true}

// StripHTMLToText flattens markup to readable plain text: block elements
// become line breaks, script and style contents are dropped, entities are
// decoded, and blank lines are collapsed.
func StripHTMLToText(fragment string) string {
	if fragment == "" {
		return ""
	}

	var parts []string
	skipDepth := 0

	z := html.NewTokenizer(strings.NewReader(fragment))
loop:
	for {
		switch z.Next() {
		case html.ErrorToken:
			break loop
		case html.TextToken:
			if skipDepth == 0 {
				parts = append(parts, string(z.Text()))
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := strings.ToLower(string(name))
			if tag == "script" || tag == "style" {
				skipDepth++
				continue
			}
			if skipDepth == 0 && blockBreakTags[tag] {
				parts = append(parts, "\n")
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if tag := strings.ToLower(string(name)); skipDepth == 0 && blockBreakTags[tag] {
				parts = append(parts, "\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := strings.ToLower(string(name))
			if tag == "script" || tag == "style" {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if skipDepth == 0 && tag != "br" && blockBreakTags[tag] {
				parts = append(parts, "\n")
			}
		}
	}

	var lines []string
	for _, line := range strings.Split(strings.Join(parts, ""), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
