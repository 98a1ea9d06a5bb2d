// internal/descriptor/normalize.go
package descriptor

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/suture/api/schemas"
)

var (
	testIDPrefixRegex = regexp.MustCompile(`(?i)^(?:data-testid|data-test-id|data-test|testid|test-id)\s*=\s*["']?([^"'\]]+?)["']?$`)
	testIDAttrRegex   = regexp.MustCompile(`(?i)^\[\s*data-(?:testid|test-id|test|qa|cy)\s*=\s*["']?([^"'\]]+?)["']?\s*\]$`)
	getByTestIDRegex  = regexp.MustCompile(`^getByTestId\(\s*["'](.+?)["']\s*\)$`)

	roleEqRegex    = regexp.MustCompile(`(?i)^role\s*=\s*([a-z]+)(?:\s*\[\s*name\s*=\s*["'](.*?)["']\s*[is]?\s*\])?$`)
	getByRoleRegex = regexp.MustCompile(`^getByRole\(\s*["']([a-zA-Z]+)["']\s*(?:,\s*\{\s*name\s*:\s*["'](.*?)["']\s*(?:,[^}]*)?\}\s*)?\)$`)

	textEqRegex    = regexp.MustCompile(`(?i)^text\s*=\s*(.+)$`)
	getByTextRegex = regexp.MustCompile(`^getByText\(\s*["'](.+?)["']\s*(?:,[^)]*)?\)$`)

	leadingTagRegex = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9]*)`)
)

// htmlTags are element names accepted as a bare CSS type selector. "link" and
// "menu" are left out because they read as nouns in free text.
var htmlTags = map[string]bool{
	"a": true, "article": true, "aside": true, "body": true, "button": true,
	"dialog": true, "details": true, "div": true, "fieldset": true, "footer": true,
	"form": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "iframe": true, "img": true, "input": true, "label": true,
	"legend": true, "li": true, "main": true, "nav": true, "ol": true, "option": true,
	"p": true, "section": true, "select": true, "span": true, "summary": true,
	"svg": true, "table": true, "tbody": true, "td": true, "textarea": true,
	"th": true, "thead": true, "tr": true, "ul": true,
}

// roleNouns maps a trailing noun in free text to the ARIA role it hints at.
// An empty role drops the noun without narrowing the match; icons are usually
// wrapped in whatever button or link carries the name.
var roleNouns = map[string]string{
	"button":   "button",
	"link":     "link",
	"field":    "textbox",
	"input":    "textbox",
	"textbox":  "textbox",
	"checkbox": "checkbox",
	"dropdown": "combobox",
	"tab":      "tab",
	"icon":     "",
}

type parser func(s string) (schemas.ElementDescriptor, bool)

// parsers run in order; the first match wins.
var parsers = []parser{
	parseTestID,
	parseRole,
	parseText,
	parseXPath,
	parseCSS,
}

// Normalize maps a raw locator expression to its canonical descriptor. It never
// fails: input without a recognizable structural hint becomes FREE_TEXT.
func Normalize(raw string) schemas.ElementDescriptor {
	s := strings.TrimSpace(raw)
	if s == "" {
		return schemas.ElementDescriptor{Kind: schemas.KindFreeText, Raw: raw}
	}
	for _, p := range parsers {
		if d, ok := p(s); ok {
			d.Raw = raw
			return d
		}
	}
	d := freeText(s)
	d.Raw = raw
	return d
}

func parseTestID(s string) (schemas.ElementDescriptor, bool) {
	for _, re := range []*regexp.Regexp{testIDPrefixRegex, testIDAttrRegex, getByTestIDRegex} {
		if m := re.FindStringSubmatch(s); m != nil {
			return schemas.ByTestID(strings.TrimSpace(m[1])), true
		}
	}
	return schemas.ElementDescriptor{}, false
}

func parseRole(s string) (schemas.ElementDescriptor, bool) {
	for _, re := range []*regexp.Regexp{roleEqRegex, getByRoleRegex} {
		if m := re.FindStringSubmatch(s); m != nil {
			return schemas.ByRole(strings.ToLower(m[1]), m[2]), true
		}
	}
	return schemas.ElementDescriptor{}, false
}

func parseText(s string) (schemas.ElementDescriptor, bool) {
	if m := getByTextRegex.FindStringSubmatch(s); m != nil {
		return schemas.ByText(m[1]), true
	}
	if m := textEqRegex.FindStringSubmatch(s); m != nil {
		if t := unquote(strings.TrimSpace(m[1])); t != "" {
			return schemas.ByText(t), true
		}
	}
	return schemas.ElementDescriptor{}, false
}

func parseXPath(s string) (schemas.ElementDescriptor, bool) {
	if rest, ok := cutPrefixFold(s, "xpath="); ok {
		rest = strings.TrimSpace(rest)
		return schemas.BySelector(rest, true), rest != ""
	}
	for _, prefix := range []string{"/", "./", "../", "(/"} {
		if strings.HasPrefix(s, prefix) {
			return schemas.BySelector(s, true), true
		}
	}
	return schemas.ElementDescriptor{}, false
}

func parseCSS(s string) (schemas.ElementDescriptor, bool) {
	if rest, ok := cutPrefixFold(s, "css="); ok {
		rest = strings.TrimSpace(rest)
		return schemas.BySelector(rest, false), rest != ""
	}
	switch s[0] {
	case '#', '.', '[', '*':
		return schemas.BySelector(s, false), true
	}
	if strings.Contains(s, ":has-text(") {
		return schemas.BySelector(s, false), true
	}

	m := leadingTagRegex.FindString(s)
	if m == "" || !htmlTags[strings.ToLower(m)] {
		return schemas.ElementDescriptor{}, false
	}
	rest := s[len(m):]
	if rest == "" || strings.ContainsAny(rest[:1], "#.[:>~+,") {
		return schemas.BySelector(s, false), true
	}
	// "form input", "div > span": every token must be a tag or a combinator.
	for _, tok := range strings.Fields(s) {
		if tok == ">" || tok == "~" || tok == "+" {
			continue
		}
		head := leadingTagRegex.FindString(tok)
		if head == "" || !htmlTags[strings.ToLower(head)] {
			return schemas.ElementDescriptor{}, false
		}
	}
	return schemas.BySelector(s, false), true
}

func freeText(s string) schemas.ElementDescriptor {
	text := s
	if rest, ok := cutPrefixFold(text, "the "); ok {
		text = rest
	}
	d := schemas.FreeText(text)

	words := strings.Fields(text)
	if len(words) > 1 {
		last := strings.ToLower(words[len(words)-1])
		if role, ok := roleNouns[last]; ok {
			d.Role = role
			d.Value = strings.Join(words[:len(words)-1], " ")
		}
	}
	return d
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
