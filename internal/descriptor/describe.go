// internal/descriptor/describe.go
package descriptor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/suture/api/schemas"
)

// labelRule turns a selector that matches Pattern into a human-readable label.
type labelRule struct {
	Name    string
	Pattern *regexp.Regexp
	Label   func(m []string) string
}

// selectorRules are evaluated top to bottom against SELECTOR descriptors; the
// first matching rule labels the element. Order matters: specific input types
// before generic tags, tags before classes.
var selectorRules = []labelRule{
	{
		Name:    "submit",
		Pattern: regexp.MustCompile(`(?i)type\s*=\s*["']?submit`),
		Label:   func([]string) string { return "submit button" },
	},
	{
		Name:    "has-text",
		Pattern: regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9]*)?:has-text\(\s*["'](.+?)["']\s*\)`),
		Label: func(m []string) string {
			tag := m[1]
			if tag == "" {
				tag = "element"
			}
			return fmt.Sprintf("%s %q", tagNoun(tag), m[2])
		},
	},
	{
		Name:    "checkbox",
		Pattern: regexp.MustCompile(`(?i)type\s*=\s*["']?checkbox`),
		Label:   func([]string) string { return "checkbox" },
	},
	{
		Name:    "radio",
		Pattern: regexp.MustCompile(`(?i)type\s*=\s*["']?radio`),
		Label:   func([]string) string { return "radio button" },
	},
	{
		Name:    "aria-label",
		Pattern: regexp.MustCompile(`(?i)\[aria-label\s*=\s*["'](.+?)["']\s*\]`),
		Label:   func(m []string) string { return fmt.Sprintf("element labelled %q", m[1]) },
	},
	{
		Name:    "id",
		Pattern: regexp.MustCompile(`^#([\w-]+)$`),
		Label:   func(m []string) string { return "element #" + m[1] },
	},
	{
		Name:    "link",
		Pattern: regexp.MustCompile(`(?i)(^a(?:$|[\s.#\[:>])|\[href)`),
		Label:   func([]string) string { return "link" },
	},
	{
		Name:    "tag",
		Pattern: regexp.MustCompile(`^(button|input|textarea|select|img|form)\b`),
		Label:   func(m []string) string { return tagNoun(m[1]) },
	},
	{
		Name:    "class",
		Pattern: regexp.MustCompile(`\.([a-zA-Z_][\w-]*)`),
		Label:   func(m []string) string { return fmt.Sprintf("element with class %q", m[1]) },
	},
}

// kindRules is keyed by descriptor variant. SELECTOR falls through to
// selectorRules before its generic label.
var kindRules = map[schemas.DescriptorKind]func(d schemas.ElementDescriptor) string{
	schemas.KindTestID: func(d schemas.ElementDescriptor) string {
		return fmt.Sprintf("element with test id %q", d.Value)
	},
	schemas.KindRole: func(d schemas.ElementDescriptor) string {
		if d.Name == "" {
			return d.Role
		}
		return fmt.Sprintf("%s %q", d.Role, d.Name)
	},
	schemas.KindText: func(d schemas.ElementDescriptor) string {
		return fmt.Sprintf("element with text %q", d.Value)
	},
	schemas.KindSelector: func(d schemas.ElementDescriptor) string {
		if d.XPath {
			return fmt.Sprintf("element at %s", d.Value)
		}
		if label, ok := MatchRule(d.Value); ok {
			return label
		}
		return fmt.Sprintf("element matching %s", d.Value)
	},
	schemas.KindFreeText: func(d schemas.ElementDescriptor) string {
		if d.Role == "" {
			return fmt.Sprintf("%q", d.Value)
		}
		return fmt.Sprintf("%s %q", d.Role, d.Value)
	},
}

// Describe returns a short human-readable label for a descriptor, used in logs,
// prompts and reports.
func Describe(d schemas.ElementDescriptor) string {
	if rule, ok := kindRules[d.Kind]; ok {
		return rule(d)
	}
	return strings.TrimSpace(d.Raw)
}

// MatchRule applies selectorRules to a CSS selector.
func MatchRule(selector string) (string, bool) {
	for _, r := range selectorRules {
		if m := r.Pattern.FindStringSubmatch(selector); m != nil {
			return r.Label(m), true
		}
	}
	return "", false
}

func tagNoun(tag string) string {
	switch strings.ToLower(tag) {
	case "a":
		return "link"
	case "input", "textarea":
		return "text field"
	case "select":
		return "dropdown"
	case "img":
		return "image"
	default:
		return strings.ToLower(tag)
	}
}
