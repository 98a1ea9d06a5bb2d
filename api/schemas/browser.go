package schemas

import "fmt"

// -- Element Descriptor Schemas --

// DescriptorKind identifies the active variant of an ElementDescriptor.
type DescriptorKind string

const (
	KindTestID   DescriptorKind = "TEST_ID"
	KindRole     DescriptorKind = "ROLE"
	KindText     DescriptorKind = "TEXT"
	KindSelector DescriptorKind = "SELECTOR" // CSS or XPath, see ElementDescriptor.XPath.
	KindFreeText DescriptorKind = "FREE_TEXT"
)

// ElementDescriptor is the canonical form of "what the user meant". Exactly one
// variant, selected by Kind, is active:
//
//	TEST_ID    Value is the test id.
//	ROLE       Role is the ARIA role, Name the optional accessible name.
//	TEXT       Value is the visible text to match exactly.
//	SELECTOR   Value is a CSS selector, or an XPath expression when XPath is set.
//	FREE_TEXT  Value is the description; Role may carry a hint such as "button".
//
// Raw always holds the untouched input so reports can echo it back.
type ElementDescriptor struct {
	Kind  DescriptorKind `json:"kind"`
	Value string         `json:"value,omitempty"`
	Role  string         `json:"role,omitempty"`
	Name  string         `json:"name,omitempty"`
	XPath bool           `json:"xpath,omitempty"`
	Raw   string         `json:"raw"`
}

// ByTestID builds a TEST_ID descriptor.
func ByTestID(id string) ElementDescriptor {
	return ElementDescriptor{Kind: KindTestID, Value: id, Raw: id}
}

// ByRole builds a ROLE descriptor. name may be empty.
func ByRole(role, name string) ElementDescriptor {
	return ElementDescriptor{Kind: KindRole, Role: role, Name: name, Raw: role}
}

// ByText builds a TEXT descriptor.
func ByText(text string) ElementDescriptor {
	return ElementDescriptor{Kind: KindText, Value: text, Raw: text}
}

// BySelector builds a SELECTOR descriptor for a CSS selector or XPath expression.
func BySelector(expr string, xpath bool) ElementDescriptor {
	return ElementDescriptor{Kind: KindSelector, Value: expr, XPath: xpath, Raw: expr}
}

// FreeText builds a FREE_TEXT descriptor.
func FreeText(description string) ElementDescriptor {
	return ElementDescriptor{Kind: KindFreeText, Value: description, Raw: description}
}

// IsStructural reports whether the descriptor carries a structural hint.
func (d ElementDescriptor) IsStructural() bool {
	return d.Kind != KindFreeText
}

// String renders the descriptor in a compact, log-friendly form.
func (d ElementDescriptor) String() string {
	switch d.Kind {
	case KindRole:
		if d.Name != "" {
			return fmt.Sprintf("role=%s[name=%q]", d.Role, d.Name)
		}
		return "role=" + d.Role
	case KindSelector:
		if d.XPath {
			return "xpath=" + d.Value
		}
		return "css=" + d.Value
	case KindTestID:
		return "testid=" + d.Value
	case KindText:
		return fmt.Sprintf("text=%q", d.Value)
	case KindFreeText:
		if d.Role != "" {
			return fmt.Sprintf("free=%q (%s)", d.Value, d.Role)
		}
		return fmt.Sprintf("free=%q", d.Value)
	default:
		return d.Raw
	}
}

// -- Page Element Schemas --

// Rect is an element bounding box in CSS pixels relative to the document.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// ElementRef is a handle to one resolved element. Selector is a CSS selector
// that matches exactly that element for as long as it stays attached.
type ElementRef struct {
	Selector string `json:"selector"`
	Tag      string `json:"tag"`
	Text     string `json:"text,omitempty"`
	Box      Rect   `json:"box"`
}

// Candidate is the bounded representation of a visible element sent to the
// vision model.
type Candidate struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text,omitempty"`
	Box        Rect              `json:"box"`
	Selector   string            `json:"selector"`
}
