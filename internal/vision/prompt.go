// internal/vision/prompt.go
package vision

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/descriptor"
	"github.com/xkilldash9x/suture/internal/llmutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const systemPrompt = `You locate elements on web pages for an automated UI test.
You receive a screenshot of the page and a JSON list of visible interactive
elements. Each element has an "index"; when the screenshot is annotated, the
same number is drawn next to the element's box.

Pick the ONE element that best matches the user's description. Prefer the
candidate list over guessing: if a candidate matches, return its index and its
"selector" unchanged. Only write your own selector when no candidate fits, and
make it match exactly one element. Selectors may be CSS, XPath, or the forms
text=..., role=name[name="..."], and tag:has-text('...').

Reply with a single JSON object and nothing else:
{"found": true|false, "candidate_index": <int or null>, "selector": "<string>",
 "confidence": <0.0 to 1.0>, "reasoning": "<one sentence>"}
Use "found": false when nothing on the page matches.`

// promptCandidate is the wire form of a candidate. Bounding boxes are rounded
// to whole pixels to save tokens.
type promptCandidate struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attrs,omitempty"`
	Box        [4]int            `json:"box"`
	Selector   string            `json:"selector"`
}

// bound caps the candidate list and truncates free-form strings so the prompt
// size has a fixed upper limit regardless of the page.
func bound(cands []schemas.Candidate, maxCandidates, maxTextLen int) []schemas.Candidate {
	if maxCandidates > 0 && len(cands) > maxCandidates {
		cands = cands[:maxCandidates]
	}
	out := make([]schemas.Candidate, len(cands))
	for i, c := range cands {
		c.Text = llmutil.Truncate(strings.Join(strings.Fields(c.Text), " "), maxTextLen)
		if len(c.Attributes) > 0 {
			attrs := make(map[string]string, len(c.Attributes))
			for k, v := range c.Attributes {
				attrs[k] = llmutil.Truncate(v, maxTextLen)
			}
			c.Attributes = attrs
		}
		out[i] = c
	}
	return out
}

func buildUserPrompt(d schemas.ElementDescriptor, description, pageURL string, cands []schemas.Candidate, annotated bool) (string, error) {
	wire := make([]promptCandidate, len(cands))
	for i, c := range cands {
		wire[i] = promptCandidate{
			Index:      c.Index,
			Tag:        c.Tag,
			Text:       c.Text,
			Attributes: c.Attributes,
			Box:        [4]int{int(c.Box.X), int(c.Box.Y), int(c.Box.Width), int(c.Box.Height)},
			Selector:   c.Selector,
		}
	}
	list, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("failed to serialize candidates: %w", err)
	}

	if description == "" {
		description = d.Raw
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Description: %q\n", description)
	fmt.Fprintf(&sb, "Original locator: %q (%s), which failed to resolve.\n", d.Raw, descriptor.Describe(d))
	if pageURL != "" {
		fmt.Fprintf(&sb, "Page URL: %s\n", pageURL)
	}
	if annotated {
		sb.WriteString("The screenshot is annotated with numbered boxes matching candidate indexes.\n")
	}
	fmt.Fprintf(&sb, "Candidates (%d):\n%s\n", len(cands), list)
	return sb.String(), nil
}

// answer is the model's reply. Pointers distinguish missing fields from zero values.
type answer struct {
	Found          *bool    `json:"found"`
	CandidateIndex *int     `json:"candidate_index"`
	Selector       string   `json:"selector"`
	Confidence     *float64 `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
}

// parseAnswer treats the reply as untrusted and checks its shape.
func parseAnswer(raw string) (*answer, error) {
	a, err := llmutil.ParseJSONResponse[answer](raw)
	if err != nil {
		return nil, err
	}
	if a.Found == nil {
		return nil, fmt.Errorf("response is missing \"found\"")
	}
	if !*a.Found {
		return a, nil
	}
	if a.Confidence == nil {
		return nil, fmt.Errorf("response is missing \"confidence\"")
	}
	if *a.Confidence < 0 || *a.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v is outside [0, 1]", *a.Confidence)
	}
	if strings.TrimSpace(a.Selector) == "" && a.CandidateIndex == nil {
		return nil, fmt.Errorf("response has neither a selector nor a candidate index")
	}
	return a, nil
}
