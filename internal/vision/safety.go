// internal/vision/safety.go
package vision

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/descriptor"
)

const maxSelectorLen = 1000

// dangerousPatterns never appear in a legitimate locator. A model echoing page
// content back can produce them.
var dangerousPatterns = []string{"javascript:", "<script", "</", "onerror=", "onload=", "eval("}

// validSelectorStartChars may begin a CSS selector besides letters.
const validSelectorStartChars = "#.[*:"

// ValidateSelector rejects model output that is empty, oversized or carries an
// injection pattern, and returns the descriptor it normalizes to.
func ValidateSelector(selector string) (schemas.ElementDescriptor, error) {
	sel := strings.TrimSpace(selector)
	if sel == "" {
		return schemas.ElementDescriptor{}, fmt.Errorf("selector is empty")
	}
	if len(sel) > maxSelectorLen {
		return schemas.ElementDescriptor{}, fmt.Errorf("selector exceeds %d characters", maxSelectorLen)
	}
	lower := strings.ToLower(sel)
	for _, p := range dangerousPatterns {
		if strings.Contains(lower, p) {
			return schemas.ElementDescriptor{}, fmt.Errorf("selector contains dangerous pattern: %s", p)
		}
	}

	d := descriptor.Normalize(sel)
	if d.Kind == schemas.KindSelector && !d.XPath && !isValidSelectorStart(d.Value[0]) {
		return schemas.ElementDescriptor{}, fmt.Errorf("selector must start with a valid CSS selector character")
	}
	return d, nil
}

func isValidSelectorStart(ch byte) bool {
	if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') {
		return true
	}
	return strings.IndexByte(validSelectorStartChars, ch) >= 0
}
