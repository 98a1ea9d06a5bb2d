// internal/browser/scripts.go
package browser

import (
	_ "embed"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/suture/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed js/dom.js
var domHelpers string

//go:embed js/query.js
var queryScript string

//go:embed js/candidates.js
var candidatesScript string

//go:embed js/prepare.js
var prepareScript string

// buildCall wraps a script function with the shared DOM helpers and invokes it
// with JSON encoded arguments. Every script returns a JSON string.
func buildCall(fn string, args ...interface{}) (string, error) {
	encoded := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode script argument %d: %w", i, err)
		}
		encoded[i] = string(b)
	}
	return fmt.Sprintf("(() => {\n%s\nreturn (%s)(%s);\n})()", domHelpers, strings.TrimSpace(fn), strings.Join(encoded, ", ")), nil
}

// queryArgs is the descriptor as the page script sees it.
type queryArgs struct {
	Kind  schemas.DescriptorKind `json:"kind"`
	Value string                 `json:"value"`
	Role  string                 `json:"role"`
	Name  string                 `json:"name"`
	XPath bool                   `json:"xpath"`
}

type queryReply struct {
	Invalid string               `json:"invalid"`
	Refs    []schemas.ElementRef `json:"refs"`
}

type prepareReply struct {
	OK       bool   `json:"ok"`
	Detached string `json:"detached"`
	Error    string `json:"error"`
}

func decodeQueryReply(raw string) ([]schemas.ElementRef, error) {
	var r queryReply
	if err := json.UnmarshalFromString(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode query result: %w", err)
	}
	if r.Invalid != "" {
		return nil, fmt.Errorf("%w: %s", schemas.ErrInvalidSelector, r.Invalid)
	}
	return r.Refs, nil
}

func decodePrepareReply(raw string) error {
	var r prepareReply
	if err := json.UnmarshalFromString(raw, &r); err != nil {
		return fmt.Errorf("failed to decode action preflight: %w", err)
	}
	switch {
	case r.Detached != "":
		return fmt.Errorf("%w: %s", schemas.ErrElementDetached, r.Detached)
	case r.Error != "":
		return fmt.Errorf("%s", r.Error)
	case !r.OK:
		return fmt.Errorf("action preflight returned no result")
	}
	return nil
}
