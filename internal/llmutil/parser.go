// internal/llmutil/parser.go
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

// MaxResponseBytes bounds the model output the parser will look at.
const MaxResponseBytes = 1 << 20

var (
	// ErrEmptyResponse is returned when the model produced nothing to parse.
	ErrEmptyResponse = errors.New("empty model response")
	// ErrResponseTooLarge is returned for output above MaxResponseBytes.
	ErrResponseTooLarge = errors.New("model response too large")
)

var (
	// \x60 is a backtick; raw strings cannot contain one.
	fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*(.*?)\\s*\x60\x60\x60")

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// ParseJSONResponse parses a model response into T. It tolerates the usual
// formatting noise: markdown fences, leading prose and trailing commentary.
// The returned error always wraps the decoding failure and a truncated excerpt.
func ParseJSONResponse[T any](response string) (*T, error) {
	payload, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}

	var result T
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(payload, 500))
	}
	return &result, nil
}

// ExtractJSON returns the most plausible JSON object or array embedded in s.
// Invalid UTF-8 is replaced before scanning.
func ExtractJSON(s string) (string, error) {
	if len(s) > MaxResponseBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(s))
	}
	s = strings.TrimSpace(strings.ToValidUTF8(s, "\uFFFD"))
	if s == "" {
		return "", ErrEmptyResponse
	}

	if m := fencedBlockRegex.FindStringSubmatch(s); len(m) > 1 && m[1] != "" {
		s = m[1]
	}
	if s[0] == '{' || s[0] == '[' {
		if span, ok := balanced(s); ok {
			return span, nil
		}
		return s, nil
	}

	// Prose around the payload. Objects win over arrays since a bare array in a
	// chatty answer is usually an example, not the answer.
	if span, ok := enclosing(s, '{', '}'); ok {
		return span, nil
	}
	if span, ok := enclosing(s, '[', ']'); ok {
		return span, nil
	}
	return s, nil
}

func enclosing(s string, open, close byte) (string, bool) {
	first := strings.IndexByte(s, open)
	if first == -1 {
		return "", false
	}
	if span, ok := balanced(s[first:]); ok {
		return span, true
	}
	last := strings.LastIndexByte(s, close)
	if last <= first {
		return "", false
	}
	return s[first : last+1], true
}

// balanced returns the prefix of s up to the bracket closing s[0], skipping
// brackets inside JSON strings.
func balanced(s string) (string, bool) {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// Truncate shortens s to at most maxLen runes, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
