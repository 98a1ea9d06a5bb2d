// internal/locator/errors.go
package locator

import (
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/suture/api/schemas"
)

// ErrorKind classifies a locator failure for reporting.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindAmbiguous    ErrorKind = "AMBIGUOUS"
	KindVision       ErrorKind = "VISION"
	KindStaleElement ErrorKind = "STALE_ELEMENT"
	// KindAction covers interaction failures on a resolved, attached element
	// (for example typing into a disabled field).
	KindAction ErrorKind = "ACTION_FAILED"
)

// VisionReason distinguishes the ways a vision escalation can fail.
type VisionReason string

const (
	ReasonTimeout         VisionReason = "TIMEOUT"
	ReasonUnreachable     VisionReason = "UNREACHABLE"
	ReasonUnparsable      VisionReason = "UNPARSABLE"
	ReasonNoMatch         VisionReason = "NO_MATCH" // The model reported that nothing matches.
	ReasonUnsafeSelector  VisionReason = "UNSAFE_SELECTOR"
	ReasonZeroMatches     VisionReason = "ZERO_MATCHES"
	ReasonMultipleMatches VisionReason = "MULTIPLE_MATCHES"
	ReasonLowConfidence   VisionReason = "LOW_CONFIDENCE"
	ReasonScreenshot      VisionReason = "SCREENSHOT"
	ReasonCandidates      VisionReason = "CANDIDATES"
	ReasonBudgetExhausted VisionReason = "BUDGET_EXHAUSTED"
)

// NotFoundError means no visible element matched within the timeout.
type NotFoundError struct {
	Descriptor schemas.ElementDescriptor
	Timeout    time.Duration
	// Err is the last query failure seen while polling, if any.
	Err error
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("no visible element matches %s after %s", e.Descriptor, e.Timeout)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// AmbiguousError means more than one element matched and the target is not on
// the first-match allowlist.
type AmbiguousError struct {
	Descriptor schemas.ElementDescriptor
	MatchCount int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%d visible elements match %s", e.MatchCount, e.Descriptor)
}

// StaleElementError means the element resolved but was detached or hidden
// before the interaction ran.
type StaleElementError struct {
	Selector string
	Err      error
}

func (e *StaleElementError) Error() string {
	return fmt.Sprintf("element %s went stale before the action: %v", e.Selector, e.Err)
}

func (e *StaleElementError) Unwrap() error { return e.Err }

// ActionError wraps an interaction failure on an attached element.
type ActionError struct {
	Action   schemas.Action
	Selector string
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Action, e.Selector, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// VisionError is any failure of the vision locator. Matches is set for the
// post-validation reasons.
type VisionError struct {
	Reason  VisionReason
	Matches int
	Err     error
}

func (e *VisionError) Error() string {
	msg := string(e.Reason)
	if e.Reason == ReasonZeroMatches || e.Reason == ReasonMultipleMatches {
		msg = fmt.Sprintf("%s (%d)", msg, e.Matches)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VisionError) Unwrap() error { return e.Err }

// Kind returns the classification of err, or "" if err is not a locator error.
func Kind(err error) ErrorKind {
	var (
		nf *NotFoundError
		am *AmbiguousError
		st *StaleElementError
		ve *VisionError
		ae *ActionError
	)
	switch {
	case errors.As(err, &ve):
		return KindVision
	case errors.As(err, &st):
		return KindStaleElement
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &am):
		return KindAmbiguous
	case errors.As(err, &ae):
		return KindAction
	}
	return ""
}

// Escalatable reports whether a deterministic failure may be retried with vision.
func Escalatable(err error) bool {
	k := Kind(err)
	return k == KindNotFound || k == KindAmbiguous
}

// ToOutcome converts an error into its serializable form. nil stays nil.
func ToOutcome(err error) *schemas.OutcomeError {
	if err == nil {
		return nil
	}
	kind := Kind(err)
	if kind == "" {
		kind = "SESSION"
	}
	return &schemas.OutcomeError{Kind: string(kind), Message: err.Error()}
}
