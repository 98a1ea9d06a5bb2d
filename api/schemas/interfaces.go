package schemas

import (
	"context"
	"errors"
)

// -- Page Interface --

var (
	// ErrElementDetached is returned by Page.Perform when the referenced element
	// was removed from the document or stopped being visible after it was resolved.
	ErrElementDetached = errors.New("element detached from the document")
	// ErrPageClosed is returned once the underlying browser page is gone. It is a
	// session-level failure and is never classified as a locator error.
	ErrPageClosed = errors.New("page is closed")
	// ErrInvalidSelector is returned by Page.Query when the expression cannot be
	// evaluated at all, for example malformed CSS.
	ErrInvalidSelector = errors.New("invalid selector")
)

// Page is the explicit session object that every locator component receives.
// Exactly one action drives a Page at a time; implementations are not required
// to be safe for concurrent use.
//
//go:generate mockery --name Page --output ../../internal/mocks --outpkg mocks
type Page interface {
	// Query resolves a descriptor against the current document and returns the
	// visible matches in document order. It does not wait.
	Query(ctx context.Context, d ElementDescriptor) ([]ElementRef, error)
	// Perform executes an interaction against a previously resolved element.
	Perform(ctx context.Context, ref ElementRef, action Action, value string) error
	// Candidates returns up to limit visible, interactive elements for the vision prompt.
	Candidates(ctx context.Context, limit int) ([]Candidate, error)
	// Screenshot captures the full page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Navigate loads the URL and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// URL returns the address of the current document.
	URL(ctx context.Context) (string, error)
	// Close releases the page and its browser context.
	Close(ctx context.Context) error
}

// -- LLM Client Schemas & Interface --

// ImageInput is binary image data attached to a generation request.
type ImageInput struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// GenerationOptions provides detailed parameters to control the text generation
// process of the model, such as creativity (temperature) and output format.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
}

// GenerationRequest encapsulates a complete request to the model: prompts,
// optional images and generation options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Images       []ImageInput      `json:"images,omitempty"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient defines a standard interface for interacting with a vision-capable
// model, abstracting the specifics of the underlying provider (e.g., Gemini).
//
//go:generate mockery --name LLMClient --output ../../internal/mocks --outpkg mocks
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client.
	Close() error
}
