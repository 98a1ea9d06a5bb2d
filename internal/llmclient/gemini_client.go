// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
)

// GoogleClient implements schemas.LLMClient on top of the Gemini API.
type GoogleClient struct {
	client     *genai.Client
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	config     config.LLMModelConfig

	// backoffFactory builds the retry policy for one Generate call.
	backoffFactory func() backoff.BackOff
}

var _ schemas.LLMClient = (*GoogleClient)(nil)

// NewGoogleClient initializes the client. An empty cfg.Endpoint selects the
// public Gemini API.
func NewGoogleClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm.model is required")
	}

	httpClient := &http.Client{Timeout: cfg.APITimeout}
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimSuffix(cfg.Endpoint, "/") + "/"}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	return &GoogleClient{
		client:     client,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.Named("llm_client.gemini"),
		config:     cfg,
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = time.Minute
			return backoff.WithMaxRetries(b, uint64(maxAttempts-1))
		},
	}, nil
}

// Generate sends the prompts (and any images) to Gemini and returns the text of
// the first candidate. Transient failures are retried with backoff.
func (c *GoogleClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	contents := c.buildContents(req)
	genConfig := c.buildConfig(req)

	var text string
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		callCtx := ctx
		if c.config.APITimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.config.APITimeout)
			defer cancel()
		}

		start := time.Now()
		resp, err := c.client.Models.GenerateContent(callCtx, c.config.Model, contents, genConfig)
		if err != nil {
			return c.classifyError(ctx, err, attempt)
		}

		out, err := extractText(resp)
		if err != nil {
			return err
		}

		fields := []zap.Field{zap.Duration("duration", time.Since(start)), zap.Int("attempt", attempt)}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)

		text = out
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}
	return text, nil
}

// Close satisfies schemas.LLMClient. The SDK holds no long-lived resources
// beyond the HTTP client's idle connections.
func (c *GoogleClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *GoogleClient) buildContents(req schemas.GenerationRequest) []*genai.Content {
	parts := make([]*genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(req.UserPrompt))
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func (c *GoogleClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Options.Temperature)),
		MaxOutputTokens: int32(c.config.MaxTokens),
		SafetySettings:  c.safetySettings(),
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	topP := c.config.TopP
	if req.Options.TopP > 0 {
		topP = float32(req.Options.TopP)
	}
	if topP > 0 {
		gc.TopP = genai.Ptr(topP)
	}
	topK := c.config.TopK
	if req.Options.TopK > 0 {
		topK = req.Options.TopK
	}
	if topK > 0 {
		gc.TopK = genai.Ptr(float32(topK))
	}

	if req.Options.ForceJSONFormat {
		gc.ResponseMIMEType = "application/json"
	}
	return gc
}

func (c *GoogleClient) safetySettings() []*genai.SafetySetting {
	settings := make([]*genai.SafetySetting, 0, len(c.config.SafetyFilters))
	for category, threshold := range c.config.SafetyFilters {
		settings = append(settings, &genai.SafetySetting{
			Category:  genai.HarmCategory(category),
			Threshold: genai.HarmBlockThreshold(threshold),
		})
	}
	return settings
}

// classifyError marks an SDK error as retryable or permanent.
func (c *GoogleClient) classifyError(parent context.Context, err error, attempt int) error {
	if parent.Err() != nil {
		return backoff.Permanent(parent.Err())
	}

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	if code == 0 {
		// Transport failure or per-attempt timeout.
		c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err), zap.Int("attempt", attempt))
		return fmt.Errorf("gemini request failed: %w", err)
	}

	c.logger.Error("Gemini API returned error status", zap.Int("status", code), zap.Error(err))
	wrapped := fmt.Errorf("gemini API error: status %d: %w", code, err)
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return wrapped
	default:
		return backoff.Permanent(wrapped)
	}
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", backoff.Permanent(fmt.Errorf("gemini API blocked the prompt (Reason: %s)", resp.PromptFeedback.BlockReason))
		}
		return "", backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		switch candidate.FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
			return "", backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
		}
		return "", fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
	}
	return resp.Text(), nil
}
