// internal/vision/locator.go
package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
	"github.com/xkilldash9x/suture/internal/locator"
)

// Locator asks a vision-capable model to pick an element from a screenshot
// and a bounded candidate list, then validates the pick against the live page.
// It is the slow path: one screenshot and one model round trip per call.
type Locator struct {
	llm     schemas.LLMClient
	cfg     config.VisionConfig
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a vision locator. timeout bounds a whole Locate call.
func New(llm schemas.LLMClient, cfg config.VisionConfig, timeout time.Duration, logger *zap.Logger) *Locator {
	return &Locator{
		llm:     llm,
		cfg:     cfg,
		timeout: timeout,
		logger:  logger.Named("locator.vision"),
	}
}

// Locate resolves d with the help of the model. On success the returned ref
// matches exactly one visible element. Failures are *locator.VisionError; a
// cancelled parent context or a closed page is returned unclassified.
func (l *Locator) Locate(ctx context.Context, page schemas.Page, d schemas.ElementDescriptor, description string) (schemas.LocateResult, schemas.ElementRef, error) {
	start := time.Now()
	result := schemas.LocateResult{Strategy: schemas.StrategyVision}

	vctx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	fail := func(reason locator.VisionReason, matches int, err error) (schemas.LocateResult, schemas.ElementRef, error) {
		result.ElapsedMs = time.Since(start).Milliseconds()
		if ctx.Err() != nil {
			return result, schemas.ElementRef{}, ctx.Err()
		}
		if errors.Is(err, schemas.ErrPageClosed) {
			return result, schemas.ElementRef{}, err
		}
		if vctx.Err() != nil {
			reason = locator.ReasonTimeout
		}
		l.logger.Info("Vision locate failed",
			zap.Stringer("descriptor", d), zap.String("reason", string(reason)), zap.Error(err))
		return result, schemas.ElementRef{}, &locator.VisionError{Reason: reason, Matches: matches, Err: err}
	}

	cands, err := page.Candidates(vctx, l.cfg.MaxCandidates)
	if err != nil {
		return fail(locator.ReasonCandidates, 0, fmt.Errorf("failed to collect candidates: %w", err))
	}
	cands = bound(cands, l.cfg.MaxCandidates, l.cfg.MaxTextLen)

	shot, err := page.Screenshot(vctx)
	if err != nil {
		return fail(locator.ReasonScreenshot, 0, fmt.Errorf("failed to capture screenshot: %w", err))
	}
	annotated := false
	if l.cfg.Annotate {
		if marked, err := Annotate(shot, cands, l.cfg.MaxImageWidth); err != nil {
			l.logger.Warn("Screenshot annotation failed, sending it unmarked", zap.Error(err))
		} else {
			shot, annotated = marked, true
		}
	}

	pageURL, _ := page.URL(vctx)
	prompt, err := buildUserPrompt(d, description, pageURL, cands, annotated)
	if err != nil {
		return fail(locator.ReasonUnparsable, 0, err)
	}

	raw, err := l.llm.Generate(vctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		Images:       []schemas.ImageInput{{MIMEType: "image/png", Data: shot}},
		Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
	})
	if err != nil {
		return fail(locator.ReasonUnreachable, 0, fmt.Errorf("model request failed: %w", err))
	}

	ans, err := parseAnswer(raw)
	if err != nil {
		return fail(locator.ReasonUnparsable, 0, err)
	}
	if !*ans.Found {
		return fail(locator.ReasonNoMatch, 0, fmt.Errorf("model found no match: %s", ans.Reasoning))
	}
	confidence := *ans.Confidence
	if confidence < l.cfg.MinConfidence {
		return fail(locator.ReasonLowConfidence, 0, fmt.Errorf("confidence %.2f is below %.2f", confidence, l.cfg.MinConfidence))
	}

	selectors, err := l.selectorsToTry(ans, cands)
	if err != nil {
		return fail(locator.ReasonUnparsable, 0, err)
	}

	var lastReason locator.VisionReason
	var lastMatches int
	var lastErr error
	for _, sel := range selectors {
		ref, reason, matches, err := l.validate(vctx, page, sel)
		if err == nil {
			result.Selector = sel
			result.Confidence = confidence
			result.MatchedCount = 1
			result.ElapsedMs = time.Since(start).Milliseconds()
			l.logger.Info("Vision resolved element",
				zap.Stringer("descriptor", d), zap.String("selector", sel),
				zap.Float64("confidence", confidence), zap.Int64("elapsed_ms", result.ElapsedMs))
			return result, ref, nil
		}
		if ctx.Err() != nil || errors.Is(err, schemas.ErrPageClosed) {
			return fail(reason, matches, err)
		}
		l.logger.Debug("Model selector rejected", zap.String("selector", sel), zap.String("reason", string(reason)), zap.Error(err))
		lastReason, lastMatches, lastErr = reason, matches, err
	}
	return fail(lastReason, lastMatches, lastErr)
}

// selectorsToTry returns the model's own selector first, then the generated
// selector of the candidate it named.
func (l *Locator) selectorsToTry(ans *answer, cands []schemas.Candidate) ([]string, error) {
	var out []string
	if s := strings.TrimSpace(ans.Selector); s != "" {
		out = append(out, s)
	}
	if ans.CandidateIndex != nil {
		for _, c := range cands {
			if c.Index == *ans.CandidateIndex && c.Selector != "" && c.Selector != ans.Selector {
				out = append(out, c.Selector)
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("candidate index %d is not in the list of %d", *ans.CandidateIndex, len(cands))
	}
	return out, nil
}

// validate accepts sel only if it resolves to exactly one visible element now.
func (l *Locator) validate(ctx context.Context, page schemas.Page, sel string) (schemas.ElementRef, locator.VisionReason, int, error) {
	d, err := ValidateSelector(sel)
	if err != nil {
		return schemas.ElementRef{}, locator.ReasonUnsafeSelector, 0, err
	}
	refs, err := page.Query(ctx, d)
	if err != nil {
		return schemas.ElementRef{}, locator.ReasonZeroMatches, 0, fmt.Errorf("selector %q failed to evaluate: %w", sel, err)
	}
	switch len(refs) {
	case 0:
		return schemas.ElementRef{}, locator.ReasonZeroMatches, 0, fmt.Errorf("selector %q matches no visible element", sel)
	case 1:
		return refs[0], "", 1, nil
	default:
		return schemas.ElementRef{}, locator.ReasonMultipleMatches, len(refs), fmt.Errorf("selector %q matches %d elements", sel, len(refs))
	}
}
