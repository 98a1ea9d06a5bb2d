// internal/locator/deterministic.go
package locator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
)

// Deterministic resolves descriptors structurally against the live document.
// It never talks to the network.
type Deterministic struct {
	cfg    config.HealingConfig
	logger *zap.Logger
}

// NewDeterministic creates a locator bound to a run's healing configuration.
func NewDeterministic(cfg config.HealingConfig, logger *zap.Logger) *Deterministic {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Deterministic{cfg: cfg, logger: logger.Named("locator.deterministic")}
}

// LocateAndAct resolves d and immediately performs action on the element so the
// window between resolution and interaction stays as small as possible.
// A zero timeout uses the configured deterministic timeout.
//
// Errors are *NotFoundError, *AmbiguousError, *StaleElementError or
// *ActionError, except for session-level failures (context cancellation, a
// closed page) which are returned unclassified.
func (l *Deterministic) LocateAndAct(ctx context.Context, page schemas.Page, d schemas.ElementDescriptor, action schemas.Action, value string, timeout time.Duration) (schemas.LocateResult, error) {
	ref, result, err := l.Resolve(ctx, page, d, timeout)
	if err != nil {
		return result, err
	}
	if err := Act(ctx, page, ref, action, value); err != nil {
		l.logger.Debug("Action failed on resolved element",
			zap.Stringer("descriptor", d), zap.String("ref", ref.Selector), zap.Error(err))
		return result, err
	}
	return result, nil
}

// Resolve waits up to timeout for at least one visible match of d and applies
// the ambiguity policy. It does not interact with the element.
func (l *Deterministic) Resolve(ctx context.Context, page schemas.Page, d schemas.ElementDescriptor, timeout time.Duration) (schemas.ElementRef, schemas.LocateResult, error) {
	if timeout <= 0 {
		timeout = l.cfg.DeterministicTimeout
	}
	start := time.Now()
	result := schemas.LocateResult{Strategy: schemas.StrategyDeterministic, Selector: d.String()}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		refs, err := page.Query(waitCtx, d)
		switch {
		case ctx.Err() != nil:
			return schemas.ElementRef{}, result, ctx.Err()
		case errors.Is(err, schemas.ErrPageClosed):
			return schemas.ElementRef{}, result, err
		case errors.Is(err, schemas.ErrInvalidSelector):
			// Polling cannot fix a malformed expression.
			result.ElapsedMs = time.Since(start).Milliseconds()
			return schemas.ElementRef{}, result, &NotFoundError{Descriptor: d, Timeout: time.Since(start).Round(time.Millisecond), Err: err}
		case err != nil:
			// Usually a navigation tearing down the execution context; keep polling.
			if waitCtx.Err() == nil {
				l.logger.Debug("Query failed, retrying", zap.Stringer("descriptor", d), zap.Error(err))
				lastErr = err
			}
		case len(refs) > 0:
			result.ElapsedMs = time.Since(start).Milliseconds()
			result.MatchedCount = len(refs)
			return l.pick(d, refs, result)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return schemas.ElementRef{}, result, ctx.Err()
			}
			result.ElapsedMs = time.Since(start).Milliseconds()
			return schemas.ElementRef{}, result, &NotFoundError{Descriptor: d, Timeout: timeout, Err: lastErr}
		case <-ticker.C:
		}
	}
}

// pick applies the first-match policy for allowlisted targets.
func (l *Deterministic) pick(d schemas.ElementDescriptor, refs []schemas.ElementRef, result schemas.LocateResult) (schemas.ElementRef, schemas.LocateResult, error) {
	if len(refs) == 1 {
		result.Confidence = 1.0
		return refs[0], result, nil
	}
	if l.cfg.IsKnownAmbiguous(d.Raw) || (d.Value != "" && l.cfg.IsKnownAmbiguous(d.Value)) {
		l.logger.Debug("Known-ambiguous target, taking first match in document order",
			zap.Stringer("descriptor", d), zap.Int("matches", len(refs)))
		result.Confidence = 1.0 / float64(len(refs))
		return refs[0], result, nil
	}
	return schemas.ElementRef{}, result, &AmbiguousError{Descriptor: d, MatchCount: len(refs)}
}

// Act performs action on an already resolved element and classifies the failure.
func Act(ctx context.Context, page schemas.Page, ref schemas.ElementRef, action schemas.Action, value string) error {
	if action == schemas.ActionWait {
		return nil
	}
	err := page.Perform(ctx, ref, action, value)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, schemas.ErrPageClosed):
		return err
	case errors.Is(err, schemas.ErrElementDetached):
		return &StaleElementError{Selector: ref.Selector, Err: err}
	default:
		return &ActionError{Action: action, Selector: ref.Selector, Err: err}
	}
}

// IsSessionError reports whether err must propagate to the caller instead of
// being classified in an outcome.
func IsSessionError(err error) bool {
	if err == nil || Kind(err) != "" {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, schemas.ErrPageClosed)
}
