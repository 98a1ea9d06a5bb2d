// internal/runner/runner.go
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
	"github.com/xkilldash9x/suture/internal/descriptor"
	"github.com/xkilldash9x/suture/internal/locator"
	"github.com/xkilldash9x/suture/internal/orchestrator"
)

const (
	cleanupTimeout = 10 * time.Second
	// errKindNavigation classifies a failed navigate step.
	errKindNavigation = "NAVIGATION"
)

// PageFactory opens browser pages.
type PageFactory interface {
	NewPage(ctx context.Context) (schemas.Page, error)
}

// Runner executes scenarios, one fresh page and orchestrator per run.
type Runner struct {
	cfg    config.Interface
	pages  PageFactory
	det    orchestrator.DeterministicLocator
	vision orchestrator.VisionLocator
	popups orchestrator.PopupHandler
	logger *zap.Logger
}

// New creates a runner. vision and popups may be nil.
func New(cfg config.Interface, pages PageFactory, det orchestrator.DeterministicLocator, vision orchestrator.VisionLocator, popups orchestrator.PopupHandler, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		pages:  pages,
		det:    det,
		vision: vision,
		popups: popups,
		logger: logger.Named("runner"),
	}
}

// Run drives sc step by step and stops at the first failed step. The returned
// result is always populated; the error is non-nil only for session-level
// failures (cancellation, a dead page, an unreachable start URL).
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*schemas.ExecutionResult, error) {
	start := time.Now()
	result := &schemas.ExecutionResult{
		RunID:      uuid.New().String(),
		Scenario:   sc.Name,
		URL:        sc.URL,
		TotalSteps: len(sc.Steps),
		StartedAt:  start,
		Steps:      []schemas.ExecutionStep{},
		Errors:     []schemas.StepError{},
	}
	logger := r.logger.With(zap.String("run_id", result.RunID), zap.String("scenario", sc.Name))
	defer func() { result.Duration = time.Since(start) }()

	if timeout := r.cfg.Run().ScenarioTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	orch, err := orchestrator.New(r.cfg.Healing(), r.det, r.vision, r.popups, r.logger)
	if err != nil {
		return result, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	page, err := r.pages.NewPage(ctx)
	if err != nil {
		result.Errors = append(result.Errors, schemas.StepError{Step: 0, Description: "open page", Error: err.Error()})
		return result, fmt.Errorf("failed to open page: %w", err)
	}
	defer func() {
		// The run context may already be done; cleanup still has to happen.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := page.Close(closeCtx); err != nil {
			logger.Warn("Failed to close page", zap.Error(err))
		}
	}()

	logger.Info("Scenario started", zap.String("url", sc.URL), zap.Int("steps", len(sc.Steps)))

	var sessionErr error
	if sc.URL != "" {
		if err := page.Navigate(ctx, sc.URL); err != nil {
			result.Errors = append(result.Errors, schemas.StepError{Step: 0, Description: "open " + sc.URL, Error: err.Error()})
			sessionErr = err
		} else {
			orch.Navigated()
		}
	}

	for i, step := range sc.Steps {
		if sessionErr != nil {
			break
		}
		rec := schemas.ExecutionStep{Index: i + 1, Request: step, StartedAt: time.Now()}

		var outcome schemas.ActionOutcome
		if step.Action == schemas.ActionNavigate {
			outcome, err = navigate(ctx, page, step)
			if outcome.Success {
				orch.Navigated()
			}
		} else {
			outcome, err = orch.Perform(ctx, page, step)
		}
		rec.Outcome = outcome
		rec.DurationMs = time.Since(rec.StartedAt).Milliseconds()
		result.Steps = append(result.Steps, rec)
		result.StepsExecuted++

		if err != nil {
			result.Errors = append(result.Errors, schemas.StepError{Step: i + 1, Description: Describe(step), Error: err.Error()})
			sessionErr = err
			break
		}
		if !outcome.Success {
			result.Errors = append(result.Errors, schemas.StepError{Step: i + 1, Description: Describe(step), Error: FailureMessage(outcome)})
			logger.Info("Step failed", zap.Int("step", i+1), zap.String("error", FailureMessage(outcome)))
			break
		}
	}

	result.Escalations = orch.Escalations()
	result.Success = len(result.Errors) == 0 && result.StepsExecuted == result.TotalSteps
	if !result.Success && r.cfg.Run().ScreenshotOnFailure && !errors.Is(sessionErr, schemas.ErrPageClosed) {
		r.captureFailure(ctx, page, result, logger)
	}

	logger.Info("Scenario finished",
		zap.Bool("success", result.Success),
		zap.Int("steps_executed", result.StepsExecuted),
		zap.Int("escalations", result.Escalations),
		zap.Duration("duration", time.Since(start)))
	return result, sessionErr
}

func navigate(ctx context.Context, page schemas.Page, step schemas.ActionRequest) (schemas.ActionOutcome, error) {
	url := step.Value
	if url == "" {
		url = step.Target
	}
	err := page.Navigate(ctx, url)
	switch {
	case err == nil:
		return schemas.ActionOutcome{Success: true}, nil
	case locator.IsSessionError(err):
		return schemas.ActionOutcome{Error: locator.ToOutcome(err)}, err
	default:
		return schemas.ActionOutcome{Error: &schemas.OutcomeError{Kind: errKindNavigation, Message: err.Error()}}, nil
	}
}

// captureFailure saves a screenshot of the page state at the failure.
func (r *Runner) captureFailure(ctx context.Context, page schemas.Page, result *schemas.ExecutionResult, logger *zap.Logger) {
	dir := r.cfg.Browser().ArtifactsDir
	if dir == "" {
		return
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	png, err := page.Screenshot(shotCtx)
	if err != nil {
		logger.Warn("Failed to capture failure screenshot", zap.Error(err))
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("Failed to create artifacts directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	path := filepath.Join(dir, result.RunID+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		logger.Warn("Failed to write failure screenshot", zap.String("path", path), zap.Error(err))
		return
	}
	result.ScreenshotPath = path
}

// Describe renders a step for reports: its own description, or the action and
// a readable form of its target.
func Describe(step schemas.ActionRequest) string {
	if step.Description != "" {
		return step.Description
	}
	if step.Action == schemas.ActionNavigate {
		if step.Value != "" {
			return "navigate to " + step.Value
		}
		return "navigate to " + step.Target
	}
	return fmt.Sprintf("%s %s", step.Action, descriptor.Describe(descriptor.Normalize(step.Target)))
}

// FailureMessage lists the errors of every strategy that was attempted.
func FailureMessage(o schemas.ActionOutcome) string {
	var parts []string
	if o.DeterministicError != nil {
		parts = append(parts, "deterministic: "+o.DeterministicError.Error())
	}
	if o.VisionError != nil {
		parts = append(parts, "vision: "+o.VisionError.Error())
	}
	if o.Error != nil && !sameError(o.Error, o.DeterministicError) && !sameError(o.Error, o.VisionError) {
		parts = append(parts, o.Error.Error())
	}
	if len(parts) == 0 {
		return "step failed without a classified error"
	}
	return strings.Join(parts, "; ")
}

func sameError(a, b *schemas.OutcomeError) bool {
	return b != nil && a.Kind == b.Kind && a.Message == b.Message
}
