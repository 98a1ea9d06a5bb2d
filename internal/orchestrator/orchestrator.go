// File: internal/orchestrator/orchestrator.go
// Description: The healing orchestrator. Drives one action at a time through the
// deterministic locator, escalates to vision when allowed and reports a typed outcome.

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
	"github.com/xkilldash9x/suture/internal/descriptor"
	"github.com/xkilldash9x/suture/internal/locator"
)

// DeterministicLocator resolves a descriptor structurally and acts on the match.
type DeterministicLocator interface {
	LocateAndAct(ctx context.Context, page schemas.Page, d schemas.ElementDescriptor, action schemas.Action, value string, timeout time.Duration) (schemas.LocateResult, error)
}

// VisionLocator resolves a descriptor with the help of a vision model.
type VisionLocator interface {
	Locate(ctx context.Context, page schemas.Page, d schemas.ElementDescriptor, description string) (schemas.LocateResult, schemas.ElementRef, error)
}

// PopupHandler dismisses transient overlays.
type PopupHandler interface {
	Dismiss(ctx context.Context, page schemas.Page) int
}

// Orchestrator runs the per-action healing state machine. One instance serves one
// scenario run: the escalation budget and the first-action marker are run scoped.
type Orchestrator struct {
	cfg    config.HealingConfig
	det    DeterministicLocator
	vision VisionLocator
	popups PopupHandler
	logger *zap.Logger

	mu          sync.Mutex
	actions     int
	escalations int
}

// New creates an orchestrator. vision may be nil, which forces vision mode
// "none"; popups may be nil to disable the between-actions hook.
func New(cfg config.HealingConfig, det DeterministicLocator, vision VisionLocator, popups PopupHandler, logger *zap.Logger) (*Orchestrator, error) {
	if det == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.Named("orchestrator")
	if vision == nil && cfg.VisionMode != config.VisionModeNone {
		logger.Warn("No vision locator available, healing disabled", zap.String("requested_mode", string(cfg.VisionMode)))
		cfg.VisionMode = config.VisionModeNone
	}
	return &Orchestrator{
		cfg:    cfg,
		det:    det,
		vision: vision,
		popups: popups,
		logger: logger,
	}, nil
}

// Escalations returns how many vision escalations this run has spent.
func (o *Orchestrator) Escalations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.escalations
}

// Between runs the popup hook. Dismissal failures are logged by the handler
// and never fail the surrounding step.
func (o *Orchestrator) Between(ctx context.Context, page schemas.Page) int {
	if o.popups == nil || ctx.Err() != nil {
		return 0
	}
	return o.popups.Dismiss(ctx, page)
}

// Perform executes one action request. Locator failures are classified in the
// returned outcome; the error return is reserved for session-level failures
// (cancellation, a closed page) that the caller cannot recover from.
func (o *Orchestrator) Perform(ctx context.Context, page schemas.Page, req schemas.ActionRequest) (schemas.ActionOutcome, error) {
	var outcome schemas.ActionOutcome
	if err := ctx.Err(); err != nil {
		return outcome, err
	}
	if o.nextAction() > 0 {
		outcome.PopupsDismissed += o.Between(ctx, page)
	}

	d := descriptor.Normalize(req.Target)
	logger := o.logger.With(zap.String("action", string(req.Action)), zap.Stringer("descriptor", d))

	var detErr error
	if o.cfg.VisionMode != config.VisionModeAll || !o.budgetLeft() {
		res, err := o.det.LocateAndAct(ctx, page, d, req.Action, req.Value, o.cfg.DeterministicTimeout)
		if err == nil {
			logger.Debug("Resolved deterministically", zap.Float64("confidence", res.Confidence), zap.Int64("elapsed_ms", res.ElapsedMs))
			return succeed(outcome, res), nil
		}
		if locator.IsSessionError(err) {
			return fail(outcome, err), err
		}
		detErr = err
		outcome.DeterministicError = locator.ToOutcome(err)

		if o.cfg.VisionMode == config.VisionModeNone || !locator.Escalatable(err) {
			logger.Info("Deterministic locate failed", zap.Error(err))
			return fail(outcome, err), nil
		}
	}

	if !o.reserveEscalation() {
		budgetErr := &locator.VisionError{Reason: locator.ReasonBudgetExhausted, Err: fmt.Errorf("escalation budget of %d per run is spent", o.cfg.MaxRetries)}
		logger.Warn("Escalation budget exhausted, not calling vision", zap.Int("max_retries", o.cfg.MaxRetries))
		outcome.VisionError = locator.ToOutcome(budgetErr)
		if detErr == nil {
			return fail(outcome, budgetErr), nil
		}
		outcome = fail(outcome, detErr)
		outcome.Error.Message += " (" + string(locator.ReasonBudgetExhausted) + ")"
		return outcome, nil
	}
	outcome.Escalated = true
	if detErr != nil {
		logger.Info("Escalating to vision", zap.String("reason", string(locator.Kind(detErr))), zap.Error(detErr))
		outcome.PopupsDismissed += o.Between(ctx, page)
	}

	res, ref, err := o.vision.Locate(ctx, page, d, req.Description)
	if err != nil {
		if locator.IsSessionError(err) {
			return fail(outcome, err), err
		}
		outcome.VisionError = locator.ToOutcome(err)
		logger.Info("Vision locate failed", zap.Error(err))
		return fail(outcome, err), nil
	}

	outcome.Strategy = schemas.StrategyVision
	outcome.Result = &res
	if err := locator.Act(ctx, page, ref, req.Action, req.Value); err != nil {
		if locator.IsSessionError(err) {
			return fail(outcome, err), err
		}
		logger.Info("Action on vision-resolved element failed", zap.String("selector", res.Selector), zap.Error(err))
		return fail(outcome, err), nil
	}

	logger.Info("Healed locator",
		zap.String("selector", res.Selector),
		zap.Float64("confidence", res.Confidence),
		zap.Int64("elapsed_ms", res.ElapsedMs))
	outcome.Success = true
	outcome.Error = nil
	return outcome, nil
}

// Navigated records a page load done outside Perform so the popup hook runs
// before the next action.
func (o *Orchestrator) Navigated() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actions++
}

// nextAction returns the index of the action about to run.
func (o *Orchestrator) nextAction() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.actions
	o.actions++
	return n
}

func (o *Orchestrator) budgetLeft() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.MaxRetries < 0 || o.escalations < o.cfg.MaxRetries
}

// reserveEscalation counts an escalation against the run budget. A zero budget
// allows none; a negative one is unlimited.
func (o *Orchestrator) reserveEscalation() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.MaxRetries >= 0 && o.escalations >= o.cfg.MaxRetries {
		return false
	}
	o.escalations++
	return true
}

func succeed(outcome schemas.ActionOutcome, res schemas.LocateResult) schemas.ActionOutcome {
	outcome.Success = true
	outcome.Strategy = res.Strategy
	outcome.Result = &res
	return outcome
}

func fail(outcome schemas.ActionOutcome, err error) schemas.ActionOutcome {
	outcome.Success = false
	outcome.Error = locator.ToOutcome(err)
	return outcome
}
