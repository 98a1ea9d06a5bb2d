// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
	"github.com/xkilldash9x/suture/internal/descriptor"
	"github.com/xkilldash9x/suture/internal/locator"
	"github.com/xkilldash9x/suture/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Harness --

type harness struct {
	page   *mocks.MockPage
	vision *mocks.MockVisionLocator
	popups *mocks.MockPopupHandler
	orch   *Orchestrator
}

func testHealingConfig(mode config.VisionMode) config.HealingConfig {
	return config.HealingConfig{
		VisionMode:           mode,
		DeterministicTimeout: 60 * time.Millisecond,
		VisionTimeout:        time.Second,
		MaxRetries:           -1,
		PollInterval:         10 * time.Millisecond,
		KnownAmbiguous:       []string{"account-link"},
	}
}

func newHarness(t *testing.T, cfg config.HealingConfig) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		page:   new(mocks.MockPage),
		vision: new(mocks.MockVisionLocator),
		popups: new(mocks.MockPopupHandler),
	}
	h.popups.On("Dismiss", mock.Anything, mock.Anything).Return(0).Maybe()
	orch, err := New(cfg, locator.NewDeterministic(cfg, logger), h.vision, h.popups, logger)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) matches(target string, refs ...schemas.ElementRef) {
	h.page.On("Query", mock.Anything, descriptor.Normalize(target)).Return(refs, nil)
}

func (h *harness) visionFinds(target string, ref schemas.ElementRef, selector string) {
	h.vision.On("Locate", mock.Anything, mock.Anything, descriptor.Normalize(target), mock.Anything).
		Return(schemas.LocateResult{Strategy: schemas.StrategyVision, Selector: selector, Confidence: 0.85, MatchedCount: 1}, ref, nil)
}

func click(target string) schemas.ActionRequest {
	return schemas.ActionRequest{Action: schemas.ActionClick, Target: target, Description: "click " + target}
}

// -- Example Scenarios --

func TestPerform_UniqueMatchStaysDeterministic(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeFallback))
	ref := schemas.ElementRef{Selector: `[data-suture-ref="c1"]`, Tag: "button", Text: "Checkout"}
	h.matches("checkout button", ref)
	h.page.On("Perform", mock.Anything, ref, schemas.ActionClick, "").Return(nil).Once()

	outcome, err := h.orch.Perform(context.Background(), h.page, click("checkout button"))

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, schemas.StrategyDeterministic, outcome.Strategy)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, 1.0, outcome.Result.Confidence)
	assert.False(t, outcome.Escalated)
	assert.Nil(t, outcome.Error)
	h.vision.AssertNotCalled(t, "Locate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, h.orch.Escalations())
}

func TestPerform_NotFoundEscalatesOnce(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeFallback))
	healed := schemas.ElementRef{Selector: `[data-suture-ref="v1"]`, Tag: "button", Text: "Continue Shopping"}
	h.matches("continue")
	h.visionFinds("continue", healed, "button:has-text('Continue Shopping')")
	h.page.On("Perform", mock.Anything, healed, schemas.ActionClick, "").Return(nil).Once()

	outcome, err := h.orch.Perform(context.Background(), h.page, click("continue"))

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, schemas.StrategyVision, outcome.Strategy)
	assert.Equal(t, "button:has-text('Continue Shopping')", outcome.Result.Selector)
	assert.True(t, outcome.Escalated)
	assert.Nil(t, outcome.Error)
	require.NotNil(t, outcome.DeterministicError, "root cause is kept after a successful heal")
	assert.Equal(t, string(locator.KindNotFound), outcome.DeterministicError.Kind)
	h.vision.AssertNumberOfCalls(t, "Locate", 1)
	h.page.AssertExpectations(t)
	assert.Equal(t, 1, h.orch.Escalations())
}

func TestPerform_KnownAmbiguousTakesFirstMatch(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeFallback))
	refs := []schemas.ElementRef{{Selector: "a1"}, {Selector: "a2"}, {Selector: "a3"}}
	h.matches("account-link", refs...)
	h.page.On("Perform", mock.Anything, refs[0], schemas.ActionClick, "").Return(nil).Once()

	outcome, err := h.orch.Perform(context.Background(), h.page, click("account-link"))

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, schemas.StrategyDeterministic, outcome.Strategy)
	assert.InDelta(t, 1.0/3.0, outcome.Result.Confidence, 1e-9)
	assert.Equal(t, 3, outcome.Result.MatchedCount)
	h.vision.AssertNotCalled(t, "Locate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.page.AssertExpectations(t)
}

func TestPerform_ModeNoneSurfacesNotFound(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeNone))
	h.matches("#missing")

	outcome, err := h.orch.Perform(context.Background(), h.page, click("#missing"))

	require.NoError(t, err)
	assert.False(t, outcome.Success)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, string(locator.KindNotFound), outcome.Error.Kind)
	assert.False(t, outcome.Escalated)
	h.vision.AssertNotCalled(t, "Locate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// -- State Machine Transitions --

func TestPerform_UnknownAmbiguousEscalates(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeFallback))
	h.matches("button.primary", schemas.ElementRef{Selector: "p1"}, schemas.ElementRef{Selector: "p2"})
	healed := schemas.ElementRef{Selector: "p2"}
	h.visionFinds("button.primary", healed, "#buy-now")
	h.page.On("Perform", mock.Anything, healed, schemas.ActionClick, "").Return(nil).Once()

	outcome, err := h.orch.Perform(context.Background(), h.page, click("button.primary"))

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, string(locator.KindAmbiguous), outcome.DeterministicError.Kind)
	h.vision.AssertNumberOfCalls(t, "Locate", 1)
}

func TestPerform_VisionFailureFailsClosed(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeFallback))
	h.matches("continue")
	verr := &locator.VisionError{Reason: locator.ReasonMultipleMatches, Matches: 2, Err: errors.New("selector matches 2 elements")}
	h.vision.On("Locate", mock.Anything, mock.Anything, descriptor.Normalize("continue"), mock.Anything).
		Return(schemas.LocateResult{Strategy: schemas.StrategyVision}, schemas.ElementRef{}, verr)

	outcome, err := h.orch.Perform(context.Background(), h.page, click("continue"))

	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, string(locator.KindVision), outcome.Error.Kind)
	assert.Contains(t, outcome.Error.Message, "MULTIPLE_MATCHES (2)")
	require.NotNil(t, outcome.VisionError)
	require.NotNil(t, outcome.DeterministicError)
	assert.Equal(t, string(locator.KindNotFound), outcome.DeterministicError.Kind)
	h.page.AssertNotCalled(t, "Perform", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPerform_StaleAfterHeal(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeFallback))
	healed := schemas.ElementRef{Selector: "v1"}
	h.matches("continue")
	h.visionFinds("continue", healed, "#continue")
	h.page.On("Perform", mock.Anything, healed, schemas.ActionClick, "").Return(schemas.ErrElementDetached).Once()

	outcome, err := h.orch.Perform(context.Background(), h.page, click("continue"))

	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, schemas.StrategyVision, outcome.Strategy)
	assert.Equal(t, string(locator.KindStaleElement), outcome.Error.Kind)
	h.vision.AssertNumberOfCalls(t, "Locate", 1)
}

func TestPerform_StaleIsNotEscalated(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeFallback))
	ref := schemas.ElementRef{Selector: "s1"}
	h.matches("#pay", ref)
	h.page.On("Perform", mock.Anything, ref, schemas.ActionClick, "").Return(schemas.ErrElementDetached).Once()

	outcome, err := h.orch.Perform(context.Background(), h.page, click("#pay"))

	require.NoError(t, err)
	assert.Equal(t, string(locator.KindStaleElement), outcome.Error.Kind)
	h.vision.AssertNotCalled(t, "Locate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPerform_ModeAllSkipsDeterministic(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeAll))
	healed := schemas.ElementRef{Selector: "v1"}
	h.visionFinds("checkout", healed, "#checkout")
	h.page.On("Perform", mock.Anything, healed, schemas.ActionClick, "").Return(nil).Once()

	outcome, err := h.orch.Perform(context.Background(), h.page, click("checkout"))

	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, schemas.StrategyVision, outcome.Strategy)
	assert.Nil(t, outcome.DeterministicError)
	h.page.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

// -- Escalation Budget --

func TestPerform_BudgetIsRunScoped(t *testing.T) {
	cfg := testHealingConfig(config.VisionModeFallback)
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	h.matches("#gone")
	h.vision.On("Locate", mock.Anything, mock.Anything, descriptor.Normalize("#gone"), mock.Anything).
		Return(schemas.LocateResult{}, schemas.ElementRef{}, &locator.VisionError{Reason: locator.ReasonNoMatch})

	first, err := h.orch.Perform(context.Background(), h.page, click("#gone"))
	require.NoError(t, err)
	assert.True(t, first.Escalated)

	second, err := h.orch.Perform(context.Background(), h.page, click("#gone"))
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.False(t, second.Escalated)
	assert.Equal(t, string(locator.KindNotFound), second.Error.Kind, "the deterministic error is surfaced")
	assert.Contains(t, second.Error.Message, string(locator.ReasonBudgetExhausted))
	require.NotNil(t, second.VisionError)
	assert.Contains(t, second.VisionError.Message, string(locator.ReasonBudgetExhausted))

	h.vision.AssertNumberOfCalls(t, "Locate", 1)
	assert.Equal(t, 1, h.orch.Escalations())
}

func TestPerform_ZeroBudgetNeverEscalates(t *testing.T) {
	cfg := testHealingConfig(config.VisionModeFallback)
	cfg.MaxRetries = 0
	h := newHarness(t, cfg)
	h.matches("#gone")

	outcome, err := h.orch.Perform(context.Background(), h.page, click("#gone"))
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.False(t, outcome.Escalated)
	assert.Contains(t, outcome.Error.Message, string(locator.ReasonBudgetExhausted))
	h.vision.AssertNotCalled(t, "Locate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, h.orch.Escalations())
}

func TestPerform_ModeAllDegradesWhenBudgetSpent(t *testing.T) {
	cfg := testHealingConfig(config.VisionModeAll)
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	ref := schemas.ElementRef{Selector: "r"}
	h.visionFinds("#a", ref, "#a")
	h.matches("#b", ref)
	h.page.On("Perform", mock.Anything, ref, schemas.ActionClick, "").Return(nil)

	_, err := h.orch.Perform(context.Background(), h.page, click("#a"))
	require.NoError(t, err)
	outcome, err := h.orch.Perform(context.Background(), h.page, click("#b"))
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, schemas.StrategyDeterministic, outcome.Strategy)
	h.vision.AssertNumberOfCalls(t, "Locate", 1)
}

// -- Popup Hook --

func TestPerform_PopupHookRunsBetweenActions(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeFallback))
	ref := schemas.ElementRef{Selector: "r"}
	h.matches("#step", ref)
	h.page.On("Perform", mock.Anything, ref, schemas.ActionClick, "").Return(nil)

	for i := 0; i < 3; i++ {
		_, err := h.orch.Perform(context.Background(), h.page, click("#step"))
		require.NoError(t, err)
	}
	h.popups.AssertNumberOfCalls(t, "Dismiss", 2)
}

func TestPerform_PopupHookRunsBeforeEscalation(t *testing.T) {
	h := newHarness(t, testHealingConfig(config.VisionModeFallback))
	healed := schemas.ElementRef{Selector: "v"}
	h.matches("continue")
	h.visionFinds("continue", healed, "#continue")
	h.page.On("Perform", mock.Anything, healed, schemas.ActionClick, "").Return(nil)

	_, err := h.orch.Perform(context.Background(), h.page, click("continue"))
	require.NoError(t, err)
	h.popups.AssertNumberOfCalls(t, "Dismiss", 1)
}

// -- Session-Level Errors --

func TestPerform_SessionErrorsPropagate(t *testing.T) {
	t.Run("Cancelled mid-locate", func(t *testing.T) {
		h := newHarness(t, testHealingConfig(config.VisionModeFallback))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h.page.On("Query", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled)

		outcome, err := h.orch.Perform(ctx, h.page, click("#x"))

		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, outcome.Success)
		assert.Equal(t, "SESSION", outcome.Error.Kind)
		h.vision.AssertNotCalled(t, "Locate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Page closed during vision", func(t *testing.T) {
		h := newHarness(t, testHealingConfig(config.VisionModeFallback))
		h.matches("continue")
		h.vision.On("Locate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(schemas.LocateResult{}, schemas.ElementRef{}, schemas.ErrPageClosed)

		_, err := h.orch.Perform(context.Background(), h.page, click("continue"))
		assert.ErrorIs(t, err, schemas.ErrPageClosed)
	})

	t.Run("Already cancelled", func(t *testing.T) {
		h := newHarness(t, testHealingConfig(config.VisionModeFallback))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := h.orch.Perform(ctx, h.page, click("#x"))
		assert.ErrorIs(t, err, context.Canceled)
		h.page.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
	})
}

// -- Construction --

func TestNew(t *testing.T) {
	logger := zap.NewNop()
	cfg := testHealingConfig(config.VisionModeFallback)

	_, err := New(cfg, nil, nil, nil, logger)
	assert.Error(t, err)

	bad := cfg
	bad.VisionMode = "sometimes"
	_, err = New(bad, locator.NewDeterministic(cfg, logger), nil, nil, logger)
	assert.Error(t, err)

	orch, err := New(cfg, locator.NewDeterministic(cfg, logger), nil, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, config.VisionModeNone, orch.cfg.VisionMode, "no vision locator disables healing")
}
