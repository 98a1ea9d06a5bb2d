// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
)

// actionTimeout bounds a single interaction once its element has resolved.
const actionTimeout = 10 * time.Second

// Session is one browser tab. It implements schemas.Page and is driven by a
// single scenario at a time.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger

	onClose func()

	mu     sync.Mutex
	closed bool
}

var _ schemas.Page = (*Session)(nil)

func newSession(browserCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Session {
	id := uuid.New().String()
	ctx, cancel := chromedp.NewContext(browserCtx)
	return &Session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		logger: logger.Named("page").With(zap.String("page_id", id)),
	}
}

// ID returns the page's identifier.
func (s *Session) ID() string {
	return s.id
}

// initialize creates the tab, registers the dialog handler and applies viewport
// emulation. The first Run must use the tab context itself or cancelling the
// caller's context would close the tab.
func (s *Session) initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.listenForDialogs()
	if err := chromedp.Run(s.ctx, s.emulateViewport()); err != nil {
		return fmt.Errorf("failed to prepare tab: %w", err)
	}
	return nil
}

// listenForDialogs accepts alert, confirm and beforeunload dialogs so they
// never block the page.
func (s *Session) listenForDialogs() {
	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		e, ok := ev.(*page.EventJavascriptDialogOpening)
		if !ok {
			return
		}
		s.logger.Info("Auto-accepting JavaScript dialog", zap.String("type", string(e.Type)), zap.String("message", e.Message))
		// Event handlers must not block on CDP calls.
		go func() {
			if err := chromedp.Run(s.ctx, page.HandleJavaScriptDialog(true)); err != nil && s.ctx.Err() == nil {
				s.logger.Debug("Failed to accept dialog", zap.Error(err))
			}
		}()
	})
}

// emulateViewport pins the viewport at a device scale of 1 so screenshot pixels
// and CSS pixels coincide.
func (s *Session) emulateViewport() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		w, h := s.cfg.ViewportWidth, s.cfg.ViewportHeight
		if w <= 0 || h <= 0 {
			return nil
		}
		orientation := emulation.OrientationTypeLandscapePrimary
		if h > w {
			orientation = emulation.OrientationTypePortraitPrimary
		}
		err := emulation.SetDeviceMetricsOverride(w, h, 1.0, false).
			WithScreenOrientation(&emulation.ScreenOrientation{Type: orientation, Angle: 0}).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to set device metrics: %w", err)
		}
		return nil
	})
}

// run executes actions on the tab under the caller's deadline and maps a dead
// tab to schemas.ErrPageClosed.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.ctx.Err() != nil {
		return schemas.ErrPageClosed
	}

	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if s.ctx.Err() != nil {
		return schemas.ErrPageClosed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) evaluate(ctx context.Context, fn string, args ...interface{}) (string, error) {
	expr, err := buildCall(fn, args...)
	if err != nil {
		return "", err
	}
	var raw string
	if err := s.run(ctx, chromedp.Evaluate(expr, &raw)); err != nil {
		return "", err
	}
	return raw, nil
}

// Query returns every visible element matching d in document order.
func (s *Session) Query(ctx context.Context, d schemas.ElementDescriptor) ([]schemas.ElementRef, error) {
	args := queryArgs{Kind: d.Kind, Value: d.Value, Role: d.Role, Name: d.Name, XPath: d.XPath}
	raw, err := s.evaluate(ctx, queryScript, args, uuid.New().String())
	if err != nil {
		return nil, err
	}
	return decodeQueryReply(raw)
}

// Perform interacts with a previously resolved element.
func (s *Session) Perform(ctx context.Context, ref schemas.ElementRef, action schemas.Action, value string) error {
	if action == schemas.ActionWait {
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	raw, err := s.evaluate(actx, prepareScript, ref.Selector, string(action), value)
	if err != nil {
		return s.actionErr(ctx, actx, err)
	}
	if err := decodePrepareReply(raw); err != nil {
		return err
	}

	switch action {
	case schemas.ActionClick:
		err = s.run(actx, chromedp.Click(ref.Selector, chromedp.ByQuery, chromedp.NodeVisible))
	case schemas.ActionType:
		err = s.run(actx,
			chromedp.Clear(ref.Selector, chromedp.ByQuery),
			chromedp.SendKeys(ref.Selector, value, chromedp.ByQuery),
		)
	case schemas.ActionSelect:
		// Applied by the preflight script.
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
	if err != nil {
		return s.actionErr(ctx, actx, err)
	}
	s.logger.Debug("Performed action", zap.String("action", string(action)), zap.String("ref", ref.Selector))
	return nil
}

// actionErr treats an interaction that ran out of time while the caller still
// had time as an element that went away underneath it.
func (s *Session) actionErr(ctx, actx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: element not interactable within %s", schemas.ErrElementDetached, actionTimeout)
	}
	return err
}

// Candidates lists up to limit visible interactive elements in document order.
func (s *Session) Candidates(ctx context.Context, limit int) ([]schemas.Candidate, error) {
	raw, err := s.evaluate(ctx, candidatesScript, uuid.New().String(), limit)
	if err != nil {
		return nil, err
	}
	var cands []schemas.Candidate
	if err := json.UnmarshalFromString(raw, &cands); err != nil {
		return nil, fmt.Errorf("failed to decode candidates: %w", err)
	}
	return cands, nil
}

// Screenshot captures the full page as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// A quality of 100 makes chromedp capture PNG.
	if err := s.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Navigate loads url and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))
	if err := s.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// URL returns the current document location.
func (s *Session) URL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Close closes the tab. It is idempotent and bounded by ctx.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()
	if s.onClose != nil {
		s.onClose()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Error while closing tab", zap.Error(err))
		return fmt.Errorf("failed to close page: %w", err)
	}
	s.logger.Debug("Page closed.")
	return nil
}
