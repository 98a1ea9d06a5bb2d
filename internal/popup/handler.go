// internal/popup/handler.go
package popup

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
	"github.com/xkilldash9x/suture/internal/descriptor"
)

// Handler dismisses cookie banners, newsletter modals and similar overlays
// between actions. It is best effort: nothing it does fails a step.
type Handler struct {
	cfg         config.PopupConfig
	descriptors []schemas.ElementDescriptor
	logger      *zap.Logger
}

// NewHandler normalizes the configured dismiss selectors once.
func NewHandler(cfg config.PopupConfig, logger *zap.Logger) *Handler {
	h := &Handler{cfg: cfg, logger: logger.Named("popup")}
	for _, s := range cfg.Selectors {
		d := descriptor.Normalize(s)
		if d.Kind == schemas.KindFreeText {
			// Free text would match any element mentioning the phrase.
			h.logger.Warn("Ignoring popup selector without structural form", zap.String("selector", s))
			continue
		}
		h.descriptors = append(h.descriptors, d)
	}
	return h
}

// Dismiss tries each selector once without waiting and clicks its first visible
// match. It returns the number of overlays clicked. The whole pass is bounded by
// the configured timeout and stops early when the page goes away.
func (h *Handler) Dismiss(ctx context.Context, page schemas.Page) int {
	if !h.cfg.Enabled || len(h.descriptors) == 0 {
		return 0
	}
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	dismissed := 0
	for _, d := range h.descriptors {
		if ctx.Err() != nil {
			break
		}
		refs, err := page.Query(ctx, d)
		if err != nil {
			if errors.Is(err, schemas.ErrPageClosed) {
				break
			}
			h.logger.Debug("Popup query failed", zap.Stringer("selector", d), zap.Error(err))
			continue
		}
		if len(refs) == 0 {
			continue
		}
		if err := page.Perform(ctx, refs[0], schemas.ActionClick, ""); err != nil {
			h.logger.Debug("Popup dismissal failed", zap.Stringer("selector", d), zap.Error(err))
			continue
		}
		h.logger.Info("Dismissed overlay", zap.Stringer("selector", d))
		dismissed++
	}
	return dismissed
}
