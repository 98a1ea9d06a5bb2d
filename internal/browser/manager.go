// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
)

// Manager owns one headless browser process. Every scenario gets its own tab
// through NewPage; Shutdown waits for open tabs before killing the process.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx manages the browser process, browserCtx the connection to it.
	// All tab contexts are derived from browserCtx.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	// wg tracks open tabs for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches the browser and verifies it responds.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}
	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func (m *Manager) launchBrowser(ctx context.Context) error {
	m.logger.Info("Initializing browser allocator...", zap.Bool("headless", m.cfg.Headless))

	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, AllocatorOptions(m.cfg)...)

	var opts []chromedp.ContextOption
	if m.cfg.Debug {
		opts = append(opts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
	}
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx, opts...)

	// The first Run on the browser context starts the process.
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}
	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// allocatorFlags computes the command line flags for the browser process.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                  cfg.Headless,
		"disable-extensions":        true,
		"disable-gpu":               cfg.Headless,
		"hide-scrollbars":           true,
		"mute-audio":                true,
		"disable-popup-blocking":    true,
		"disable-blink-features":    "AutomationControlled",
		"force-device-scale-factor": "1",
	}
	if cfg.IgnoreTLS {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}
	return flags
}

// AllocatorOptions assembles the exec allocator options for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := allocatorFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	if cfg.BinaryPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.BinaryPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(int(cfg.ViewportWidth), int(cfg.ViewportHeight)))
	}
	return opts
}

// NewPage opens a fresh tab. The caller must Close it.
func (m *Manager) NewPage(ctx context.Context) (schemas.Page, error) {
	s := newSession(m.browserCtx, m.cfg, m.logger)
	m.wg.Add(1)
	s.onClose = m.wg.Done

	if err := s.initialize(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("failed to initialize page: %w", err)
	}
	m.logger.Debug("New page created.", zap.String("page_id", s.ID()))
	return s, nil
}

// Shutdown waits for open pages to close, bounded by ctx, then terminates the
// browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for open pages...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All pages have closed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}
