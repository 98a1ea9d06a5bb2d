// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/browser"
	"github.com/xkilldash9x/suture/internal/config"
	"github.com/xkilldash9x/suture/internal/llmclient"
	"github.com/xkilldash9x/suture/internal/locator"
	"github.com/xkilldash9x/suture/internal/observability"
	"github.com/xkilldash9x/suture/internal/orchestrator"
	"github.com/xkilldash9x/suture/internal/popup"
	"github.com/xkilldash9x/suture/internal/reporting"
	"github.com/xkilldash9x/suture/internal/runner"
	"github.com/xkilldash9x/suture/internal/store"
	"github.com/xkilldash9x/suture/internal/vision"
)

const shutdownTimeout = 15 * time.Second

// errScenariosFailed signals a non-zero exit after the summary was printed.
var errScenariosFailed = errors.New("one or more scenarios failed")

// scenarioRunner executes one scenario.
type scenarioRunner interface {
	Run(ctx context.Context, sc *runner.Scenario) (*schemas.ExecutionResult, error)
}

// resultStore persists finished runs.
type resultStore interface {
	EnsureSchema(ctx context.Context) error
	SaveRun(ctx context.Context, result *schemas.ExecutionResult) error
}

// runComponents holds everything a run command needs, plus its teardown.
type runComponents struct {
	Runner   scenarioRunner
	shutdown []func(ctx context.Context)
}

// Shutdown releases the components in reverse order of creation.
func (c *runComponents) Shutdown(ctx context.Context) {
	for i := len(c.shutdown) - 1; i >= 0; i-- {
		c.shutdown[i](ctx)
	}
}

// Replaced in tests.
var (
	buildComponents = initializeRunComponents
	openStore       = connectStore
)

type runOptions struct {
	reportPath   string
	reportFormat string
	persist      bool
	concurrency  int
	visionMode   string
	maxRetries   int
	headed       bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Run one or more scenario files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg, opts); err != nil {
				return err
			}

			scenarios := make([]*runner.Scenario, 0, len(args))
			for _, path := range args {
				sc, err := runner.LoadScenario(path)
				if err != nil {
					return err
				}
				scenarios = append(scenarios, sc)
			}

			components, err := buildComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize run components: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				components.Shutdown(shutdownCtx)
			}()

			results, err := runScenarios(ctx, components.Runner, scenarios, cfg.Browser().Concurrency, logger)
			if err != nil {
				return err
			}

			if err := reporting.WriteSummary(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if opts.reportPath != "" {
				if err := writeReport(opts.reportFormat, opts.reportPath, results); err != nil {
					return err
				}
			}
			if opts.persist {
				if err := persistResults(ctx, cfg, results, logger); err != nil {
					return err
				}
			}

			for _, r := range results {
				if !r.Success {
					return errScenariosFailed
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.reportPath, "report", "o", "", "write a report to this path (\"stdout\" for the terminal)")
	cmd.Flags().StringVar(&opts.reportFormat, "format", "json", "report format (json, text)")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "save results to PostgreSQL (database.url)")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "j", 0, "scenarios run in parallel (overrides browser.concurrency)")
	cmd.Flags().StringVar(&opts.visionMode, "vision-mode", "", "vision fallback mode: fallback, all or none")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "escalations allowed per run, 0 for none, -1 for unlimited")
	cmd.Flags().BoolVar(&opts.headed, "headed", false, "show the browser window")
	return cmd
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg config.Interface, opts runOptions) error {
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		if opts.concurrency <= 0 {
			return fmt.Errorf("--concurrency must be positive, got %d", opts.concurrency)
		}
		cfg.SetBrowserConcurrency(opts.concurrency)
	}
	if flags.Changed("vision-mode") {
		cfg.SetVisionMode(config.VisionMode(opts.visionMode))
	}
	if flags.Changed("max-retries") {
		cfg.SetMaxRetries(opts.maxRetries)
	}
	if flags.Changed("headed") {
		cfg.SetBrowserHeadless(!opts.headed)
	}
	healing := cfg.Healing()
	if err := healing.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// runScenarios executes scenarios with at most concurrency in flight. Results
// keep the input order. A failed scenario never stops the others; only
// cancellation of ctx does.
func runScenarios(ctx context.Context, r scenarioRunner, scenarios []*runner.Scenario, concurrency int, logger *zap.Logger) ([]*schemas.ExecutionResult, error) {
	results := make([]*schemas.ExecutionResult, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for i, sc := range scenarios {
		g.Go(func() error {
			res, err := r.Run(gctx, sc)
			results[i] = res
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("Scenario aborted", zap.String("scenario", sc.Name), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, res := range results {
		// Runner always returns a result; guard against a nil from a stub.
		if res == nil {
			results[i] = &schemas.ExecutionResult{Scenario: scenarios[i].Name, TotalSteps: len(scenarios[i].Steps)}
		}
	}
	return results, nil
}

func writeReport(format, path string, results []*schemas.ExecutionResult) error {
	reporter, err := reporting.New(format, path, Version)
	if err != nil {
		return err
	}
	for _, res := range results {
		if err := reporter.Write(res); err != nil {
			_ = reporter.Close()
			return err
		}
	}
	return reporter.Close()
}

func persistResults(ctx context.Context, cfg config.Interface, results []*schemas.ExecutionResult, logger *zap.Logger) error {
	url := cfg.Database().URL
	if url == "" {
		return errors.New("--persist requires database.url (or SUTURE_DATABASE_URL)")
	}
	s, closeStore, err := openStore(ctx, url, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	for _, res := range results {
		if res.RunID == "" {
			continue
		}
		if err := s.SaveRun(ctx, res); err != nil {
			return fmt.Errorf("failed to persist run %s: %w", res.RunID, err)
		}
	}
	logger.Info("Results persisted", zap.Int("runs", len(results)))
	return nil
}

func connectStore(ctx context.Context, url string, logger *zap.Logger) (resultStore, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// initializeRunComponents starts the browser and wires the locators into a runner.
func initializeRunComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	manager, err := browser.NewManager(ctx, cfg.Browser(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	components.shutdown = append(components.shutdown, func(ctx context.Context) {
		if err := manager.Shutdown(ctx); err != nil {
			logger.Warn("Browser shutdown failed", zap.Error(err))
		}
	})

	// Left as a nil interface when vision is off so the orchestrator sees no locator.
	var visionLocator orchestrator.VisionLocator
	if cfg.Healing().VisionMode != config.VisionModeNone {
		if cfg.LLM().APIKey == "" {
			logger.Warn("No LLM API key configured; vision fallback is disabled.")
		} else {
			llm, err := llmclient.NewGoogleClient(ctx, cfg.LLM(), logger)
			if err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("failed to create LLM client: %w", err)
			}
			components.shutdown = append(components.shutdown, func(context.Context) { _ = llm.Close() })
			visionLocator = vision.New(llm, cfg.Vision(), cfg.Healing().VisionTimeout, logger)
		}
	}

	det := locator.NewDeterministic(cfg.Healing(), logger)
	popups := popup.NewHandler(cfg.Popup(), logger)
	components.Runner = runner.New(cfg, manager, det, visionLocator, popups, logger)
	return components, nil
}
