// File: cmd/run_test.go
package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/config"
	"github.com/xkilldash9x/suture/internal/mocks"
	"github.com/xkilldash9x/suture/internal/runner"
)

const passingScenario = `
name: search
url: https://shop.example.com
steps:
  - action: type
    target: testid=search
    value: boots
`

const failingScenario = `
name: checkout
steps:
  - action: click
    target: Checkout
`

// fakeRunner fails every scenario whose name is in fail.
type fakeRunner struct {
	fail map[string]bool
	err  error

	mu    sync.Mutex
	ran   []string
	calls atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, sc *runner.Scenario) (*schemas.ExecutionResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.ran = append(f.ran, sc.Name)
	f.mu.Unlock()

	res := &schemas.ExecutionResult{
		RunID:         "run-" + sc.Name,
		Scenario:      sc.Name,
		TotalSteps:    len(sc.Steps),
		StepsExecuted: len(sc.Steps),
		Success:       !f.fail[sc.Name],
	}
	if f.fail[sc.Name] {
		res.Errors = []schemas.StepError{{Step: 1, Description: "click Checkout", Error: "NOT_FOUND: no match"}}
	}
	return res, f.err
}

// stubComponents swaps the component factory for one returning r and records
// the configuration it was given.
func stubComponents(t *testing.T, r scenarioRunner) *config.Interface {
	t.Helper()
	var seen config.Interface
	shutdownCalled := false
	buildComponents = func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*runComponents, error) {
		seen = cfg
		return &runComponents{
			Runner:   r,
			shutdown: []func(context.Context){func(context.Context) { shutdownCalled = true }},
		}, nil
	}
	t.Cleanup(func() {
		buildComponents = initializeRunComponents
		assert.True(t, shutdownCalled || seen == nil, "components must be shut down")
	})
	return &seen
}

// fakeStore records saved runs.
type fakeStore struct {
	saved     []string
	schemaErr error
	closed    bool
}

func (s *fakeStore) EnsureSchema(context.Context) error { return s.schemaErr }

func (s *fakeStore) SaveRun(_ context.Context, r *schemas.ExecutionResult) error {
	s.saved = append(s.saved, r.RunID)
	return nil
}

func TestRunCmd_Success(t *testing.T) {
	stubComponents(t, &fakeRunner{})
	path := writeFile(t, "search.yaml", passingScenario)

	out, err := executeCommand(t, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS search (run run-search) 1/1 steps")
	assert.Contains(t, out, "1 run: 1 passed, 0 failed")
}

func TestRunCmd_FailureExitsNonZero(t *testing.T) {
	stubComponents(t, &fakeRunner{fail: map[string]bool{"checkout": true}})
	pass := writeFile(t, "search.yaml", passingScenario)
	fail := writeFile(t, "checkout.yaml", failingScenario)

	out, err := executeCommand(t, "run", pass, fail)
	require.Error(t, err)
	assert.ErrorIs(t, err, errScenariosFailed)
	assert.Contains(t, out, "FAIL checkout")
	assert.Contains(t, out, "2 runs: 1 passed, 1 failed")
}

func TestRunCmd_WritesReport(t *testing.T) {
	stubComponents(t, &fakeRunner{})
	path := writeFile(t, "search.yaml", passingScenario)
	reportPath := filepath.Join(t.TempDir(), "report.json")

	_, err := executeCommand(t, "run", "--report", reportPath, path)
	require.NoError(t, err)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario": "search"`)
	assert.Contains(t, string(data), `"version": "`+Version+`"`)
}

func TestRunCmd_InvalidReportFormat(t *testing.T) {
	stubComponents(t, &fakeRunner{})
	path := writeFile(t, "search.yaml", passingScenario)

	_, err := executeCommand(t, "run", "--report", filepath.Join(t.TempDir(), "r.xml"), "--format", "xml", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format: xml")
}

func TestRunCmd_InvalidScenario(t *testing.T) {
	r := &fakeRunner{}
	stubComponents(t, r)
	path := writeFile(t, "bad.yaml", "steps: []\n")

	_, err := executeCommand(t, "run", path)
	require.Error(t, err)
	assert.Zero(t, r.calls.Load(), "no scenario runs when any file is invalid")
}

func TestRunCmd_MissingScenario(t *testing.T) {
	stubComponents(t, &fakeRunner{})
	_, err := executeCommand(t, "run", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario")
}

func TestRunCmd_FlagsOverrideConfig(t *testing.T) {
	seen := stubComponents(t, &fakeRunner{})
	cfgPath := writeFile(t, "config.yaml", "healing:\n  vision_mode: fallback\n  max_retries: 5\n")
	path := writeFile(t, "search.yaml", passingScenario)

	_, err := executeCommand(t, "--config", cfgPath, "run",
		"--vision-mode", "none", "--max-retries", "0", "--concurrency", "4", "--headed", path)
	require.NoError(t, err)

	cfg := *seen
	require.NotNil(t, cfg)
	assert.Equal(t, config.VisionModeNone, cfg.Healing().VisionMode)
	assert.Equal(t, 0, cfg.Healing().MaxRetries)
	assert.Equal(t, 4, cfg.Browser().Concurrency)
	assert.False(t, cfg.Browser().Headless)
}

func TestRunCmd_InvalidFlags(t *testing.T) {
	stubComponents(t, &fakeRunner{})
	path := writeFile(t, "search.yaml", passingScenario)

	_, err := executeCommand(t, "run", "--vision-mode", "sometimes", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flags")

	_, err = executeCommand(t, "run", "--concurrency", "0", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--concurrency must be positive")
}

func TestRunCmd_Persist(t *testing.T) {
	stubComponents(t, &fakeRunner{})
	path := writeFile(t, "search.yaml", passingScenario)

	fs := &fakeStore{}
	openStore = func(ctx context.Context, url string, logger *zap.Logger) (resultStore, func(), error) {
		assert.Equal(t, "postgres://suture@localhost/suture", url)
		return fs, func() { fs.closed = true }, nil
	}
	t.Cleanup(func() { openStore = connectStore })

	t.Run("requires a database url", func(t *testing.T) {
		_, err := executeCommand(t, "run", "--persist", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.url")
	})

	t.Run("saves every run", func(t *testing.T) {
		t.Setenv("SUTURE_DATABASE_URL", "postgres://suture@localhost/suture")
		_, err := executeCommand(t, "run", "--persist", path)
		require.NoError(t, err)
		assert.Equal(t, []string{"run-search"}, fs.saved)
		assert.True(t, fs.closed)
	})

	t.Run("schema failure", func(t *testing.T) {
		t.Setenv("SUTURE_DATABASE_URL", "postgres://suture@localhost/suture")
		fs.schemaErr = errors.New("permission denied")
		_, err := executeCommand(t, "run", "--persist", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
	})
}

// blockingRunner tracks how many runs are in flight at once.
type blockingRunner struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (b *blockingRunner) Run(ctx context.Context, sc *runner.Scenario) (*schemas.ExecutionResult, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return &schemas.ExecutionResult{Scenario: sc.Name}, ctx.Err()
	}
	return &schemas.ExecutionResult{RunID: sc.Name, Scenario: sc.Name, Success: true}, nil
}

func TestRunScenarios(t *testing.T) {
	scenarios := make([]*runner.Scenario, 6)
	for i := range scenarios {
		scenarios[i] = &runner.Scenario{Name: string(rune('a' + i))}
	}

	t.Run("bounded and ordered", func(t *testing.T) {
		r := &blockingRunner{}
		results, err := runScenarios(context.Background(), r, scenarios, 2, zap.NewNop())
		require.NoError(t, err)
		require.Len(t, results, 6)
		for i, res := range results {
			assert.Equal(t, scenarios[i].Name, res.Scenario)
		}
		assert.LessOrEqual(t, r.peak.Load(), int32(2))
	})

	t.Run("session errors do not stop other scenarios", func(t *testing.T) {
		r := &fakeRunner{err: errors.New("page closed")}
		results, err := runScenarios(context.Background(), r, scenarios, 3, zap.NewNop())
		require.NoError(t, err)
		assert.Len(t, results, 6)
		assert.Equal(t, int32(6), r.calls.Load())
	})

	t.Run("cancellation aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := runScenarios(ctx, &blockingRunner{}, scenarios, 2, zap.NewNop())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestApplyRunFlags(t *testing.T) {
	cfg := new(mocks.MockConfig)
	cfg.On("SetVisionMode", config.VisionModeAll).Once()
	cfg.On("SetMaxRetries", 2).Once()
	cfg.On("Healing").Return(config.NewDefaultConfig().Healing())

	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--vision-mode", "all", "--max-retries", "2"}))

	err := applyRunFlags(cmd, cfg, runOptions{visionMode: "all", maxRetries: 2})
	require.NoError(t, err)
	cfg.AssertExpectations(t)
	cfg.AssertNotCalled(t, "SetBrowserConcurrency", mock.Anything)
	cfg.AssertNotCalled(t, "SetBrowserHeadless", mock.Anything)
}
