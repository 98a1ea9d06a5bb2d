// internal/reporting/text_reporter.go
package reporting

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/runner"
)

// TextReporter writes a human readable line per run as results arrive, with the
// failing step and any healed steps indented below it, and a totals line on Close.
type TextReporter struct {
	writer  io.WriteCloser
	mu      sync.Mutex
	results []*schemas.ExecutionResult
}

// NewTextReporter creates a reporter that writes plain text.
func NewTextReporter(writer io.WriteCloser) *TextReporter {
	return &TextReporter{writer: writer}
}

// Write prints the run immediately.
func (r *TextReporter) Write(result *schemas.ExecutionResult) error {
	if result == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)

	status := "PASS"
	if !result.Success {
		status = "FAIL"
	}
	if _, err := fmt.Fprintf(r.writer, "%s %s (run %s) %d/%d steps, %s, %s\n",
		status, result.Scenario, result.RunID, result.StepsExecuted, result.TotalSteps,
		plural(result.Escalations, "escalation"), result.Duration.Round(time.Millisecond)); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	for _, st := range result.Steps {
		desc := runner.Describe(st.Request)
		switch {
		case !st.Outcome.Success:
			_, err := fmt.Fprintf(r.writer, "  step %d %q failed: %s\n", st.Index, desc, runner.FailureMessage(st.Outcome))
			if err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
		case st.Outcome.Strategy == schemas.StrategyVision && st.Outcome.Result != nil:
			_, err := fmt.Fprintf(r.writer, "  step %d %q healed: %s (confidence %.2f)\n",
				st.Index, desc, st.Outcome.Result.Selector, st.Outcome.Result.Confidence)
			if err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
		}
	}
	// Failures before the first step, such as an unreachable start URL.
	if !result.Success && len(result.Steps) == 0 {
		for _, e := range result.Errors {
			if _, err := fmt.Fprintf(r.writer, "  %s: %s\n", e.Description, e.Error); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
		}
	}
	if result.ScreenshotPath != "" {
		if _, err := fmt.Fprintf(r.writer, "  screenshot: %s\n", result.ScreenshotPath); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	}
	return nil
}

// Close prints the totals and closes the output writer.
func (r *TextReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summarize(r.results)
	_, writeErr := fmt.Fprintf(r.writer, "%s: %d passed, %d failed, %s, %d healed\n",
		plural(s.Runs, "run"), s.Passed, s.Failed, plural(s.Escalations, "escalation"), s.Healed)
	closeErr := r.writer.Close()
	if writeErr != nil {
		return fmt.Errorf("failed to write report: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
