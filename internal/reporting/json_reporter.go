// internal/reporting/json_reporter.go
package reporting

import (
	"fmt"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/suture/api/schemas"
	"github.com/xkilldash9x/suture/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Report is the document written by the JSON reporter.
type Report struct {
	Tool        string                     `json:"tool"`
	Version     string                     `json:"version"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Summary     Summary                    `json:"summary"`
	Runs        []*schemas.ExecutionResult `json:"runs"`
}

// Summary aggregates counts across all runs of a report.
type Summary struct {
	Runs        int `json:"runs"`
	Passed      int `json:"passed"`
	Failed      int `json:"failed"`
	Escalations int `json:"escalations"`
	Healed      int `json:"healed"`
}

// Summarize computes the aggregate counts for a set of runs. A step counts as
// healed when it succeeded through the vision locator.
func Summarize(results []*schemas.ExecutionResult) Summary {
	var s Summary
	for _, r := range results {
		s.Runs++
		if r.Success {
			s.Passed++
		} else {
			s.Failed++
		}
		s.Escalations += r.Escalations
		for _, st := range r.Steps {
			if st.Outcome.Success && st.Outcome.Strategy == schemas.StrategyVision {
				s.Healed++
			}
		}
	}
	return s
}

// JSONReporter buffers results and writes a single indented document on Close.
// It is thread safe.
type JSONReporter struct {
	writer  io.WriteCloser
	logger  *zap.Logger
	version string
	mu      sync.Mutex
	results []*schemas.ExecutionResult
}

// NewJSONReporter creates a reporter that writes a JSON document.
func NewJSONReporter(writer io.WriteCloser, toolVersion string) *JSONReporter {
	return &JSONReporter{
		writer:  writer,
		logger:  observability.GetLogger().Named("json_reporter"),
		version: toolVersion,
		results: []*schemas.ExecutionResult{},
	}
}

// Write adds a run to the report.
func (r *JSONReporter) Write(result *schemas.ExecutionResult) error {
	if result == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

// Close encodes the report and closes the output writer.
func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{
		Tool:        "suture",
		Version:     r.version,
		GeneratedAt: time.Now().UTC(),
		Summary:     Summarize(r.results),
		Runs:        r.results,
	}

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(report)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode report", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode JSON report: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}

	r.logger.Debug("Wrote JSON report", zap.Int("runs", report.Summary.Runs))
	return nil
}
