// internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/suture/api/schemas"
)

// Reporter defines the interface for writing run results to an output.
type Reporter interface {
	// Write records the result of one scenario run.
	Write(result *schemas.ExecutionResult) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a new reporter based on the specified format and output path.
func New(format, outputPath, toolVersion string) (Reporter, error) {
	switch format {
	case "json", "text":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	if format == "json" {
		return NewJSONReporter(writer, toolVersion), nil
	}
	return NewTextReporter(writer), nil
}

// WriteJSON writes results to w as a single indented JSON report.
func WriteJSON(w io.Writer, results []*schemas.ExecutionResult, toolVersion string) error {
	return writeAll(NewJSONReporter(&nopWriteCloser{w}, toolVersion), results)
}

// WriteSummary writes the human readable summary of results to w.
func WriteSummary(w io.Writer, results []*schemas.ExecutionResult) error {
	return writeAll(NewTextReporter(&nopWriteCloser{w}), results)
}

func writeAll(r Reporter, results []*schemas.ExecutionResult) error {
	for _, res := range results {
		if err := r.Write(res); err != nil {
			_ = r.Close()
			return err
		}
	}
	return r.Close()
}
