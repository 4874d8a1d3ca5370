// File: internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ehudso7/omniaudit/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Report is the final artifact of one audit batch.
type Report struct {
	GeneratedAt   time.Time                `json:"generated_at"`
	CorrelationID string                   `json:"correlation_id"`
	TotalFiles    int                      `json:"total_files"`
	Succeeded     int                      `json:"succeeded"`
	Failed        int                      `json:"failed"`
	FindingTotals map[schemas.Severity]int `json:"finding_totals"`
	Results       []schemas.AnalysisResult `json:"results"`
}

// BuildReport aggregates batch results into a report. Result order is
// preserved as given, which matches the input file order.
func BuildReport(correlationID string, results []schemas.AnalysisResult) *Report {
	report := &Report{
		GeneratedAt:   time.Now().UTC(),
		CorrelationID: correlationID,
		TotalFiles:    len(results),
		FindingTotals: make(map[schemas.Severity]int),
		Results:       results,
	}
	for _, r := range results {
		if r.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
		for _, f := range r.Findings {
			report.FindingTotals[f.Severity]++
		}
	}
	return report
}

// HasSeverityAtLeast reports whether any finding meets the given severity.
func (r *Report) HasSeverityAtLeast(min schemas.Severity) bool {
	for sev, n := range r.FindingTotals {
		if n > 0 && sev.Rank() >= min.Rank() {
			return true
		}
	}
	return false
}

// Reporter writes a finished audit report to an output.
type Reporter interface {
	// Write serializes the report to the underlying writer.
	Write(report *Report) error
	// Close finalizes the report and closes any underlying resources (e.g. file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for the given format and output path. An empty or
// "stdout" path writes to standard output.
func New(format, outputPath string) (Reporter, error) {
	var writer io.WriteCloser
	isStdOut := outputPath == "" || outputPath == "stdout"

	if isStdOut {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "json":
		return &jsonReporter{writer: writer}, nil
	case "text":
		return &textReporter{writer: writer}, nil
	default:
		if !isStdOut {
			writer.Close()
		}
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// jsonReporter emits the full report as indented JSON.
type jsonReporter struct {
	writer io.WriteCloser
}

func (j *jsonReporter) Write(report *Report) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

func (j *jsonReporter) Close() error {
	return j.writer.Close()
}

// textReporter emits a human-oriented summary followed by per-file findings.
type textReporter struct {
	writer io.WriteCloser
}

func (t *textReporter) Write(report *Report) error {
	fmt.Fprintf(t.writer, "OmniAudit report (%s)\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(t.writer, "Files audited: %d (%d succeeded, %d failed)\n",
		report.TotalFiles, report.Succeeded, report.Failed)

	severities := make([]schemas.Severity, 0, len(report.FindingTotals))
	for sev := range report.FindingTotals {
		severities = append(severities, sev)
	}
	sort.Slice(severities, func(i, j int) bool {
		return severities[i].Rank() > severities[j].Rank()
	})
	for _, sev := range severities {
		fmt.Fprintf(t.writer, "  %-8s %d\n", sev, report.FindingTotals[sev])
	}

	for _, result := range report.Results {
		if !result.Success {
			fmt.Fprintf(t.writer, "\n%s: analysis failed: %s\n", result.FilePath, result.Error)
			continue
		}
		if len(result.Findings) == 0 {
			continue
		}
		fmt.Fprintf(t.writer, "\n%s:\n", result.FilePath)
		for _, f := range result.Findings {
			fmt.Fprintf(t.writer, "  [%s] %s:%d %s (%s)\n", f.Severity, f.RuleID, f.Line, f.Title, f.ID)
		}
	}
	return nil
}

func (t *textReporter) Close() error {
	return t.writer.Close()
}
