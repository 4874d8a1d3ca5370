package schemas

import (
	"time"
)

// -- Finding Schemas --

// Severity represents the severity level of an audit finding, ranging from
// critical to informational. The values are lowercase to align with report ENUMs.
type Severity string

// Constants defining the standard severity levels for findings.
const (
	SeverityCritical Severity = "critical" // Represents a critical issue.
	SeverityHigh     Severity = "high"     // Represents a high-severity issue.
	SeverityMedium   Severity = "medium"   // Represents a medium-severity issue.
	SeverityLow      Severity = "low"      // Represents a low-severity issue.
	SeverityInfo     Severity = "info"     // Represents an informational finding.
)

// Rank returns an ordinal for comparing severities; higher is more severe.
// Unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Finding encapsulates a single issue identified in a source file by an
// analysis agent: what was found, where, how bad it is, and what to do about it.
type Finding struct {
	ID     string `json:"id"`      // Unique identifier for the finding.
	RuleID string `json:"rule_id"` // The rule or check that produced the finding.

	// ObservedAt is the timestamp when the finding was discovered.
	ObservedAt time.Time `json:"observed_at"`

	FilePath string `json:"file_path"`      // The file where the issue was found.
	Line     int    `json:"line,omitempty"` // 1-based line number, 0 if file-level.

	Title       string   `json:"title"`       // A short descriptive name for the issue.
	Severity    Severity `json:"severity"`    // The severity level of the finding.
	Description string   `json:"description"` // A detailed description of the issue.

	Recommendation string `json:"recommendation,omitempty"` // Suggested remediation.
}
