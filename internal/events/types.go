// File: internal/events/types.go
package events

import (
	"time"

	"github.com/ehudso7/omniaudit/api/schemas"
)

// Type tags the kind of telemetry an event carries.
type Type string

const (
	TypeFinding       Type = "finding"        // An agent surfaced a finding.
	TypeProgress      Type = "progress"       // Batch progress advanced.
	TypeError         Type = "error"          // An item or component failed.
	TypeComplete      Type = "complete"       // A work item or batch finished.
	TypeStateChange   Type = "state_change"   // An agent lifecycle transition.
	TypeCheckpoint    Type = "checkpoint"     // A checkpoint snapshot was taken.
	TypeMemoryWarning Type = "memory_warning" // Heap usage crossed the threshold.
)

// Event is the envelope for everything transmitted over the bus. Checkpoint
// and memory_warning events are batch-scoped and leave AgentID empty; all
// other types carry the agent and correlation id they relate to.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	AgentID       string    `json:"agent_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload,omitempty"`
}

// -- Payloads --

// ProgressPayload reports how many items of a batch have settled.
type ProgressPayload struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// StateChangePayload describes one lifecycle transition.
type StateChangePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ErrorPayload carries the failure message and the item it struck.
type ErrorPayload struct {
	WorkItemID string `json:"work_item_id,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	Message    string `json:"message"`
}

// CompletePayload wraps the result of one settled work item.
type CompletePayload struct {
	Result *schemas.AnalysisResult `json:"result"`
}

// BatchCompletePayload carries every result of a finished batch, in input order.
type BatchCompletePayload struct {
	Results []schemas.AnalysisResult `json:"results"`
}
