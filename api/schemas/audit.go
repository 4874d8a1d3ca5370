package schemas

import (
	"time"
)

// -- Work Item Schemas --

// WorkStatus tracks a work item through its processing lifecycle.
type WorkStatus string

const (
	WorkPending    WorkStatus = "pending"
	WorkProcessing WorkStatus = "processing"
	WorkCompleted  WorkStatus = "completed"
	WorkFailed     WorkStatus = "failed"
)

// ComplexityMetrics describes how expensive a file is expected to be to audit.
// The orchestration core treats these values as opaque except for Score, which
// is used to dispatch the most expensive items first.
type ComplexityMetrics struct {
	LinesOfCode          int     `json:"lines_of_code"`
	CyclomaticComplexity int     `json:"cyclomatic_complexity"`
	DependencyCount      int     `json:"dependency_count"`
	Score                float64 `json:"score"`
	Language             string  `json:"language"`
}

// WorkItem is one unit of audit work: a single file plus its complexity
// metrics and processing status. Items are created by the orchestrator when a
// batch starts and only the orchestrator mutates them, under its batch lock;
// workers report outcomes back through AnalysisResult.
type WorkItem struct {
	ID          string             `json:"id"`
	FilePath    string             `json:"file_path"`
	Complexity  *ComplexityMetrics `json:"complexity,omitempty"`
	Status      WorkStatus         `json:"status"`
	RetryCount  int                `json:"retry_count"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// -- Agent Schemas --

// AgentStatus reflects what an agent is doing right now. circuit_open means
// the agent's breaker has tripped and the pool will not assign it new work.
type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentInitializing AgentStatus = "initializing"
	AgentAnalyzing    AgentStatus = "analyzing"
	AgentReporting    AgentStatus = "reporting"
	AgentCompleted    AgentStatus = "completed"
	AgentError        AgentStatus = "error"
	AgentCircuitOpen  AgentStatus = "circuit_open"
)

// AgentState is the externally visible runtime state of one agent. It is owned
// by the agent's lifecycle wrapper; other components read snapshots of it.
type AgentState struct {
	ID          string      `json:"id"`
	Status      AgentStatus `json:"status"`
	CurrentFile string      `json:"current_file,omitempty"`
	Progress    int         `json:"progress"`
	RetryCount  int         `json:"retry_count"`
	LastError   string      `json:"last_error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// -- Result Schemas --

// AnalysisResult is the outcome of running one work item on one agent.
// It is immutable once produced.
type AnalysisResult struct {
	AgentID    string        `json:"agent_id"`
	WorkItemID string        `json:"work_item_id"`
	FilePath   string        `json:"file_path"`
	Findings   []Finding     `json:"findings"`
	Duration   time.Duration `json:"duration"`
	RetryCount int           `json:"retry_count"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// -- Checkpoint Schemas --

// Checkpoint is a point-in-time snapshot of batch progress. It is an in-memory
// structure; writing it somewhere durable is the caller's business.
//
// Invariant: ProcessedItems == len(completed) + len(failed).
type Checkpoint struct {
	Timestamp      time.Time    `json:"timestamp"`
	WorkItems      []WorkItem   `json:"work_items"`
	AgentStates    []AgentState `json:"agent_states"`
	CompletedItems []string     `json:"completed_items"`
	TotalItems     int          `json:"total_items"`
	ProcessedItems int          `json:"processed_items"`
}

// -- Memory Schemas --

// MemoryMetrics is a coarse sample of the process heap, taken by the
// orchestrator's memory monitor.
type MemoryMetrics struct {
	HeapAllocMB uint64 `json:"heap_alloc_mb"`
	HeapSysMB   uint64 `json:"heap_sys_mb"`
	NumGC       uint32 `json:"num_gc"`
}
