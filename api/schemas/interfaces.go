package schemas

import (
	"context"
)

// -- Agent Contract --

// Agent is the capability the orchestration core runs against one work item.
// The core is fully agnostic to what Analyze does internally (static analysis,
// rule engines, AI calls); it depends only on this contract's timing and
// error-raising behavior. Concrete agents are supplied via a factory owned by
// the pool package.
type Agent interface {
	// Init prepares the agent for work (loading rules, opening clients, ...).
	Init(ctx context.Context) error
	// Analyze runs the agent's analysis logic against a single work item.
	Analyze(ctx context.Context, item *WorkItem) (*AnalysisResult, error)
	// Report lets the agent post-process or publish a result it produced.
	Report(ctx context.Context, result *AnalysisResult) error
	// Cleanup releases any resources held by the agent.
	Cleanup(ctx context.Context) error
	// IsAvailable reports whether the agent can accept new work right now.
	IsAvailable() bool
	// Status returns a short human-readable description of the agent's state.
	Status() string
}

// -- Complexity Provider --

// ComplexityProvider supplies per-file complexity metrics used solely to order
// dispatch. A failed measurement is per-file and never fatal to a batch.
type ComplexityProvider interface {
	Measure(ctx context.Context, filePath string) (*ComplexityMetrics, error)
}
