// File: internal/orchestrator/orchestrator.go
// Description: Top-level coordinator of an audit batch. It turns file paths
// into work items ordered most-complex-first, drives the agent pool, monitors
// memory, checkpoints periodically, and aggregates results. It is injected
// with its collaborators via interfaces, making it decoupled and testable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ehudso7/omniaudit/api/schemas"
	"github.com/ehudso7/omniaudit/internal/config"
	"github.com/ehudso7/omniaudit/internal/events"
)

// ErrAlreadyRunning rejects a second Run on an instance whose first batch has
// not settled. Only one batch per orchestrator instance at a time.
var ErrAlreadyRunning = errors.New("orchestrator is already running a batch")

// poolShutdownGrace bounds how long batch teardown waits for agent cleanup.
const poolShutdownGrace = 30 * time.Second

// WorkerPool is the contract the orchestrator drives. The concrete pool lives
// in internal/pool; this interface exists so tests can swap in mocks.
type WorkerPool interface {
	Init(ctx context.Context) error
	ExecuteWork(ctx context.Context, item *schemas.WorkItem) *schemas.AnalysisResult
	AgentStates() []schemas.AgentState
	Shutdown(ctx context.Context) error
}

// Orchestrator manages the high-level lifecycle of one audit batch at a time.
type Orchestrator struct {
	cfg           config.OrchestratorConfig
	logger        *zap.Logger
	bus           *events.Bus
	pool          WorkerPool
	provider      schemas.ComplexityProvider
	correlationID string

	// running guards the one-batch-per-instance precondition.
	running atomic.Bool

	// mu protects the aggregate batch state below. Each settled item must
	// contribute exactly once.
	mu        sync.Mutex
	order     []string // work-item ids, input order
	workItems map[string]*schemas.WorkItem
	completed map[string]struct{}
	failed    map[string]struct{}
	results   map[string]*schemas.AnalysisResult

	// memWarnLimiter keeps a saturated heap from flooding the bus with warnings.
	memWarnLimiter *rate.Limiter
}

// New creates an Orchestrator with its dependencies provided explicitly.
// correlationID ties this instance's events to the pool's; pass "" to
// generate a fresh one.
func New(
	cfg config.OrchestratorConfig,
	pool WorkerPool,
	provider schemas.ComplexityProvider,
	bus *events.Bus,
	correlationID string,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if pool == nil || provider == nil || bus == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return &Orchestrator{
		cfg:            cfg,
		logger:         logger.Named("orchestrator"),
		bus:            bus,
		pool:           pool,
		provider:       provider,
		correlationID:  correlationID,
		workItems:      make(map[string]*schemas.WorkItem),
		completed:      make(map[string]struct{}),
		failed:         make(map[string]struct{}),
		results:        make(map[string]*schemas.AnalysisResult),
		memWarnLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}, nil
}

// CorrelationID identifies this orchestrator's event stream on the bus.
func (o *Orchestrator) CorrelationID() string { return o.correlationID }

// Run executes one audit batch. It resolves with exactly one AnalysisResult
// per input path, result[i] corresponding to filePaths[i] regardless of
// completion order. A per-item failure is isolated into a failed result and
// never aborts its siblings; only batch-invariant violations (already running,
// pool init failure) surface as errors.
func (o *Orchestrator) Run(ctx context.Context, filePaths []string) ([]schemas.AnalysisResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	o.logger.Info("Starting audit batch",
		zap.String("correlation_id", o.correlationID),
		zap.Int("files", len(filePaths)))

	// Batch teardown runs on every exit path: stop the monitors, then drain
	// the pool. Stops are collected as monitors come up so an early return
	// never leaks a ticker goroutine.
	var stopMonitors []func()
	defer func() {
		for _, stop := range stopMonitors {
			stop()
		}
		sctx, cancel := context.WithTimeout(context.Background(), poolShutdownGrace)
		defer cancel()
		if err := o.pool.Shutdown(sctx); err != nil {
			o.logger.Error("Agent pool shutdown failed", zap.Error(err))
		}
	}()

	if err := o.pool.Init(ctx); err != nil {
		err = fmt.Errorf("initialize agent pool: %w", err)
		o.bus.Emit(events.Event{
			Type:          events.TypeError,
			CorrelationID: o.correlationID,
			Payload:       events.ErrorPayload{Message: err.Error()},
		})
		return nil, err
	}

	items := o.buildWorkItems(ctx, filePaths)
	total := len(items)
	o.emitProgress(0, total)

	stopMonitors = append(stopMonitors, o.startMemoryMonitor())
	if o.cfg.EnableCheckpointing {
		stopMonitors = append(stopMonitors, o.startCheckpointTimer())
	}

	// Dispatch most-complex-first so long items start early instead of
	// straggling behind a tail of short ones. The pool's own limiter is the
	// only concurrency bound.
	dispatch := make([]*schemas.WorkItem, len(items))
	copy(dispatch, items)
	sort.SliceStable(dispatch, func(i, j int) bool {
		return complexityScore(dispatch[i]) > complexityScore(dispatch[j])
	})

	o.mu.Lock()
	now := time.Now().UTC()
	for _, item := range items {
		item.Status = schemas.WorkProcessing
		started := now
		item.StartedAt = &started
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, item := range dispatch {
		wg.Add(1)
		go func(item *schemas.WorkItem) {
			defer wg.Done()
			result := o.pool.ExecuteWork(ctx, item)
			o.recordResult(item, result, total)
		}(item)
	}
	wg.Wait()

	out := o.collectResults()
	o.logger.Info("Audit batch finished",
		zap.Int("total", total),
		zap.Int("failed", countFailed(out)))
	o.bus.Emit(events.Event{
		Type:          events.TypeComplete,
		CorrelationID: o.correlationID,
		Payload:       events.BatchCompletePayload{Results: out},
	})
	return out, nil
}

// -- internals --

// buildWorkItems resets the batch state and creates one work item per path,
// consulting the complexity provider. A failed measurement is logged and the
// item proceeds unordered (score zero); it never aborts the batch.
func (o *Orchestrator) buildWorkItems(ctx context.Context, filePaths []string) []*schemas.WorkItem {
	items := make([]*schemas.WorkItem, 0, len(filePaths))

	o.mu.Lock()
	o.order = o.order[:0]
	o.workItems = make(map[string]*schemas.WorkItem, len(filePaths))
	o.completed = make(map[string]struct{})
	o.failed = make(map[string]struct{})
	o.results = make(map[string]*schemas.AnalysisResult, len(filePaths))
	o.mu.Unlock()

	for _, path := range filePaths {
		item := &schemas.WorkItem{
			ID:       uuid.New().String(),
			FilePath: path,
			Status:   schemas.WorkPending,
		}
		metrics, err := o.provider.Measure(ctx, path)
		if err != nil {
			o.logger.Warn("Complexity measurement failed; dispatching unordered",
				zap.String("file", path), zap.Error(err))
		} else {
			item.Complexity = metrics
		}

		o.mu.Lock()
		o.order = append(o.order, item.ID)
		o.workItems[item.ID] = item
		o.mu.Unlock()
		items = append(items, item)
	}
	return items
}

// recordResult folds one settled item into the aggregate maps and emits the
// per-item complete and progress events. It is the only mutation path for the
// batch state during dispatch.
func (o *Orchestrator) recordResult(item *schemas.WorkItem, result *schemas.AnalysisResult, total int) {
	o.mu.Lock()
	done := time.Now().UTC()
	item.CompletedAt = &done
	item.RetryCount += result.RetryCount
	if result.Success {
		item.Status = schemas.WorkCompleted
		o.completed[item.ID] = struct{}{}
	} else {
		item.Status = schemas.WorkFailed
		o.failed[item.ID] = struct{}{}
	}
	o.results[item.ID] = result
	processed := len(o.completed) + len(o.failed)
	o.mu.Unlock()

	o.bus.Emit(events.Event{
		Type:          events.TypeComplete,
		AgentID:       result.AgentID,
		CorrelationID: o.correlationID,
		Payload:       events.CompletePayload{Result: result},
	})
	o.emitProgress(processed, total)
}

// collectResults assembles the output slice in input order.
func (o *Orchestrator) collectResults() []schemas.AnalysisResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]schemas.AnalysisResult, 0, len(o.order))
	for _, id := range o.order {
		if res := o.results[id]; res != nil {
			out = append(out, *res)
		}
	}
	return out
}

func (o *Orchestrator) emitProgress(processed, total int) {
	o.bus.Emit(events.Event{
		Type:          events.TypeProgress,
		CorrelationID: o.correlationID,
		Payload:       events.ProgressPayload{Processed: processed, Total: total},
	})
}

func complexityScore(item *schemas.WorkItem) float64 {
	if item.Complexity == nil {
		return 0
	}
	return item.Complexity.Score
}

func countFailed(results []schemas.AnalysisResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
