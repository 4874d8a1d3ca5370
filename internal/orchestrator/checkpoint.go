// File: internal/orchestrator/checkpoint.go
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ehudso7/omniaudit/api/schemas"
	"github.com/ehudso7/omniaudit/internal/events"
)

// CreateCheckpoint snapshots the current work items, agent states and progress
// counters. The snapshot is in-memory only; persisting it anywhere durable is
// the caller's responsibility.
func (o *Orchestrator) CreateCheckpoint() *schemas.Checkpoint {
	o.mu.Lock()
	items := make([]schemas.WorkItem, 0, len(o.order))
	completedIDs := make([]string, 0, len(o.completed))
	for _, id := range o.order {
		items = append(items, *o.workItems[id])
		if _, ok := o.completed[id]; ok {
			completedIDs = append(completedIDs, id)
		}
	}
	processed := len(o.completed) + len(o.failed)
	total := len(o.order)
	o.mu.Unlock()

	cp := &schemas.Checkpoint{
		Timestamp:      time.Now().UTC(),
		WorkItems:      items,
		AgentStates:    o.pool.AgentStates(),
		CompletedItems: completedIDs,
		TotalItems:     total,
		ProcessedItems: processed,
	}

	o.logger.Debug("Checkpoint created",
		zap.Int("total_items", cp.TotalItems),
		zap.Int("processed_items", cp.ProcessedItems))
	o.bus.Emit(events.Event{
		Type:          events.TypeCheckpoint,
		CorrelationID: o.correlationID,
		Payload:       cp,
	})
	return cp
}

// ResumeFromCheckpoint re-runs the batch described by cp, processing exactly
// the work items whose id is absent from its CompletedItems. Items already
// completed are never reprocessed.
func (o *Orchestrator) ResumeFromCheckpoint(ctx context.Context, cp *schemas.Checkpoint) ([]schemas.AnalysisResult, error) {
	if cp == nil {
		return nil, errors.New("checkpoint cannot be nil")
	}
	if o.running.Load() {
		return nil, ErrAlreadyRunning
	}

	completed := make(map[string]struct{}, len(cp.CompletedItems))
	for _, id := range cp.CompletedItems {
		completed[id] = struct{}{}
	}

	remaining := make([]string, 0, len(cp.WorkItems))
	for _, item := range cp.WorkItems {
		if _, ok := completed[item.ID]; !ok {
			remaining = append(remaining, item.FilePath)
		}
	}

	o.logger.Info("Resuming from checkpoint",
		zap.Int("total_items", cp.TotalItems),
		zap.Int("already_completed", len(cp.CompletedItems)),
		zap.Int("remaining", len(remaining)))

	if len(remaining) == 0 {
		return []schemas.AnalysisResult{}, nil
	}
	return o.Run(ctx, remaining)
}

// startCheckpointTimer snapshots on the configured interval until stopped.
// The returned stop function is idempotent and waits for the timer goroutine.
func (o *Orchestrator) startCheckpointTimer() func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.CreateCheckpoint()
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}
}
