// File: internal/orchestrator/memory.go
package orchestrator

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ehudso7/omniaudit/api/schemas"
	"github.com/ehudso7/omniaudit/internal/events"
)

// memorySampleInterval is how often the heap is sampled during a batch.
const memorySampleInterval = 5 * time.Second

// startMemoryMonitor samples the heap on a timer for the lifetime of a batch.
// The monitor is advisory only: it warns and hints, it never blocks dispatch.
// The returned stop function is idempotent and waits for the goroutine.
func (o *Orchestrator) startMemoryMonitor() func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(memorySampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.checkMemory()
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

// checkMemory emits a rate-limited memory_warning and a best-effort
// reclamation hint when sampled heap usage exceeds the configured threshold.
func (o *Orchestrator) checkMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	metrics := schemas.MemoryMetrics{
		HeapAllocMB: ms.HeapAlloc >> 20,
		HeapSysMB:   ms.HeapSys >> 20,
		NumGC:       ms.NumGC,
	}
	if !heapAboveThreshold(metrics.HeapAllocMB, o.cfg.MemoryThresholdMB) {
		return
	}
	if !o.memWarnLimiter.Allow() {
		return
	}

	o.logger.Warn("Heap usage above threshold",
		zap.String("heap_alloc", humanize.IBytes(ms.HeapAlloc)),
		zap.String("heap_sys", humanize.IBytes(ms.HeapSys)),
		zap.Int("threshold_mb", o.cfg.MemoryThresholdMB))

	o.bus.Emit(events.Event{
		Type:          events.TypeMemoryWarning,
		CorrelationID: o.correlationID,
		Payload:       metrics,
	})

	// Reclamation hint. Runs on the monitor goroutine, off the dispatch path.
	debug.FreeOSMemory()
}

// heapAboveThreshold is strict: usage exactly at the limit does not warn.
func heapAboveThreshold(heapAllocMB uint64, thresholdMB int) bool {
	return heapAllocMB > uint64(thresholdMB)
}
