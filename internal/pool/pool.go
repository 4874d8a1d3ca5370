// File: internal/pool/pool.go
// Description: Owns a bounded set of analysis agents behind a global
// concurrency limiter, with one circuit breaker per agent. ExecuteWork never
// propagates an error: every failure is converted into a failed
// AnalysisResult so one bad item can never sink a batch.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ehudso7/omniaudit/api/schemas"
	"github.com/ehudso7/omniaudit/internal/config"
	"github.com/ehudso7/omniaudit/internal/events"
	"github.com/ehudso7/omniaudit/internal/lifecycle"
)

// acquirePollInterval is how often a saturated pool re-checks for a freed agent.
const acquirePollInterval = 100 * time.Millisecond

var (
	// ErrPoolShutdown rejects work submitted after Shutdown.
	ErrPoolShutdown = errors.New("agent pool is shut down")
	// ErrNoAgentAvailable is the capacity-failure timeout waiting for an agent.
	ErrNoAgentAvailable = errors.New("timed out waiting for an available agent")
)

// AgentContext carries everything a factory needs to build one agent.
type AgentContext struct {
	ID            string
	Bus           *events.Bus
	Config        config.AgentConfig
	CorrelationID string
}

// AgentFactory builds a concrete agent. It is invoked at pool startup, for
// on-demand growth, and when a tripped breaker forces a replacement.
type AgentFactory func(AgentContext) schemas.Agent

// managedAgent bundles one agent's lifecycle machine with its breaker.
type managedAgent struct {
	id      string
	machine *lifecycle.Machine
	breaker *circuitBreaker
	busy    bool
}

// Stats is a point-in-time summary of the pool, for dashboards and tests.
type Stats struct {
	TotalAgents      int    `json:"total_agents"`
	BusyAgents       int    `json:"busy_agents"`
	OpenBreakers     int    `json:"open_breakers"`
	PendingRestarts  int    `json:"pending_restarts"`
	AgentsSpawned    uint64 `json:"agents_spawned"`
	AgentsReplaced   uint64 `json:"agents_replaced"`
	ItemsSucceeded   uint64 `json:"items_succeeded"`
	ItemsFailed      uint64 `json:"items_failed"`
	CapacityTimeouts uint64 `json:"capacity_timeouts"`
}

// Pool owns the agents. A weighted semaphore sized MaxAgents is the single
// concurrency limiter for work execution; the pool's mutex guards the agent
// and breaker maps, which are only written from the pool's own operations.
type Pool struct {
	cfg           config.OrchestratorConfig
	logger        *zap.Logger
	bus           *events.Bus
	factory       AgentFactory
	correlationID string

	sem *semaphore.Weighted

	mu       sync.Mutex
	agents   map[string]*managedAgent
	restarts map[string]*time.Timer
	spawning int
	shutdown bool
	stats    Stats
}

// New creates an agent pool. No agents exist until Init.
func New(
	cfg config.OrchestratorConfig,
	factory AgentFactory,
	bus *events.Bus,
	correlationID string,
	logger *zap.Logger,
) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("agent factory cannot be nil")
	}
	if bus == nil {
		return nil, errors.New("event bus cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MaxAgents <= 0 {
		return nil, errors.New("max_agents must be positive")
	}
	return &Pool{
		cfg:           cfg,
		logger:        logger.Named("agent_pool"),
		bus:           bus,
		factory:       factory,
		correlationID: correlationID,
		sem:           semaphore.NewWeighted(int64(cfg.MaxAgents)),
		agents:        make(map[string]*managedAgent),
		restarts:      make(map[string]*time.Timer),
	}, nil
}

// Init eagerly spawns a quarter of the configured capacity (at least one
// agent); the rest is created lazily on demand.
func (p *Pool) Init(ctx context.Context) error {
	eager := p.cfg.MaxAgents / 4
	if eager < 1 {
		eager = 1
	}
	p.logger.Info("Initializing agent pool",
		zap.Int("eager_agents", eager),
		zap.Int("max_agents", p.cfg.MaxAgents))

	for i := 0; i < eager; i++ {
		if _, err := p.spawnAgent(ctx); err != nil {
			return fmt.Errorf("eager agent spawn %d/%d: %w", i+1, eager, err)
		}
	}
	return nil
}

// ExecuteWork runs one work item on some agent. It always returns a result:
// agent acquisition timeouts and analyze/report failures are caught here and
// converted into a failed AnalysisResult, never propagated.
func (p *Pool) ExecuteWork(ctx context.Context, item *schemas.WorkItem) *schemas.AnalysisResult {
	start := time.Now()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return p.failedResult(item, "", start, fmt.Errorf("acquire concurrency slot: %w", err))
	}
	defer p.sem.Release(1)

	ma, err := p.getOrCreateAgent(ctx)
	if err != nil {
		p.mu.Lock()
		if errors.Is(err, ErrNoAgentAvailable) {
			p.stats.CapacityTimeouts++
		}
		p.mu.Unlock()
		return p.failedResult(item, "", start, err)
	}
	defer p.release(ma)

	workCtx, cancel := context.WithTimeout(ctx, p.cfg.Agent.Timeout)
	defer cancel()

	attemptsBefore := ma.machine.AgentState().RetryCount
	result, err := ma.machine.ExecuteAnalyze(workCtx, item)
	if err != nil {
		p.recordOutcome(ma, false)
		res := p.failedResult(item, ma.id, start, err)
		res.RetryCount = ma.machine.AgentState().RetryCount - attemptsBefore
		return res
	}
	if err := ma.machine.ExecuteReport(workCtx, result); err != nil {
		p.recordOutcome(ma, false)
		res := p.failedResult(item, ma.id, start, err)
		res.RetryCount = result.RetryCount
		return res
	}
	p.recordOutcome(ma, true)

	// Normalize bookkeeping fields the agent is allowed to leave blank.
	result.AgentID = ma.id
	result.WorkItemID = item.ID
	result.FilePath = item.FilePath
	result.Success = true
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	return result
}

// ExecuteWorkBatch runs all items concurrently, bounded only by the pool's
// semaphore, and returns results in input order.
func (p *Pool) ExecuteWorkBatch(ctx context.Context, items []*schemas.WorkItem) []*schemas.AnalysisResult {
	results := make([]*schemas.AnalysisResult, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item *schemas.WorkItem) {
			defer wg.Done()
			results[i] = p.ExecuteWork(ctx, item)
		}(i, item)
	}
	wg.Wait()
	return results
}

// AgentStates returns a stable snapshot of every agent's visible state. Agents
// whose breaker is refusing work are reported as circuit_open.
func (p *Pool) AgentStates() []schemas.AgentState {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	states := make([]schemas.AgentState, 0, len(p.agents))
	for _, ma := range p.agents {
		st := ma.machine.AgentState()
		if ma.breaker.blocked(now) {
			st.Status = schemas.AgentCircuitOpen
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// GetStats returns current pool statistics.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	s := p.stats
	s.TotalAgents = len(p.agents)
	s.PendingRestarts = len(p.restarts)
	for _, ma := range p.agents {
		if ma.busy {
			s.BusyAgents++
		}
		if ma.breaker.blocked(now) {
			s.OpenBreakers++
		}
	}
	return s
}

// RemoveAgent cancels any pending restart for the agent, detaches it from the
// pool, and cleans it up.
func (p *Pool) RemoveAgent(ctx context.Context, id string) error {
	p.mu.Lock()
	if t := p.restarts[id]; t != nil {
		t.Stop()
		delete(p.restarts, id)
	}
	ma, ok := p.agents[id]
	if ok {
		delete(p.agents, id)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent %s not found", id)
	}
	p.cleanupAgent(ctx, ma)
	return nil
}

// RestartAgent tears an agent down and builds a fresh one in its place.
// Restarting is a full replacement: new agent instance, new breaker.
func (p *Pool) RestartAgent(ctx context.Context, id string) error {
	if err := p.RemoveAgent(ctx, id); err != nil {
		return err
	}
	p.mu.Lock()
	p.stats.AgentsReplaced++
	p.mu.Unlock()

	if _, err := p.spawnAgent(ctx); err != nil {
		return fmt.Errorf("respawn after removing agent %s: %w", id, err)
	}
	return nil
}

// Shutdown cancels every pending restart timer, concurrently cleans up every
// agent, and clears all internal state. The pool accepts no work afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	for id, t := range p.restarts {
		t.Stop()
		delete(p.restarts, id)
	}
	agents := make([]*managedAgent, 0, len(p.agents))
	for _, ma := range p.agents {
		agents = append(agents, ma)
	}
	p.agents = make(map[string]*managedAgent)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, ma := range agents {
		wg.Add(1)
		go func(ma *managedAgent) {
			defer wg.Done()
			p.cleanupAgent(ctx, ma)
		}(ma)
	}
	wg.Wait()

	p.logger.Info("Agent pool shut down", zap.Int("agents_cleaned", len(agents)))
	return nil
}

// -- internals --

// getOrCreateAgent implements the acquisition policy: prefer an available
// agent whose breaker permits work; otherwise spawn while under the cap;
// otherwise poll until 2x the breaker reset window has passed with nothing
// freed, then give up with a capacity error.
func (p *Pool) getOrCreateAgent(ctx context.Context) (*managedAgent, error) {
	deadline := time.Now().Add(2 * p.cfg.Agent.CircuitBreakerReset)

	for {
		if ma, err := p.claimAvailable(); err != nil {
			return nil, err
		} else if ma != nil {
			return ma, nil
		}

		ma, err := p.spawnAgent(ctx)
		if err == nil && ma != nil {
			if claimed := p.claimByID(ma.id); claimed != nil {
				return claimed, nil
			}
			// Someone else grabbed the fresh agent first; keep looking.
		} else if err != nil && !errors.Is(err, errPoolAtCapacity) {
			p.logger.Warn("On-demand agent spawn failed", zap.Error(err))
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s", ErrNoAgentAvailable, 2*p.cfg.Agent.CircuitBreakerReset)
		}
		select {
		case <-time.After(acquirePollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// claimAvailable marks and returns the first idle agent that passes the
// breaker gate and its own availability check. A breaker whose reset window
// elapsed is flipped half-open here, and an agent stuck in the error state is
// recovered before being handed out.
func (p *Pool) claimAvailable() (*managedAgent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil, ErrPoolShutdown
	}

	now := time.Now()
	// Deterministic scan order keeps agent selection stable under test.
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ma := p.agents[id]
		if ma.busy || !ma.breaker.allow(now) {
			continue
		}
		if !ma.machine.Agent().IsAvailable() {
			continue
		}
		switch ma.machine.State() {
		case lifecycle.StateReady:
		case lifecycle.StateError:
			if err := ma.machine.Recover(); err != nil {
				continue
			}
		default:
			continue
		}
		ma.busy = true
		return ma, nil
	}
	return nil, nil
}

func (p *Pool) claimByID(id string) *managedAgent {
	p.mu.Lock()
	defer p.mu.Unlock()

	ma, ok := p.agents[id]
	if !ok || ma.busy || p.shutdown {
		return nil
	}
	if ma.machine.State() != lifecycle.StateReady {
		return nil
	}
	ma.busy = true
	return ma
}

var errPoolAtCapacity = errors.New("agent pool at capacity")

// spawnAgent reserves a capacity slot, builds and initializes a new agent, and
// registers it. Initialization happens outside the pool lock since it may block.
func (p *Pool) spawnAgent(ctx context.Context) (*managedAgent, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	if len(p.agents)+p.spawning >= p.cfg.MaxAgents {
		p.mu.Unlock()
		return nil, errPoolAtCapacity
	}
	p.spawning++
	p.mu.Unlock()

	id := uuid.New().String()
	agent := p.factory(AgentContext{
		ID:            id,
		Bus:           p.bus,
		Config:        p.cfg.Agent,
		CorrelationID: p.correlationID,
	})
	machine := lifecycle.NewMachine(agent, id, p.cfg.Agent, p.bus, p.correlationID, p.logger, lifecycle.Hooks{})

	err := machine.ExecuteInit(ctx)

	p.mu.Lock()
	p.spawning--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("initialize agent %s: %w", id, err)
	}
	if p.shutdown {
		p.mu.Unlock()
		_ = machine.ExecuteCleanup(ctx)
		return nil, ErrPoolShutdown
	}
	ma := &managedAgent{id: id, machine: machine, breaker: newBreaker(id)}
	p.agents[id] = ma
	p.stats.AgentsSpawned++
	total := len(p.agents)
	p.mu.Unlock()

	p.logger.Debug("Agent spawned", zap.String("agent_id", id), zap.Int("pool_size", total))
	return ma, nil
}

func (p *Pool) release(ma *managedAgent) {
	p.mu.Lock()
	ma.busy = false
	p.mu.Unlock()
}

// recordOutcome feeds the agent's breaker. A failure that opens the breaker
// schedules the agent's full replacement after a jittered exponential delay,
// cancellable if the agent is removed or the pool shuts down first.
func (p *Pool) recordOutcome(ma *managedAgent, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if success {
		ma.breaker.recordSuccess()
		p.stats.ItemsSucceeded++
		return
	}
	p.stats.ItemsFailed++

	opened := ma.breaker.recordFailure(time.Now(), p.cfg.Agent.CircuitBreakerThreshold, p.cfg.Agent.CircuitBreakerReset)
	if !opened || p.shutdown {
		return
	}

	delay := replacementDelay(ma.breaker.failureCount, p.cfg.Agent.CircuitBreakerThreshold)
	p.logger.Warn("Circuit breaker opened, scheduling agent replacement",
		zap.String("agent_id", ma.id),
		zap.Int("failure_count", ma.breaker.failureCount),
		zap.Duration("replacement_in", delay))

	if old := p.restarts[ma.id]; old != nil {
		old.Stop()
	}
	id := ma.id
	p.restarts[ma.id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.restarts, id)
		down := p.shutdown
		p.mu.Unlock()
		if down {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Agent.Timeout)
		defer cancel()
		if err := p.RestartAgent(ctx, id); err != nil {
			p.logger.Error("Scheduled agent replacement failed", zap.String("agent_id", id), zap.Error(err))
		}
	})
}

// cleanupAgent disposes one machine, tolerating agents stuck mid-operation.
func (p *Pool) cleanupAgent(ctx context.Context, ma *managedAgent) {
	if err := ma.machine.ExecuteCleanup(ctx); err != nil {
		p.logger.Debug("Agent cleanup failed", zap.String("agent_id", ma.id), zap.Error(err))
	}
}

// failedResult synthesizes the failed AnalysisResult that stands in for an
// exception anywhere inside execution.
func (p *Pool) failedResult(item *schemas.WorkItem, agentID string, start time.Time, err error) *schemas.AnalysisResult {
	p.logger.Warn("Work item failed",
		zap.String("work_item_id", item.ID),
		zap.String("file", item.FilePath),
		zap.String("agent_id", agentID),
		zap.Error(err))

	p.bus.Emit(events.Event{
		Type:          events.TypeError,
		AgentID:       agentID,
		CorrelationID: p.correlationID,
		Payload:       events.ErrorPayload{WorkItemID: item.ID, FilePath: item.FilePath, Message: err.Error()},
	})

	return &schemas.AnalysisResult{
		AgentID:    agentID,
		WorkItemID: item.ID,
		FilePath:   item.FilePath,
		Findings:   []schemas.Finding{},
		Duration:   time.Since(start),
		Success:    false,
		Error:      err.Error(),
	}
}
