// File: internal/lifecycle/lifecycle.go
// Description: Generic per-agent state machine. It enforces legal lifecycle
// transitions, invokes optional hooks around each operation, and wraps the
// analyze step in a jittered exponential retry policy.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ehudso7/omniaudit/api/schemas"
	"github.com/ehudso7/omniaudit/internal/config"
	"github.com/ehudso7/omniaudit/internal/events"
)

// ErrInvalidTransition marks a lifecycle call that is illegal from the current
// state. It is a programming-contract violation, never retried or swallowed.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// State names a node of the agent lifecycle machine.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateAnalyzing    State = "analyzing"
	StateReporting    State = "reporting"
	StateCleaningUp   State = "cleaning_up"
	StateError        State = "error"
	StateDisposed     State = "disposed"
)

// legalTransitions is the full transition relation. disposed is terminal.
var legalTransitions = map[State][]State{
	StateCreated:      {StateInitializing},
	StateInitializing: {StateReady, StateError},
	StateReady:        {StateAnalyzing, StateCleaningUp, StateError},
	StateAnalyzing:    {StateReporting, StateReady, StateError},
	StateReporting:    {StateReady, StateError},
	StateCleaningUp:   {StateDisposed, StateError},
	StateError:        {StateReady, StateCleaningUp},
	StateDisposed:     {},
}

// Hooks are optional callbacks invoked around lifecycle operations. A nil hook
// is skipped; an error from a before/after hook fails the operation.
type Hooks struct {
	BeforeInit    func(ctx context.Context) error
	AfterInit     func(ctx context.Context) error
	BeforeAnalyze func(ctx context.Context, item *schemas.WorkItem) error
	AfterAnalyze  func(ctx context.Context, item *schemas.WorkItem) error
	BeforeReport  func(ctx context.Context, result *schemas.AnalysisResult) error
	AfterReport   func(ctx context.Context, result *schemas.AnalysisResult) error
	BeforeCleanup func(ctx context.Context) error
	AfterCleanup  func(ctx context.Context) error

	// OnError fires whenever an operation drives the machine into the error
	// state, before the error is rethrown to the caller.
	OnError func(state State, err error)
}

// Machine wraps one concrete agent with lifecycle discipline. All state
// mutation happens under its mutex; the machine is safe for concurrent reads
// but assumes a single caller drives operations, which is how the pool uses it.
type Machine struct {
	agent         schemas.Agent
	cfg           config.AgentConfig
	bus           *events.Bus
	logger        *zap.Logger
	correlationID string
	hooks         Hooks

	mu    sync.Mutex
	state State
	// agentState is the externally visible snapshot of this agent.
	agentState schemas.AgentState
}

// NewMachine wraps agent with a lifecycle machine in the created state.
func NewMachine(
	agent schemas.Agent,
	agentID string,
	cfg config.AgentConfig,
	bus *events.Bus,
	correlationID string,
	logger *zap.Logger,
	hooks Hooks,
) *Machine {
	return &Machine{
		agent:         agent,
		cfg:           cfg,
		bus:           bus,
		logger:        logger.Named("lifecycle").With(zap.String("agent_id", agentID)),
		correlationID: correlationID,
		hooks:         hooks,
		state:         StateCreated,
		agentState: schemas.AgentState{
			ID:     agentID,
			Status: schemas.AgentIdle,
		},
	}
}

// Agent exposes the wrapped agent.
func (m *Machine) Agent() schemas.Agent { return m.agent }

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AgentState returns a copy of the agent's visible runtime state.
func (m *Machine) AgentState() schemas.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentState
}

// ExecuteInit drives created -> initializing -> ready around agent.Init.
func (m *Machine) ExecuteInit(ctx context.Context) error {
	if err := m.transition(StateInitializing); err != nil {
		return err
	}
	if err := m.runHook(ctx, m.hooks.BeforeInit); err != nil {
		return m.fail(fmt.Errorf("before-init hook: %w", err))
	}
	if err := m.agent.Init(ctx); err != nil {
		return m.fail(fmt.Errorf("agent init: %w", err))
	}
	if err := m.runHook(ctx, m.hooks.AfterInit); err != nil {
		return m.fail(fmt.Errorf("after-init hook: %w", err))
	}
	return m.transition(StateReady)
}

// ExecuteAnalyze drives ready -> analyzing and runs the agent's analyze step
// under the retry policy: up to MaxRetries attempts with exponential backoff
// (base doubling per attempt, capped, jittered by 10%), incrementing the
// visible retry counter after every failed attempt. On success the machine
// stays in analyzing so a report step can follow; on exhaustion it enters
// error and the last attempt's failure is returned.
func (m *Machine) ExecuteAnalyze(ctx context.Context, item *schemas.WorkItem) (*schemas.AnalysisResult, error) {
	if err := m.transition(StateAnalyzing); err != nil {
		return nil, err
	}

	m.mu.Lock()
	now := time.Now().UTC()
	m.agentState.CurrentFile = item.FilePath
	m.agentState.Progress = 0
	m.agentState.StartedAt = &now
	m.agentState.CompletedAt = nil
	m.agentState.LastError = ""
	m.mu.Unlock()

	if err := m.runItemHook(ctx, m.hooks.BeforeAnalyze, item); err != nil {
		return nil, m.fail(fmt.Errorf("before-analyze hook: %w", err))
	}

	result, err := m.analyzeWithRetry(ctx, item)
	if err != nil {
		return nil, m.fail(fmt.Errorf("agent analyze: %w", err))
	}

	if err := m.runItemHook(ctx, m.hooks.AfterAnalyze, item); err != nil {
		return nil, m.fail(fmt.Errorf("after-analyze hook: %w", err))
	}

	m.mu.Lock()
	done := time.Now().UTC()
	m.agentState.Progress = 100
	m.agentState.CompletedAt = &done
	m.mu.Unlock()

	return result, nil
}

// ExecuteReport drives analyzing -> reporting -> ready around agent.Report.
func (m *Machine) ExecuteReport(ctx context.Context, result *schemas.AnalysisResult) error {
	if err := m.transition(StateReporting); err != nil {
		return err
	}
	if err := m.runResultHook(ctx, m.hooks.BeforeReport, result); err != nil {
		return m.fail(fmt.Errorf("before-report hook: %w", err))
	}
	if err := m.agent.Report(ctx, result); err != nil {
		return m.fail(fmt.Errorf("agent report: %w", err))
	}
	if err := m.runResultHook(ctx, m.hooks.AfterReport, result); err != nil {
		return m.fail(fmt.Errorf("after-report hook: %w", err))
	}
	return m.transition(StateReady)
}

// ExecuteCleanup drives the machine into cleaning_up and on to the terminal
// disposed state around agent.Cleanup. Legal from ready and error.
func (m *Machine) ExecuteCleanup(ctx context.Context) error {
	if err := m.transition(StateCleaningUp); err != nil {
		return err
	}
	if err := m.runHook(ctx, m.hooks.BeforeCleanup); err != nil {
		return m.fail(fmt.Errorf("before-cleanup hook: %w", err))
	}
	if err := m.agent.Cleanup(ctx); err != nil {
		return m.fail(fmt.Errorf("agent cleanup: %w", err))
	}
	if err := m.runHook(ctx, m.hooks.AfterCleanup); err != nil {
		return m.fail(fmt.Errorf("after-cleanup hook: %w", err))
	}
	return m.transition(StateDisposed)
}

// Recover drives error -> ready, clearing the recorded failure. The pool uses
// this when a breaker's half-open probe hands the agent another chance.
func (m *Machine) Recover() error {
	if err := m.transition(StateReady); err != nil {
		return err
	}
	m.mu.Lock()
	m.agentState.LastError = ""
	m.mu.Unlock()
	return nil
}

// -- internals --

// analyzeWithRetry runs agent.Analyze up to MaxRetries times, sleeping a
// jittered exponential backoff between attempts.
func (m *Machine) analyzeWithRetry(ctx context.Context, item *schemas.WorkItem) (*schemas.AnalysisResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryBackoff
	bo.RandomizationFactor = 0.1
	bo.Multiplier = 2
	bo.MaxInterval = m.cfg.MaxRetryBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		result, err := m.agent.Analyze(ctx, item)
		if err == nil {
			// The caller's item is never written here; retries ride on the result.
			if result != nil {
				result.RetryCount = attempt
			}
			return result, nil
		}
		lastErr = err

		m.mu.Lock()
		m.agentState.RetryCount++
		m.agentState.LastError = err.Error()
		retries := m.agentState.RetryCount
		m.mu.Unlock()

		m.logger.Warn("Analyze attempt failed",
			zap.String("file", item.FilePath),
			zap.Int("attempt", attempt+1),
			zap.Int("total_retries", retries),
			zap.Error(err))

		if attempt == m.cfg.MaxRetries-1 {
			break
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// transition validates and applies one state change, emitting a state_change
// event. Illegal transitions fail loudly with ErrInvalidTransition.
func (m *Machine) transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.agentState.Status = statusFor(to)
	agentID := m.agentState.ID
	m.mu.Unlock()

	m.logger.Debug("Lifecycle transition", zap.String("from", string(from)), zap.String("to", string(to)))
	m.bus.Emit(events.Event{
		Type:          events.TypeStateChange,
		AgentID:       agentID,
		CorrelationID: m.correlationID,
		Payload:       events.StateChangePayload{From: string(from), To: string(to)},
	})
	return nil
}

// fail records the error, enters the error state, fires OnError, and returns
// the original failure for the caller to rethrow.
func (m *Machine) fail(opErr error) error {
	m.mu.Lock()
	from := m.state
	m.state = StateError
	m.agentState.Status = schemas.AgentError
	m.agentState.LastError = opErr.Error()
	agentID := m.agentState.ID
	m.mu.Unlock()

	m.logger.Error("Lifecycle operation failed", zap.String("from", string(from)), zap.Error(opErr))
	m.bus.Emit(events.Event{
		Type:          events.TypeStateChange,
		AgentID:       agentID,
		CorrelationID: m.correlationID,
		Payload:       events.StateChangePayload{From: string(from), To: string(StateError)},
	})
	m.bus.Emit(events.Event{
		Type:          events.TypeError,
		AgentID:       agentID,
		CorrelationID: m.correlationID,
		Payload:       events.ErrorPayload{Message: opErr.Error()},
	})

	if m.hooks.OnError != nil {
		m.hooks.OnError(StateError, opErr)
	}
	return opErr
}

func (m *Machine) runHook(ctx context.Context, h func(context.Context) error) error {
	if h == nil {
		return nil
	}
	return h(ctx)
}

func (m *Machine) runItemHook(ctx context.Context, h func(context.Context, *schemas.WorkItem) error, item *schemas.WorkItem) error {
	if h == nil {
		return nil
	}
	return h(ctx, item)
}

func (m *Machine) runResultHook(ctx context.Context, h func(context.Context, *schemas.AnalysisResult) error, result *schemas.AnalysisResult) error {
	if h == nil {
		return nil
	}
	return h(ctx, result)
}

func allowed(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// statusFor maps machine states onto the coarser externally visible status.
func statusFor(s State) schemas.AgentStatus {
	switch s {
	case StateInitializing:
		return schemas.AgentInitializing
	case StateAnalyzing:
		return schemas.AgentAnalyzing
	case StateReporting:
		return schemas.AgentReporting
	case StateCleaningUp, StateDisposed:
		return schemas.AgentCompleted
	case StateError:
		return schemas.AgentError
	default:
		return schemas.AgentIdle
	}
}
