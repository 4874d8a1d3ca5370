// File: internal/events/bus.go
// Description: Typed pub/sub bus used for fine-grained telemetry across the
// orchestration engine. Delivery is synchronous at emit time; a bounded ring
// of recent events is kept for querying by correlation id, agent, or type.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHistorySize bounds the event history ring when no capacity is given.
const DefaultHistorySize = 1000

// Handler consumes one event. Handlers run synchronously on the goroutine
// calling Emit, in registration order, so they must not block.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a same-process pub/sub mechanism. It has no network or persistence
// semantics: events not delivered to a live subscriber are gone, except for
// the bounded history ring.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	// Per-type subscribers plus wildcard subscribers, each in registration order.
	subscribers map[Type][]subscription
	anySubs     []subscription

	// history is a fixed-capacity ring; head points at the oldest entry.
	history []Event
	head    int
	count   int
}

// NewBus initializes the bus with the given history capacity.
func NewBus(logger *zap.Logger, historySize int) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[Type][]subscription),
		history:     make([]Event, historySize),
	}
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[t] = append(b.subscribers[t], subscription{id: id, handler: h})

	return func() { b.remove(t, id) }
}

// SubscribeOnce registers a handler that fires for at most one event of the
// given type and then removes itself. The subscription id is reserved before
// registration so a concurrent Emit never observes the wrapper half-built.
func (b *Bus) SubscribeOnce(t Type, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID

	var once sync.Once
	wrapped := func(evt Event) {
		once.Do(func() {
			h(evt)
			b.remove(t, id)
		})
	}
	b.subscribers[t] = append(b.subscribers[t], subscription{id: id, handler: wrapped})
	b.mu.Unlock()

	return func() { b.remove(t, id) }
}

// SubscribeAny registers a handler for every event regardless of type.
func (b *Bus) SubscribeAny(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.anySubs = append(b.anySubs, subscription{id: id, handler: h})

	return func() { b.removeAny(id) }
}

// Emit records the event into history and delivers it synchronously to
// type-specific subscribers first, then wildcard subscribers, each in
// registration order. Missing ids and timestamps are filled in.
func (b *Bus) Emit(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.record(evt)
	// Snapshot under the lock so handlers may unsubscribe or emit re-entrantly.
	subs := make([]subscription, 0, len(b.subscribers[evt.Type])+len(b.anySubs))
	subs = append(subs, b.subscribers[evt.Type]...)
	subs = append(subs, b.anySubs...)
	b.mu.Unlock()

	b.logger.Debug("Emitting event",
		zap.String("type", string(evt.Type)),
		zap.String("agent_id", evt.AgentID),
		zap.Int("subscribers", len(subs)))

	for _, s := range subs {
		s.handler(evt)
	}
}

// -- History Queries --

// EventsByCorrelation returns retained events carrying the given correlation id.
func (b *Bus) EventsByCorrelation(correlationID string) []Event {
	return b.filter(func(e Event) bool { return e.CorrelationID == correlationID })
}

// EventsByAgent returns retained events attributed to the given agent.
func (b *Bus) EventsByAgent(agentID string) []Event {
	return b.filter(func(e Event) bool { return e.AgentID == agentID })
}

// EventsByType returns retained events of one type.
func (b *Bus) EventsByType(t Type) []Event {
	return b.filter(func(e Event) bool { return e.Type == t })
}

// RecentEvents returns up to n of the most recent events, oldest first.
func (b *Bus) RecentEvents(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}
	out := make([]Event, 0, n)
	start := b.count - n
	for i := start; i < b.count; i++ {
		out = append(out, b.history[(b.head+i)%len(b.history)])
	}
	return out
}

// AllEvents returns every retained event, oldest first.
func (b *Bus) AllEvents() []Event {
	return b.RecentEvents(len(b.history))
}

// ClearHistory drops all retained events. Subscriptions are unaffected.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

// -- internals --

// record appends to the ring, dropping the oldest event once full.
// Caller holds b.mu.
func (b *Bus) record(evt Event) {
	if b.count < len(b.history) {
		b.history[(b.head+b.count)%len(b.history)] = evt
		b.count++
		return
	}
	b.history[b.head] = evt
	b.head = (b.head + 1) % len(b.history)
}

func (b *Bus) filter(keep func(Event) bool) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := 0; i < b.count; i++ {
		evt := b.history[(b.head+i)%len(b.history)]
		if keep(evt) {
			out = append(out, evt)
		}
	}
	return out
}

func (b *Bus) remove(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[t]) == 0 {
				delete(b.subscribers, t)
			}
			return
		}
	}
}

func (b *Bus) removeAny(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.anySubs {
		if s.id == id {
			b.anySubs = append(b.anySubs[:i], b.anySubs[i+1:]...)
			return
		}
	}
}
