// File: internal/pool/breaker.go
package pool

import (
	"math/rand"
	"time"
)

// breakerState is the classic closed/open/half-open circuit breaker relation.
type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half_open"
)

// circuitBreaker tracks the failure history of one agent and gates whether the
// pool may hand it new work. It carries no locking of its own; the pool's
// mutex guards every access.
type circuitBreaker struct {
	agentID       string
	failureCount  int
	lastFailureAt time.Time
	state         breakerState
	// nextAttemptAt is set whenever the breaker is open; once it elapses the
	// breaker becomes eligible for a half-open probe.
	nextAttemptAt time.Time
}

func newBreaker(agentID string) *circuitBreaker {
	return &circuitBreaker{agentID: agentID, state: breakerClosed}
}

// recordFailure bumps the failure count and opens the breaker once the count
// reaches the threshold. Returns true when this call opened (or re-opened, for
// a failed half-open probe) the breaker.
func (cb *circuitBreaker) recordFailure(now time.Time, threshold int, reset time.Duration) bool {
	cb.failureCount++
	cb.lastFailureAt = now
	if cb.failureCount >= threshold {
		cb.state = breakerOpen
		cb.nextAttemptAt = now.Add(reset)
		return true
	}
	return false
}

// recordSuccess applies the asymmetric recovery policy: a half-open probe that
// succeeds closes the breaker and wipes the count, while a success on a closed
// breaker only decays the count by one. The gradual decay keeps one lucky
// success from erasing a streak of failures.
func (cb *circuitBreaker) recordSuccess() {
	switch cb.state {
	case breakerHalfOpen:
		cb.state = breakerClosed
		cb.failureCount = 0
	case breakerClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	}
}

// allow reports whether the agent may receive work at the given instant. An
// open breaker whose reset window has elapsed is lazily flipped to half-open
// and allowed one probe.
func (cb *circuitBreaker) allow(now time.Time) bool {
	if cb.state != breakerOpen {
		return true
	}
	if now.Before(cb.nextAttemptAt) {
		return false
	}
	cb.state = breakerHalfOpen
	return true
}

// blocked reports whether the breaker currently refuses work without mutating it.
func (cb *circuitBreaker) blocked(now time.Time) bool {
	return cb.state == breakerOpen && now.Before(cb.nextAttemptAt)
}

// replacementDelay computes how long to wait before tearing down and
// recreating an agent whose breaker opened: 1s doubled for every failure past
// the threshold, capped at 60s, jittered by +/-10% so replacements do not
// stampede.
func replacementDelay(failureCount, threshold int) time.Duration {
	exp := failureCount - threshold
	if exp < 0 {
		exp = 0
	}
	if exp > 6 {
		exp = 6
	}
	d := time.Second << uint(exp)
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(d) * jitter)
}
