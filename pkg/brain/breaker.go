package brain

import (
	"log/slog"
	"sync"
	"time"
)

// Circuit breaker defaults.
const (
	DefaultFailureThreshold    = 3
	DefaultFailureWindow       = 300 * time.Second
	DefaultCircuitOpenDuration = 600 * time.Second
)

// BreakerState is an observable snapshot of one action's circuit.
type BreakerState struct {
	ActionType       string        `json:"action_type"`
	CircuitOpen      bool          `json:"circuit_open"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	OpenedAt         time.Time     `json:"circuit_opened_at,omitzero"`
	Remaining        time.Duration `json:"circuit_remaining,omitzero"`
}

// CircuitBreaker blocks an action after a burst of failures within a
// sliding window. Once open, the circuit stays open until its timer
// expires; success does not close an open circuit.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	failureWindow    time.Duration
	openDuration     time.Duration
	failures         map[string][]time.Time
	openedAt         map[string]time.Time
	clock            func() time.Time
	log              *slog.Logger
}

// NewCircuitBreaker creates a breaker with the default thresholds.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: DefaultFailureThreshold,
		failureWindow:    DefaultFailureWindow,
		openDuration:     DefaultCircuitOpenDuration,
		failures:         make(map[string][]time.Time),
		openedAt:         make(map[string]time.Time),
		clock:            time.Now,
		log:              slog.Default().With("component", "breaker"),
	}
}

// WithThresholds overrides the failure threshold, window, and open duration.
func (cb *CircuitBreaker) WithThresholds(threshold int, window, openDuration time.Duration) *CircuitBreaker {
	cb.failureThreshold = threshold
	cb.failureWindow = window
	cb.openDuration = openDuration
	return cb
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// RecordFailure appends a failure timestamp, prunes entries outside the
// window, and opens the circuit when the in-window count reaches the
// threshold.
func (cb *CircuitBreaker) RecordFailure(action string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	cutoff := now.Add(-cb.failureWindow)

	kept := cb.failures[action][:0]
	for _, ts := range cb.failures[action] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	cb.failures[action] = kept

	if len(kept) >= cb.failureThreshold {
		if _, open := cb.openedAt[action]; !open {
			cb.log.Error("circuit opened", "action", action,
				"failures", len(kept), "window", cb.failureWindow)
			cb.openedAt[action] = now
		}
	}
}

// RecordSuccess clears the failure history for the action. It does not
// close an already-open circuit; the open timer must expire first.
func (cb *CircuitBreaker) RecordSuccess(action string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.failures, action)
}

// IsOpen reports whether the circuit blocks the action. Expiry is checked
// lazily: once the open duration has elapsed, the circuit closes and the
// failure history clears.
func (cb *CircuitBreaker) IsOpen(action string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.isOpenLocked(action)
}

func (cb *CircuitBreaker) isOpenLocked(action string) bool {
	openedAt, ok := cb.openedAt[action]
	if !ok {
		return false
	}

	elapsed := cb.clock().Sub(openedAt)
	if elapsed >= cb.openDuration {
		cb.log.Info("circuit closed", "action", action, "open_for", elapsed)
		delete(cb.openedAt, action)
		delete(cb.failures, action)
		return false
	}
	return true
}

// State returns an observable snapshot for the action's circuit.
func (cb *CircuitBreaker) State(action string) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	open := cb.isOpenLocked(action)
	st := BreakerState{
		ActionType:       action,
		CircuitOpen:      open,
		FailureCount:     len(cb.failures[action]),
		FailureThreshold: cb.failureThreshold,
	}
	if open {
		st.OpenedAt = cb.openedAt[action]
		st.Remaining = cb.openDuration - cb.clock().Sub(st.OpenedAt)
	}
	return st
}
