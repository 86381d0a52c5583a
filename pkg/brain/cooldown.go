package brain

import (
	"log/slog"
	"sync"
	"time"
)

type cooldownKey struct {
	action string
	scope  string
}

// CooldownTracker records last-execution timestamps per (action, scope)
// pair so the same action cannot run repeatedly within its cooldown.
type CooldownTracker struct {
	mu            sync.Mutex
	lastExecution map[cooldownKey]time.Time
	clock         func() time.Time
	log           *slog.Logger
}

// NewCooldownTracker creates an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{
		lastExecution: make(map[cooldownKey]time.Time),
		clock:         time.Now,
		log:           slog.Default().With("component", "cooldown"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *CooldownTracker) WithClock(clock func() time.Time) *CooldownTracker {
	t.clock = clock
	return t
}

// Check reports whether the action may execute: true iff it never ran or
// the cooldown has elapsed since the last recorded execution. A cooldown
// of zero or less always allows execution.
func (t *CooldownTracker) Check(action string, cooldown time.Duration, scope string) bool {
	if cooldown <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastExecution[cooldownKey{action, scope}]
	if !ok {
		return true
	}

	elapsed := t.clock().Sub(last)
	if elapsed >= cooldown {
		return true
	}

	t.log.Warn("action in cooldown", "action", action,
		"elapsed", elapsed, "required", cooldown)
	return false
}

// Record overwrites the last-execution timestamp for (action, scope).
func (t *CooldownTracker) Record(action, scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastExecution[cooldownKey{action, scope}] = t.clock()
}

// Remaining returns how long until the cooldown for (action, scope)
// expires, or zero if the action may execute now.
func (t *CooldownTracker) Remaining(action string, cooldown time.Duration, scope string) time.Duration {
	if cooldown <= 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastExecution[cooldownKey{action, scope}]
	if !ok {
		return 0
	}

	remaining := cooldown - t.clock().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
