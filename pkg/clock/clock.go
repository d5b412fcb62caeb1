// Package clock provides an injectable time source so the accrual
// arithmetic stays deterministic under test.
package clock

import (
	"sync"
	"time"
)

// Clock is the time dependency injected into sessions and ledgers.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC.
type System struct{}

// Now returns the current system time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a hand-driven clock for tests.
type Manual struct {
	mu      sync.Mutex
	current time.Time
}

// NewManual creates a manual clock set to the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{current: start.UTC()}
}

// Now returns the manual clock's current instant.
func (manual *Manual) Now() time.Time {
	manual.mu.Lock()
	defer manual.mu.Unlock()
	return manual.current
}

// Advance moves the clock forward by the given duration and returns
// the new instant. Negative durations move it backward; the ledger is
// expected to clamp those deltas, not the clock.
func (manual *Manual) Advance(step time.Duration) time.Time {
	manual.mu.Lock()
	defer manual.mu.Unlock()
	manual.current = manual.current.Add(step)
	return manual.current
}

// Set jumps the clock to an absolute instant.
func (manual *Manual) Set(instant time.Time) {
	manual.mu.Lock()
	defer manual.mu.Unlock()
	manual.current = instant.UTC()
}
