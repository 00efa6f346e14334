// Package traffic keeps a sliding window of lookup outcomes. It is the single
// source for the overload and degraded checks in /health.
package traffic

import (
	"sync"
	"time"
)

// Outcome is the result class of a weather request.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Denied // rejected by the rate limiter
)

// retention bounds memory; windows longer than this see truncated counts.
const retention = 5 * time.Minute

var defaultTracker = NewTracker()

// Record records one outcome on the process-wide tracker.
func Record(o Outcome) { defaultTracker.Record(o) }

// RequestCount returns all outcomes (success, failure, denied) within window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns rate-limit denials within window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (failures, successes+failures) within window.
func ErrorRate(window time.Duration) (failures, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears the process-wide tracker. For tests only.
func Reset() { defaultTracker.Reset() }

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	events []event // ordered by time
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) Record(o Outcome) {
	t.RecordN(o, 1)
}

func (t *Tracker) RecordN(o Outcome, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for i := 0; i < n; i++ {
		t.events = append(t.events, event{at: now, outcome: o})
	}
	t.pruneLocked(now)
}

func (t *Tracker) RequestCount(window time.Duration) int {
	counts := t.countSince(window)
	return counts[Success] + counts[Failure] + counts[Denied]
}

func (t *Tracker) DenialCount(window time.Duration) int {
	return t.countSince(window)[Denied]
}

// ErrorRate excludes denials from both numerator and denominator.
func (t *Tracker) ErrorRate(window time.Duration) (failures, total int) {
	counts := t.countSince(window)
	return counts[Failure], counts[Failure] + counts[Success]
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

func (t *Tracker) countSince(window time.Duration) map[Outcome]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneLocked(now)
	cutoff := now.Add(-window)
	counts := make(map[Outcome]int, 3)
	for i := len(t.events) - 1; i >= 0 && !t.events[i].at.Before(cutoff); i-- {
		counts[t.events[i].outcome]++
	}
	return counts
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
