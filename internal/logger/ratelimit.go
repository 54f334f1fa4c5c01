package logger

import (
	"sync"
	"sync/atomic"
	"time"
)

// errorLogEvery is how many consecutive errors pass between logged ones.
const errorLogEvery = 100

// ErrorTracker suppresses log floods from repeating failures. The first
// error of a run and every 100th after it should be logged; everything in
// between is counted silently. Safe for concurrent use.
type ErrorTracker struct {
	consecutive atomic.Int64

	mu           sync.Mutex
	firstErrorAt time.Time
}

// NewErrorTracker returns a tracker with no recorded failures.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{}
}

// RecordError notes one more consecutive failure and reports whether this
// occurrence should be logged: true for the first error of a run and for
// every 100th after it.
func (t *ErrorTracker) RecordError() bool {
	n := t.consecutive.Add(1) - 1
	if n == 0 {
		t.mu.Lock()
		t.firstErrorAt = time.Now()
		t.mu.Unlock()
	}
	return n%errorLogEvery == 0
}

// RecordSuccess ends a failure run. It returns the total number of
// consecutive failures and true exactly once per run, at the transition
// back to success; (0, false) when there was nothing to recover from.
func (t *ErrorTracker) RecordSuccess() (int64, bool) {
	n := t.consecutive.Swap(0)
	if n == 0 {
		return 0, false
	}
	return n, true
}

// Consecutive returns the current consecutive failure count.
func (t *ErrorTracker) Consecutive() int64 {
	return t.consecutive.Load()
}

// FirstErrorAt returns when the current failure run began. The zero time
// means no run is active (or none was ever recorded).
func (t *ErrorTracker) FirstErrorAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consecutive.Load() == 0 {
		return time.Time{}
	}
	return t.firstErrorAt
}
