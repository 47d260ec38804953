// Package dispatch drains the job queue with a fixed worker pool, bounded by
// a global pool size and per-run concurrency limits, and applies the retry
// policy to failed invocations.
package dispatch

import (
	"sync"
)

// runLimiter tracks in-flight jobs per run against each run's concurrency
// limit. The engine consults it before claiming: runs at capacity are excluded
// from the claim query, so the store never hands out a job the limiter would
// have to bounce.
type runLimiter struct {
	mu       sync.Mutex
	limits   map[string]int
	inFlight map[string]int
}

func newRunLimiter() *runLimiter {
	return &runLimiter{
		limits:   make(map[string]int),
		inFlight: make(map[string]int),
	}
}

// setLimit registers a run's concurrency limit. Limits below 1 are clamped.
func (l *runLimiter) setLimit(runID string, limit int) {
	if limit < 1 {
		limit = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[runID] = limit
}

// hasLimit reports whether a run's limit is already known.
func (l *runLimiter) hasLimit(runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.limits[runID]
	return ok
}

// acquire reserves an in-flight slot for a run. Returns false at capacity.
func (l *runLimiter) acquire(runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit, ok := l.limits[runID]
	if !ok {
		return false
	}
	if l.inFlight[runID] >= limit {
		return false
	}
	l.inFlight[runID]++
	return true
}

// release returns a run's in-flight slot.
func (l *runLimiter) release(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[runID] > 0 {
		l.inFlight[runID]--
	}
	if l.inFlight[runID] == 0 {
		delete(l.inFlight, runID)
	}
}

// atCapacity lists runs with no concurrency headroom, for exclusion from the
// claim query.
func (l *runLimiter) atCapacity() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var full []string
	for runID, n := range l.inFlight {
		if limit, ok := l.limits[runID]; ok && n >= limit {
			full = append(full, runID)
		}
	}
	return full
}

// inFlightFor reports a run's current in-flight count.
func (l *runLimiter) inFlightFor(runID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight[runID]
}

// forget drops a finished run's bookkeeping.
func (l *runLimiter) forget(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limits, runID)
	delete(l.inFlight, runID)
}
