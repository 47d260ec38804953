// Package progress fans out test-run progress events to subscribers. The
// publisher is a per-run broadcast hub: the dispatch engine and orchestrator
// push events, WebSocket clients and tests subscribe. Slow subscribers never
// block publishers; events are dropped when a subscriber's buffer is full,
// and the store remains the source of truth for anyone who fell behind.
package progress

import (
	"sync"
	"time"

	"github.com/promptarena/promptarena/logger"
)

// EventType distinguishes the progress stream's event kinds.
type EventType string

const (
	EventJobUpdate   EventType = "job_update"
	EventRunUpdate   EventType = "run_update"
	EventRunComplete EventType = "run_complete"
)

// Event is one progress update for a test run. CompletedCount counts terminal
// jobs (succeeded, dead, or cancelled); consumers render CompletedCount /
// TotalCount as the progress bar.
type Event struct {
	Type           EventType `json:"type"`
	RunID          string    `json:"run_id"`
	JobID          string    `json:"job_id,omitempty"`
	Status         string    `json:"status"`
	RunStatus      string    `json:"run_status,omitempty"`
	CompletedCount int       `json:"completed_count"`
	TotalCount     int       `json:"total_count"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

const subscriberBuffer = 64

type subscriber struct {
	id string
	ch chan Event
}

// Publisher broadcasts run progress to per-run subscriber sets and remembers
// the latest event per run so new subscribers can be seeded with a snapshot.
//
// Sends, registration, and channel close all happen under mu. Sends are
// non-blocking, so holding the lock across fan-out is safe, and it guarantees
// Publish can never send on a channel Unsubscribe has closed.
type Publisher struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber // runID -> subscribers
	latest map[string]Event        // runID -> most recent event
}

// NewPublisher creates an empty progress publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		subs:   make(map[string][]subscriber),
		latest: make(map[string]Event),
	}
}

// Publish broadcasts an event to every subscriber of its run. Sends are
// non-blocking: a subscriber whose buffer is full misses the event.
func (p *Publisher) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.latest[ev.RunID] = ev
	for _, s := range p.subs[ev.RunID] {
		select {
		case s.ch <- ev:
		default:
			logger.Logger.Warnw("Dropping progress event for slow subscriber",
				"run_id", ev.RunID,
				"subscriber", s.id)
		}
	}
}

// Subscribe registers interest in a run's progress. The returned channel
// receives the run's latest known event first (the snapshot), then live
// updates. Callers must Unsubscribe with the same id when done.
func (p *Publisher) Subscribe(runID, subscriberID string) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Snapshot-then-stream: seed the fresh channel before registering it, in
	// the same critical section, so no concurrent Publish can order a live
	// event ahead of the snapshot. The channel is empty and buffered; the
	// seed cannot block.
	if snapshot, ok := p.latest[runID]; ok {
		ch <- snapshot
	}
	p.subs[runID] = append(p.subs[runID], subscriber{id: subscriberID, ch: ch})
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher) Unsubscribe(runID, subscriberID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subs[runID]
	for i, s := range subs {
		if s.id == subscriberID {
			p.subs[runID] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			break
		}
	}
	if len(p.subs[runID]) == 0 {
		delete(p.subs, runID)
	}
}

// Snapshot returns the latest event seen for a run, if any.
func (p *Publisher) Snapshot(runID string) (Event, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ev, ok := p.latest[runID]
	return ev, ok
}

// Forget drops the retained snapshot for a run. Called when a run is deleted
// or aged out so the latest-event map does not grow without bound.
func (p *Publisher) Forget(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.latest, runID)
}

// SubscriberCount reports how many subscribers a run currently has.
func (p *Publisher) SubscriberCount(runID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[runID])
}
