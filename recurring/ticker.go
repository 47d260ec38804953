package recurring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promptarena/promptarena/queue"
)

// TickerConfig tunes the scheduler loop.
type TickerConfig struct {
	Interval time.Duration // how often to check for due jobs
}

// DefaultTickerConfig checks once per second.
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: time.Second}
}

// Ticker periodically expands due recurring jobs into dispatch jobs. Each due
// template enqueues one regular job and has its schedule advanced by one
// interval; the dispatch engine executes the work like any other job.
type Ticker struct {
	store  *Store
	jobs   *queue.Store
	config TickerConfig
	log    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTicker creates a recurring-job ticker.
func NewTicker(store *Store, jobs *queue.Store, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ticker{
		store:  store,
		jobs:   jobs,
		config: cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the ticker loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("Recurring job ticker started", "interval", t.config.Interval)
}

// Stop gracefully stops the ticker.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("Recurring job ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			t.Tick(now.UTC())
		}
	}
}

// Tick enqueues one dispatch job for every due recurring job and advances its
// schedule. Exposed so tests can drive the scheduler without waiting on the
// wall clock.
func (t *Ticker) Tick(now time.Time) {
	due, err := t.store.ListDue(now)
	if err != nil {
		t.log.Errorw("Failed to list due recurring jobs", "error", err)
		return
	}

	for _, rec := range due {
		job, err := queue.NewJob(rec.Type, "", rec.Payload, 0, 1)
		if err != nil {
			t.log.Errorw("Recurring job has an invalid template, disabling",
				"recurring_id", rec.ID,
				"type", rec.Type,
				"error", err)
			if derr := t.store.SetEnabled(rec.ID, false); derr != nil {
				t.log.Errorw("Failed to disable recurring job", "recurring_id", rec.ID, "error", derr)
			}
			continue
		}
		if err := t.jobs.Enqueue(job); err != nil {
			// Leave the schedule untouched; the next tick retries.
			t.log.Errorw("Failed to enqueue recurring work", "recurring_id", rec.ID, "error", err)
			continue
		}
		if err := t.store.MarkRan(rec, now); err != nil {
			t.log.Errorw("Failed to advance recurring schedule", "recurring_id", rec.ID, "error", err)
			continue
		}
		t.log.Debugw("Enqueued recurring work",
			"recurring_id", rec.ID,
			"job_id", job.ID,
			"type", rec.Type)
	}
}
