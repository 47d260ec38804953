package recurring

import (
	"encoding/json"
	"testing"
	"time"

	qatest "github.com/promptarena/promptarena/internal/testing"
	"github.com/promptarena/promptarena/logger"
	"github.com/promptarena/promptarena/queue"
)

func cleanupTemplate(t *testing.T) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(queue.CleanupPayload{OlderThanHours: 24})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func TestNewJobValidatesTemplate(t *testing.T) {
	if _, err := NewJob(queue.TypeCleanup, cleanupTemplate(t), time.Hour); err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}
	if _, err := NewJob(queue.TypeCleanup, []byte(`{"older_than_hours": 0}`), time.Hour); err == nil {
		t.Fatal("invalid template should be rejected")
	}
	if _, err := NewJob(queue.TypeCleanup, cleanupTemplate(t), 100*time.Millisecond); err == nil {
		t.Fatal("sub-second interval should be rejected")
	}
}

func TestDue(t *testing.T) {
	job, err := NewJob(queue.TypeCleanup, cleanupTemplate(t), time.Hour)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	now := time.Now().UTC()
	if job.Due(now) {
		t.Error("fresh job should not be due before its interval elapses")
	}
	if !job.Due(now.Add(2 * time.Hour)) {
		t.Error("job should be due after its interval")
	}

	job.Enabled = false
	if job.Due(now.Add(2 * time.Hour)) {
		t.Error("disabled job must never be due")
	}
}

func TestStoreRoundtripAndListDue(t *testing.T) {
	conn := qatest.CreateTestDB(t)
	store := NewStore(conn)

	job, err := NewJob(queue.TypeCleanup, cleanupTemplate(t), time.Hour)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := store.Create(job); err != nil {
		t.Fatalf("create: %v", err)
	}

	loaded, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Interval != time.Hour {
		t.Errorf("expected 1h interval, got %s", loaded.Interval)
	}
	if !loaded.Enabled {
		t.Error("new recurring job should be enabled")
	}

	// Not yet due.
	due, err := store.ListDue(time.Now().UTC())
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due jobs, got %d", len(due))
	}

	// Due after its interval passes.
	due, err = store.ListDue(time.Now().UTC().Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due job, got %d", len(due))
	}
}

func TestListDueSkipsDisabled(t *testing.T) {
	conn := qatest.CreateTestDB(t)
	store := NewStore(conn)

	job, err := NewJob(queue.TypeCleanup, cleanupTemplate(t), time.Hour)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := store.Create(job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetEnabled(job.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	due, err := store.ListDue(time.Now().UTC().Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("disabled job should not be due, got %d", len(due))
	}
}

func TestTickEnqueuesAndAdvancesSchedule(t *testing.T) {
	conn := qatest.CreateTestDB(t)
	store := NewStore(conn)
	jobs := queue.NewStore(conn)
	ticker := NewTicker(store, jobs, DefaultTickerConfig(), logger.Logger)

	rec, err := NewJob(queue.TypeCleanup, cleanupTemplate(t), time.Hour)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := store.Create(rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	tickAt := time.Now().UTC().Add(90 * time.Minute)
	ticker.Tick(tickAt)

	// One dispatch job enqueued.
	queued, running, err := jobs.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if queued != 1 || running != 0 {
		t.Fatalf("expected 1 queued job, got %d queued / %d running", queued, running)
	}

	// Schedule advanced: not due again until another interval passes.
	loaded, err := store.Get(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.LastRunAt == nil || !loaded.LastRunAt.Equal(tickAt) {
		t.Errorf("expected last_run_at %v, got %v", tickAt, loaded.LastRunAt)
	}
	if loaded.NextRunAt == nil || !loaded.NextRunAt.Equal(tickAt.Add(time.Hour)) {
		t.Errorf("expected next_run_at %v, got %v", tickAt.Add(time.Hour), loaded.NextRunAt)
	}

	// A second tick at the same instant enqueues nothing.
	ticker.Tick(tickAt)
	queued, _, err = jobs.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if queued != 1 {
		t.Errorf("second tick should not re-enqueue, got %d queued", queued)
	}
}

func TestTickerStartStop(t *testing.T) {
	conn := qatest.CreateTestDB(t)
	store := NewStore(conn)
	jobs := queue.NewStore(conn)
	ticker := NewTicker(store, jobs, TickerConfig{Interval: 10 * time.Millisecond}, logger.Logger)

	ticker.Start()
	time.Sleep(30 * time.Millisecond)
	ticker.Stop() // must not hang or panic
}
