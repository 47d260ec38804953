package queue

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/promptarena/promptarena/invoke"
)

// insertTestRun satisfies the jobs.run_id foreign key for tests that attach
// jobs to a run.
func insertTestRun(t *testing.T, conn *sql.DB, runID string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := conn.Exec(`
		INSERT INTO test_runs (id, project_id, user_id, name, status, spec, total_jobs, created_at, updated_at)
		VALUES (?, 'proj-1', 'user-1', 'queue test run', 'RUNNING', '{}', 0, ?, ?)`,
		runID, now, now)
	if err != nil {
		t.Fatalf("insert test run: %v", err)
	}
}

// newInvokeJob builds a valid invoke-model job for tests.
func newInvokeJob(t *testing.T, runID string, priority int) *Job {
	t.Helper()
	payload, err := json.Marshal(InvokeModelPayload{
		Model:  invoke.ModelConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Prompt: "Summarize the input.",
		Input:  invoke.TestInput{ID: "input-1", Content: "hello world"},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job, err := NewJob(TypeInvokeModel, runID, payload, priority, 3)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}

// newCleanupJob builds a valid cleanup job for tests.
func newCleanupJob(t *testing.T, olderThanHours int) *Job {
	t.Helper()
	payload, err := json.Marshal(CleanupPayload{OlderThanHours: olderThanHours})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job, err := NewJob(TypeCleanup, "", payload, 0, 1)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}
