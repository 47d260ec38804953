package run

import (
	"encoding/json"
	"testing"

	"github.com/promptarena/promptarena/invoke"
	"github.com/promptarena/promptarena/queue"
)

// newQueuedJob builds a valid invoke-model job owned by a run, satisfying the
// results table's job foreign key.
func newQueuedJob(t *testing.T, runID string) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.InvokeModelPayload{
		Model:  invoke.ModelConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Prompt: "p",
		Input:  invoke.TestInput{ID: "in-1", Content: "c"},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job, err := queue.NewJob(queue.TypeInvokeModel, runID, payload, 0, 3)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}
