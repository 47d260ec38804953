// Package recurring schedules interval-based maintenance work. A recurring
// job is a template: when its next-run time passes, the ticker enqueues a
// regular dispatch job from it and advances the schedule. Recurring work
// shares the dispatch primitives but is not part of the test-execution hot
// path.
package recurring

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/promptarena/promptarena/errors"
	"github.com/promptarena/promptarena/queue"
)

// Job is a recurring work template.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`    // dispatch job type enqueued on each tick
	Payload   json.RawMessage `json:"payload"` // payload template, validated against Type
	Interval  time.Duration   `json:"interval"`
	Enabled   bool            `json:"enabled"`
	NextRunAt *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewJob creates an enabled recurring job whose first run is one interval out.
func NewJob(jobType string, payload json.RawMessage, interval time.Duration) (*Job, error) {
	if interval < time.Second {
		return nil, errors.Newf("recurring interval must be at least 1s, got %s", interval)
	}
	if err := queue.ValidatePayload(jobType, payload); err != nil {
		return nil, errors.Wrap(err, "invalid recurring job payload")
	}

	now := time.Now().UTC()
	next := now.Add(interval)
	return &Job{
		ID:        "REC-" + uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		Interval:  interval,
		Enabled:   true,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Due reports whether the job should run at the given time.
func (j *Job) Due(now time.Time) bool {
	return j.Enabled && j.NextRunAt != nil && !j.NextRunAt.After(now)
}
