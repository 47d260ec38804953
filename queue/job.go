// Package queue provides the durable job store backing the dispatch engine.
// Jobs are units of dispatchable work, typically "invoke one model with one
// input". The store is the single source of truth for job state; claim
// operations are atomic so concurrent workers never double-process a job.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/promptarena/promptarena/errors"
)

// Status represents the current state of a job.
// The string values are part of the persistence contract; external dashboards
// read them directly.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED" // transient: parked for backoff, claimable once not_before passes
	StatusDead      Status = "DEAD"   // terminal: retries exhausted or fatal error
	StatusCancelled Status = "CANCELLED"
)

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusDead, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusDead || s == StatusCancelled
}

// Job type discriminators. Each type has exactly one payload shape,
// validated at enqueue time (see payload.go).
const (
	TypeInvokeModel = "invoke-model"
	TypeCleanup     = "queue.cleanup"
)

// Job is one unit of dispatchable work. Jobs belonging to a test run carry its
// RunID; maintenance jobs (cleanup and the like) leave it empty.
type Job struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"` // higher dispatched first, FIFO within a band
	Attempts    int             `json:"attempts"` // execution attempts started so far
	MaxAttempts int             `json:"max_attempts"`
	Status      Status          `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	NotBefore   *time.Time      `json:"not_before,omitempty"` // earliest claim time after a backoff delay
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a queued job. The payload must match the declared type; it is
// validated here so malformed work is rejected at enqueue time, not at
// dispatch time.
func NewJob(jobType, runID string, payload json.RawMessage, priority, maxAttempts int) (*Job, error) {
	if maxAttempts < 1 {
		return nil, errors.Newf("maxAttempts must be >= 1, got %d", maxAttempts)
	}
	if err := ValidatePayload(jobType, payload); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Job{
		ID:          "JOB-" + uuid.NewString(),
		RunID:       runID,
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ExhaustedAttempts reports whether another retry would exceed MaxAttempts.
func (j *Job) ExhaustedAttempts() bool {
	return j.Attempts >= j.MaxAttempts
}
