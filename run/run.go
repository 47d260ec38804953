// Package run owns the test-run lifecycle: a run fans a prompt out across
// models × inputs × iterations, the dispatch engine executes the resulting
// jobs, and the orchestrator here derives the run's terminal status from
// aggregate job outcomes.
package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/promptarena/promptarena/errors"
	"github.com/promptarena/promptarena/invoke"
)

// Status is a test run's lifecycle state. The string values are part of the
// persistence contract; dashboards read them directly.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the run can transition no further.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Spec is the user-submitted configuration of a test run.
type Spec struct {
	Prompt         string               `json:"prompt"`
	Models         []invoke.ModelConfig `json:"models"`
	Inputs         []invoke.TestInput   `json:"inputs"`
	Iterations     int                  `json:"iterations"`
	Concurrency    int                  `json:"concurrency"`      // max in-flight jobs for this run
	Evaluators     []string             `json:"evaluators"`       // named pass/fail evaluators, applied downstream
	TimeoutSeconds int                  `json:"timeout_seconds"`  // run-level timeout; 0 = none
	JobTimeoutSecs int                  `json:"job_timeout_secs"` // per-job timeout; 0 = engine default
}

// Normalize fills defaults for fields the user may leave unset. Must be
// called before Validate.
func (s *Spec) Normalize(defaultConcurrency int) {
	if s.Iterations == 0 {
		s.Iterations = 1
	}
	if s.Concurrency == 0 {
		s.Concurrency = defaultConcurrency
	}
}

// Validate rejects malformed specs synchronously, before anything is
// persisted or enqueued.
func (s *Spec) Validate() error {
	if s.Prompt == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "run spec requires a prompt")
	}
	if len(s.Models) == 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "run spec requires at least one model")
	}
	if len(s.Inputs) == 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "run spec requires at least one input")
	}
	if s.Iterations < 1 {
		return errors.Wrapf(errors.ErrInvalidRequest, "iterations must be >= 1, got %d", s.Iterations)
	}
	if s.Concurrency < 1 {
		return errors.Wrapf(errors.ErrInvalidRequest, "concurrency must be >= 1, got %d", s.Concurrency)
	}
	if s.TimeoutSeconds < 0 || s.JobTimeoutSecs < 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "timeouts must not be negative")
	}
	for i, m := range s.Models {
		if m.Provider == "" || m.Model == "" {
			return errors.Wrapf(errors.ErrInvalidRequest, "model %d is missing provider or model name", i)
		}
	}
	for i, in := range s.Inputs {
		if in.ID == "" {
			return errors.Wrapf(errors.ErrInvalidRequest, "input %d is missing an id", i)
		}
	}
	return nil
}

// JobCount is the fixed number of jobs this spec expands into.
func (s *Spec) JobCount() int {
	return len(s.Models) * len(s.Inputs) * s.Iterations
}

// TestRun is one user-initiated comparison. The job count is fixed at
// creation; after a terminal status the run is immutable except for
// append-only result attachment.
type TestRun struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Spec        Spec       `json:"spec"`
	TotalJobs   int        `json:"total_jobs"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewTestRun creates a PENDING run from a validated spec.
func NewTestRun(projectID, userID, name string, spec Spec) *TestRun {
	now := time.Now().UTC()
	return &TestRun{
		ID:        "RUN-" + uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		Name:      name,
		Status:    StatusPending,
		Spec:      spec,
		TotalJobs: spec.JobCount(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Result is one model invocation's outcome, keyed by (run, job). Results are
// append-only; AfterCancel marks results recorded after the run was cancelled,
// which aggregates exclude.
type Result struct {
	ID               string    `json:"id"`
	RunID            string    `json:"run_id"`
	JobID            string    `json:"job_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	InputID          string    `json:"input_id"`
	Iteration        int       `json:"iteration"`
	Output           string    `json:"output,omitempty"`
	ParsedOutput     string    `json:"parsed_output,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	CostUSD          float64   `json:"cost_usd"`
	Error            string    `json:"error,omitempty"`
	AfterCancel      bool      `json:"after_cancel,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ModelKey returns the provider/model identity results are grouped by.
func (r *Result) ModelKey() string {
	return r.Provider + "/" + r.Model
}

// NewResultID generates a result identifier.
func NewResultID() string {
	return "RES-" + uuid.NewString()
}
