package run

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promptarena/promptarena/errors"
	"github.com/promptarena/promptarena/progress"
	"github.com/promptarena/promptarena/queue"
)

// Defaults supplies the orchestrator's fallbacks for fields a run spec leaves
// unset.
type Defaults struct {
	Concurrency    int     // per-run in-flight cap
	MaxAttempts    int     // retry budget per job
	DailyBudgetUSD float64 // spend ceiling across all runs; 0 = no ceiling
}

// Orchestrator owns the test-run state machine. It expands specs into jobs,
// reacts to job transitions reported by the dispatch engine, and derives the
// run's terminal status from aggregate job outcomes. Errors inside a single
// job never fail the whole run.
type Orchestrator struct {
	runs      *Store
	jobs      *queue.Store
	publisher *progress.Publisher
	defaults  Defaults
	log       *zap.SugaredLogger

	// mu serializes completion checks; the store's guarded transition is the
	// real idempotence barrier, the mutex just avoids redundant count queries.
	mu     sync.Mutex
	timers sync.Map // runID -> *time.Timer for run-level timeouts

	// runFinished, when set, is called after a run reaches a terminal status.
	runFinished func(runID string)
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(runs *Store, jobs *queue.Store, publisher *progress.Publisher, defaults Defaults, log *zap.SugaredLogger) *Orchestrator {
	if defaults.Concurrency < 1 {
		defaults.Concurrency = 1
	}
	if defaults.MaxAttempts < 1 {
		defaults.MaxAttempts = 1
	}
	return &Orchestrator{
		runs:      runs,
		jobs:      jobs,
		publisher: publisher,
		defaults:  defaults,
		log:       log,
	}
}

// SetRunFinishedHook registers fn to be called whenever a run reaches a
// terminal status (completed, failed, or cancelled). The dispatch engine uses
// it to drop per-run bookkeeping. Set during startup, before dispatch begins;
// not safe for concurrent mutation afterwards.
func (o *Orchestrator) SetRunFinishedHook(fn func(runID string)) {
	o.runFinished = fn
}

func (o *Orchestrator) notifyRunFinished(runID string) {
	if o.runFinished != nil {
		o.runFinished(runID)
	}
}

// CreateTestRun validates a spec, persists the run as PENDING, and enqueues
// the full models × inputs × iterations cross-product as jobs. The job count
// is fixed here; jobs are never added to a run later. Enqueueing is atomic:
// a failure leaves no partial job set behind.
func (o *Orchestrator) CreateTestRun(projectID, userID, name string, spec Spec) (*TestRun, error) {
	spec.Normalize(o.defaults.Concurrency)
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if o.defaults.DailyBudgetUSD > 0 {
		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		spent, err := o.runs.SpendSince(midnight)
		if err != nil {
			return nil, err
		}
		if spent >= o.defaults.DailyBudgetUSD {
			return nil, errors.Wrapf(errors.ErrInvalidRequest,
				"daily budget exhausted: spent $%.4f of $%.4f", spent, o.defaults.DailyBudgetUSD)
		}
	}

	testRun := NewTestRun(projectID, userID, name, spec)
	if err := o.runs.CreateRun(testRun); err != nil {
		return nil, err
	}

	jobs, err := o.expandJobs(testRun)
	if err != nil {
		return nil, err
	}
	if err := o.jobs.EnqueueAll(jobs); err != nil {
		return nil, errors.Wrapf(err, "failed to enqueue jobs for run %s", testRun.ID)
	}

	o.log.Infow("Created test run",
		"run_id", testRun.ID,
		"project_id", projectID,
		"models", len(spec.Models),
		"inputs", len(spec.Inputs),
		"iterations", spec.Iterations,
		"total_jobs", testRun.TotalJobs)

	o.publisher.Publish(progress.Event{
		Type:       progress.EventRunUpdate,
		RunID:      testRun.ID,
		Status:     string(StatusPending),
		RunStatus:  string(StatusPending),
		TotalCount: testRun.TotalJobs,
	})
	return testRun, nil
}

func (o *Orchestrator) expandJobs(testRun *TestRun) ([]*queue.Job, error) {
	spec := testRun.Spec
	jobs := make([]*queue.Job, 0, testRun.TotalJobs)
	for _, model := range spec.Models {
		for _, input := range spec.Inputs {
			for iter := 1; iter <= spec.Iterations; iter++ {
				payload, err := json.Marshal(queue.InvokeModelPayload{
					Model:          model,
					Prompt:         spec.Prompt,
					Input:          input,
					Iteration:      iter,
					TimeoutSeconds: spec.JobTimeoutSecs,
				})
				if err != nil {
					return nil, errors.Wrap(err, "failed to encode job payload")
				}
				job, err := queue.NewJob(queue.TypeInvokeModel, testRun.ID, payload, 0, o.defaults.MaxAttempts)
				if err != nil {
					return nil, err
				}
				jobs = append(jobs, job)
			}
		}
	}
	return jobs, nil
}

// OnJobClaimed moves a PENDING run to RUNNING the first time one of its jobs
// is claimed. Subsequent claims find the run already RUNNING and do nothing.
// The run-level timeout, when configured, starts counting here.
func (o *Orchestrator) OnJobClaimed(runID string) {
	if runID == "" {
		return
	}
	moved, err := o.runs.Transition(runID, []Status{StatusPending}, StatusRunning)
	if err != nil {
		o.log.Errorw("Failed to start run", "run_id", runID, "error", err)
		return
	}
	if !moved {
		return
	}

	o.log.Infow("Test run started", "run_id", runID)
	o.publishRunEvent(runID, progress.EventRunUpdate, StatusRunning)

	testRun, err := o.runs.GetRun(runID)
	if err != nil {
		o.log.Errorw("Failed to load started run", "run_id", runID, "error", err)
		return
	}
	if testRun.Spec.TimeoutSeconds > 0 {
		o.scheduleTimeout(runID, time.Duration(testRun.Spec.TimeoutSeconds)*time.Second)
	}
}

func (o *Orchestrator) scheduleTimeout(runID string, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		o.timers.Delete(runID)
		cancelled, err := o.cancelRun(runID)
		if err != nil {
			o.log.Errorw("Run timeout cancellation failed", "run_id", runID, "error", err)
			return
		}
		if cancelled {
			o.log.Warnw("Test run timed out", "run_id", runID, "timeout", d)
		}
	})
	o.timers.Store(runID, timer)
}

func (o *Orchestrator) stopTimeout(runID string) {
	if v, ok := o.timers.LoadAndDelete(runID); ok {
		v.(*time.Timer).Stop()
	}
}

// RecordResult persists a job's result and publishes the corresponding
// progress event. Results arriving after the run was cancelled are still
// persisted but flagged so aggregates exclude them. Duplicate deliveries of
// the same (run, job) result are ignored.
func (o *Orchestrator) RecordResult(result *Result, jobStatus queue.Status) error {
	testRun, err := o.runs.GetRun(result.RunID)
	if err != nil {
		return err
	}
	result.AfterCancel = testRun.Status == StatusCancelled

	inserted, err := o.runs.AppendResult(result)
	if err != nil {
		return err
	}
	if !inserted {
		o.log.Debugw("Duplicate result ignored", "run_id", result.RunID, "job_id", result.JobID)
		return nil
	}

	o.publishJobEvent(result.RunID, result.JobID, jobStatus)
	return nil
}

// OnJobTerminal runs the completion check after one of the run's jobs reached
// a terminal state. If every job is terminal the run finalizes: COMPLETED
// when at least one job succeeded, FAILED when none did. Re-invoking after
// the run is already terminal is a no-op (guarded transition).
func (o *Orchestrator) OnJobTerminal(runID string) {
	if runID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	counts, err := o.jobs.CountForRun(runID)
	if err != nil {
		o.log.Errorw("Completion check failed", "run_id", runID, "error", err)
		return
	}
	if !counts.AllTerminal() {
		return
	}

	final := StatusFailed
	if counts.Succeeded > 0 {
		final = StatusCompleted
	}

	moved, err := o.runs.Transition(runID, []Status{StatusPending, StatusRunning}, final)
	if err != nil {
		o.log.Errorw("Failed to finalize run", "run_id", runID, "error", err)
		return
	}
	if !moved {
		// Already terminal (finalized by a racing check, or cancelled).
		return
	}

	o.stopTimeout(runID)
	o.notifyRunFinished(runID)
	o.log.Infow("Test run finished",
		"run_id", runID,
		"status", final,
		"succeeded", counts.Succeeded,
		"dead", counts.Dead)

	o.publisher.Publish(progress.Event{
		Type:           progress.EventRunComplete,
		RunID:          runID,
		Status:         string(final),
		RunStatus:      string(final),
		CompletedCount: counts.Terminal(),
		TotalCount:     counts.Total,
	})
}

// Cancel stops a run on the user's request: the run transitions to CANCELLED
// and its still-queued jobs are cancelled without dispatch. In-flight jobs
// finish naturally; their results are flagged after_cancel. Calling Cancel on
// an already-terminal run is a no-op.
func (o *Orchestrator) Cancel(runID, userID string) error {
	testRun, err := o.getOwnedRun(runID, userID)
	if err != nil {
		return err
	}

	cancelled, err := o.cancelRun(testRun.ID)
	if err != nil {
		return err
	}
	if cancelled {
		o.log.Infow("Test run cancelled", "run_id", runID, "user_id", userID)
	}
	return nil
}

func (o *Orchestrator) cancelRun(runID string) (bool, error) {
	moved, err := o.runs.Transition(runID, []Status{StatusPending, StatusRunning}, StatusCancelled)
	if err != nil {
		return false, err
	}
	if !moved {
		return false, nil
	}
	o.stopTimeout(runID)
	o.notifyRunFinished(runID)

	n, err := o.jobs.CancelPendingForRun(runID)
	if err != nil {
		return true, errors.Wrapf(err, "run %s cancelled but queued jobs were not", runID)
	}
	o.log.Infow("Cancelled queued jobs", "run_id", runID, "count", n)

	o.publishRunEvent(runID, progress.EventRunComplete, StatusCancelled)
	return true, nil
}

// RunResults is the read model for a finished or in-flight run.
type RunResults struct {
	Run       *TestRun       `json:"run"`
	Results   []*Result      `json:"results"`
	Summaries []ModelSummary `json:"summaries"`
}

// GetTestRunResults returns the run, its results, and per-model summaries
// computed on read. Results recorded after cancellation appear in Results but
// not in Summaries.
func (o *Orchestrator) GetTestRunResults(runID, userID string) (*RunResults, error) {
	testRun, err := o.getOwnedRun(runID, userID)
	if err != nil {
		return nil, err
	}
	results, err := o.runs.ListResults(runID)
	if err != nil {
		return nil, err
	}
	return &RunResults{
		Run:       testRun,
		Results:   results,
		Summaries: Aggregate(results),
	}, nil
}

// Progress is the synchronous snapshot for late subscribers: fetch this, then
// subscribe for subsequent events.
type Progress struct {
	RunID     string `json:"run_id"`
	Status    Status `json:"status"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// GetProgress reports how many of a run's jobs are terminal.
func (o *Orchestrator) GetProgress(runID, userID string) (*Progress, error) {
	testRun, err := o.getOwnedRun(runID, userID)
	if err != nil {
		return nil, err
	}
	counts, err := o.jobs.CountForRun(runID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		RunID:     testRun.ID,
		Status:    testRun.Status,
		Completed: counts.Terminal(),
		Total:     testRun.TotalJobs,
	}, nil
}

func (o *Orchestrator) getOwnedRun(runID, userID string) (*TestRun, error) {
	testRun, err := o.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if userID != "" && testRun.UserID != userID {
		// Existence is not revealed to non-owners.
		return nil, errors.Wrapf(errors.ErrNotFound, "test run %s", runID)
	}
	return testRun, nil
}

func (o *Orchestrator) publishRunEvent(runID string, typ progress.EventType, status Status) {
	counts, err := o.jobs.CountForRun(runID)
	if err != nil {
		o.log.Errorw("Failed to count jobs for progress event", "run_id", runID, "error", err)
		counts = queue.JobCounts{}
	}
	o.publisher.Publish(progress.Event{
		Type:           typ,
		RunID:          runID,
		Status:         string(status),
		RunStatus:      string(status),
		CompletedCount: counts.Terminal(),
		TotalCount:     counts.Total,
	})
}

func (o *Orchestrator) publishJobEvent(runID, jobID string, status queue.Status) {
	counts, err := o.jobs.CountForRun(runID)
	if err != nil {
		o.log.Errorw("Failed to count jobs for progress event", "run_id", runID, "error", err)
		return
	}
	o.publisher.Publish(progress.Event{
		Type:           progress.EventJobUpdate,
		RunID:          runID,
		JobID:          jobID,
		Status:         string(status),
		CompletedCount: counts.Terminal(),
		TotalCount:     counts.Total,
	})
}

// PublishJobTransition emits a progress event for a non-result transition
// (claimed, re-queued for retry). The dispatch engine calls this; terminal
// transitions additionally flow through RecordResult and OnJobTerminal.
func (o *Orchestrator) PublishJobTransition(runID, jobID string, status queue.Status) {
	if runID == "" {
		return
	}
	o.publishJobEvent(runID, jobID, status)
}
