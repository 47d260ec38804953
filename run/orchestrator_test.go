package run

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/promptarena/errors"
	qatest "github.com/promptarena/promptarena/internal/testing"
	"github.com/promptarena/promptarena/invoke"
	"github.com/promptarena/promptarena/logger"
	"github.com/promptarena/promptarena/progress"
	"github.com/promptarena/promptarena/queue"
)

type orchFixture struct {
	conn      *sql.DB
	runs      *Store
	jobs      *queue.Store
	publisher *progress.Publisher
	orch      *Orchestrator
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	conn := qatest.CreateTestDB(t)
	runs := NewStore(conn)
	jobs := queue.NewStore(conn)
	publisher := progress.NewPublisher()
	orch := NewOrchestrator(runs, jobs, publisher, Defaults{Concurrency: 2, MaxAttempts: 3}, logger.Logger)
	return &orchFixture{conn: conn, runs: runs, jobs: jobs, publisher: publisher, orch: orch}
}

// finishJob claims a run's next job and drives it to the given terminal
// status, recording a result the way the dispatch engine would.
func (f *orchFixture) finishJob(t *testing.T, runID string, succeed bool, errMsg string) {
	t.Helper()
	job, err := f.jobs.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable job")
	require.Equal(t, runID, job.RunID)

	f.orch.OnJobClaimed(job.RunID)

	payload, err := queue.DecodeInvokeModel(job.Payload)
	require.NoError(t, err)

	result := &Result{
		RunID:     job.RunID,
		JobID:     job.ID,
		Provider:  payload.Model.Provider,
		Model:     payload.Model.Model,
		InputID:   payload.Input.ID,
		Iteration: payload.Iteration,
	}
	if succeed {
		result.Output = "ok"
		result.LatencyMS = 100
		require.NoError(t, f.jobs.MarkSucceeded(job.ID))
		require.NoError(t, f.orch.RecordResult(result, queue.StatusSucceeded))
	} else {
		result.Error = errMsg
		_, err := f.jobs.MarkFailed(job.ID, errors.New(errMsg), false, 0)
		require.NoError(t, err)
		require.NoError(t, f.orch.RecordResult(result, queue.StatusDead))
	}
	f.orch.OnJobTerminal(job.RunID)
}

func TestCreateTestRunExpandsCrossProduct(t *testing.T) {
	f := newOrchFixture(t)

	spec := validSpec()
	spec.Iterations = 3
	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "expansion", spec)
	require.NoError(t, err)

	// 2 models x 2 inputs x 3 iterations
	assert.Equal(t, 12, testRun.TotalJobs)
	assert.Equal(t, StatusPending, testRun.Status)

	jobs, err := f.jobs.ListForRun(testRun.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 12)

	perModel := map[string]int{}
	for _, job := range jobs {
		assert.Equal(t, queue.StatusQueued, job.Status)
		payload, err := queue.DecodeInvokeModel(job.Payload)
		require.NoError(t, err)
		perModel[payload.Model.Key()]++
	}
	assert.Equal(t, map[string]int{
		"openai/gpt-4o-mini":        6,
		"anthropic/claude-sonnet-4": 6,
	}, perModel)
}

func TestCreateTestRunRejectsInvalidSpec(t *testing.T) {
	f := newOrchFixture(t)

	spec := validSpec()
	spec.Models = nil
	_, err := f.orch.CreateTestRun("proj-1", "user-1", "invalid", spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestRunStartsOnFirstClaim(t *testing.T) {
	f := newOrchFixture(t)

	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "starts", validSpec())
	require.NoError(t, err)

	job, err := f.jobs.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	f.orch.OnJobClaimed(job.RunID)
	f.orch.OnJobClaimed(job.RunID) // idempotent

	loaded, err := f.runs.GetRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)
	require.NotNil(t, loaded.StartedAt)
}

// Completion correctness: 3 of 4 jobs succeed, 1 goes dead -> COMPLETED.
func TestRunCompletesWithPartialFailures(t *testing.T) {
	f := newOrchFixture(t)

	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "partial", validSpec())
	require.NoError(t, err)
	require.Equal(t, 4, testRun.TotalJobs)

	f.finishJob(t, testRun.ID, false, "invalid api key")
	for i := 0; i < 3; i++ {
		loaded, err := f.runs.GetRun(testRun.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, loaded.Status, "run must stay RUNNING until all jobs are terminal")
		f.finishJob(t, testRun.ID, true, "")
	}

	loaded, err := f.runs.GetRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)
}

// Completion correctness: every job dead -> FAILED.
func TestRunFailsWhenNoJobSucceeds(t *testing.T) {
	f := newOrchFixture(t)

	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "all dead", validSpec())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		f.finishJob(t, testRun.ID, false, "invalid api key")
	}

	loaded, err := f.runs.GetRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
}

func TestCompletionCheckIsIdempotent(t *testing.T) {
	f := newOrchFixture(t)

	spec := validSpec()
	spec.Models = spec.Models[:1]
	spec.Inputs = spec.Inputs[:1]
	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "idempotent check", spec)
	require.NoError(t, err)

	f.finishJob(t, testRun.ID, true, "")

	loaded, err := f.runs.GetRun(testRun.ID)
	require.NoError(t, err)
	completedAt := loaded.CompletedAt
	require.NotNil(t, completedAt)

	// Re-running the check after terminal status is a no-op.
	f.orch.OnJobTerminal(testRun.ID)
	reloaded, err := f.runs.GetRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, reloaded.Status)
	assert.True(t, reloaded.CompletedAt.Equal(*completedAt))
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newOrchFixture(t)

	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "cancel twice", validSpec())
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(testRun.ID, "user-1"))
	require.NoError(t, f.orch.Cancel(testRun.ID, "user-1"))

	loaded, err := f.runs.GetRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, loaded.Status)

	counts, err := f.jobs.CountForRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Cancelled)
	assert.Equal(t, 0, counts.Queued)
}

func TestCancelRejectsNonOwner(t *testing.T) {
	f := newOrchFixture(t)

	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "ownership", validSpec())
	require.NoError(t, err)

	err = f.orch.Cancel(testRun.ID, "user-2")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestInFlightResultAfterCancelIsFlagged(t *testing.T) {
	f := newOrchFixture(t)

	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "late result", validSpec())
	require.NoError(t, err)

	// A worker claims a job, then the user cancels the run mid-flight.
	job, err := f.jobs.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	f.orch.OnJobClaimed(job.RunID)

	require.NoError(t, f.orch.Cancel(testRun.ID, "user-1"))

	// The in-flight job finishes and reports its result.
	require.NoError(t, f.jobs.MarkSucceeded(job.ID))
	payload, err := queue.DecodeInvokeModel(job.Payload)
	require.NoError(t, err)
	err = f.orch.RecordResult(&Result{
		RunID:    testRun.ID,
		JobID:    job.ID,
		Provider: payload.Model.Provider,
		Model:    payload.Model.Model,
		InputID:  payload.Input.ID,
		Output:   "finished anyway",
	}, queue.StatusSucceeded)
	require.NoError(t, err)
	f.orch.OnJobTerminal(testRun.ID)

	// The run stays CANCELLED; the result is persisted but excluded from
	// aggregates.
	loaded, err := f.runs.GetRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, loaded.Status)

	rr, err := f.orch.GetTestRunResults(testRun.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, rr.Results, 1)
	assert.True(t, rr.Results[0].AfterCancel)
	assert.Empty(t, rr.Summaries)
}

// Scenario: 2 models x 3 inputs x 1 iteration, one model always fails
// fatally. The run still completes; the failing model shows a 100% error
// rate, the healthy one 0%.
func TestScenarioOneModelAlwaysFailsFatally(t *testing.T) {
	f := newOrchFixture(t)

	spec := validSpec()
	spec.Inputs = append(spec.Inputs, invoke.TestInput{ID: "in-3", Content: "third document"})
	spec.Concurrency = 3
	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "fatal model", spec)
	require.NoError(t, err)
	require.Equal(t, 6, testRun.TotalJobs)

	for {
		job, err := f.jobs.ClaimNext(nil)
		require.NoError(t, err)
		if job == nil {
			break
		}
		f.orch.OnJobClaimed(job.RunID)

		payload, err := queue.DecodeInvokeModel(job.Payload)
		require.NoError(t, err)
		result := &Result{
			RunID:     job.RunID,
			JobID:     job.ID,
			Provider:  payload.Model.Provider,
			Model:     payload.Model.Model,
			InputID:   payload.Input.ID,
			Iteration: payload.Iteration,
		}
		if payload.Model.Provider == "anthropic" {
			result.Output = "ok"
			result.LatencyMS = 100
			result.CostUSD = 0.01
			require.NoError(t, f.jobs.MarkSucceeded(job.ID))
			require.NoError(t, f.orch.RecordResult(result, queue.StatusSucceeded))
		} else {
			result.Error = "invalid api key"
			_, err := f.jobs.MarkFailed(job.ID, errors.New("invalid api key"), false, 0)
			require.NoError(t, err)
			require.NoError(t, f.orch.RecordResult(result, queue.StatusDead))
		}
		f.orch.OnJobTerminal(job.RunID)
	}

	loaded, err := f.runs.GetRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)

	counts, err := f.jobs.CountForRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Dead)
	assert.Equal(t, 3, counts.Succeeded)

	rr, err := f.orch.GetTestRunResults(testRun.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, rr.Summaries, 2)
	for _, s := range rr.Summaries {
		switch s.ModelKey {
		case "openai/gpt-4o-mini":
			assert.Equal(t, 1.0, s.ErrorRate)
		case "anthropic/claude-sonnet-4":
			assert.Equal(t, 0.0, s.ErrorRate)
		default:
			t.Errorf("unexpected model key %s", s.ModelKey)
		}
	}
}

func TestCreateTestRunEnforcesDailyBudget(t *testing.T) {
	f := newOrchFixture(t)
	f.orch = NewOrchestrator(f.runs, f.jobs, f.publisher, Defaults{Concurrency: 2, MaxAttempts: 3, DailyBudgetUSD: 0.05}, logger.Logger)

	// Under budget: accepted.
	first, err := f.orch.CreateTestRun("proj-1", "user-1", "within budget", validSpec())
	require.NoError(t, err)

	// Record spend that exhausts the ceiling.
	job, err := f.jobs.ClaimNext(nil)
	require.NoError(t, err)
	require.NoError(t, f.jobs.MarkSucceeded(job.ID))
	_, err = f.runs.AppendResult(&Result{
		RunID: first.ID, JobID: job.ID,
		Provider: "openai", Model: "gpt-4o", InputID: "in-1", Iteration: 1,
		CostUSD: 0.06,
	})
	require.NoError(t, err)

	_, err = f.orch.CreateTestRun("proj-1", "user-1", "over budget", validSpec())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Contains(t, err.Error(), "daily budget exhausted")
}

func TestGetProgressSnapshot(t *testing.T) {
	f := newOrchFixture(t)

	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "progress", validSpec())
	require.NoError(t, err)

	p, err := f.orch.GetProgress(testRun.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Completed)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, StatusPending, p.Status)

	f.finishJob(t, testRun.ID, true, "")

	p, err = f.orch.GetProgress(testRun.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, StatusRunning, p.Status)
}

func TestRunTimeoutCancelsRun(t *testing.T) {
	f := newOrchFixture(t)

	spec := validSpec()
	spec.TimeoutSeconds = 1
	testRun, err := f.orch.CreateTestRun("proj-1", "user-1", "timeout", spec)
	require.NoError(t, err)

	// Claiming starts the run and arms the timeout.
	job, err := f.jobs.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	f.orch.OnJobClaimed(job.RunID)

	require.Eventually(t, func() bool {
		loaded, err := f.runs.GetRun(testRun.ID)
		return err == nil && loaded.Status == StatusCancelled
	}, 5*time.Second, 50*time.Millisecond, "run should be cancelled by its timeout")

	counts, err := f.jobs.CountForRun(testRun.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Cancelled, "queued jobs are cancelled; the in-flight one is not")
	assert.Equal(t, 1, counts.Running)
}
