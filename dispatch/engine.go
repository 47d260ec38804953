package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/promptarena/promptarena/db"
	"github.com/promptarena/promptarena/errors"
	"github.com/promptarena/promptarena/invoke"
	"github.com/promptarena/promptarena/queue"
	"github.com/promptarena/promptarena/run"
)

// Config tunes the dispatch engine.
type Config struct {
	Workers        int               // global worker pool size, bounds total in-flight calls
	PollInterval   time.Duration     // idle wait between claim attempts
	JobTimeout     time.Duration     // per-job timeout when the payload sets none
	Retry          queue.RetryPolicy // backoff for retryable failures
	CallsPerMinute int               // global provider rate limit; 0 = unlimited
}

// DefaultConfig returns conservative engine settings.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 250 * time.Millisecond,
		JobTimeout:   2 * time.Minute,
		Retry:        queue.DefaultRetryPolicy(),
	}
}

const orphanRecoveryBatch = 500

// Engine continuously claims ready jobs and executes them against the
// registered invokers. Two limits apply simultaneously: the worker pool size
// bounds total in-flight calls, and each run's concurrency limit bounds how
// many of that run's jobs may be in flight at once. A job is only claimed
// when both have headroom.
type Engine struct {
	cfg      Config
	jobs     *queue.Store
	runs     *run.Store
	orch     *run.Orchestrator
	registry *invoke.Registry
	limiter  *runLimiter
	rate     *rate.Limiter // nil when unlimited
	log      *zap.SugaredLogger

	// claimMu serializes claim+reserve so a run's limit is never oversubscribed
	// between the exclusion snapshot and the slot reservation.
	claimMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a dispatch engine.
func NewEngine(cfg Config, jobs *queue.Store, runs *run.Store, orch *run.Orchestrator, registry *invoke.Registry, log *zap.SugaredLogger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.Retry == (queue.RetryPolicy{}) {
		cfg.Retry = queue.DefaultRetryPolicy()
	}

	var limiter *rate.Limiter
	if cfg.CallsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.CallsPerMinute)), cfg.Workers)
	}

	e := &Engine{
		cfg:      cfg,
		jobs:     jobs,
		runs:     runs,
		orch:     orch,
		registry: registry,
		limiter:  newRunLimiter(),
		rate:     limiter,
		stopCh:   make(chan struct{}),
		log:      log,
	}
	// Finished runs never claim again; drop their concurrency bookkeeping so
	// the limiter does not grow for the life of the daemon.
	orch.SetRunFinishedHook(e.limiter.forget)
	return e
}

// Start recovers orphaned jobs and launches the worker pool. Returns
// immediately; work happens on background goroutines until Stop.
func (e *Engine) Start() error {
	recovered, err := e.jobs.RequeueOrphans(orphanRecoveryBatch)
	if err != nil {
		return errors.Wrap(err, "orphan recovery failed")
	}
	if recovered > 0 {
		e.log.Warnw("Re-queued jobs orphaned by a previous shutdown", "count", recovered)
	}

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}
	e.log.Infow("Dispatch engine started",
		"workers", e.cfg.Workers,
		"poll_interval", e.cfg.PollInterval)
	return nil
}

// Stop shuts the pool down gracefully: workers finish their current job and
// exit. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
	e.log.Infow("Dispatch engine stopped")
}

func (e *Engine) workerLoop(id int) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			// Drain until the queue has nothing claimable, then idle.
			for {
				select {
				case <-e.stopCh:
					return
				default:
				}
				job := e.claim()
				if job == nil {
					break
				}
				e.execute(job)
			}
		}
	}
}

// claim atomically takes the next job both limits have headroom for. A store
// error leaves the job QUEUED for a later attempt by any worker.
func (e *Engine) claim() *queue.Job {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()

	job, err := e.jobs.ClaimNext(e.limiter.atCapacity())
	if err != nil {
		if db.IsDatabaseClosed(err) {
			// Shutdown closed the database under a mid-poll worker.
			e.log.Debugw("Claim skipped, database closed")
			return nil
		}
		e.log.Errorw("Claim failed, leaving job queued", "error", err)
		return nil
	}
	if job == nil {
		return nil
	}

	if job.RunID != "" {
		if !e.limiter.hasLimit(job.RunID) {
			testRun, err := e.runs.GetRun(job.RunID)
			if err != nil {
				e.log.Errorw("Failed to load run for concurrency limit", "run_id", job.RunID, "error", err)
				e.limiter.setLimit(job.RunID, 1)
			} else {
				e.limiter.setLimit(job.RunID, testRun.Spec.Concurrency)
			}
		}
		// Cannot fail: runs at capacity were excluded from the claim and
		// claimMu is held.
		e.limiter.acquire(job.RunID)
	}
	return job
}

func (e *Engine) execute(job *queue.Job) {
	if job.RunID != "" {
		defer e.limiter.release(job.RunID)
		e.orch.OnJobClaimed(job.RunID)
		e.orch.PublishJobTransition(job.RunID, job.ID, queue.StatusRunning)
	}

	switch job.Type {
	case queue.TypeInvokeModel:
		e.executeInvoke(job)
	case queue.TypeCleanup:
		e.executeCleanup(job)
	default:
		// Unknown types cannot be enqueued (validated), but a schema from a
		// newer version might contain them. Dead-letter, don't retry.
		e.failJob(job, errors.Newf("no executor for job type %s", job.Type), false)
	}
}

func (e *Engine) executeInvoke(job *queue.Job) {
	payload, err := queue.DecodeInvokeModel(job.Payload)
	if err != nil {
		e.failJob(job, err, false)
		return
	}

	timeout := e.cfg.JobTimeout
	if payload.TimeoutSeconds > 0 {
		timeout = time.Duration(payload.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if e.rate != nil {
		if err := e.rate.Wait(ctx); err != nil {
			e.failJob(job, invoke.Retryablef(invoke.ErrorCodeRateLimited, err, "timed out waiting for rate limit headroom"), true)
			return
		}
	}

	invoker := e.registry.Get(payload.Model.Provider)
	if invoker == nil {
		e.failJob(job, invoke.Fatalf(invoke.ErrorCodeBadConfig, nil, "no invoker registered for provider %s", payload.Model.Provider), false)
		return
	}

	result, err := invoker.Invoke(ctx, payload.Model, payload.Prompt, payload.Input)
	if err != nil {
		e.failJob(job, err, invoke.IsRetryable(err))
		return
	}

	if err := e.jobs.MarkSucceeded(job.ID); err != nil {
		e.log.Errorw("Failed to mark job succeeded", "job_id", job.ID, "error", err)
		return
	}
	if err := e.orch.RecordResult(&run.Result{
		RunID:            job.RunID,
		JobID:            job.ID,
		Provider:         payload.Model.Provider,
		Model:            payload.Model.Model,
		InputID:          payload.Input.ID,
		Iteration:        payload.Iteration,
		Output:           result.Output,
		ParsedOutput:     result.ParsedOutput,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
		LatencyMS:        result.LatencyMS,
		CostUSD:          result.CostUSD,
	}, queue.StatusSucceeded); err != nil {
		e.log.Errorw("Failed to record result", "job_id", job.ID, "error", err)
	}
	e.orch.OnJobTerminal(job.RunID)
}

// failJob routes a failure through the retry policy: retryable failures with
// attempts remaining are parked as FAILED until their backoff elapses,
// everything else goes DEAD and a failure result is recorded.
func (e *Engine) failJob(job *queue.Job, cause error, retryable bool) {
	delay := e.cfg.Retry.Delay(job.Attempts)
	requeued, err := e.jobs.MarkFailed(job.ID, cause, retryable, delay)
	if err != nil {
		e.log.Errorw("Failed to record job failure", "job_id", job.ID, "error", err)
		return
	}

	if requeued {
		e.log.Debugw("Job parked for retry",
			"job_id", job.ID,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"delay", delay,
			"error", cause)
		e.orch.PublishJobTransition(job.RunID, job.ID, queue.StatusFailed)
		return
	}

	e.log.Warnw("Job dead",
		"job_id", job.ID,
		"run_id", job.RunID,
		"attempts", job.Attempts,
		"error", cause)

	if job.RunID != "" && job.Type == queue.TypeInvokeModel {
		payload, decodeErr := queue.DecodeInvokeModel(job.Payload)
		if decodeErr == nil {
			if err := e.orch.RecordResult(&run.Result{
				RunID:     job.RunID,
				JobID:     job.ID,
				Provider:  payload.Model.Provider,
				Model:     payload.Model.Model,
				InputID:   payload.Input.ID,
				Iteration: payload.Iteration,
				Error:     cause.Error(),
			}, queue.StatusDead); err != nil {
				e.log.Errorw("Failed to record failure result", "job_id", job.ID, "error", err)
			}
		}
	}
	e.orch.OnJobTerminal(job.RunID)
}

func (e *Engine) executeCleanup(job *queue.Job) {
	payload, err := queue.DecodeCleanup(job.Payload)
	if err != nil {
		e.failJob(job, err, false)
		return
	}

	removed, err := e.jobs.CleanupOldJobs(time.Duration(payload.OlderThanHours) * time.Hour)
	if err != nil {
		e.failJob(job, err, true)
		return
	}

	if removed > 0 {
		e.log.Infow("Cleaned up old jobs", "removed", removed, "older_than_hours", payload.OlderThanHours)
	}
	if err := e.jobs.MarkSucceeded(job.ID); err != nil {
		e.log.Errorw("Failed to mark cleanup job succeeded", "job_id", job.ID, "error", err)
	}
}
