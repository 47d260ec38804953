package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/promptarena/promptarena/errors"
)

// Store handles persistence of dispatch jobs. It is the only component that
// multiple workers mutate concurrently; every transition is a single
// transaction guarded by a status predicate, so SQLite's writer serialization
// gives the single-claim invariant for free.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new queued job.
func (s *Store) Enqueue(job *Job) error {
	if err := ValidatePayload(job.Type, job.Payload); err != nil {
		return errors.Wrap(err, "refusing to enqueue job")
	}
	if err := s.insertJob(s.db, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Type: %s", job.Type))
		return err
	}
	return nil
}

// EnqueueAll inserts a batch of jobs in one transaction. Either every job is
// queued or none are; run creation depends on this atomicity.
func (s *Store) EnqueueAll(jobs []*Job) error {
	for _, job := range jobs {
		if err := ValidatePayload(job.Type, job.Payload); err != nil {
			return errors.Wrapf(err, "refusing to enqueue job %s", job.ID)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin enqueue batch")
	}
	for _, job := range jobs {
		if err := s.insertJob(tx, job); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to enqueue job %s", job.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit enqueue batch")
	}
	return nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertJob(e execer, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, run_id, type, payload, priority, attempts, max_attempts,
			status, last_error, not_before, created_at, started_at, processed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	runID := sql.NullString{String: job.RunID, Valid: job.RunID != ""}
	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}

	_, err := e.Exec(query,
		job.ID, runID, job.Type, payload, job.Priority, job.Attempts, job.MaxAttempts,
		job.Status, job.LastError, job.NotBefore, job.CreatedAt, job.StartedAt, job.ProcessedAt, job.UpdatedAt,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE id = ?`

	var job Job
	err := scanJobFromRow(s.db.QueryRow(query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return &job, nil
}

// ClaimNext atomically transitions the next claimable job to RUNNING and
// returns it, or (nil, nil) when nothing is claimable. QUEUED jobs and FAILED
// jobs whose backoff has elapsed are both claimable. Ordering is priority
// descending, then enqueue time ascending (FIFO within a band). Jobs whose
// not_before lies in the future are skipped, as are jobs owned by any run in
// excludeRuns (runs without per-run concurrency headroom).
//
// The claim increments attempts: attempts counts execution attempts started.
func (s *Store) ClaimNext(excludeRuns []string) (*Job, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin claim")
	}
	defer tx.Rollback()

	where := `status IN (?, ?) AND (not_before IS NULL OR not_before <= ?)`
	args := []interface{}{StatusQueued, StatusFailed, now}
	if len(excludeRuns) > 0 {
		placeholders := strings.Repeat("?,", len(excludeRuns))
		placeholders = placeholders[:len(placeholders)-1]
		where += ` AND (run_id IS NULL OR run_id NOT IN (` + placeholders + `))`
		for _, runID := range excludeRuns {
			args = append(args, runID)
		}
	}

	var id string
	query := `SELECT id FROM jobs WHERE ` + where + ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`
	err = tx.QueryRow(query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // nothing claimable
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select claimable job")
	}

	// The status predicate is the claim's compare-and-swap: if another worker
	// got here first, zero rows change and we report nothing claimable.
	res, err := tx.Exec(`
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, started_at = ?, not_before = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusRunning, now, now, id, StatusQueued, StatusFailed,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim job %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "claim rows affected")
	}
	if affected == 0 {
		return nil, nil
	}

	var job Job
	if err := scanJobFromRow(tx.QueryRow(`SELECT `+jobSelectColumns+` FROM jobs WHERE id = ?`, id), &job); err != nil {
		return nil, errors.Wrapf(err, "failed to reload claimed job %s", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}
	return &job, nil
}

// MarkSucceeded transitions a RUNNING job to SUCCEEDED. Terminal states are
// permanent: marking an already-terminal job is a no-op, which makes result
// recording idempotent under at-least-once dispatch.
func (s *Store) MarkSucceeded(id string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusSucceeded, now, now, id, StatusRunning,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s succeeded", id)
	}
	return nil
}

// MarkFailed records a failure. Retryable failures with attempts remaining are
// parked as FAILED with not_before = now + delay and return requeued=true; the
// job becomes claimable again once the backoff elapses. Fatal failures and
// exhausted retries transition to DEAD and return false.
func (s *Store) MarkFailed(id string, cause error, retryable bool, delay time.Duration) (requeued bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, errors.Wrap(err, "begin fail transition")
	}
	defer tx.Rollback()

	var job Job
	if err := scanJobFromRow(tx.QueryRow(`SELECT `+jobSelectColumns+` FROM jobs WHERE id = ?`, id), &job); err != nil {
		return false, errors.Wrapf(err, "failed to load job %s", id)
	}
	if job.Status != StatusRunning {
		// Already transitioned elsewhere (e.g. cancelled run); leave it alone.
		return false, tx.Commit()
	}

	now := time.Now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if retryable && job.Attempts < job.MaxAttempts {
		notBefore := now.Add(delay)
		_, err = tx.Exec(`
			UPDATE jobs SET status = ?, last_error = ?, not_before = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusFailed, msg, notBefore, now, id, StatusRunning,
		)
		if err != nil {
			return false, errors.Wrapf(err, "failed to park job %s for retry", id)
		}
		return true, tx.Commit()
	}

	_, err = tx.Exec(`
		UPDATE jobs SET status = ?, last_error = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusDead, msg, now, now, id, StatusRunning,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark job %s dead", id)
	}
	return false, tx.Commit()
}

// CancelPendingForRun transitions all undispatched jobs of a run (QUEUED, or
// FAILED awaiting backoff) to CANCELLED. RUNNING jobs are left to finish
// (best-effort cancellation, not preemption). Returns the number of jobs
// cancelled; calling again on an already-cancelled run cancels zero jobs, so
// cancellation is idempotent.
func (s *Store) CancelPendingForRun(runID string) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, processed_at = ?, updated_at = ?
		WHERE run_id = ? AND status IN (?, ?)`,
		StatusCancelled, now, now, runID, StatusQueued, StatusFailed,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to cancel queued jobs for run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cancel rows affected")
	}
	return int(n), nil
}

// JobCounts summarizes a run's jobs by status. Queued counts QUEUED jobs plus
// FAILED jobs parked for backoff; both will be dispatched again.
type JobCounts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Dead      int `json:"dead"`
	Cancelled int `json:"cancelled"`
}

// Terminal returns how many jobs are in a terminal state.
func (c JobCounts) Terminal() int {
	return c.Succeeded + c.Dead + c.Cancelled
}

// AllTerminal reports whether no job can transition again.
func (c JobCounts) AllTerminal() bool {
	return c.Total > 0 && c.Terminal() == c.Total
}

// CountForRun returns per-status counts for a run's jobs.
func (s *Store) CountForRun(runID string) (JobCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return JobCounts{}, errors.Wrapf(err, "failed to count jobs for run %s", runID)
	}
	defer rows.Close()

	var counts JobCounts
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return JobCounts{}, errors.Wrap(err, "failed to scan job count")
		}
		counts.Total += n
		switch status {
		case StatusQueued, StatusFailed:
			counts.Queued += n
		case StatusRunning:
			counts.Running += n
		case StatusSucceeded:
			counts.Succeeded += n
		case StatusDead:
			counts.Dead += n
		case StatusCancelled:
			counts.Cancelled += n
		}
	}
	if err := rows.Err(); err != nil {
		return JobCounts{}, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// ListForRun returns all jobs belonging to a run, oldest first.
func (s *Store) ListForRun(runID string) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobSelectColumns+` FROM jobs WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs for run %s", runID)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListByStatus returns jobs with the given status, oldest first, up to limit.
func (s *Store) ListByStatus(status Status, limit int) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobSelectColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s jobs", status)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// RequeueOrphans re-queues jobs stuck in RUNNING from a previous crash.
// Attempts already incremented at claim time are kept, so a crash-looping job
// still drains to DEAD rather than retrying forever.
func (s *Store) RequeueOrphans(limit int) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, last_error = '', updated_at = ?
		WHERE id IN (SELECT id FROM jobs WHERE status = ? LIMIT ?)`,
		StatusQueued, now, StatusRunning, limit,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue orphaned jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "requeue rows affected")
	}
	return int(n), nil
}

// CleanupOldJobs removes terminal jobs older than the specified duration.
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		StatusSucceeded, StatusDead, StatusCancelled, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cleanup rows affected")
	}
	return int(n), nil
}

// Stats returns queue-wide counts for monitoring. Jobs awaiting a retry
// backoff count as queued.
func (s *Store) Stats() (queued, running int, err error) {
	row := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM jobs`, StatusQueued, StatusFailed, StatusRunning)
	if err := row.Scan(&queued, &running); err != nil {
		return 0, 0, errors.Wrap(err, "failed to read queue stats")
	}
	return queued, running, nil
}
