package run

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/promptarena/promptarena/errors"
)

// Store persists test runs and their results.
type Store struct {
	db *sql.DB
}

// NewStore creates a run store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRun inserts a new run record.
func (s *Store) CreateRun(r *TestRun) error {
	spec, err := json.Marshal(r.Spec)
	if err != nil {
		return errors.Wrap(err, "failed to encode run spec")
	}
	_, err = s.db.Exec(`
		INSERT INTO test_runs (id, project_id, user_id, name, status, spec, total_jobs, created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.UserID, r.Name, r.Status, string(spec), r.TotalJobs,
		r.CreatedAt, r.StartedAt, r.CompletedAt, r.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create test run")
		err = errors.WithDetail(err, fmt.Sprintf("Run ID: %s", r.ID))
		return err
	}
	return nil
}

const runSelectColumns = `id, project_id, user_id, name, status, spec, total_jobs,
	created_at, started_at, completed_at, updated_at`

func scanRun(scan func(dest ...interface{}) error) (*TestRun, error) {
	var (
		r           TestRun
		spec        string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := scan(&r.ID, &r.ProjectID, &r.UserID, &r.Name, &r.Status, &spec, &r.TotalJobs,
		&r.CreatedAt, &startedAt, &completedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(spec), &r.Spec); err != nil {
		return nil, errors.Wrap(err, "failed to decode run spec")
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*TestRun, error) {
	row := s.db.QueryRow(`SELECT `+runSelectColumns+` FROM test_runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "test run %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get test run")
	}
	return r, nil
}

// ListRunsByStatus returns runs in a given status, oldest first.
func (s *Store) ListRunsByStatus(status Status) ([]*TestRun, error) {
	rows, err := s.db.Query(
		`SELECT `+runSelectColumns+` FROM test_runs WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s runs", status)
	}
	defer rows.Close()

	var runs []*TestRun
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan test run")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Transition moves a run from one of the expected statuses to a new status.
// Returns false when the run was not in any expected status, which makes
// lifecycle transitions idempotent: the losing caller observes false and
// stops. started_at is stamped on entering RUNNING, completed_at on entering
// a terminal status.
func (s *Store) Transition(id string, from []Status, to Status) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one expected status")
	}

	now := time.Now().UTC()
	set := `status = ?, updated_at = ?`
	args := []interface{}{to, now}
	if to == StatusRunning {
		set += `, started_at = ?`
		args = append(args, now)
	}
	if to.IsTerminal() {
		set += `, completed_at = ?`
		args = append(args, now)
	}

	placeholders := ""
	for i := range from {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	args = append(args, id)
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.Exec(
		`UPDATE test_runs SET `+set+` WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to transition run %s to %s", id, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "transition rows affected")
	}
	return n == 1, nil
}

// AppendResult records a job's result. Recording is idempotent under
// at-least-once dispatch: a duplicate (run_id, job_id) is silently ignored and
// reported as inserted=false.
func (s *Store) AppendResult(r *Result) (inserted bool, err error) {
	if r.ID == "" {
		r.ID = NewResultID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO results (
			id, run_id, job_id, provider, model, input_id, iteration,
			output, parsed_output, prompt_tokens, completion_tokens, total_tokens,
			latency_ms, cost_usd, error, after_cancel, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, r.JobID, r.Provider, r.Model, r.InputID, r.Iteration,
		r.Output, r.ParsedOutput, r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.LatencyMS, r.CostUSD, r.Error, r.AfterCancel, r.CreatedAt,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to append result for job %s", r.JobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "append result rows affected")
	}
	return n == 1, nil
}

const resultSelectColumns = `id, run_id, job_id, provider, model, input_id, iteration,
	output, parsed_output, prompt_tokens, completion_tokens, total_tokens,
	latency_ms, cost_usd, error, after_cancel, created_at`

func scanResult(scan func(dest ...interface{}) error) (*Result, error) {
	var (
		r            Result
		output       sql.NullString
		parsedOutput sql.NullString
		errMsg       sql.NullString
	)
	err := scan(&r.ID, &r.RunID, &r.JobID, &r.Provider, &r.Model, &r.InputID, &r.Iteration,
		&output, &parsedOutput, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		&r.LatencyMS, &r.CostUSD, &errMsg, &r.AfterCancel, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Output = output.String
	r.ParsedOutput = parsedOutput.String
	r.Error = errMsg.String
	return &r, nil
}

// ListResults returns every result of a run, including after-cancel ones,
// oldest first.
func (s *Store) ListResults(runID string) ([]*Result, error) {
	return s.listResults(runID, false)
}

// ListAggregableResults returns the results that count toward summaries:
// results recorded after cancellation are excluded.
func (s *Store) ListAggregableResults(runID string) ([]*Result, error) {
	return s.listResults(runID, true)
}

// SpendSince sums invocation cost across all runs from a point in time,
// for budget enforcement.
func (s *Store) SpendSince(since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(cost_usd), 0) FROM results WHERE created_at >= ?`, since).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sum spend")
	}
	return total, nil
}

func (s *Store) listResults(runID string, excludeAfterCancel bool) ([]*Result, error) {
	query := `SELECT ` + resultSelectColumns + ` FROM results WHERE run_id = ?`
	if excludeAfterCancel {
		query += ` AND after_cancel = 0`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list results for run %s", runID)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r, err := scanResult(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan result")
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
