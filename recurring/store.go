package recurring

import (
	"database/sql"
	"time"

	"github.com/promptarena/promptarena/errors"
)

// Store persists recurring job templates.
type Store struct {
	db *sql.DB
}

// NewStore creates a recurring job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a recurring job.
func (s *Store) Create(j *Job) error {
	payload := sql.NullString{String: string(j.Payload), Valid: len(j.Payload) > 0}
	_, err := s.db.Exec(`
		INSERT INTO recurring_jobs (id, type, payload, interval_seconds, enabled, next_run_at, last_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, payload, int(j.Interval.Seconds()), j.Enabled, j.NextRunAt, j.LastRunAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create recurring job %s", j.ID)
	}
	return nil
}

const recurringSelectColumns = `id, type, payload, interval_seconds, enabled, next_run_at, last_run_at, created_at, updated_at`

func scanRecurring(scan func(dest ...interface{}) error) (*Job, error) {
	var (
		j               Job
		payload         sql.NullString
		intervalSeconds int
		nextRunAt       sql.NullTime
		lastRunAt       sql.NullTime
	)
	err := scan(&j.ID, &j.Type, &payload, &intervalSeconds, &j.Enabled, &nextRunAt, &lastRunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	j.Interval = time.Duration(intervalSeconds) * time.Second
	if nextRunAt.Valid {
		t := nextRunAt.Time
		j.NextRunAt = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		j.LastRunAt = &t
	}
	return &j, nil
}

// Get retrieves a recurring job by ID.
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+recurringSelectColumns+` FROM recurring_jobs WHERE id = ?`, id)
	j, err := scanRecurring(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "recurring job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recurring job")
	}
	return j, nil
}

// ListDue returns enabled recurring jobs whose next run time has passed.
func (s *Store) ListDue(now time.Time) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+recurringSelectColumns+` FROM recurring_jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due recurring jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanRecurring(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan recurring job")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListByType returns recurring jobs of one dispatch job type.
func (s *Store) ListByType(jobType string) ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT `+recurringSelectColumns+` FROM recurring_jobs WHERE type = ? ORDER BY created_at ASC`, jobType)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list recurring jobs of type %s", jobType)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanRecurring(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan recurring job")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkRan advances the schedule after a tick enqueued the job's work:
// last_run_at = now, next_run_at = now + interval.
func (s *Store) MarkRan(j *Job, now time.Time) error {
	next := now.Add(j.Interval)
	_, err := s.db.Exec(`
		UPDATE recurring_jobs SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		now, next, now, j.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to advance recurring job %s", j.ID)
	}
	return nil
}

// SetEnabled toggles a recurring job. Disabled jobs are skipped by the ticker
// but keep their schedule.
func (s *Store) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE recurring_jobs SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to toggle recurring job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "toggle rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "recurring job %s", id)
	}
	return nil
}

// Delete removes a recurring job.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM recurring_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete recurring job %s", id)
	}
	return nil
}
