package queue

import (
	"database/sql"
)

// jobScanArgs holds the nullable columns scanned alongside a Job.
type jobScanArgs struct {
	RunID       sql.NullString
	Payload     sql.NullString
	LastError   sql.NullString
	NotBefore   sql.NullTime
	StartedAt   sql.NullTime
	ProcessedAt sql.NullTime
}

// jobSelectColumns is the canonical column list for job SELECT queries,
// in the order expected by scanTargets.
const jobSelectColumns = `id, run_id, type, payload, priority, attempts, max_attempts,
	status, last_error, not_before, created_at, started_at, processed_at, updated_at`

func scanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&args.RunID,
		&job.Type,
		&args.Payload,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Status,
		&args.LastError,
		&args.NotBefore,
		&job.CreatedAt,
		&args.StartedAt,
		&args.ProcessedAt,
		&job.UpdatedAt,
	}
}

func applyScanArgs(job *Job, args *jobScanArgs) {
	if args.RunID.Valid {
		job.RunID = args.RunID.String
	}
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.LastError.Valid {
		job.LastError = args.LastError.String
	}
	if args.NotBefore.Valid {
		t := args.NotBefore.Time
		job.NotBefore = &t
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.ProcessedAt.Valid {
		t := args.ProcessedAt.Time
		job.ProcessedAt = &t
	}
}

// scanJobFromRow scans a single job from a sql.Row.
func scanJobFromRow(row *sql.Row, job *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(scanTargets(job, args)...); err != nil {
		return err
	}
	applyScanArgs(job, args)
	return nil
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops).
func scanJobFromRows(rows *sql.Rows, job *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(scanTargets(job, args)...); err != nil {
		return err
	}
	applyScanArgs(job, args)
	return nil
}
