// Package sqlstore implements the job store on a relational database through
// sqlx. Queries are written with ? placeholders and rebound per driver, so
// the same code runs on PostgreSQL and on SQLite. Timestamps are computed in
// Go and stored as fixed-width UTC text, which keeps ordering and comparisons
// portable across drivers.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"transcribeq/internal/job"
	"transcribeq/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id       TEXT PRIMARY KEY,
    model        TEXT NOT NULL,
    payload_ref  TEXT NOT NULL,
    status       TEXT NOT NULL,
    progress     INTEGER NOT NULL DEFAULT 0,
    attempts     INTEGER NOT NULL DEFAULT 0,
    worker_id    TEXT NOT NULL DEFAULT '',
    result_ref   TEXT NOT NULL DEFAULT '',
    error_detail TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    started_at   TEXT,
    finished_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs (status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at, job_id);
`

// timeLayout pads fractional seconds to nine digits so UTC timestamps stored
// as text compare correctly with string ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore persists job records through an sqlx database handle.
type SQLStore struct {
	db *sqlx.DB
}

var _ store.Store = (*SQLStore)(nil)

// New prepares the jobs table and returns a store bound to db.
func New(db *sqlx.DB) (*SQLStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create jobs schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

type jobRow struct {
	JobID       string         `db:"job_id"`
	Model       string         `db:"model"`
	PayloadRef  string         `db:"payload_ref"`
	Status      string         `db:"status"`
	Progress    int            `db:"progress"`
	Attempts    int            `db:"attempts"`
	WorkerID    string         `db:"worker_id"`
	ResultRef   string         `db:"result_ref"`
	ErrorDetail string         `db:"error_detail"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
	StartedAt   sql.NullString `db:"started_at"`
	FinishedAt  sql.NullString `db:"finished_at"`
}

const jobColumns = "job_id, model, payload_ref, status, progress, attempts, worker_id, result_ref, error_detail, created_at, updated_at, started_at, finished_at"

func (r *jobRow) toDomain() (*job.Job, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: bad created_at: %w", r.JobID, err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: bad updated_at: %w", r.JobID, err)
	}
	startedAt, err := parseNullTime(r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: bad started_at: %w", r.JobID, err)
	}
	finishedAt, err := parseNullTime(r.FinishedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: bad finished_at: %w", r.JobID, err)
	}
	detail, err := job.DecodeErrorDetail(r.ErrorDetail)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.JobID, err)
	}

	return &job.Job{
		ID:         r.JobID,
		Model:      r.Model,
		PayloadRef: r.PayloadRef,
		Status:     job.Status(r.Status),
		Progress:   r.Progress,
		Attempts:   r.Attempts,
		WorkerID:   r.WorkerID,
		ResultRef:  r.ResultRef,
		Error:      detail,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}, nil
}

// CreateJob inserts a new job record.
func (s *SQLStore) CreateJob(ctx context.Context, j *job.Job) error {
	detail, err := job.EncodeErrorDetail(j.Error)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		j.ID, j.Model, j.PayloadRef, string(j.Status), j.Progress, j.Attempts,
		j.WorkerID, j.ResultRef, detail,
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
		fmtNullTime(j.StartedAt), fmtNullTime(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob fetches a single job by id.
func (s *SQLStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	return row.toDomain()
}

// ListJobs returns jobs matching the filter, newest first.
func (s *SQLStore) ListJobs(ctx context.Context, f store.Filter) ([]*job.Job, error) {
	var conditions []string
	var args []any

	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, f.Model)
	}
	if f.Cursor != nil {
		conditions = append(conditions, "(created_at < ? OR (created_at = ? AND job_id < ?))")
		mark := fmtTime(f.Cursor.CreatedAt)
		args = append(args, mark, mark, f.Cursor.JobID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// UpdateJobStatus applies a compare-and-set transition and returns the job as
// written. When the guard misses, the current record decides between
// job.ErrNotFound and *job.StateConflictError.
func (s *SQLStore) UpdateJobStatus(ctx context.Context, u store.StatusUpdate) (*job.Job, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(u.To), fmtTime(u.At)}

	if u.To == job.StatusRunning {
		sets = append(sets, "progress = 0", "started_at = ?")
		args = append(args, fmtTime(u.At))
	}
	if u.To.Terminal() {
		sets = append(sets, "finished_at = ?")
		args = append(args, fmtTime(u.At))
	}
	if u.WorkerID != nil {
		sets = append(sets, "worker_id = ?")
		args = append(args, *u.WorkerID)
	}
	if u.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *u.Attempts)
	}
	if u.ResultRef != nil {
		sets = append(sets, "result_ref = ?")
		args = append(args, *u.ResultRef)
	}
	if u.Error != nil {
		detail, err := job.EncodeErrorDetail(u.Error)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "error_detail = ?")
		args = append(args, detail)
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE job_id = ? AND status = ?", strings.Join(sets, ", "))
	args = append(args, u.JobID, string(u.From))

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s status: %w", u.JobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result for job %s: %w", u.JobID, err)
	}

	if affected == 0 {
		current, err := s.GetJob(ctx, u.JobID)
		if err != nil {
			return nil, err
		}
		return nil, &job.StateConflictError{JobID: u.JobID, Expected: u.From, Current: current.Status}
	}
	return s.GetJob(ctx, u.JobID)
}

// UpdateJobProgress advances progress on a running job. Equal values are
// accepted so repeated flushes stay idempotent; smaller values are rejected.
func (s *SQLStore) UpdateJobProgress(ctx context.Context, id string, percent int, at time.Time) error {
	query := s.db.Rebind(`
		UPDATE jobs SET progress = ?, updated_at = ?
		WHERE job_id = ? AND status = ? AND progress <= ?`)
	res, err := s.db.ExecContext(ctx, query, percent, fmtTime(at), id, string(job.StatusRunning), percent)
	if err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read progress result for job %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}

	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != job.StatusRunning {
		return &job.InvalidStateError{JobID: id, Current: current.Status, Op: "record progress"}
	}
	return fmt.Errorf("job %s: progress %d is behind recorded %d: %w", id, percent, current.Progress, job.ErrProgressRegression)
}

// ListPendingBefore returns ids of pending jobs untouched since cutoff,
// oldest first.
func (s *SQLStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	query := s.db.Rebind(`
		SELECT job_id FROM jobs
		WHERE status = ? AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &ids, query, string(job.StatusPending), fmtTime(cutoff), limit); err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return ids, nil
}

// DeleteJob removes a terminal job record.
func (s *SQLStore) DeleteJob(ctx context.Context, id string) error {
	query := s.db.Rebind(`
		DELETE FROM jobs WHERE job_id = ? AND status IN (?, ?, ?)`)
	res, err := s.db.ExecContext(ctx, query, id,
		string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCancelled))
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result for job %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}

	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return &job.InvalidStateError{JobID: id, Current: current.Status, Op: "delete"}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
