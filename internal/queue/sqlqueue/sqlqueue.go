// Package sqlqueue implements the durable queue on the relational database,
// sharing the connection the job store uses. Claims are optimistic: a worker
// selects the head of the queue and takes it with a guarded update, so two
// workers can race for the same entry and exactly one wins. Timestamps are
// fixed-width UTC text, matching the job store's storage convention.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"transcribeq/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
    job_id        TEXT PRIMARY KEY,
    enqueued_at   TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    claimed_by    TEXT NOT NULL DEFAULT '',
    claimed_until TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_claimed_until ON queue_entries (claimed_until);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	defaultVisibilityTimeout = 5 * time.Minute
	defaultMaxDeliveries     = 3

	// claimAttempts bounds how often one Dequeue call retries after losing
	// a claim race before reporting an empty queue.
	claimAttempts = 3
)

// Options tune queue behavior.
type Options struct {
	// VisibilityTimeout is how long a claimed entry stays hidden before it
	// becomes claimable again.
	VisibilityTimeout time.Duration

	// MaxDeliveries caps how many times one entry may be claimed.
	MaxDeliveries int
}

// SQLQueue is the relational implementation of the work queue.
type SQLQueue struct {
	db            *sqlx.DB
	visibility    time.Duration
	maxDeliveries int
	now           func() time.Time
}

var _ queue.Queue = (*SQLQueue)(nil)

// New prepares the queue table and returns a queue bound to db.
func New(db *sqlx.DB, opts Options) (*SQLQueue, error) {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibilityTimeout
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = defaultMaxDeliveries
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create queue schema: %w", err)
	}

	return &SQLQueue{
		db:            db,
		visibility:    opts.VisibilityTimeout,
		maxDeliveries: opts.MaxDeliveries,
		now:           time.Now,
	}, nil
}

// Enqueue adds jobID to the queue. An id that is already tracked, claimed or
// not, is left untouched.
func (q *SQLQueue) Enqueue(ctx context.Context, jobID string) error {
	query := q.db.Rebind(`
		INSERT INTO queue_entries (job_id, enqueued_at)
		VALUES (?, ?)
		ON CONFLICT (job_id) DO NOTHING`)
	if _, err := q.db.ExecContext(ctx, query, jobID, q.fmtNow()); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue claims the oldest visible entry for workerID. Each claim raises
// the attempt counter and hides the entry for the visibility window.
func (q *SQLQueue) Dequeue(ctx context.Context, workerID string) (*queue.Delivery, error) {
	for i := 0; i < claimAttempts; i++ {
		var head struct {
			JobID    string `db:"job_id"`
			Attempts int    `db:"attempts"`
		}

		now := q.now().UTC()
		selectQuery := q.db.Rebind(`
			SELECT job_id, attempts FROM queue_entries
			WHERE attempts < ? AND (claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY enqueued_at ASC, job_id ASC
			LIMIT 1`)
		err := q.db.GetContext(ctx, &head, selectQuery, q.maxDeliveries, fmtTime(now))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select queue head: %w", err)
		}

		attempt := head.Attempts + 1
		claimQuery := q.db.Rebind(`
			UPDATE queue_entries
			SET attempts = ?, claimed_by = ?, claimed_until = ?
			WHERE job_id = ? AND attempts = ?
			  AND (claimed_until IS NULL OR claimed_until <= ?)`)
		res, err := q.db.ExecContext(ctx, claimQuery,
			attempt, workerID, fmtTime(now.Add(q.visibility)),
			head.JobID, head.Attempts, fmtTime(now))
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", head.JobID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read claim result for job %s: %w", head.JobID, err)
		}
		if affected == 1 {
			return &queue.Delivery{JobID: head.JobID, Attempt: attempt}, nil
		}
		// Another worker took the head first; look again.
	}
	return nil, queue.ErrEmpty
}

// Ack removes the entry for jobID. Missing entries are fine.
func (q *SQLQueue) Ack(ctx context.Context, jobID string) error {
	query := q.db.Rebind(`DELETE FROM queue_entries WHERE job_id = ?`)
	if _, err := q.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	return nil
}

// Extend pushes the claim deadline out by one visibility window. Only the
// holder of a live claim may extend it.
func (q *SQLQueue) Extend(ctx context.Context, jobID, workerID string) error {
	now := q.now().UTC()
	query := q.db.Rebind(`
		UPDATE queue_entries
		SET claimed_until = ?
		WHERE job_id = ? AND claimed_by = ?
		  AND claimed_until IS NOT NULL AND claimed_until > ?`)
	res, err := q.db.ExecContext(ctx, query,
		fmtTime(now.Add(q.visibility)), jobID, workerID, fmtTime(now))
	if err != nil {
		return fmt.Errorf("failed to extend claim on job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read extend result for job %s: %w", jobID, err)
	}
	if affected == 0 {
		return queue.ErrClaimNotHeld
	}
	return nil
}

// Depth counts entries currently claimable.
func (q *SQLQueue) Depth(ctx context.Context) (int, error) {
	var depth int
	query := q.db.Rebind(`
		SELECT COUNT(*) FROM queue_entries
		WHERE attempts < ? AND (claimed_until IS NULL OR claimed_until <= ?)`)
	if err := q.db.GetContext(ctx, &depth, query, q.maxDeliveries, q.fmtNow()); err != nil {
		return 0, fmt.Errorf("failed to measure queue depth: %w", err)
	}
	return depth, nil
}

// Expired lists entries that reached the delivery cap and whose last claim
// has lapsed.
func (q *SQLQueue) Expired(ctx context.Context) ([]queue.Delivery, error) {
	var rows []struct {
		JobID    string `db:"job_id"`
		Attempts int    `db:"attempts"`
	}
	query := q.db.Rebind(`
		SELECT job_id, attempts FROM queue_entries
		WHERE attempts >= ? AND claimed_until IS NOT NULL AND claimed_until <= ?
		ORDER BY claimed_until ASC`)
	if err := q.db.SelectContext(ctx, &rows, query, q.maxDeliveries, q.fmtNow()); err != nil {
		return nil, fmt.Errorf("failed to list expired entries: %w", err)
	}

	deliveries := make([]queue.Delivery, 0, len(rows))
	for _, r := range rows {
		deliveries = append(deliveries, queue.Delivery{JobID: r.JobID, Attempt: r.Attempts})
	}
	return deliveries, nil
}

func (q *SQLQueue) fmtNow() string {
	return fmtTime(q.now().UTC())
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
