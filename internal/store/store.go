// Package store defines the persistence contract for job records. The job
// table is the source of truth for lifecycle state; every status change goes
// through a compare-and-set update so concurrent writers cannot clobber each
// other.
package store

import (
	"context"
	"time"

	"transcribeq/internal/job"
)

// Cursor marks a position in the job listing, ordered by creation time
// descending with the job id as tie-breaker.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Filter narrows and pages the job listing.
type Filter struct {
	Status job.Status
	Model  string
	Cursor *Cursor
	Limit  int
}

// StatusUpdate describes one compare-and-set transition. The update applies
// only while the job is still in the From status; otherwise the store reports
// a state conflict carrying the status that won.
//
// Pointer fields are written only when non-nil. Entering the running status
// resets progress and stamps started_at; entering a terminal status stamps
// finished_at and leaves progress untouched.
type StatusUpdate struct {
	JobID     string
	From      job.Status
	To        job.Status
	At        time.Time
	WorkerID  *string
	Attempts  *int
	ResultRef *string
	Error     *job.ErrorDetail
}

// Store is the persistence boundary for job records.
type Store interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, f Filter) ([]*job.Job, error)

	// UpdateJobStatus performs the compare-and-set transition described by u
	// and returns the job as written. A miss yields *job.StateConflictError
	// when the record exists and job.ErrNotFound when it does not.
	UpdateJobStatus(ctx context.Context, u StatusUpdate) (*job.Job, error)

	// UpdateJobProgress advances the progress of a running job. Percent may
	// repeat but never decrease.
	UpdateJobProgress(ctx context.Context, id string, percent int, at time.Time) error

	// ListPendingBefore returns ids of jobs still pending whose last update
	// is at or before cutoff, oldest first.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// DeleteJob removes a job record. Only terminal jobs may be deleted.
	DeleteJob(ctx context.Context, id string) error
}
