// Package tracker is the lifecycle authority for jobs. All status changes go
// through it so the state machine edges and compare-and-set guards are
// enforced in one place. Concurrent writers race freely; the first committed
// transition wins and later writers receive a state conflict describing the
// status that beat them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transcribeq/internal/job"
	"transcribeq/internal/store"
)

// Tracker applies job lifecycle transitions on top of a store.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
}

// New returns a tracker writing through st.
func New(st store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		logger: logger,
	}
}

// Get returns the current job snapshot.
func (t *Tracker) Get(ctx context.Context, id string) (*job.Job, error) {
	return t.store.GetJob(ctx, id)
}

// Transition moves a job along one edge of the state machine. The edge is
// validated before the store is touched; an edge missing from the machine is
// an invalid state error regardless of what the record currently holds.
func (t *Tracker) Transition(ctx context.Context, id string, from, to job.Status) (*job.Job, error) {
	if !job.CanTransition(from, to) {
		return nil, &job.InvalidStateError{JobID: id, Current: from, Op: fmt.Sprintf("transition to %s", to)}
	}

	updated, err := t.store.UpdateJobStatus(ctx, store.StatusUpdate{
		JobID: id,
		From:  from,
		To:    to,
		At:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("Job status transition",
		slog.String("job_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return updated, nil
}

// Start claims a job for a worker, moving it into running and recording the
// worker id and delivery attempt. Jobs are normally claimed out of queued; a
// job still pending, because the dispatcher crashed before committing the
// queued transition, is claimed directly from pending.
func (t *Tracker) Start(ctx context.Context, id, workerID string, attempt int) (*job.Job, error) {
	update := store.StatusUpdate{
		JobID:    id,
		From:     job.StatusQueued,
		To:       job.StatusRunning,
		At:       time.Now().UTC(),
		WorkerID: &workerID,
		Attempts: &attempt,
	}

	claimed, err := t.store.UpdateJobStatus(ctx, update)
	if err != nil {
		var conflict *job.StateConflictError
		if !errors.As(err, &conflict) || conflict.Current != job.StatusPending {
			return nil, err
		}
		update.From = job.StatusPending
		claimed, err = t.store.UpdateJobStatus(ctx, update)
		if err != nil {
			return nil, err
		}
	}

	t.logger.Info("Job claimed",
		slog.String("job_id", id),
		slog.String("worker_id", workerID),
		slog.Int("attempt", attempt),
	)
	return claimed, nil
}

// RecordProgress advances the progress of a running job. Percent may repeat
// across flushes but never move backwards.
func (t *Tracker) RecordProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("progress percent %d out of range [0,100]", percent)
	}
	return t.store.UpdateJobProgress(ctx, id, percent, time.Now().UTC())
}

// Complete marks a running job as successfully finished.
func (t *Tracker) Complete(ctx context.Context, id, resultRef string) (*job.Job, error) {
	updated, err := t.store.UpdateJobStatus(ctx, store.StatusUpdate{
		JobID:     id,
		From:      job.StatusRunning,
		To:        job.StatusCompleted,
		At:        time.Now().UTC(),
		ResultRef: &resultRef,
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("Job completed",
		slog.String("job_id", id),
		slog.String("result_ref", resultRef),
	)
	return updated, nil
}

// Fail marks a job as failed with a structured reason. The from status must
// have a failed edge in the state machine.
func (t *Tracker) Fail(ctx context.Context, id string, from job.Status, detail *job.ErrorDetail) (*job.Job, error) {
	if !job.CanTransition(from, job.StatusFailed) {
		return nil, &job.InvalidStateError{JobID: id, Current: from, Op: "fail"}
	}

	updated, err := t.store.UpdateJobStatus(ctx, store.StatusUpdate{
		JobID: id,
		From:  from,
		To:    job.StatusFailed,
		At:    time.Now().UTC(),
		Error: detail,
	})
	if err != nil {
		return nil, err
	}

	code := ""
	if detail != nil {
		code = detail.Code
	}
	t.logger.Warn("Job failed",
		slog.String("job_id", id),
		slog.String("from", string(from)),
		slog.String("error_code", code),
	)
	return updated, nil
}

// Cancel requests cancellation of a job that has not finished. Pending and
// queued jobs are cancelled immediately; running jobs flip to cancelled here
// and the worker notices at its next checkpoint. Cancelling a terminal job
// is an invalid state error.
//
// A transition racing past between the read and the update is retried once
// against the fresh status, so cancel keeps its effect when, say, a pending
// job becomes queued underneath it.
func (t *Tracker) Cancel(ctx context.Context, id string) (*job.Job, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := t.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return nil, &job.InvalidStateError{JobID: id, Current: current.Status, Op: "cancel"}
		}

		cancelled, err := t.store.UpdateJobStatus(ctx, store.StatusUpdate{
			JobID: id,
			From:  current.Status,
			To:    job.StatusCancelled,
			At:    time.Now().UTC(),
		})
		if err == nil {
			t.logger.Info("Job cancelled",
				slog.String("job_id", id),
				slog.String("was", string(current.Status)),
			)
			return cancelled, nil
		}
		if !errors.Is(err, job.ErrStateConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// AcknowledgeCancel is called by a worker that observed a cancellation while
// processing. The status was already flipped by Cancel, so this is normally
// a no-op; it still commits running to cancelled if it finds the flip has
// not happened.
func (t *Tracker) AcknowledgeCancel(ctx context.Context, id string) error {
	current, err := t.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == job.StatusCancelled {
		return nil
	}
	if current.Status != job.StatusRunning {
		return &job.InvalidStateError{JobID: id, Current: current.Status, Op: "acknowledge cancel"}
	}

	_, err = t.store.UpdateJobStatus(ctx, store.StatusUpdate{
		JobID: id,
		From:  job.StatusRunning,
		To:    job.StatusCancelled,
		At:    time.Now().UTC(),
	})
	if err != nil {
		var conflict *job.StateConflictError
		if errors.As(err, &conflict) && conflict.Current == job.StatusCancelled {
			return nil
		}
		return err
	}
	return nil
}
