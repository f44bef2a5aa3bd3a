package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"transcribeq/internal/job"
	"transcribeq/internal/progress"
	"transcribeq/internal/queue"
	"transcribeq/internal/transcribe"
)

// outcome is what the transcriber goroutine hands back to the loop.
type outcome struct {
	result *transcribe.Result
	err    error
}

// processDelivery drives one claimed queue entry to a terminal state. The
// entry is acknowledged in every settled outcome; it is left unacked only
// when the claim was lost to a live competitor or the process is shutting
// down, so the queue's redelivery machinery can finish the story.
func (w *Worker) processDelivery(ctx context.Context, slotID string, d queue.Delivery) {
	claimed, err := w.tracker.Start(ctx, d.JobID, slotID, d.Attempt)
	if err != nil {
		w.handleClaimFailure(ctx, slotID, d, err)
		return
	}

	w.logger.Info("Processing job",
		slog.String("worker_id", slotID),
		slog.String("job_id", d.JobID),
		slog.String("model", claimed.Model),
		slog.Int("attempt", d.Attempt),
	)
	w.broadcast.Publish(ctx, progress.Event{
		JobID:   d.JobID,
		Percent: 0,
		Status:  job.StatusRunning,
		At:      time.Now().UTC(),
	})

	jobCtx := ctx
	var cancel context.CancelFunc
	if w.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var latest atomic.Int64
	done := make(chan outcome, 1)
	go func() {
		res, err := w.transcriber.Transcribe(jobCtx, transcribe.Request{
			JobID:      claimed.ID,
			Model:      claimed.Model,
			PayloadRef: claimed.PayloadRef,
			OnProgress: func(percent int) {
				if int64(percent) > latest.Load() {
					latest.Store(int64(percent))
				}
			},
		})
		done <- outcome{result: res, err: err}
	}()

	ticker := time.NewTicker(w.cfg.ProgressInterval)
	defer ticker.Stop()

	flushed := 0
	for {
		select {
		case out := <-done:
			w.settle(ctx, slotID, d, int(latest.Load()), flushed, out)
			return
		case <-ticker.C:
			if w.checkpoint(ctx, slotID, d, int(latest.Load()), &flushed) {
				// Advisory cancellation observed. Kill the transcriber and
				// wait for it before releasing the queue slot.
				cancel()
				<-done
				w.ackEntry(ctx, slotID, d.JobID)
				return
			}
		}
	}
}

// handleClaimFailure sorts out a delivery whose job could not be claimed.
// Entries for jobs that are already settled or gone are acknowledged; an
// entry whose job is held by a live competitor stays unacked and drains its
// delivery cap instead.
func (w *Worker) handleClaimFailure(ctx context.Context, slotID string, d queue.Delivery, err error) {
	if errors.Is(err, job.ErrNotFound) {
		w.logger.Warn("Dropping queue entry without a job record",
			slog.String("worker_id", slotID),
			slog.String("job_id", d.JobID),
		)
		w.ackEntry(ctx, slotID, d.JobID)
		return
	}

	var conflict *job.StateConflictError
	if errors.As(err, &conflict) {
		if conflict.Current.Terminal() {
			w.logger.Info("Job already resolved, releasing queue entry",
				slog.String("worker_id", slotID),
				slog.String("job_id", d.JobID),
				slog.String("status", string(conflict.Current)),
			)
			w.ackEntry(ctx, slotID, d.JobID)
			return
		}
		// Another worker holds the job. Leaving the entry unacked lets the
		// delivery cap bound how long a zombie claim can linger.
		w.logger.Warn("Job claimed elsewhere, abandoning delivery",
			slog.String("worker_id", slotID),
			slog.String("job_id", d.JobID),
			slog.String("status", string(conflict.Current)),
			slog.Int("attempt", d.Attempt),
		)
		return
	}

	if ctx.Err() == nil {
		w.logger.Error("Failed to claim job",
			slog.String("worker_id", slotID),
			slog.String("job_id", d.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// checkpoint runs once per progress interval while the transcriber works. It
// reports true when the job was cancelled out from under the worker; the
// caller then stops processing. Otherwise it flushes the latest engine
// percent and renews the queue claim.
func (w *Worker) checkpoint(ctx context.Context, slotID string, d queue.Delivery, latest int, flushed *int) bool {
	snap, err := w.tracker.Get(ctx, d.JobID)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Failed to read job at progress checkpoint",
				slog.String("worker_id", slotID),
				slog.String("job_id", d.JobID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	if snap.Status == job.StatusCancelled {
		w.logger.Info("Job cancelled, stopping work",
			slog.String("worker_id", slotID),
			slog.String("job_id", d.JobID),
		)
		if err := w.tracker.AcknowledgeCancel(ctx, d.JobID); err != nil {
			w.logger.Warn("Failed to acknowledge cancellation",
				slog.String("worker_id", slotID),
				slog.String("job_id", d.JobID),
				slog.String("error", err.Error()),
			)
		}
		w.broadcast.Publish(ctx, progress.Event{
			JobID:   d.JobID,
			Percent: snap.Progress,
			Status:  job.StatusCancelled,
			At:      time.Now().UTC(),
		})
		return true
	}

	if latest > *flushed {
		if w.flushProgress(ctx, slotID, d.JobID, latest) {
			*flushed = latest
		}
	}

	if err := w.queue.Extend(ctx, d.JobID, slotID); err != nil {
		if errors.Is(err, queue.ErrClaimNotHeld) {
			// The claim lapsed, most likely because a checkpoint ran late.
			// The record-level compare-and-set still protects the job, so
			// keep working; a competing claimant will lose there.
			w.logger.Warn("Queue claim lapsed mid-job",
				slog.String("worker_id", slotID),
				slog.String("job_id", d.JobID),
			)
		} else if ctx.Err() == nil {
			w.logger.Warn("Failed to extend queue claim",
				slog.String("worker_id", slotID),
				slog.String("job_id", d.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
	return false
}

// flushProgress records one percent value and publishes it. Reports whether
// the value was committed.
func (w *Worker) flushProgress(ctx context.Context, slotID, jobID string, percent int) bool {
	err := w.tracker.RecordProgress(ctx, jobID, percent)
	if err == nil {
		w.broadcast.Publish(ctx, progress.Event{
			JobID:   jobID,
			Percent: percent,
			Status:  job.StatusRunning,
			At:      time.Now().UTC(),
		})
		return true
	}

	switch {
	case errors.Is(err, job.ErrProgressRegression):
		// A worker bug, not a job failure. Surface it and keep going.
		w.logger.Error("Progress moved backwards",
			slog.String("worker_id", slotID),
			slog.String("job_id", jobID),
			slog.Int("percent", percent),
		)
	case errors.Is(err, job.ErrInvalidState):
		// The job left running between the status check and the flush; the
		// next checkpoint will see why.
	default:
		if ctx.Err() == nil {
			w.logger.Warn("Failed to record progress",
				slog.String("worker_id", slotID),
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
	return false
}

// settle commits the transcriber's outcome and releases the queue entry.
func (w *Worker) settle(ctx context.Context, slotID string, d queue.Delivery, latest, flushed int, out outcome) {
	if out.err != nil {
		w.settleFailure(ctx, slotID, d, out.err)
		return
	}

	if latest > flushed {
		w.flushProgress(ctx, slotID, d.JobID, latest)
	}

	completed, err := w.tracker.Complete(ctx, d.JobID, out.result.ResultRef)
	if err != nil {
		if errors.Is(err, job.ErrStateConflict) {
			// A cancellation won the race to the record. The work is done
			// but the cancel stands; release the entry and move on.
			w.logger.Info("Completion lost to a concurrent transition",
				slog.String("worker_id", slotID),
				slog.String("job_id", d.JobID),
			)
			w.ackEntry(ctx, slotID, d.JobID)
			return
		}
		if ctx.Err() == nil {
			w.logger.Error("Failed to mark job completed",
				slog.String("worker_id", slotID),
				slog.String("job_id", d.JobID),
				slog.String("error", err.Error()),
			)
		}
		// Store trouble: keep the entry so redelivery retries the commit.
		return
	}

	w.logger.Info("Job completed",
		slog.String("worker_id", slotID),
		slog.String("job_id", d.JobID),
		slog.String("result_ref", completed.ResultRef),
	)
	w.broadcast.Publish(ctx, progress.Event{
		JobID:   d.JobID,
		Percent: completed.Progress,
		Status:  job.StatusCompleted,
		At:      time.Now().UTC(),
	})
	w.ackEntry(ctx, slotID, d.JobID)
}

// settleFailure records a failed transcription. A shutdown mid-job fails
// nothing: the entry stays claimed and redelivery picks the job back up.
func (w *Worker) settleFailure(ctx context.Context, slotID string, d queue.Delivery, procErr error) {
	if ctx.Err() != nil {
		w.logger.Info("Shutdown interrupted job, leaving entry for redelivery",
			slog.String("worker_id", slotID),
			slog.String("job_id", d.JobID),
		)
		return
	}

	detail := &job.ErrorDetail{
		Code:    job.ErrorCodeProcessing,
		Message: procErr.Error(),
	}
	if errors.Is(procErr, context.DeadlineExceeded) {
		detail.Code = job.ErrorCodeTimeout
		detail.Message = "transcription exceeded the job timeout"
	}

	failed, err := w.tracker.Fail(ctx, d.JobID, job.StatusRunning, detail)
	if err != nil {
		if errors.Is(err, job.ErrStateConflict) {
			// Cancelled, or the janitor got there first. Already resolved.
			w.ackEntry(ctx, slotID, d.JobID)
			return
		}
		w.logger.Error("Failed to mark job failed",
			slog.String("worker_id", slotID),
			slog.String("job_id", d.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Warn("Job failed",
		slog.String("worker_id", slotID),
		slog.String("job_id", d.JobID),
		slog.String("error_code", detail.Code),
		slog.String("error", procErr.Error()),
	)
	w.broadcast.Publish(ctx, progress.Event{
		JobID:   d.JobID,
		Percent: failed.Progress,
		Status:  job.StatusFailed,
		At:      time.Now().UTC(),
	})
	w.ackEntry(ctx, slotID, d.JobID)
}

func (w *Worker) ackEntry(ctx context.Context, slotID, jobID string) {
	if err := w.queue.Ack(ctx, jobID); err != nil && ctx.Err() == nil {
		w.logger.Error("Failed to ack queue entry",
			slog.String("worker_id", slotID),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
