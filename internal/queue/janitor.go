package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transcribeq/internal/job"
	"transcribeq/internal/progress"
	"transcribeq/internal/tracker"
)

// Janitor sweeps the queue for entries that exhausted their delivery cap and
// settles the jobs behind them. A job that is still not terminal after its
// last claim lapsed is marked failed with a max retries detail; the entry is
// then acknowledged so it stops occupying the queue.
type Janitor struct {
	queue     Queue
	tracker   *tracker.Tracker
	broadcast *progress.Broadcaster
	interval  time.Duration
	logger    *slog.Logger
}

// NewJanitor returns a janitor sweeping q every interval.
func NewJanitor(q Queue, tr *tracker.Tracker, broadcast *progress.Broadcaster, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		queue:     q,
		tracker:   tr,
		broadcast: broadcast,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("Queue janitor started",
		slog.Duration("sweep_interval", j.interval),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Queue janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	expired, err := j.queue.Expired(ctx)
	if err != nil {
		j.logger.Error("Failed to list expired queue entries",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, d := range expired {
		j.resolve(ctx, d)
	}
}

// resolve settles one exhausted entry. Store errors leave the entry in place
// so the next sweep picks it up again.
func (j *Janitor) resolve(ctx context.Context, d Delivery) {
	snap, err := j.tracker.Get(ctx, d.JobID)
	if errors.Is(err, job.ErrNotFound) {
		j.ack(ctx, d.JobID)
		return
	}
	if err != nil {
		j.logger.Error("Failed to load job for exhausted queue entry",
			slog.String("job_id", d.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if !snap.Status.Terminal() {
		detail := &job.ErrorDetail{
			Code:    job.ErrorCodeMaxRetries,
			Message: fmt.Sprintf("no successful processing after %d deliveries", d.Attempt),
		}
		failed, err := j.tracker.Fail(ctx, d.JobID, snap.Status, detail)
		switch {
		case err == nil:
			j.logger.Warn("Job failed after exhausting deliveries",
				slog.String("job_id", d.JobID),
				slog.Int("attempts", d.Attempt),
			)
			j.broadcast.Publish(ctx, progress.Event{
				JobID:   d.JobID,
				Percent: failed.Progress,
				Status:  failed.Status,
				At:      time.Now().UTC(),
			})
		case errors.Is(err, job.ErrStateConflict):
			// Someone settled the job between the read and the fail.
		default:
			j.logger.Error("Failed to settle exhausted job",
				slog.String("job_id", d.JobID),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	j.ack(ctx, d.JobID)
}

func (j *Janitor) ack(ctx context.Context, jobID string) {
	if err := j.queue.Ack(ctx, jobID); err != nil {
		j.logger.Error("Failed to ack exhausted queue entry",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
