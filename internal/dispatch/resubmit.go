package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"transcribeq/internal/job"
)

// RunResubmitter periodically re-enqueues jobs that stayed pending past the
// configured age, which happens when a submission crashed between persisting
// the record and the queue hand-off. Runs until ctx is done.
func (d *Dispatcher) RunResubmitter(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ResubmitInterval)
	defer ticker.Stop()

	d.logger.Info("Pending job resubmitter started",
		slog.Duration("interval", d.cfg.ResubmitInterval),
		slog.Duration("min_age", d.cfg.ResubmitMinAge),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Pending job resubmitter stopped")
			return
		case <-ticker.C:
			d.resubmitPending(ctx)
		}
	}
}

func (d *Dispatcher) resubmitPending(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.ResubmitMinAge)
	ids, err := d.store.ListPendingBefore(ctx, cutoff, d.cfg.ResubmitBatch)
	if err != nil {
		d.logger.Error("Failed to list stale pending jobs",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, id := range ids {
		if err := d.queue.Enqueue(ctx, id); err != nil {
			d.logger.Warn("Failed to re-enqueue pending job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, err := d.tracker.Transition(ctx, id, job.StatusPending, job.StatusQueued); err != nil {
			if !errors.Is(err, job.ErrStateConflict) {
				d.logger.Warn("Failed to mark re-enqueued job queued",
					slog.String("job_id", id),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		d.logger.Info("Re-enqueued stale pending job",
			slog.String("job_id", id),
		)
	}
}
