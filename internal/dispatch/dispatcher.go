// Package dispatch admits new jobs into the system. Submission persists the
// record first, then hands it to the queue, then commits the queued status.
// With that ordering a crash can only leave a pending record behind, never a
// queue entry without a record, and the resubmitter later re-enqueues stale
// pending jobs. The queue tolerates duplicate enqueues, so the recovery path
// needs no coordination.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"transcribeq/internal/job"
	"transcribeq/internal/queue"
	"transcribeq/internal/store"
	"transcribeq/internal/tracker"
)

var (
	// ErrQueueSaturated rejects submissions while the queue backlog is at
	// its configured ceiling.
	ErrQueueSaturated = errors.New("queue is saturated")

	// ErrUnknownModel rejects submissions naming a model outside the
	// catalog.
	ErrUnknownModel = errors.New("unknown model")
)

const (
	defaultMaxQueueDepth    = 256
	defaultResubmitInterval = 30 * time.Second
	defaultResubmitMinAge   = time.Minute
	defaultResubmitBatch    = 100
)

// Config tunes admission control and pending job recovery.
type Config struct {
	// MaxQueueDepth is the backlog size at which submissions are rejected.
	MaxQueueDepth int

	// Models is the catalog of accepted model names. Empty accepts any
	// model.
	Models []string

	// ResubmitInterval is how often the resubmitter looks for stale
	// pending jobs.
	ResubmitInterval time.Duration

	// ResubmitMinAge is how long a job must sit pending before the
	// resubmitter touches it, keeping it clear of in-flight submissions.
	ResubmitMinAge time.Duration

	// ResubmitBatch caps jobs recovered per sweep.
	ResubmitBatch int
}

// Dispatcher turns submissions into queued jobs.
type Dispatcher struct {
	store   store.Store
	queue   queue.Queue
	tracker *tracker.Tracker
	cfg     Config
	models  map[string]struct{}
	logger  *slog.Logger
}

// New returns a dispatcher writing through st and q.
func New(st store.Store, q queue.Queue, tr *tracker.Tracker, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.ResubmitInterval <= 0 {
		cfg.ResubmitInterval = defaultResubmitInterval
	}
	if cfg.ResubmitMinAge <= 0 {
		cfg.ResubmitMinAge = defaultResubmitMinAge
	}
	if cfg.ResubmitBatch <= 0 {
		cfg.ResubmitBatch = defaultResubmitBatch
	}

	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = struct{}{}
	}

	return &Dispatcher{
		store:   st,
		queue:   q,
		tracker: tr,
		cfg:     cfg,
		models:  models,
		logger:  logger,
	}
}

// Submit accepts a transcription request and returns the stored job. The
// snapshot is normally queued; it stays pending when the queue hand-off
// fails, and the resubmitter finishes the hand-off later.
func (d *Dispatcher) Submit(ctx context.Context, model, payloadRef string) (*job.Job, error) {
	if payloadRef == "" {
		return nil, errors.New("payload_ref is required")
	}
	if len(d.models) > 0 {
		if _, ok := d.models[model]; !ok {
			return nil, fmt.Errorf("model %q is not in the catalog: %w", model, ErrUnknownModel)
		}
	}

	depth, err := d.queue.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to measure queue depth: %w", err)
	}
	if depth >= d.cfg.MaxQueueDepth {
		return nil, fmt.Errorf("queue depth %d reached limit %d: %w", depth, d.cfg.MaxQueueDepth, ErrQueueSaturated)
	}

	rec := job.New(uuid.New().String(), model, payloadRef, time.Now().UTC())
	if err := d.store.CreateJob(ctx, rec); err != nil {
		return nil, err
	}

	if err := d.queue.Enqueue(ctx, rec.ID); err != nil {
		d.logger.Warn("Job accepted but not enqueued, leaving it pending",
			slog.String("job_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return rec, nil
	}

	queued, err := d.tracker.Transition(ctx, rec.ID, job.StatusPending, job.StatusQueued)
	if err != nil {
		if errors.Is(err, job.ErrStateConflict) {
			// Something, most likely a cancel or an eager worker, moved
			// the job already. Report whatever it is now.
			if snap, getErr := d.tracker.Get(ctx, rec.ID); getErr == nil {
				return snap, nil
			}
		}
		d.logger.Warn("Job enqueued but still recorded pending",
			slog.String("job_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return rec, nil
	}

	d.logger.Info("Job submitted",
		slog.String("job_id", rec.ID),
		slog.String("model", model),
		slog.Int("queue_depth", depth+1),
	)
	return queued, nil
}
