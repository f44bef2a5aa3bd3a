// Package worker runs the processing loop: claim a queue entry, start the
// job, drive the transcriber, flush progress at a fixed cadence, settle the
// job, acknowledge the entry. Job state is guarded by compare-and-set
// transitions, so two workers that end up holding the same entry cannot
// corrupt the record; one of them loses the claim and backs off.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"transcribeq/internal/progress"
	"transcribeq/internal/queue"
	"transcribeq/internal/tracker"
	"transcribeq/internal/transcribe"
)

const (
	defaultConcurrency      = 2
	defaultPollInterval     = time.Second
	defaultProgressInterval = 2 * time.Second
)

// Config tunes the worker pool.
type Config struct {
	// WorkerID is the base identity of this process. Worker slots derive
	// their ids from it. Generated when empty.
	WorkerID string

	// Concurrency is how many jobs this process works at once.
	Concurrency int

	// PollInterval is the pause between polls of an empty queue.
	PollInterval time.Duration

	// ProgressInterval is the cadence for flushing progress, renewing the
	// queue claim, and checking for cancellation.
	ProgressInterval time.Duration

	// JobTimeout bounds one transcription. Zero disables the bound.
	JobTimeout time.Duration
}

// Worker is a pool of processing loops sharing one queue.
type Worker struct {
	cfg         Config
	queue       queue.Queue
	tracker     *tracker.Tracker
	transcriber transcribe.Transcriber
	broadcast   *progress.Broadcaster
	logger      *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a worker pool. Zero config fields fall back to defaults.
func New(cfg Config, q queue.Queue, tr *tracker.Tracker, transcriber transcribe.Transcriber, broadcast *progress.Broadcaster, logger *slog.Logger) *Worker {
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	return &Worker{
		cfg:         cfg,
		queue:       q,
		tracker:     tr,
		transcriber: transcriber,
		broadcast:   broadcast,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start launches the worker slots. They run until Stop is called or ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting worker pool",
		slog.String("worker_id", w.cfg.WorkerID),
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("progress_interval", w.cfg.ProgressInterval),
		slog.Duration("job_timeout", w.cfg.JobTimeout),
	)

	for i := 0; i < w.cfg.Concurrency; i++ {
		slotID := fmt.Sprintf("%s-%d", w.cfg.WorkerID, i)
		w.wg.Add(1)
		go w.runLoop(ctx, slotID)
	}
}

// Stop asks the slots to finish their current jobs and waits for them.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker pool stopped",
		slog.String("worker_id", w.cfg.WorkerID),
	)
}

// runLoop is the main processing loop for one worker slot.
func (w *Worker) runLoop(ctx context.Context, slotID string) {
	defer w.wg.Done()

	w.logger.Info("Worker slot started",
		slog.String("worker_id", slotID),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker slot stopping",
				slog.String("worker_id", slotID),
			)
			return
		case <-ctx.Done():
			w.logger.Info("Worker slot stopping - context canceled",
				slog.String("worker_id", slotID),
			)
			return
		default:
		}

		d, err := w.queue.Dequeue(ctx, slotID)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("Failed to poll queue",
					slog.String("worker_id", slotID),
					slog.String("error", err.Error()),
				)
			}
			w.idle(ctx)
			continue
		}

		w.processDelivery(ctx, slotID, *d)
	}
}

// idle waits out one poll interval, or less when the worker is told to stop.
func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.stopChan:
	}
}
