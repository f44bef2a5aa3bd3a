package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"transcribeq/internal/dispatch"
	"transcribeq/internal/job"
	"transcribeq/internal/progress"
	"transcribeq/internal/store"
	"transcribeq/internal/tracker"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Store      store.Store
	Tracker    *tracker.Tracker
	Dispatcher *dispatch.Dispatcher
	Hub        *progress.Hub

	// HealthCheck pings backing dependencies; nil skips the dependency
	// check on /health.
	HealthCheck func(ctx context.Context) error

	// StreamPollInterval is how often an open progress stream re-reads the
	// record to catch jobs that settled without an event reaching this
	// instance. Zero means the default.
	StreamPollInterval time.Duration
}

const defaultStreamPollInterval = 2 * time.Second

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	store      store.Store
	tracker    *tracker.Tracker
	dispatcher *dispatch.Dispatcher
	hub        *progress.Hub
	streamPoll time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	streamPoll := deps.StreamPollInterval
	if streamPoll <= 0 {
		streamPoll = defaultStreamPollInterval
	}

	return &JobHandler{
		logger:     deps.Logger,
		store:      deps.Store,
		tracker:    deps.Tracker,
		dispatcher: deps.Dispatcher,
		hub:        deps.Hub,
		streamPoll: streamPoll,
	}
}

// renderError maps domain errors onto HTTP responses. State conflicts and
// invalid-state operations both land on 409: the caller's view of the job is
// stale and should be refreshed with a status read.
func (h *JobHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, dispatch.ErrUnknownModel):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrQueueSaturated):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "queue is saturated, try again later"})
	case errors.Is(err, job.ErrInvalidState), errors.Is(err, job.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
