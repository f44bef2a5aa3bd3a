package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"transcribeq/internal/job"
	"transcribeq/internal/progress"
)

// snapshotEvent renders a job record as the equivalent progress event.
func snapshotEvent(j *job.Job) progress.Event {
	return progress.Event{
		JobID:   j.ID,
		Percent: j.Progress,
		Status:  j.Status,
		At:      j.UpdatedAt,
	}
}

// StreamProgress handles GET /api/v1/jobs/:job_id/progress
// Serves the job's progress as a server-sent event stream: the current
// record snapshot first, then live events until the job reaches a terminal
// state or the client disconnects. Hub delivery is best-effort, so the
// stream also polls the record; a job that settles without an event
// reaching this instance still ends the stream with its terminal snapshot.
func (h *JobHandler) StreamProgress(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	// Subscribe before reading so no event can slip between the snapshot
	// and the subscription.
	events, unsubscribe := h.hub.Subscribe(jobID)
	defer unsubscribe()

	snapshot, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent("progress", snapshotEvent(snapshot))
	c.Writer.Flush()

	if snapshot.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(h.streamPoll)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			c.SSEvent("progress", ev)
			c.Writer.Flush()
			if ev.Status.Terminal() {
				return
			}
		case <-ticker.C:
			snapshot, err := h.store.GetJob(c.Request.Context(), jobID)
			if err != nil {
				return
			}
			if snapshot.Status.Terminal() {
				c.SSEvent("progress", snapshotEvent(snapshot))
				c.Writer.Flush()
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// Health handles GET /health
func Health(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "transcribeq-api",
		})
	}
}
