package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"transcribeq/internal/api/dto"
	"transcribeq/internal/job"
	"transcribeq/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SubmitJob handles POST /api/v1/jobs
// Accepts a transcription request and hands it to the dispatcher.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid submit request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "model and payload_ref are required",
		})
		return
	}

	submitted, err := h.dispatcher.Submit(c.Request.Context(), req.Model, req.PayloadRef)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.FromJob(submitted))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the read-only snapshot of one job record.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	snapshot, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(snapshot))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with status/model filters and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid query parameters",
		})
		return
	}

	if req.Status != "" && !job.Status(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown status filter",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid cursor",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	jobs, err := h.store.ListJobs(c.Request.Context(), store.Filter{
		Status: job.Status(req.Status),
		Model:  req.Model,
		Cursor: cursor,
		Limit:  req.PageSize + 1,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{
		Jobs: make([]dto.JobResponse, len(jobs)),
	}
	for i, j := range jobs {
		resp.Jobs[i] = dto.FromJob(j)
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&store.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a job that has not finished. Cancelling a running job is advisory:
// the status flips immediately and the worker stops at its next checkpoint.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	cancelled, err := h.tracker.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	h.logger.Info("Job cancellation accepted",
		slog.String("job_id", jobID),
	)
	c.JSON(http.StatusAccepted, dto.FromJob(cancelled))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Removes a terminal job record.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.store.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.renderError(c, err)
		return
	}

	h.logger.Info("Job deleted",
		slog.String("job_id", jobID),
	)
	c.Status(http.StatusNoContent)
}

// jobID validates the :job_id path parameter.
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}
