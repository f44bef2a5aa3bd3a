package dto

import (
	"time"

	"transcribeq/internal/job"
)

type SubmitJobRequest struct {
	Model      string `json:"model" binding:"required"`
	PayloadRef string `json:"payload_ref" binding:"required"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	Model    string `form:"model"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// JobResponse is the read-only snapshot of a job record returned by every
// job endpoint.
type JobResponse struct {
	JobID      string           `json:"job_id"`
	Model      string           `json:"model"`
	PayloadRef string           `json:"payload_ref"`
	Status     string           `json:"status"`
	Progress   int              `json:"progress"`
	Attempts   int              `json:"attempts"`
	WorkerID   string           `json:"worker_id,omitempty"`
	ResultRef  string           `json:"result_ref,omitempty"`
	Error      *job.ErrorDetail `json:"error,omitempty"`
	CreatedAt  string           `json:"created_at"`
	UpdatedAt  string           `json:"updated_at"`
	StartedAt  string           `json:"started_at,omitempty"`
	FinishedAt string           `json:"finished_at,omitempty"`
}

// FromJob maps a job record onto the response shape. Timestamps are RFC3339
// with sub-second precision.
func FromJob(j *job.Job) JobResponse {
	return JobResponse{
		JobID:      j.ID,
		Model:      j.Model,
		PayloadRef: j.PayloadRef,
		Status:     string(j.Status),
		Progress:   j.Progress,
		Attempts:   j.Attempts,
		WorkerID:   j.WorkerID,
		ResultRef:  j.ResultRef,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  j.UpdatedAt.UTC().Format(time.RFC3339Nano),
		StartedAt:  fmtOptional(j.StartedAt),
		FinishedAt: fmtOptional(j.FinishedAt),
	}
}

func fmtOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
