package job

import (
	"time"
)

// Status is the lifecycle state of a transcription job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions holds the allowed edges of the job state machine.
// Terminal states have no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusCancelled, StatusFailed},
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the edge from -> to exists in the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// Job is the persistent record of a single transcription request.
type Job struct {
	ID         string       `json:"job_id"`
	Model      string       `json:"model"`
	PayloadRef string       `json:"payload_ref"`
	Status     Status       `json:"status"`
	Progress   int          `json:"progress"`
	Attempts   int          `json:"attempts"`
	WorkerID   string       `json:"worker_id,omitempty"`
	ResultRef  string       `json:"result_ref,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// New builds a pending job record with the given identity and input.
func New(id, model, payloadRef string, now time.Time) *Job {
	return &Job{
		ID:         id,
		Model:      model,
		PayloadRef: payloadRef,
		Status:     StatusPending,
		Progress:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
