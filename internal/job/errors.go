package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Domain errors surfaced by the job store and tracker. Callers classify
// failures with errors.Is rather than string matching.
var (
	ErrNotFound           = errors.New("job not found")
	ErrStateConflict      = errors.New("job state conflict")
	ErrInvalidState       = errors.New("invalid job state")
	ErrProgressRegression = errors.New("progress regression")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Error detail codes recorded on failed jobs.
const (
	ErrorCodeProcessing = "processing_error"
	ErrorCodeTimeout    = "timeout"
	ErrorCodeMaxRetries = "max_retries_exceeded"
)

// StateConflictError reports a compare-and-set transition that lost to a
// concurrent writer. Current carries the status observed after the miss.
type StateConflictError struct {
	JobID    string
	Expected Status
	Current  Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("job %s: expected status %s but found %s", e.JobID, e.Expected, e.Current)
}

func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

// InvalidStateError reports an operation applied to a job whose current
// status does not permit it, such as deleting a running job.
type InvalidStateError struct {
	JobID   string
	Current Status
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("job %s: cannot %s in status %s", e.JobID, e.Op, e.Current)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// ErrorDetail is the structured failure reason stored on a failed job and
// returned verbatim to API clients.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeErrorDetail serializes d for storage. A nil detail encodes as the
// empty string.
func EncodeErrorDetail(d *ErrorDetail) (string, error) {
	if d == nil {
		return "", nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode error detail: %w", err)
	}
	return string(raw), nil
}

// DecodeErrorDetail parses a stored detail string. The empty string decodes
// as nil.
func DecodeErrorDetail(raw string) (*ErrorDetail, error) {
	if raw == "" {
		return nil, nil
	}
	var d ErrorDetail
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("failed to decode error detail: %w", err)
	}
	return &d, nil
}
