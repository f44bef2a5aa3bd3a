package job

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{name: "pending to queued", from: StatusPending, to: StatusQueued, allowed: true},
		{name: "pending to running", from: StatusPending, to: StatusRunning, allowed: true},
		{name: "pending to cancelled", from: StatusPending, to: StatusCancelled, allowed: true},
		{name: "pending to failed", from: StatusPending, to: StatusFailed, allowed: true},
		{name: "pending to completed", from: StatusPending, to: StatusCompleted, allowed: false},
		{name: "queued to running", from: StatusQueued, to: StatusRunning, allowed: true},
		{name: "queued to cancelled", from: StatusQueued, to: StatusCancelled, allowed: true},
		{name: "queued to failed", from: StatusQueued, to: StatusFailed, allowed: true},
		{name: "queued to completed", from: StatusQueued, to: StatusCompleted, allowed: false},
		{name: "queued to pending", from: StatusQueued, to: StatusPending, allowed: false},
		{name: "running to completed", from: StatusRunning, to: StatusCompleted, allowed: true},
		{name: "running to failed", from: StatusRunning, to: StatusFailed, allowed: true},
		{name: "running to cancelled", from: StatusRunning, to: StatusCancelled, allowed: true},
		{name: "running to queued", from: StatusRunning, to: StatusQueued, allowed: false},
		{name: "completed is absorbing", from: StatusCompleted, to: StatusRunning, allowed: false},
		{name: "failed is absorbing", from: StatusFailed, to: StatusQueued, allowed: false},
		{name: "cancelled is absorbing", from: StatusCancelled, to: StatusRunning, allowed: false},
		{name: "no self loop", from: StatusRunning, to: StatusRunning, allowed: false},
		{name: "unknown from", from: Status("bogus"), to: StatusRunning, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Valid(), "status %s should be valid", s)
	}
	assert.False(t, Status("PENDING").Valid())
	assert.False(t, Status("").Valid())
}

func TestNewJob(t *testing.T) {
	now := time.Now().UTC()
	j := New("job-1", "whisper-base", "/uploads/a.wav", now)

	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, "whisper-base", j.Model)
	assert.Equal(t, "/uploads/a.wav", j.PayloadRef)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.Equal(t, now, j.CreatedAt)
	assert.Equal(t, now, j.UpdatedAt)
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.FinishedAt)
}

func TestStateConflictErrorUnwrap(t *testing.T) {
	err := error(&StateConflictError{JobID: "job-1", Expected: StatusQueued, Current: StatusCancelled})

	assert.True(t, errors.Is(err, ErrStateConflict))
	assert.Contains(t, err.Error(), "job-1")
	assert.Contains(t, err.Error(), "cancelled")

	var conflict *StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, StatusCancelled, conflict.Current)
}

func TestInvalidStateErrorUnwrap(t *testing.T) {
	err := error(&InvalidStateError{JobID: "job-2", Current: StatusRunning, Op: "delete"})

	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "delete")
}

func TestErrorDetailRoundTrip(t *testing.T) {
	encoded, err := EncodeErrorDetail(&ErrorDetail{Code: ErrorCodeMaxRetries, Message: "delivery attempts exhausted"})
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(encoded)))

	decoded, err := DecodeErrorDetail(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, ErrorCodeMaxRetries, decoded.Code)
	assert.Equal(t, "delivery attempts exhausted", decoded.Message)
}

func TestErrorDetailEmpty(t *testing.T) {
	encoded, err := EncodeErrorDetail(nil)
	require.NoError(t, err)
	assert.Equal(t, "", encoded)

	decoded, err := DecodeErrorDetail("")
	require.NoError(t, err)
	assert.Nil(t, decoded)

	_, err = DecodeErrorDetail("{not json")
	assert.Error(t, err)
}
