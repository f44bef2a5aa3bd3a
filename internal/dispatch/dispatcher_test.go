package dispatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"transcribeq/internal/job"
	"transcribeq/internal/queue"
	"transcribeq/internal/queue/sqlqueue"
	"transcribeq/internal/store"
	"transcribeq/internal/store/sqlstore"
	"transcribeq/internal/tracker"
)

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, store.Store, queue.Queue) {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "dispatch.db") + "?_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := sqlstore.New(db)
	require.NoError(t, err)
	q, err := sqlqueue.New(db, sqlqueue.Options{})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	d := New(st, q, tracker.New(st, logger), cfg, logger)
	return d, st, q
}

func TestSubmit(t *testing.T) {
	d, st, q := newTestDispatcher(t, Config{Models: []string{"whisper-base", "whisper-large"}})
	ctx := context.Background()

	submitted, err := d.Submit(ctx, "whisper-base", "/uploads/a.wav")
	require.NoError(t, err)

	_, err = uuid.Parse(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, submitted.Status)
	assert.Equal(t, "whisper-base", submitted.Model)
	assert.Equal(t, "/uploads/a.wav", submitted.PayloadRef)

	stored, err := st.GetJob(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	d2, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, submitted.ID, d2.JobID)
}

func TestSubmitRejectsUnknownModel(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{Models: []string{"whisper-base"}})

	_, err := d.Submit(context.Background(), "whisper-xxl", "/uploads/a.wav")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestSubmitAcceptsAnyModelWithoutCatalog(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{})

	submitted, err := d.Submit(context.Background(), "anything", "/uploads/a.wav")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, submitted.Status)
}

func TestSubmitRequiresPayloadRef(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{})

	_, err := d.Submit(context.Background(), "whisper-base", "")
	assert.Error(t, err)
}

func TestSubmitBackpressure(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{MaxQueueDepth: 2})
	ctx := context.Background()

	_, err := d.Submit(ctx, "whisper-base", "/uploads/a.wav")
	require.NoError(t, err)
	_, err = d.Submit(ctx, "whisper-base", "/uploads/b.wav")
	require.NoError(t, err)

	_, err = d.Submit(ctx, "whisper-base", "/uploads/c.wav")
	assert.ErrorIs(t, err, ErrQueueSaturated)
}

// brokenQueue refuses every enqueue while reporting an empty backlog.
type brokenQueue struct{}

func (brokenQueue) Enqueue(ctx context.Context, jobID string) error {
	return assert.AnError
}

func (brokenQueue) Dequeue(ctx context.Context, workerID string) (*queue.Delivery, error) {
	return nil, queue.ErrEmpty
}

func (brokenQueue) Ack(ctx context.Context, jobID string) error { return nil }

func (brokenQueue) Extend(ctx context.Context, jobID, workerID string) error { return nil }

func (brokenQueue) Depth(ctx context.Context) (int, error) { return 0, nil }

func (brokenQueue) Expired(ctx context.Context) ([]queue.Delivery, error) { return nil, nil }

func TestSubmitLeavesJobPendingWhenEnqueueFails(t *testing.T) {
	d, st, _ := newTestDispatcher(t, Config{})
	d.queue = brokenQueue{}
	ctx := context.Background()

	submitted, err := d.Submit(ctx, "whisper-base", "/uploads/a.wav")
	require.NoError(t, err, "submission succeeds even though the hand-off failed")
	assert.Equal(t, job.StatusPending, submitted.Status)

	stored, err := st.GetJob(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, stored.Status)
}

func TestResubmitterRecoversStalePendingJobs(t *testing.T) {
	d, st, q := newTestDispatcher(t, Config{ResubmitMinAge: time.Minute})
	ctx := context.Background()

	stale := job.New("job-stale", "whisper-base", "/uploads/a.wav", time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, st.CreateJob(ctx, stale))

	fresh := job.New("job-fresh", "whisper-base", "/uploads/b.wav", time.Now().UTC())
	require.NoError(t, st.CreateJob(ctx, fresh))

	d.resubmitPending(ctx)

	recovered, err := st.GetJob(ctx, "job-stale")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, recovered.Status)

	untouched, err := st.GetJob(ctx, "job-fresh")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, untouched.Status)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// A second sweep finds nothing left to do.
	d.resubmitPending(ctx)
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}
