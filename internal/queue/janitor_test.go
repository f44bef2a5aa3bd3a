package queue_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"transcribeq/internal/job"
	"transcribeq/internal/progress"
	"transcribeq/internal/queue"
	"transcribeq/internal/queue/sqlqueue"
	"transcribeq/internal/store"
	"transcribeq/internal/store/sqlstore"
	"transcribeq/internal/tracker"
)

type janitorFixture struct {
	store   store.Store
	queue   queue.Queue
	tracker *tracker.Tracker
	hub     *progress.Hub
	janitor *queue.Janitor
}

func newJanitorFixture(t *testing.T) *janitorFixture {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "janitor.db") + "?_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := sqlstore.New(db)
	require.NoError(t, err)
	q, err := sqlqueue.New(db, sqlqueue.Options{
		VisibilityTimeout: 20 * time.Millisecond,
		MaxDeliveries:     1,
	})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	tr := tracker.New(st, logger)
	hub := progress.NewHub(8, logger)

	return &janitorFixture{
		store:   st,
		queue:   q,
		tracker: tr,
		hub:     hub,
		janitor: queue.NewJanitor(q, tr, progress.NewBroadcaster(hub, nil), 10*time.Millisecond, logger),
	}
}

// exhaust enqueues the job and burns its only delivery without an ack, as a
// worker crashing mid-processing would.
func (f *janitorFixture) exhaust(t *testing.T, id string) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.queue.Enqueue(ctx, id))

	d, err := f.queue.Dequeue(ctx, "worker-crash")
	require.NoError(t, err)
	require.Equal(t, id, d.JobID)

	time.Sleep(50 * time.Millisecond)
}

func TestJanitorFailsExhaustedJob(t *testing.T) {
	f := newJanitorFixture(t)
	ctx := context.Background()

	j := job.New("job-1", "whisper-base", "/uploads/job-1.wav", time.Now().UTC())
	require.NoError(t, f.store.CreateJob(ctx, j))
	_, err := f.tracker.Transition(ctx, "job-1", job.StatusPending, job.StatusQueued)
	require.NoError(t, err)

	events, cancelSub := f.hub.Subscribe("job-1")
	defer cancelSub()

	f.exhaust(t, "job-1")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go f.janitor.Run(runCtx)

	require.Eventually(t, func() bool {
		current, err := f.store.GetJob(ctx, "job-1")
		return err == nil && current.Status == job.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	failed, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, failed.Error)
	assert.Equal(t, job.ErrorCodeMaxRetries, failed.Error.Code)
	assert.NotNil(t, failed.FinishedAt)

	require.Eventually(t, func() bool {
		expired, err := f.queue.Expired(ctx)
		return err == nil && len(expired) == 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-events:
		assert.Equal(t, job.StatusFailed, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event published for the failed job")
	}
}

func TestJanitorAcksEntryForSettledJob(t *testing.T) {
	f := newJanitorFixture(t)
	ctx := context.Background()

	j := job.New("job-1", "whisper-base", "/uploads/job-1.wav", time.Now().UTC())
	require.NoError(t, f.store.CreateJob(ctx, j))
	_, err := f.tracker.Cancel(ctx, "job-1")
	require.NoError(t, err)

	f.exhaust(t, "job-1")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go f.janitor.Run(runCtx)

	require.Eventually(t, func() bool {
		expired, err := f.queue.Expired(ctx)
		return err == nil && len(expired) == 0
	}, 2*time.Second, 10*time.Millisecond)

	current, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, current.Status)
	assert.Nil(t, current.Error)
}

func TestJanitorLeavesLiveEntriesAlone(t *testing.T) {
	f := newJanitorFixture(t)
	ctx := context.Background()

	j := job.New("job-1", "whisper-base", "/uploads/job-1.wav", time.Now().UTC())
	require.NoError(t, f.store.CreateJob(ctx, j))
	_, err := f.tracker.Transition(ctx, "job-1", job.StatusPending, job.StatusQueued)
	require.NoError(t, err)

	require.NoError(t, f.queue.Enqueue(ctx, "job-1"))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go f.janitor.Run(runCtx)

	time.Sleep(100 * time.Millisecond)

	current, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, current.Status)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}
