package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/cuongbtq/mail-scheduler/internal/storage"
	"github.com/cuongbtq/mail-scheduler/shared/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *storage.Storage
	queue   *dispatch.MemoryQueue
	clock   *testClock
	sweeper *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := discardLogger()
	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   ":memory:",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := storage.NewStorage(client.GetDB(), logger)
	require.NoError(t, store.Migrate(context.Background()))

	clock := &testClock{now: testNow}
	queue := dispatch.NewMemoryQueue(dispatch.Options{Clock: clock.Now, Logger: logger})

	return &fixture{
		store: store,
		queue: queue,
		clock: clock,
		sweeper: NewSweeper(&Config{
			Logger:            logger,
			Store:             store,
			Queue:             queue,
			VisibilityTimeout: 5 * time.Minute,
			Grace:             time.Minute,
			Clock:             clock.Now,
		}),
	}
}

func (f *fixture) createJob(t *testing.T, id string, scheduledAt time.Time) {
	t.Helper()
	require.NoError(t, f.store.CreateJob(context.Background(), &domain.Job{
		JobID:       id,
		BatchID:     "batch-1",
		Recipient:   id + "@example.com",
		Subject:     "Hello",
		Body:        "<p>Hi</p>",
		Status:      domain.JobStatusPending,
		ScheduledAt: scheduledAt,
	}))
}

func TestSweeper_RequeuesOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createJob(t, "orphan", testNow.Add(-10*time.Minute))
	f.createJob(t, "queued", testNow.Add(-10*time.Minute))
	f.createJob(t, "sent", testNow.Add(-10*time.Minute))
	f.createJob(t, "fresh", testNow.Add(-30*time.Second))
	f.createJob(t, "future", testNow.Add(10*time.Minute))

	require.NoError(t, f.queue.Enqueue(ctx, "queued", dispatch.Payload{JobID: "queued"}, 0))
	require.NoError(t, f.store.MarkSent(ctx, "sent", testNow, "<m@example.com>", 1))

	res, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Requeued)

	ok, err := f.queue.Contains(ctx, "orphan")
	require.NoError(t, err)
	assert.True(t, ok)
	for _, id := range []string{"sent", "fresh", "future"} {
		ok, err := f.queue.Contains(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}

	entry, err := f.queue.DequeueReady(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "queued", entry.ID)

	entry, err = f.queue.DequeueReady(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "orphan", entry.ID)
	assert.Equal(t, "orphan@example.com", entry.Payload.Recipient)
	assert.Equal(t, "Hello", entry.Payload.Subject)
	assert.Equal(t, "<p>Hi</p>", entry.Payload.Body)
}

func TestSweeper_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createJob(t, "orphan", testNow.Add(-10*time.Minute))

	res, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	res, err = f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Requeued)
	assert.Equal(t, 1, res.Scanned)
}

func TestSweeper_PagesThroughAllPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	total := storage.MaxPageSize + 25
	for i := 0; i < total; i++ {
		f.createJob(t, fmt.Sprintf("job-%03d", i), testNow.Add(-time.Hour).Add(time.Duration(i)*time.Second))
	}

	res, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, res.Scanned)
	assert.Equal(t, total, res.Requeued)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, total, stats.Waiting)
}

func TestSweeper_ReclaimsStaleInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createJob(t, "job-1", testNow)
	require.NoError(t, f.queue.Enqueue(ctx, "job-1", dispatch.Payload{JobID: "job-1"}, 0))
	_, err := f.queue.DequeueReady(ctx, "crashed")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	res, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reclaimed, "still inside the visibility timeout")
	assert.Equal(t, 0, res.Requeued, "in-flight entries are not orphans")

	f.clock.Advance(5 * time.Minute)
	res, err = f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reclaimed)

	entry, err := f.queue.DequeueReady(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "job-1", entry.ID)
}

type stubStore struct {
	err error
}

func (s *stubStore) ListJobs(context.Context, storage.JobFilter) (storage.JobPage, error) {
	return storage.JobPage{}, s.err
}

type countingQueue struct {
	reclaims atomic.Int32
	err      error
}

func (q *countingQueue) Enqueue(context.Context, string, dispatch.Payload, time.Duration) error {
	return nil
}

func (q *countingQueue) Contains(context.Context, string) (bool, error) { return false, nil }

func (q *countingQueue) ReclaimStale(context.Context, time.Duration) (int, error) {
	q.reclaims.Add(1)
	return 0, q.err
}

func TestSweeper_Errors(t *testing.T) {
	tests := []struct {
		name     string
		storeErr error
		queueErr error
	}{
		{name: "reclaim fails", queueErr: errors.New("redis down")},
		{name: "list fails", storeErr: errors.New("db down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSweeper(&Config{
				Logger: discardLogger(),
				Store:  &stubStore{err: tt.storeErr},
				Queue:  &countingQueue{err: tt.queueErr},
			})
			_, err := s.RunOnce(context.Background())
			require.Error(t, err)
		})
	}
}

func TestSweeper_StartRunsOnSchedule(t *testing.T) {
	q := &countingQueue{}
	s := NewSweeper(&Config{
		Logger:   discardLogger(),
		Store:    &stubStore{},
		Queue:    q,
		Schedule: "@every 1s",
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return q.reclaims.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(&Config{
		Logger:   discardLogger(),
		Store:    &stubStore{},
		Queue:    &countingQueue{},
		Schedule: "every now and then",
	})
	require.Error(t, s.Start(context.Background()))
}
