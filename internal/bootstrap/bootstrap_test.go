package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/mail-scheduler/internal/config"
	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/cuongbtq/mail-scheduler/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: config.DriverSQLite,
			Path:   ":memory:",
		},
		Worker: config.WorkerConfig{
			Embedded:     true,
			Concurrency:  2,
			PollInterval: 5 * time.Millisecond,
			PacingDelay:  -1,
			DispatchRate: -1,
		},
		Recovery: config.RecoveryConfig{Enabled: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestOpen_MemoryBackends(t *testing.T) {
	rt, err := Open(context.Background(), testConfig(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	assert.IsType(t, &dispatch.MemoryQueue{}, rt.Queue)
	assert.IsType(t, &ratelimit.MemoryLimiter{}, rt.Limiter)
	assert.Nil(t, rt.Redis)
	require.NoError(t, rt.HealthCheck(context.Background()))
}

func TestOpen_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Dispatch.Driver = config.DriverRedis
	cfg.RateLimit.Driver = config.DriverRedis
	cfg.Redis.Addr = mr.Addr()

	rt, err := Open(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	assert.IsType(t, &dispatch.RedisQueue{}, rt.Queue)
	assert.IsType(t, &ratelimit.RedisLimiter{}, rt.Limiter)
	require.NoError(t, rt.HealthCheck(context.Background()))
}

func TestInitMailer(t *testing.T) {
	m, err := InitMailer(&config.MailerConfig{Driver: config.DriverLog, Domain: "example.com"}, discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = InitMailer(&config.MailerConfig{
		Driver: config.DriverSMTP,
		SMTP:   config.SMTPConfig{Host: "localhost", Port: 2525, From: "not an address"},
	}, discardLogger())
	require.Error(t, err)

	_, err = InitMailer(&config.MailerConfig{Driver: "carrier-pigeon"}, discardLogger())
	require.Error(t, err)
}

func TestBackground_DeliversScheduledBatch(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, testConfig(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	bg, err := rt.StartBackground(ctx)
	require.NoError(t, err)

	jobs, err := rt.NewScheduler().Schedule(ctx, domain.Batch{
		Subject:    "Hello",
		Body:       "<p>Hi</p>",
		Recipients: []string{"a@example.com", "b@example.com", "c@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	require.Eventually(t, func() bool {
		for _, j := range jobs {
			got, err := rt.Store.GetJob(ctx, j.JobID)
			if err != nil || got.Status != domain.JobStatusSent {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	bg.Stop(5 * time.Second)

	got, err := rt.Store.GetJob(ctx, jobs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.MessageID)
}

func TestBackground_RecoversOrphansOnStart(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, testConfig(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	// Persisted but never enqueued, as after a restart with a memory queue
	job := &domain.Job{
		JobID:       "orphan-1",
		BatchID:     "batch-1",
		Recipient:   "orphan@example.com",
		Subject:     "Hello",
		Body:        "<p>Hi</p>",
		Status:      domain.JobStatusPending,
		ScheduledAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, rt.Store.CreateJob(ctx, job))

	bg, err := rt.StartBackground(ctx)
	require.NoError(t, err)
	defer bg.Stop(5 * time.Second)

	require.Eventually(t, func() bool {
		got, err := rt.Store.GetJob(ctx, "orphan-1")
		return err == nil && got.Status == domain.JobStatusSent
	}, 5*time.Second, 10*time.Millisecond)
}

type unavailableQueue struct {
	*dispatch.MemoryQueue
}

func (unavailableQueue) Stats(context.Context) (dispatch.Stats, error) {
	return dispatch.Stats{}, errors.New("connection refused")
}

func TestBackground_ReportsWorkerStartFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Recovery.Enabled = false

	rt, err := Open(ctx, cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	rt.Queue = unavailableQueue{dispatch.NewMemoryQueue(dispatch.Options{})}

	bg, err := rt.StartBackground(ctx)
	require.NoError(t, err)
	defer bg.Stop(time.Second)

	select {
	case err := <-bg.Err():
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dispatch queue unavailable")
	case <-time.After(2 * time.Second):
		t.Fatal("expected the worker start error to be reported")
	}
}
