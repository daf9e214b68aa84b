// Package recovery puts lost work back into the dispatch queue.
//
// Two things get lost: entries whose executor died mid-flight, and PENDING
// jobs whose enqueue failed at submit time (or whose queue was process-local
// and went away with a restart). The sweeper fixes both on a cron schedule.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/cuongbtq/mail-scheduler/internal/storage"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule          = "@every 5m"
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultGrace             = time.Minute
	defaultRunTimeout        = 2 * time.Minute
)

// JobLister pages through stored jobs
type JobLister interface {
	ListJobs(ctx context.Context, filter storage.JobFilter) (storage.JobPage, error)
}

// Queue is the part of dispatch.Queue the sweeper touches
type Queue interface {
	Enqueue(ctx context.Context, id string, payload dispatch.Payload, delay time.Duration) error
	Contains(ctx context.Context, id string) (bool, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config holds sweeper configuration
type Config struct {
	Logger *slog.Logger
	Store  JobLister
	Queue  Queue

	// Schedule is a cron expression or @every descriptor
	Schedule string
	// VisibilityTimeout is how long an entry may stay in flight before it is reclaimed
	VisibilityTimeout time.Duration
	// Grace keeps freshly submitted jobs out of the orphan scan
	Grace time.Duration
	// RunTimeout bounds one scheduled RunOnce
	RunTimeout time.Duration
	Clock      func() time.Time
}

// Result summarizes one sweep
type Result struct {
	Reclaimed  int
	Requeued   int
	Scanned    int
	Duplicates int
}

// Sweeper reclaims stale in-flight entries and re-enqueues orphaned jobs
type Sweeper struct {
	logger            *slog.Logger
	store             JobLister
	queue             Queue
	schedule          string
	visibilityTimeout time.Duration
	grace             time.Duration
	runTimeout        time.Duration
	clock             func() time.Time

	mu      sync.Mutex
	running sync.Mutex
	c       *cron.Cron
}

func NewSweeper(cfg *Config) *Sweeper {
	s := &Sweeper{
		logger:            cfg.Logger,
		store:             cfg.Store,
		queue:             cfg.Queue,
		schedule:          cfg.Schedule,
		visibilityTimeout: cfg.VisibilityTimeout,
		grace:             cfg.Grace,
		runTimeout:        cfg.RunTimeout,
		clock:             cfg.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.schedule == "" {
		s.schedule = DefaultSchedule
	}
	if s.visibilityTimeout <= 0 {
		s.visibilityTimeout = DefaultVisibilityTimeout
	}
	if s.grace < 0 {
		s.grace = 0
	}
	if s.runTimeout <= 0 {
		s.runTimeout = defaultRunTimeout
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// RunOnce performs one sweep. Concurrent calls are serialized.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	s.running.Lock()
	defer s.running.Unlock()

	var res Result

	reclaimed, err := s.queue.ReclaimStale(ctx, s.visibilityTimeout)
	if err != nil {
		return res, fmt.Errorf("failed to reclaim stale entries: %w", err)
	}
	res.Reclaimed = reclaimed
	if reclaimed > 0 {
		s.logger.Warn("Reclaimed stale in-flight entries",
			slog.Int("count", reclaimed),
			slog.Duration("visibility_timeout", s.visibilityTimeout),
		)
	}

	cutoff := s.clock().Add(-s.grace)
	filter := storage.JobFilter{
		Statuses:        []string{domain.JobStatusPending},
		ScheduledBefore: &cutoff,
		Order:           storage.OrderScheduledAsc,
		PageSize:        storage.MaxPageSize,
	}

	for {
		page, err := s.store.ListJobs(ctx, filter)
		if err != nil {
			return res, fmt.Errorf("failed to list pending jobs: %w", err)
		}

		for i := range page.Jobs {
			res.Scanned++
			requeued, err := s.recover(ctx, &page.Jobs[i])
			if err != nil {
				if errors.Is(err, dispatch.ErrDuplicateID) {
					res.Duplicates++
					continue
				}
				return res, err
			}
			if requeued {
				res.Requeued++
			}
		}

		if page.Next == nil {
			break
		}
		filter.Cursor = page.Next
	}

	s.logger.Info("Recovery sweep finished",
		slog.Int("reclaimed", res.Reclaimed),
		slog.Int("scanned", res.Scanned),
		slog.Int("requeued", res.Requeued),
	)
	return res, nil
}

func (s *Sweeper) recover(ctx context.Context, job *domain.Job) (bool, error) {
	ok, err := s.queue.Contains(ctx, job.JobID)
	if err != nil {
		return false, fmt.Errorf("failed to check queue for job %s: %w", job.JobID, err)
	}
	if ok {
		return false, nil
	}

	err = s.queue.Enqueue(ctx, job.JobID, dispatch.Payload{
		JobID:     job.JobID,
		Recipient: job.Recipient,
		Subject:   job.Subject,
		Body:      job.Body,
	}, 0)
	if err != nil {
		if errors.Is(err, dispatch.ErrDuplicateID) {
			// Enqueued between Contains and Enqueue
			return false, err
		}
		return false, fmt.Errorf("failed to re-enqueue job %s: %w", job.JobID, err)
	}

	s.logger.Warn("Re-enqueued orphaned job",
		slog.String("job_id", job.JobID),
		slog.String("recipient", job.Recipient),
		slog.Time("scheduled_at", job.ScheduledAt),
		slog.Int("attempts", job.Attempts),
	)
	return true, nil
}

// Start schedules RunOnce on the configured cron expression
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))

	_, err := c.AddFunc(s.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
		if _, err := s.RunOnce(runCtx); err != nil {
			s.logger.Error("Recovery sweep failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", s.schedule, err)
	}

	c.Start()
	s.c = c
	s.logger.Info("Recovery sweeper started",
		slog.String("schedule", s.schedule),
		slog.Duration("visibility_timeout", s.visibilityTimeout),
		slog.Duration("grace", s.grace),
	)
	return nil
}

// Stop removes the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.logger.Info("Recovery sweeper stopped")
}
