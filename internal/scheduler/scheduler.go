// Package scheduler turns a batch submission into one persisted job and one
// delayed queue entry per recipient.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/google/uuid"
)

// JobStore is the persistence the scheduler needs
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
}

// Enqueuer is the queue side the scheduler needs
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, payload dispatch.Payload, delay time.Duration) error
}

// Config holds scheduler dependencies
type Config struct {
	Logger *slog.Logger
	Store  JobStore
	Queue  Enqueuer
	// Clock defaults to time.Now
	Clock func() time.Time
}

type Scheduler struct {
	logger *slog.Logger
	store  JobStore
	queue  Enqueuer
	clock  func() time.Time
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		logger: cfg.Logger,
		store:  cfg.Store,
		queue:  cfg.Queue,
		clock:  clock,
	}
}

// Schedule creates one PENDING job per recipient, in input order, and
// enqueues it with delay max(0, start-now) + i*gap. A store failure aborts
// the batch; an enqueue failure is logged and the job is still returned so
// the recovery sweep can pick it up.
func (s *Scheduler) Schedule(ctx context.Context, batch domain.Batch) ([]domain.Job, error) {
	if err := validate(batch); err != nil {
		return nil, err
	}

	now := s.clock()
	var baseDelay time.Duration
	if batch.StartTime != nil && batch.StartTime.After(now) {
		baseDelay = batch.StartTime.Sub(now)
	}

	batchID := uuid.NewString()
	jobs := make([]domain.Job, 0, len(batch.Recipients))

	s.logger.Info("Scheduling batch",
		slog.String("batch_id", batchID),
		slog.Int("recipients", len(batch.Recipients)),
		slog.Duration("base_delay", baseDelay),
		slog.Duration("gap", batch.Gap),
	)

	for i, recipient := range batch.Recipients {
		delay := baseDelay + time.Duration(i)*batch.Gap
		job := domain.Job{
			JobID:       uuid.NewString(),
			BatchID:     batchID,
			Recipient:   strings.TrimSpace(recipient),
			Subject:     batch.Subject,
			Body:        batch.Body,
			Status:      domain.JobStatusPending,
			ScheduledAt: now.Add(delay),
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if err := s.store.CreateJob(ctx, &job); err != nil {
			s.logger.Error("Failed to create job, aborting batch",
				slog.String("batch_id", batchID),
				slog.Int("created", len(jobs)),
				slog.Any("error", err),
			)
			return jobs, fmt.Errorf("create job for recipient %d: %w", i, err)
		}

		payload := dispatch.Payload{
			JobID:     job.JobID,
			Recipient: job.Recipient,
			Subject:   job.Subject,
			Body:      job.Body,
		}
		if err := s.queue.Enqueue(ctx, job.JobID, payload, delay); err != nil {
			s.logger.Error("Failed to enqueue job - orphaned until recovery",
				slog.String("job_id", job.JobID),
				slog.String("batch_id", batchID),
				slog.Any("error", err),
			)
		}

		jobs = append(jobs, job)
	}

	s.logger.Info("Batch scheduled",
		slog.String("batch_id", batchID),
		slog.Int("jobs", len(jobs)),
	)

	return jobs, nil
}

func validate(batch domain.Batch) error {
	if len(batch.Recipients) == 0 {
		return domain.NewValidationError("recipients", domain.ErrNoRecipients)
	}
	if batch.Gap < 0 {
		return domain.NewValidationError("delay_between_emails", domain.ErrNegativeGap)
	}
	return nil
}
