package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/cuongbtq/mail-scheduler/internal/storage"
)

// Scheduler fans a batch out into jobs
type Scheduler interface {
	Schedule(ctx context.Context, batch domain.Batch) ([]domain.Job, error)
}

// JobReader is the read side of the job store
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) (storage.JobPage, error)
}

// QueueInspector exposes dispatch queue stats
type QueueInspector interface {
	Stats(ctx context.Context) (dispatch.Stats, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Scheduler   Scheduler
	Store       JobReader
	Queue       QueueInspector
	// HealthCheck is optional; a non-nil error turns /health into a 503
	HealthCheck func(ctx context.Context) error
}

// JobHandler handles email job HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	scheduler Scheduler
	store     JobReader
	queue     QueueInspector
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		queue:     deps.Queue,
	}
}
