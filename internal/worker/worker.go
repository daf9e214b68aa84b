package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/cuongbtq/mail-scheduler/internal/mailer"
	"github.com/cuongbtq/mail-scheduler/internal/ratelimit"
	"golang.org/x/time/rate"
)

// Defaults applied by NewWorker for zero config values
const (
	DefaultConcurrency  = 5
	DefaultPollInterval = time.Second
	DefaultPacingDelay  = 2 * time.Second
	DefaultSendTimeout  = 30 * time.Second
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = time.Second
	DefaultDispatchRate = 10
)

// ErrAlreadyStarted is returned by a second Start on the same Worker
var ErrAlreadyStarted = errors.New("worker: already started")

// JobStore is the persistence the worker needs
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	MarkSent(ctx context.Context, jobID string, sentAt time.Time, messageID string, attempts int) error
	MarkFailed(ctx context.Context, jobID string, failedAt time.Time, reason string, attempts int) error
	RecordAttempt(ctx context.Context, jobID string, attempts int, lastError string) error
}

// Config holds worker configuration
type Config struct {
	Logger  *slog.Logger
	Store   JobStore
	Queue   dispatch.Queue
	Limiter ratelimit.Limiter
	Mailer  mailer.Mailer

	// WorkerID prefixes executor names; defaults to hostname-pid
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	// PacingDelay is waited by each executor before every send attempt
	PacingDelay time.Duration
	SendTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	// DispatchRate caps dequeues per second across the pool; negative disables it
	DispatchRate  float64
	DispatchBurst int

	// Clock defaults to time.Now
	Clock func() time.Time
}

// Worker is a pool of executors draining the dispatch queue
type Worker struct {
	logger  *slog.Logger
	store   JobStore
	queue   dispatch.Queue
	limiter ratelimit.Limiter
	mailer  mailer.Mailer

	workerID     string
	concurrency  int
	pollInterval time.Duration
	pacingDelay  time.Duration
	sendTimeout  time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	safety       *rate.Limiter
	clock        func() time.Time

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:       cfg.Logger,
		store:        cfg.Store,
		queue:        cfg.Queue,
		limiter:      cfg.Limiter,
		mailer:       cfg.Mailer,
		workerID:     cfg.WorkerID,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		pacingDelay:  cfg.PacingDelay,
		sendTimeout:  cfg.SendTimeout,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		clock:        cfg.Clock,
		stopChan:     make(chan struct{}),
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		hostname, _ := os.Hostname()
		w.workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.pacingDelay < 0 {
		w.pacingDelay = 0
	}
	if w.sendTimeout <= 0 {
		w.sendTimeout = DefaultSendTimeout
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = DefaultMaxAttempts
	}
	if w.backoffBase <= 0 {
		w.backoffBase = DefaultBackoffBase
	}
	if w.clock == nil {
		w.clock = time.Now
	}

	dispatchRate := cfg.DispatchRate
	if dispatchRate == 0 {
		dispatchRate = DefaultDispatchRate
	}
	if dispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = int(dispatchRate)
			if burst < 1 {
				burst = 1
			}
		}
		w.safety = rate.NewLimiter(rate.Limit(dispatchRate), burst)
	}

	return w
}

// Start spawns the executors and blocks until ctx is canceled. It fails
// fast when a collaborator is missing or the queue cannot be reached.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := w.checkDependencies(); err != nil {
		return err
	}
	if _, err := w.queue.Stats(ctx); err != nil {
		return fmt.Errorf("dispatch queue unavailable: %w", err)
	}

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("pacing_delay", w.pacingDelay),
		slog.Duration("send_timeout", w.sendTimeout),
		slog.Int("max_attempts", w.maxAttempts),
	)

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	return nil
}

func (w *Worker) checkDependencies() error {
	switch {
	case w.store == nil:
		return errors.New("worker: job store is required")
	case w.queue == nil:
		return errors.New("worker: dispatch queue is required")
	case w.limiter == nil:
		return errors.New("worker: rate limiter is required")
	case w.mailer == nil:
		return errors.New("worker: mailer is required")
	}
	return nil
}

// Stop signals every executor and waits for in-progress sends to settle
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
