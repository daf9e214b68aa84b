package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/events"
	"github.com/cuongbtq/mail-scheduler/internal/mailer"
	"github.com/cuongbtq/mail-scheduler/internal/recovery"
	"github.com/cuongbtq/mail-scheduler/internal/worker"
	"github.com/cuongbtq/mail-scheduler/shared/rabbitmq"
)

// Background is the delivery side of a process: the worker pool, the
// failure-event forwarder and, when enabled, the recovery sweeper
type Background struct {
	logger    *slog.Logger
	worker    *worker.Worker
	forwarder *events.Forwarder
	sweeper   *recovery.Sweeper
	rabbit    *rabbitmq.Client

	cancelWorker    context.CancelFunc
	cancelForwarder context.CancelFunc
	errChan         chan error
	fwdDone         chan struct{}
}

// NewWorker builds the worker pool over the runtime's queue and limiter
func (rt *Runtime) NewWorker(m mailer.Mailer) *worker.Worker {
	cfg := &rt.Config.Worker
	return worker.NewWorker(&worker.Config{
		Logger:        rt.Logger,
		Store:         rt.Store,
		Queue:         rt.Queue,
		Limiter:       rt.Limiter,
		Mailer:        m,
		WorkerID:      cfg.WorkerID,
		Concurrency:   cfg.Concurrency,
		PollInterval:  cfg.PollInterval,
		PacingDelay:   cfg.PacingDelay,
		SendTimeout:   cfg.SendTimeout,
		MaxAttempts:   cfg.MaxAttempts,
		BackoffBase:   cfg.BackoffBase,
		DispatchRate:  cfg.DispatchRate,
		DispatchBurst: cfg.DispatchBurst,
	})
}

// NewSweeper builds the recovery sweeper over the runtime's store and queue
func (rt *Runtime) NewSweeper() *recovery.Sweeper {
	return recovery.NewSweeper(&recovery.Config{
		Logger:            rt.Logger,
		Store:             rt.Store,
		Queue:             rt.Queue,
		Schedule:          rt.Config.Recovery.Schedule,
		VisibilityTimeout: rt.Config.Recovery.VisibilityTimeout,
		Grace:             rt.Config.Recovery.Grace,
	})
}

// StartBackground starts the worker pool and its companions. The returned
// Background must be stopped with Stop.
func (rt *Runtime) StartBackground(ctx context.Context) (*Background, error) {
	m, err := InitMailer(&rt.Config.Mailer, rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mailer: %w", err)
	}

	b := &Background{
		logger:  rt.Logger,
		errChan: make(chan error, 1),
		fwdDone: make(chan struct{}),
	}

	var publisher events.Publisher = events.NewLogPublisher(rt.Logger)
	if rt.Config.RabbitMQ.Enabled {
		b.rabbit, err = InitRabbitMQ(&rt.Config.RabbitMQ, rt.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		publisher = events.NewRabbitPublisher(b.rabbit)
		rt.Logger.Info("RabbitMQ connection established")
	}

	b.forwarder = events.NewForwarder(&events.ForwarderConfig{
		Logger:         rt.Logger,
		Source:         rt.Queue.Failures(),
		Publisher:      publisher,
		PublishTimeout: rt.Config.RabbitMQ.Publish.Timeout,
	})
	b.worker = rt.NewWorker(m)

	if rt.Config.Recovery.Enabled {
		b.sweeper = rt.NewSweeper()
	}

	// The forwarder outlives the pool so failures from the last sends still go out
	fwdCtx, cancelForwarder := context.WithCancel(context.WithoutCancel(ctx))
	b.cancelForwarder = cancelForwarder
	ctx, b.cancelWorker = context.WithCancel(ctx)

	if b.sweeper != nil {
		// Catch up on anything lost while no process was running
		if _, err := b.sweeper.RunOnce(ctx); err != nil {
			rt.Logger.Error("Startup recovery sweep failed", slog.Any("error", err))
		}
		if err := b.sweeper.Start(ctx); err != nil {
			b.cancelWorker()
			b.cancelForwarder()
			b.closeRabbit()
			return nil, err
		}
	}

	go func() {
		defer close(b.fwdDone)
		b.forwarder.Run(fwdCtx)
	}()

	go func() {
		if err := b.worker.Start(ctx); err != nil {
			b.errChan <- err
		}
	}()

	return b, nil
}

// Err reports a worker pool that could not start
func (b *Background) Err() <-chan error {
	return b.errChan
}

// Stop shuts everything down, giving in-flight sends up to timeout to settle
func (b *Background) Stop(timeout time.Duration) {
	if b.sweeper != nil {
		b.sweeper.Stop()
	}

	b.cancelWorker()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		b.worker.Stop()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		b.logger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	b.cancelForwarder()
	select {
	case <-b.fwdDone:
	case <-shutdownCtx.Done():
		b.logger.Warn("Failure event forwarder did not drain in time")
	}

	b.closeRabbit()
}

func (b *Background) closeRabbit() {
	if b.rabbit != nil {
		b.rabbit.Close()
	}
}
