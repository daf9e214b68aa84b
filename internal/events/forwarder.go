package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
)

// ForwarderConfig holds forwarder dependencies
type ForwarderConfig struct {
	Logger    *slog.Logger
	Source    <-chan dispatch.FailureEvent
	Publisher Publisher
	// PublishTimeout bounds each publish call; default 10s
	PublishTimeout time.Duration
}

// Forwarder drains queue failure events into a Publisher
type Forwarder struct {
	logger         *slog.Logger
	source         <-chan dispatch.FailureEvent
	publisher      Publisher
	publishTimeout time.Duration
}

func NewForwarder(cfg *ForwarderConfig) *Forwarder {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{
		logger:         cfg.Logger,
		source:         cfg.Source,
		publisher:      cfg.Publisher,
		publishTimeout: timeout,
	}
}

// Run forwards events until ctx is canceled or the source is closed.
// Events still buffered at cancellation are flushed first.
func (f *Forwarder) Run(ctx context.Context) {
	f.logger.Info("Failure event forwarder started")
	defer f.logger.Info("Failure event forwarder stopped")

	for {
		select {
		case <-ctx.Done():
			f.drain()
			return
		case ev, ok := <-f.source:
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) drain() {
	ctx := context.Background()
	for {
		select {
		case ev, ok := <-f.source:
			if !ok {
				return
			}
			f.forward(ctx, ev)
		default:
			return
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, failure dispatch.FailureEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.publishTimeout)
	defer cancel()

	ev := FromFailure(failure)
	if err := f.publisher.Publish(ctx, ev); err != nil {
		f.logger.Error("Failed to publish failure event",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
		return
	}
	f.logger.Debug("Failure event published",
		slog.String("job_id", ev.JobID),
	)
}
