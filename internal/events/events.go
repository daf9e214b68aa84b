// Package events forwards terminal delivery failures to an external broker.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
)

// TypeEmailFailed is the event type of a job that exhausted its attempts
const TypeEmailFailed = "email.failed"

// Event is the published JSON document
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	Recipient string    `json:"recipient"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// Publisher delivers one event
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Compile-time interface checks.
var (
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = (*RabbitPublisher)(nil)
)

// FromFailure converts a queue failure into an event
func FromFailure(f dispatch.FailureEvent) Event {
	return Event{
		ID:        f.ID + ":" + TypeEmailFailed,
		Type:      TypeEmailFailed,
		JobID:     f.ID,
		Recipient: f.Payload.Recipient,
		Attempts:  f.Attempts,
		Reason:    f.Reason,
		FailedAt:  f.FailedAt.UTC(),
	}
}

// LogPublisher logs events; used when no broker is configured
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Warn("Email permanently failed",
		slog.String("type", ev.Type),
		slog.String("job_id", ev.JobID),
		slog.String("recipient", ev.Recipient),
		slog.Int("attempts", ev.Attempts),
		slog.String("reason", ev.Reason),
	)
	return nil
}
