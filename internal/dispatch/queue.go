// Package dispatch holds the delayed work queue that feeds the worker pool.
//
// Entries are keyed by job ID and carry a not-before time. Dequeue hands out
// the earliest due entry (FIFO on ties) to exactly one caller and counts it as
// in flight until it is acked, requeued, retried or failed. Rate-limit
// deferrals (Requeue) never touch the attempt counter; execution failures
// (RetryOrFail) do. An entry whose message already went out but whose store
// write did not land is marked delivered (MarkDelivered) and stays queued so
// only the store write is retried.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrDuplicateID is returned when an entry with the same ID is already queued
	ErrDuplicateID = errors.New("dispatch: duplicate entry id")

	// ErrEntryNotFound is returned when the entry does not exist or already failed
	ErrEntryNotFound = errors.New("dispatch: entry not found")

	// ErrInFlight is returned when cancelling an entry that is being executed
	ErrInFlight = errors.New("dispatch: entry is in flight")
)

// Payload is what an executor needs to send one message.
type Payload struct {
	JobID     string `json:"job_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Entry is the queue-side view of a job.
type Entry struct {
	ID           string
	Payload      Payload
	NotBefore    time.Time
	AttemptsMade int
	// DeliveredMessageID is set once the message went out; the executor must
	// not send again, only settle the job
	DeliveredMessageID string
}

// RetryOutcome is the result of RetryOrFail.
type RetryOutcome struct {
	Attempts  int
	Terminal  bool
	NextRunAt time.Time
}

// FailureEvent is emitted once per entry that exhausted its attempts.
type FailureEvent struct {
	ID       string
	Payload  Payload
	Attempts int
	Reason   string
	FailedAt time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Waiting  int64 `json:"waiting"`
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Failed   int64 `json:"failed"`
}

// Queue is implemented by MemoryQueue and RedisQueue.
type Queue interface {
	Enqueue(ctx context.Context, id string, payload Payload, delay time.Duration) error
	// DequeueReady returns nil when nothing is due or the in-flight cap is reached.
	DequeueReady(ctx context.Context, consumer string) (*Entry, error)
	Ack(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string, delay time.Duration) error
	// MarkDelivered records messageID on an in-flight entry and makes it due
	// again after delay. Attempts are unchanged.
	MarkDelivered(ctx context.Context, id string, messageID string, delay time.Duration) error
	RetryOrFail(ctx context.Context, id string, cause error, backoffBase time.Duration, maxAttempts int) (RetryOutcome, error)
	Cancel(ctx context.Context, id string) error
	Contains(ctx context.Context, id string) (bool, error)
	// ReclaimStale returns in-flight entries older than olderThan to the
	// waiting set and drops failed entries past their retention.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Failures() <-chan FailureEvent
}

// Compile-time interface checks.
var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
)

// Options configures both queue implementations.
type Options struct {
	// MaxInFlight caps entries dequeued but not yet settled. Zero means no cap.
	MaxInFlight int
	// FailureBuffer is the capacity of the Failures channel.
	FailureBuffer int
	// FailedRetention is how long terminal-failed entries stay inspectable.
	// Zero means DefaultFailedRetention, negative keeps them forever.
	FailedRetention time.Duration
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

const defaultFailureBuffer = 128

// DefaultFailedRetention applies when Options.FailedRetention is zero
const DefaultFailedRetention = 7 * 24 * time.Hour

func (o Options) withDefaults() Options {
	if o.FailureBuffer <= 0 {
		o.FailureBuffer = defaultFailureBuffer
	}
	if o.FailedRetention == 0 {
		o.FailedRetention = DefaultFailedRetention
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// emitFailure never blocks the caller; a full channel drops the event.
func emitFailure(ch chan FailureEvent, logger *slog.Logger, ev FailureEvent) {
	select {
	case ch <- ev:
	default:
		logger.Warn("Failure event dropped - channel full",
			slog.String("job_id", ev.ID),
			slog.Int("attempts", ev.Attempts),
		)
	}
}

func causeMessage(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	return cause.Error()
}
