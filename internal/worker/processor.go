package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/cuongbtq/mail-scheduler/internal/mailer"
)

// Outcome is what one processEntry call did with its entry
type Outcome int

const (
	// OutcomeSent means the message went out and the job is SENT
	OutcomeSent Outcome = iota
	// OutcomeDeferred means the entry was requeued without spending an attempt
	OutcomeDeferred
	// OutcomeRetrying means the send failed and a retry is scheduled
	OutcomeRetrying
	// OutcomeFailed means the send failed for the last time and the job is FAILED
	OutcomeFailed
	// OutcomeSkipped means the job was missing or already terminal
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// processEntry runs one dequeued entry to a settled state. Queue and store
// writes after the dequeue ignore ctx cancellation so shutdown never leaves
// an entry half-settled.
func (w *Worker) processEntry(ctx context.Context, workerName string, entry *dispatch.Entry) Outcome {
	opCtx := context.WithoutCancel(ctx)
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", entry.ID),
	)

	// Step 1: Load the job; anything not PENDING was settled elsewhere
	job, err := w.store.GetJob(opCtx, entry.ID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			logger.Warn("Job not found, dropping queue entry")
			w.ack(opCtx, logger, entry.ID)
			return OutcomeSkipped
		}
		logger.Error("Failed to load job", slog.Any("error", err))
		w.requeue(opCtx, logger, entry.ID, w.backoffBase)
		return OutcomeDeferred
	}
	if job.Status != domain.JobStatusPending {
		logger.Warn("Job already terminal, dropping queue entry",
			slog.String("status", job.Status),
		)
		w.ack(opCtx, logger, entry.ID)
		return OutcomeSkipped
	}

	// Already delivered on an earlier pass; only the store write is left
	if entry.DeliveredMessageID != "" {
		return w.settleSent(opCtx, logger, entry, entry.DeliveredMessageID)
	}

	// Step 2: Per-executor pacing
	if !w.sleep(ctx, w.pacingDelay) {
		logger.Info("Shutdown during pacing, returning entry to queue")
		w.requeue(opCtx, logger, entry.ID, 0)
		return OutcomeDeferred
	}

	// Step 3: Hourly cap
	decision, err := w.limiter.TryAdmit(opCtx)
	if err != nil {
		logger.Error("Rate limiter unavailable", slog.Any("error", err))
		w.requeue(opCtx, logger, entry.ID, w.backoffBase)
		return OutcomeDeferred
	}
	if !decision.Admitted {
		delay := decision.WaitUntil.Sub(w.clock())
		logger.Info("Hourly cap reached, deferring job",
			slog.String("bucket", decision.Bucket),
			slog.Int64("count", decision.Count),
			slog.Time("wait_until", decision.WaitUntil),
		)
		w.requeue(opCtx, logger, entry.ID, delay)
		return OutcomeDeferred
	}

	// Step 4: Send, bounded by the send timeout
	sendCtx, cancel := context.WithTimeout(opCtx, w.sendTimeout)
	messageID, sendErr := w.mailer.Send(sendCtx, mailer.Message{
		To:       entry.Payload.Recipient,
		Subject:  entry.Payload.Subject,
		HTMLBody: entry.Payload.Body,
	})
	cancel()

	if sendErr == nil {
		return w.settleSent(opCtx, logger, entry, messageID)
	}
	return w.settleFailed(opCtx, logger, entry, sendErr)
}

func (w *Worker) settleSent(ctx context.Context, logger *slog.Logger, entry *dispatch.Entry, messageID string) Outcome {
	attempts := entry.AttemptsMade + 1
	if err := w.store.MarkSent(ctx, entry.ID, w.clock(), messageID, attempts); err != nil {
		// The entry stays queued with the message id so the job is not
		// orphaned and the next pass only retries MarkSent
		logger.Error("Failed to mark job sent, keeping entry for store retry",
			slog.String("message_id", messageID),
			slog.Any("error", err),
		)
		if err := w.queue.MarkDelivered(ctx, entry.ID, messageID, w.backoffBase); err != nil {
			logger.Error("Failed to mark entry delivered", slog.Any("error", err))
		}
		return OutcomeDeferred
	}
	w.ack(ctx, logger, entry.ID)

	logger.Info("Email sent",
		slog.String("message_id", messageID),
		slog.Int("attempts", attempts),
	)
	return OutcomeSent
}

func (w *Worker) settleFailed(ctx context.Context, logger *slog.Logger, entry *dispatch.Entry, sendErr error) Outcome {
	out, err := w.queue.RetryOrFail(ctx, entry.ID, sendErr, w.backoffBase, w.maxAttempts)
	if err != nil {
		logger.Error("Failed to schedule retry",
			slog.String("send_error", sendErr.Error()),
			slog.Any("error", err),
		)
		return OutcomeRetrying
	}

	if !out.Terminal {
		logger.Warn("Send failed, retry scheduled",
			slog.Int("attempts", out.Attempts),
			slog.Time("next_run_at", out.NextRunAt),
			slog.String("error", sendErr.Error()),
		)
		if err := w.store.RecordAttempt(ctx, entry.ID, out.Attempts, sendErr.Error()); err != nil {
			logger.Error("Failed to record attempt", slog.Any("error", err))
		}
		return OutcomeRetrying
	}

	logger.Error("Send failed, attempts exhausted",
		slog.Int("attempts", out.Attempts),
		slog.String("error", sendErr.Error()),
	)
	if err := w.store.MarkFailed(ctx, entry.ID, w.clock(), sendErr.Error(), out.Attempts); err != nil {
		logger.Error("Failed to mark job failed", slog.Any("error", err))
	}
	return OutcomeFailed
}

func (w *Worker) ack(ctx context.Context, logger *slog.Logger, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		logger.Error("Failed to ack entry", slog.Any("error", err))
	}
}

func (w *Worker) requeue(ctx context.Context, logger *slog.Logger, id string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	if err := w.queue.Requeue(ctx, id, delay); err != nil {
		logger.Error("Failed to requeue entry",
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
	}
}
