package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// spawnWorkerPool spawns N executor goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each executor goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return
		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return
		default:
		}

		if w.safety != nil {
			if err := w.safety.Wait(ctx); err != nil {
				return
			}
		}

		entry, err := w.queue.DequeueReady(ctx, workerName)
		if err != nil {
			w.logger.Error("Failed to dequeue",
				slog.String("worker_name", workerName),
				slog.Any("error", err),
			)
			if !w.sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if entry == nil {
			if !w.sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}

		outcome := w.processEntry(ctx, workerName, entry)
		w.logger.Debug("Entry processed",
			slog.String("worker_name", workerName),
			slog.String("job_id", entry.ID),
			slog.String("outcome", outcome.String()),
		)
	}
}

// sleep waits for d and reports false when the worker is shutting down
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}
