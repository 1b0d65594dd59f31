package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned", slog.Int("worker_count", w.concurrency))
}

// workerLoop processes jobs until the dispatcher closes jobsChan
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for job := range w.jobsChan {
		err := w.processJob(ctx, job.msg)
		w.settle(ctx, workerName, job, err)
	}

	w.logger.Debug("Worker goroutine stopped", slog.String("worker_name", workerName))
}

// settle acks or nacks a delivery based on the processing result
func (w *Worker) settle(ctx context.Context, workerName string, job *jobMessage, err error) {
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", job.msg.JobID),
	)

	if err == nil {
		if ackErr := job.delivery.Ack(ctx); ackErr != nil {
			logger.Error("Failed to ACK message", slog.String("error", ackErr.Error()))
		}
		return
	}

	requeue := shouldRequeueJob(err)
	logger.Error("Job processing failed",
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)
	if nackErr := job.delivery.Nack(ctx, requeue); nackErr != nil {
		logger.Error("Failed to NACK message", slog.String("error", nackErr.Error()))
	}
}

// shouldRequeueJob requeues only transient failures
func shouldRequeueJob(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
