package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/notify"
	"github.com/cuongbtq/crop-copilot-be/internal/queue"
)

// processJob runs one job to a terminal state.
//
// A nil return means the delivery can be acked: the job finished, failed
// terminally, or was a duplicate. A RetryableError means the store was
// unavailable and the message should be redelivered.
func (w *Worker) processJob(ctx context.Context, msg *queue.JobRequestedMessage) error {
	logger := w.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("input_id", msg.InputID),
		slog.String("user_id", msg.UserID),
		slog.String("worker_id", w.workerID),
	)

	claimed, err := w.claimJob(ctx, msg, logger)
	if err != nil || !claimed {
		return err
	}

	input, err := w.store.GetJobInput(ctx, msg.JobID, msg.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("Input disappeared after claim, dropping job")
			return nil
		}
		return NewRetryableError(fmt.Errorf("failed to load input: %w", err))
	}

	var jobCtx context.Context
	var cancel context.CancelFunc
	if w.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	stopHeartbeat := w.startHeartbeat(jobCtx, msg, logger)

	start := w.now()
	result, runErr := w.pipeline.Run(jobCtx, input)

	stopHeartbeat()
	cancel()

	if runErr != nil {
		return w.failJob(ctx, msg, runErr, logger)
	}

	logger.Info("Recommendation ready",
		slog.String("recommendation_id", result.RecommendationID),
		slog.Duration("duration", w.now().Sub(start)),
	)
	return w.completeJob(ctx, msg, result, logger)
}

// claimJob moves the job to running. It returns false when the delivery is a
// duplicate: the job is gone, already terminal, or held by a live worker.
func (w *Worker) claimJob(ctx context.Context, msg *queue.JobRequestedMessage, logger *slog.Logger) (bool, error) {
	view, err := w.store.GetJobStatus(ctx, msg.JobID, msg.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("Job not found, dropping message")
			return false, nil
		}
		return false, NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	if view.Status.IsTerminal() {
		logger.Info("Job already finished, dropping duplicate delivery", slog.String("status", string(view.Status)))
		return false, nil
	}

	if view.Status == domain.JobStatusRunning {
		held, err := w.heldByLiveWorker(ctx, msg, view)
		if err != nil {
			return false, err
		}
		if held {
			logger.Info("Job held by another worker, dropping duplicate delivery")
			return false, nil
		}
		logger.Warn("Re-claiming stale running job", slog.Time("last_heartbeat", view.UpdatedAt))
	}

	if err := w.store.UpdateJobStatus(ctx, msg.JobID, msg.UserID, domain.JobStatusRunning, ""); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Info("Job changed state before claim, dropping delivery")
			return false, nil
		}
		return false, NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	return true, nil
}

// heldByLiveWorker waits out the staleness window of a running job. A
// heartbeat or state change inside the window proves another worker owns it.
func (w *Worker) heldByLiveWorker(ctx context.Context, msg *queue.JobRequestedMessage, view *domain.JobStatusView) (bool, error) {
	wait := view.UpdatedAt.Add(w.staleAfter).Sub(w.now())
	if wait <= 0 {
		return false, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return false, NewRetryableError(ctx.Err())
	}

	latest, err := w.store.GetJobStatus(ctx, msg.JobID, msg.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return true, nil
		}
		return false, NewRetryableError(fmt.Errorf("failed to reload job: %w", err))
	}
	return latest.Status != domain.JobStatusRunning || !latest.UpdatedAt.Equal(view.UpdatedAt), nil
}

// startHeartbeat bumps the job's updatedAt while the pipeline runs. The
// returned stop function blocks until the heartbeat goroutine has exited.
func (w *Worker) startHeartbeat(ctx context.Context, msg *queue.JobRequestedMessage, logger *slog.Logger) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.store.UpdateJobStatus(hbCtx, msg.JobID, msg.UserID, domain.JobStatusRunning, ""); err != nil && hbCtx.Err() == nil {
					logger.Warn("Failed to update job heartbeat", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) completeJob(ctx context.Context, msg *queue.JobRequestedMessage, result *domain.RecommendationResult, logger *slog.Logger) error {
	if err := w.store.SaveRecommendationResult(ctx, msg.JobID, msg.UserID, result); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Warn("Job settled by another worker, discarding result")
			return nil
		}
		return NewRetryableError(fmt.Errorf("failed to save result: %w", err))
	}

	if err := w.store.UpdateJobStatus(ctx, msg.JobID, msg.UserID, domain.JobStatusCompleted, ""); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Warn("Job settled by another worker before completion")
			return nil
		}
		return NewRetryableError(fmt.Errorf("failed to complete job: %w", err))
	}

	event := notify.NewReadyEvent(msg.UserID, msg.InputID, msg.JobID, result.RecommendationID, w.now())
	if err := w.notifier.RecommendationReady(ctx, event); err != nil {
		logger.Warn("Failed to publish recommendation.ready event", slog.String("error", err.Error()))
	}

	return nil
}

func (w *Worker) failJob(ctx context.Context, msg *queue.JobRequestedMessage, runErr error, logger *slog.Logger) error {
	reason := failureReason(runErr)
	logger.Error("Recommendation pipeline failed",
		slog.String("error", runErr.Error()),
		slog.String("failure_reason", reason),
	)

	if err := w.store.UpdateJobStatus(ctx, msg.JobID, msg.UserID, domain.JobStatusFailed, reason); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		return NewRetryableError(fmt.Errorf("failed to record job failure: %w", err))
	}
	return nil
}
