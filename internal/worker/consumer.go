package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/crop-copilot-be/internal/queue"
)

// jobMessage is a decoded delivery on its way to the pool
type jobMessage struct {
	msg      *queue.JobRequestedMessage
	delivery queue.Delivery
}

// startMessageDispatcher decodes deliveries and hands them to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan queue.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			msg, err := queue.Decode(delivery.Body())
			if err != nil {
				w.logger.Error("Rejecting malformed job message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body())),
				)
				// poison messages go to the dead letter target, never back to the queue
				if nackErr := delivery.Nack(ctx, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message", slog.String("error", nackErr.Error()))
				}
				continue
			}

			select {
			case w.jobsChan <- &jobMessage{msg: msg, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool", slog.String("job_id", msg.JobID))
			case <-ctx.Done():
				if nackErr := delivery.Nack(context.WithoutCancel(ctx), true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown", slog.String("error", nackErr.Error()))
				}
				return
			}
		}
	}
}
