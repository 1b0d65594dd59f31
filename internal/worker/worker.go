package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/notify"
	"github.com/cuongbtq/crop-copilot-be/internal/queue"
	"github.com/cuongbtq/crop-copilot-be/internal/storage"
)

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             storage.Store
	Consumer          queue.Consumer
	Pipeline          *Pipeline
	Notifier          notify.Notifier
	WorkerID          string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	// StaleAfter is how long a running job may go without a heartbeat
	// before another worker re-claims it
	StaleAfter time.Duration
}

// Worker consumes job messages and runs the recommendation pipeline
type Worker struct {
	logger            *slog.Logger
	store             storage.Store
	consumer          queue.Consumer
	pipeline          *Pipeline
	notifier          notify.Notifier
	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	now               func() time.Time

	jobsChan chan *jobMessage
	wg       sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		consumer:          cfg.Consumer,
		pipeline:          cfg.Pipeline,
		notifier:          cfg.Notifier,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleAfter:        cfg.StaleAfter,
		now:               time.Now,
		jobsChan:          make(chan *jobMessage),
	}
	if w.notifier == nil {
		w.notifier = notify.Noop{}
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 10 * time.Second
	}
	if w.staleAfter <= 0 {
		w.staleAfter = 3 * w.heartbeatInterval
	}
	return w
}

// Start consumes until ctx is canceled. Jobs already handed to the pool
// keep running on a detached context bounded by the job timeout; Stop
// waits for them.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
	)

	deliveries, err := w.consumer.Deliveries(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	w.spawnWorkerPool(context.WithoutCancel(ctx))
	w.startMessageDispatcher(ctx, deliveries)
	close(w.jobsChan)

	w.logger.Info("Worker dispatcher stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop waits for in-flight jobs, up to timeout
func (w *Worker) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker did not stop within %s", timeout)
	}
}
