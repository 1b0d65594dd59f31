package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/queue"
	"github.com/cuongbtq/crop-copilot-be/internal/storage"
)

const (
	MaxIdempotencyKeyLength = 128
	DefaultPublishTimeout   = 5 * time.Second
)

// Service accepts observations and hands their jobs to the queue
type Service struct {
	store          storage.Store
	publisher      queue.Publisher
	publishTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewService creates an intake service
func NewService(store storage.Store, publisher queue.Publisher, publishTimeout time.Duration, logger *slog.Logger) *Service {
	if publishTimeout <= 0 {
		publishTimeout = DefaultPublishTimeout
	}
	return &Service{
		store:          store,
		publisher:      publisher,
		publishTimeout: publishTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// Submit stores the input and its job, then publishes the job message.
//
// A repeated key returns the existing pair. The message is published only
// while the job is still queued and no earlier publish succeeded, so a
// client retrying after PIPELINE_ENQUEUE_FAILED gets its job dispatched
// while an ordinary duplicate does not publish twice.
func (s *Service) Submit(ctx context.Context, userID string, cmd domain.CreateInputCommand) (*domain.EnqueueResult, error) {
	if err := ValidateCommand(cmd); err != nil {
		return nil, err
	}

	result, err := s.store.EnqueueInput(ctx, userID, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue input: %w", err)
	}

	logger := s.logger.With(
		slog.String("user_id", userID),
		slog.String("input_id", result.InputID),
		slog.String("job_id", result.JobID),
	)

	if result.Status != domain.JobStatusQueued || result.Dispatched {
		logger.Info("Duplicate submission, returning existing job",
			slog.String("status", string(result.Status)),
		)
		return result, nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	msg := queue.NewJobRequested(userID, result.InputID, result.JobID, s.now())
	if err := s.publisher.PublishJob(pubCtx, msg); err != nil {
		logger.Error("Failed to publish job message", slog.Any("error", err))
		return nil, domain.NewAppError(domain.CodePipelineEnqueueFailed,
			"failed to enqueue recommendation job, retry with the same idempotency key",
			errors.Join(domain.ErrEnqueueFailed, err))
	}

	if err := s.store.MarkJobDispatched(ctx, result.JobID, userID); err != nil {
		// the message is out; a later duplicate may publish again, which
		// the worker tolerates
		logger.Warn("Failed to record job dispatch", slog.Any("error", err))
	} else {
		result.Dispatched = true
	}

	logger.Info("Job enqueued", slog.Bool("created", result.Created))
	return result, nil
}

// ValidateCommand checks an intake command before anything is stored
func ValidateCommand(cmd domain.CreateInputCommand) error {
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		return badRequest("idempotencyKey is required")
	}
	if utf8.RuneCountInString(key) > MaxIdempotencyKeyLength {
		return badRequest(fmt.Sprintf("idempotencyKey must be at most %d characters", MaxIdempotencyKeyLength))
	}
	if !cmd.Type.Valid() {
		return badRequest(fmt.Sprintf("type must be one of %s, %s", domain.InputTypePhoto, domain.InputTypeLabReport))
	}
	if raw := cmd.Payload.ImageURL; raw != "" {
		u, err := url.ParseRequestURI(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return badRequest("imageUrl must be an absolute http(s) URL")
		}
	}
	return nil
}

func badRequest(message string) error {
	return domain.NewAppError(domain.CodeBadRequest, message, nil)
}
