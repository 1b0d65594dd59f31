package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
)

// timeoutStore bounds every call on the wrapped Store
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout returns a Store whose operations fail with
// context.DeadlineExceeded once timeout elapses. A non-positive timeout
// returns next unchanged.
func WithTimeout(next Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: timeout}
}

func (s *timeoutStore) EnqueueInput(ctx context.Context, userID string, cmd domain.CreateInputCommand) (*domain.EnqueueResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.EnqueueInput(ctx, userID, cmd)
}

func (s *timeoutStore) GetJobStatus(ctx context.Context, jobID, userID string) (*domain.JobStatusView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.GetJobStatus(ctx, jobID, userID)
}

func (s *timeoutStore) GetJobInput(ctx context.Context, jobID, userID string) (*domain.Input, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.GetJobInput(ctx, jobID, userID)
}

func (s *timeoutStore) UpdateJobStatus(ctx context.Context, jobID, userID string, status domain.JobStatus, failureReason string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.UpdateJobStatus(ctx, jobID, userID, status, failureReason)
}

func (s *timeoutStore) SaveRecommendationResult(ctx context.Context, jobID, userID string, result *domain.RecommendationResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.SaveRecommendationResult(ctx, jobID, userID, result)
}

func (s *timeoutStore) MarkJobDispatched(ctx context.Context, jobID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.MarkJobDispatched(ctx, jobID, userID)
}

func (s *timeoutStore) PullSyncRecords(ctx context.Context, userID string, req domain.SyncPullRequest) (*domain.SyncPullResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.PullSyncRecords(ctx, userID, req)
}
