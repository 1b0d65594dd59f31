package storage

import (
	"context"
	"sort"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
)

// Store is the system of record for inputs and their jobs.
//
// Mutations on a job that is absent or owned by another user are silent
// no-ops. Status changes outside the job state machine fail with
// domain.ErrInvalidTransition.
type Store interface {
	// EnqueueInput creates an input and its queued job, or returns the existing
	// pair for a repeated (userID, idempotency key).
	EnqueueInput(ctx context.Context, userID string, cmd domain.CreateInputCommand) (*domain.EnqueueResult, error)

	// GetJobStatus returns domain.ErrNotFound if the job is absent or not owned by userID.
	GetJobStatus(ctx context.Context, jobID, userID string) (*domain.JobStatusView, error)

	// GetJobInput returns the input a job was created for.
	GetJobInput(ctx context.Context, jobID, userID string) (*domain.Input, error)

	UpdateJobStatus(ctx context.Context, jobID, userID string, status domain.JobStatus, failureReason string) error

	// SaveRecommendationResult attaches a result to a running job.
	SaveRecommendationResult(ctx context.Context, jobID, userID string, result *domain.RecommendationResult) error

	// MarkJobDispatched records that the job message reached the queue.
	MarkJobDispatched(ctx context.Context, jobID, userID string) error

	PullSyncRecords(ctx context.Context, userID string, req domain.SyncPullRequest) (*domain.SyncPullResponse, error)
}

// SortSyncItems orders items by (createdAt desc, inputId desc)
func SortSyncItems(items []domain.SyncItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].InputID > items[j].InputID
	})
}

// BuildSyncPage trims a limit+1 lookahead result to limit items and derives the
// next cursor from the last visible item.
func BuildSyncPage(items []domain.SyncItem, limit int, now time.Time) *domain.SyncPullResponse {
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	if items == nil {
		items = []domain.SyncItem{}
	}

	resp := &domain.SyncPullResponse{
		Items:           items,
		HasMore:         hasMore,
		ServerTimestamp: now,
	}

	if hasMore {
		last := items[len(items)-1]
		next := EncodeSyncCursor(SyncCursor{CreatedAt: last.CreatedAt, InputID: last.InputID})
		resp.NextCursor = &next
	}

	return resp
}

// LaterOf returns the later of two timestamps
func LaterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
