// Package storagetest holds the behavioural contract every storage.Store
// implementation must satisfy.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock is a manually driven time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty store driven by clock
type Factory func(t *testing.T, clock func() time.Time) storage.Store

// Run executes the full contract against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("EnqueueIsIdempotentPerUserAndKey", func(t *testing.T) { testEnqueueIdempotent(t, newStore) })
	t.Run("EnqueueNormalizesKeys", func(t *testing.T) { testEnqueueNormalizesKeys(t, newStore) })
	t.Run("EnqueueScopesKeysPerUser", func(t *testing.T) { testEnqueueScopesKeysPerUser(t, newStore) })
	t.Run("EnqueueConcurrentDuplicates", func(t *testing.T) { testEnqueueConcurrentDuplicates(t, newStore) })
	t.Run("GetJobStatusHidesOtherUsersJobs", func(t *testing.T) { testGetJobStatusOwnership(t, newStore) })
	t.Run("GetJobInputReturnsPayload", func(t *testing.T) { testGetJobInput(t, newStore) })
	t.Run("StatusTransitions", func(t *testing.T) { testStatusTransitions(t, newStore) })
	t.Run("MutationsIgnoreOtherUsers", func(t *testing.T) { testMutationsIgnoreOtherUsers(t, newStore) })
	t.Run("SaveResultRequiresRunningJob", func(t *testing.T) { testSaveResult(t, newStore) })
	t.Run("FailedJobKeepsReason", func(t *testing.T) { testFailedJob(t, newStore) })
	t.Run("MarkJobDispatched", func(t *testing.T) { testMarkJobDispatched(t, newStore) })
	t.Run("SyncPagesAreGapAndDuplicateFree", func(t *testing.T) { testSyncPagination(t, newStore) })
	t.Run("SyncExcludesCompletedJobs", func(t *testing.T) { testSyncExcludesCompleted(t, newStore) })
	t.Run("SyncRejectsMalformedCursor", func(t *testing.T) { testSyncMalformedCursor(t, newStore) })
	t.Run("SyncReflectsUpdates", func(t *testing.T) { testSyncReflectsUpdates(t, newStore) })
}

var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func command(key string) domain.CreateInputCommand {
	return domain.CreateInputCommand{
		IdempotencyKey: key,
		Type:           domain.InputTypePhoto,
		Payload: domain.InputPayload{
			Description: "yellowing leaves on lower canopy",
			ImageURL:    "https://images.example.com/leaf.jpg",
			Crop:        "corn",
			Location:    "Iowa",
			Season:      "summer",
		},
	}
}

func testEnqueueIdempotent(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(baseTime)
	s := newStore(t, clock.Now)

	first, err := s.EnqueueInput(ctx, "user-1", command("k1"))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, domain.JobStatusQueued, first.Status)

	clock.Advance(time.Minute)

	for i := 0; i < 3; i++ {
		again, err := s.EnqueueInput(ctx, "user-1", command("k1"))
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.Equal(t, first.InputID, again.InputID)
		assert.Equal(t, first.JobID, again.JobID)
		assert.True(t, first.AcceptedAt.Equal(again.AcceptedAt))
	}
}

func testEnqueueNormalizesKeys(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	first, err := s.EnqueueInput(ctx, "user-1", command("  Submit-42 "))
	require.NoError(t, err)

	second, err := s.EnqueueInput(ctx, "user-1", command("submit-42"))
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)

	input, err := s.GetJobInput(ctx, first.JobID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "submit-42", input.IdempotencyKey)
}

func testEnqueueScopesKeysPerUser(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	a, err := s.EnqueueInput(ctx, "user-a", command("shared"))
	require.NoError(t, err)
	b, err := s.EnqueueInput(ctx, "user-b", command("shared"))
	require.NoError(t, err)

	assert.NotEqual(t, a.InputID, b.InputID)
	assert.NotEqual(t, a.JobID, b.JobID)
	assert.True(t, b.Created)
}

func testEnqueueConcurrentDuplicates(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	const n = 16
	results := make([]*domain.EnqueueResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.EnqueueInput(ctx, "user-1", command("double-tap"))
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].JobID, results[i].JobID)
		assert.Equal(t, results[0].InputID, results[i].InputID)
		if results[i].Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	page, err := s.PullSyncRecords(ctx, "user-1", domain.SyncPullRequest{Limit: 100, IncludeCompletedJobs: true})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func testGetJobStatusOwnership(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	res, err := s.EnqueueInput(ctx, "owner", command("k"))
	require.NoError(t, err)

	view, err := s.GetJobStatus(ctx, res.JobID, "owner")
	require.NoError(t, err)
	assert.Equal(t, res.InputID, view.InputID)
	assert.Equal(t, domain.JobStatusQueued, view.Status)

	_, err = s.GetJobStatus(ctx, res.JobID, "intruder")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.GetJobStatus(ctx, "6f1c8a1e-0000-4000-8000-000000000000", "owner")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.GetJobInput(ctx, res.JobID, "intruder")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testGetJobInput(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	cmd := domain.CreateInputCommand{
		IdempotencyKey: "lab-1",
		Type:           domain.InputTypeLabReport,
		Payload: domain.InputPayload{
			LabData: map[string]any{"soilPh": 5.4, "crop": "soybean"},
			Crop:    "soybean",
		},
	}
	res, err := s.EnqueueInput(ctx, "user-1", cmd)
	require.NoError(t, err)

	input, err := s.GetJobInput(ctx, res.JobID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, res.InputID, input.ID)
	assert.Equal(t, domain.InputTypeLabReport, input.Type)
	assert.Equal(t, "soybean", input.Payload.Crop)
	assert.InDelta(t, 5.4, input.Payload.LabData["soilPh"], 1e-9)
	assert.True(t, input.CreatedAt.Equal(baseTime))
}

func testStatusTransitions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	res, err := s.EnqueueInput(ctx, "user-1", command("k"))
	require.NoError(t, err)

	err = s.UpdateJobStatus(ctx, res.JobID, "user-1", domain.JobStatusCompleted, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, s.UpdateJobStatus(ctx, res.JobID, "user-1", domain.JobStatusRunning, ""))
	require.NoError(t, s.UpdateJobStatus(ctx, res.JobID, "user-1", domain.JobStatusRunning, ""))
	require.NoError(t, s.UpdateJobStatus(ctx, res.JobID, "user-1", domain.JobStatusCompleted, ""))

	for _, next := range []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning, domain.JobStatusFailed, domain.JobStatusCompleted} {
		err = s.UpdateJobStatus(ctx, res.JobID, "user-1", next, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "completed -> %s", next)
	}

	view, err := s.GetJobStatus(ctx, res.JobID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
}

func testMutationsIgnoreOtherUsers(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	res, err := s.EnqueueInput(ctx, "owner", command("k"))
	require.NoError(t, err)

	assert.NoError(t, s.UpdateJobStatus(ctx, res.JobID, "intruder", domain.JobStatusFailed, "nope"))
	assert.NoError(t, s.SaveRecommendationResult(ctx, res.JobID, "intruder", &domain.RecommendationResult{RecommendationID: "r"}))
	assert.NoError(t, s.MarkJobDispatched(ctx, res.JobID, "intruder"))
	assert.NoError(t, s.UpdateJobStatus(ctx, "missing-job", "owner", domain.JobStatusRunning, ""))

	view, err := s.GetJobStatus(ctx, res.JobID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, view.Status)
	assert.Empty(t, view.FailureReason)
	assert.Nil(t, view.Result)

	again, err := s.EnqueueInput(ctx, "owner", command("k"))
	require.NoError(t, err)
	assert.False(t, again.Dispatched)
}

func testSaveResult(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(baseTime)
	s := newStore(t, clock.Now)

	res, err := s.EnqueueInput(ctx, "user-1", command("k"))
	require.NoError(t, err)

	result := &domain.RecommendationResult{
		RecommendationID: "rec-1",
		ModelUsed:        "test-model",
		GeneratedAt:      baseTime,
		Recommendation: domain.Recommendation{
			Diagnosis: domain.Diagnosis{
				Condition:     "Nitrogen deficiency",
				ConditionType: domain.ConditionDeficiency,
				Confidence:    0.8,
				Reasoning:     "V-shaped yellowing",
			},
			Recommendations: []domain.RecommendedAction{
				{Action: "Side-dress nitrogen", Priority: domain.PrioritySoon, Details: "30 lb N/acre", Citations: []string{"c1"}},
			},
			Sources:    []domain.SourceCitation{{ChunkID: "c1", Relevance: 0.9, Excerpt: "..."}},
			Confidence: 0.8,
		},
	}

	err = s.SaveRecommendationResult(ctx, res.JobID, "user-1", result)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, s.UpdateJobStatus(ctx, res.JobID, "user-1", domain.JobStatusRunning, ""))
	clock.Advance(time.Second)
	require.NoError(t, s.SaveRecommendationResult(ctx, res.JobID, "user-1", result))
	require.NoError(t, s.UpdateJobStatus(ctx, res.JobID, "user-1", domain.JobStatusCompleted, ""))

	view, err := s.GetJobStatus(ctx, res.JobID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, view.Result)
	assert.Equal(t, "rec-1", view.Result.RecommendationID)
	assert.Equal(t, "Nitrogen deficiency", view.Result.Diagnosis.Condition)
	assert.Equal(t, []string{"c1"}, view.Result.Recommendations[0].Citations)

	err = s.SaveRecommendationResult(ctx, res.JobID, "user-1", result)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	page, err := s.PullSyncRecords(ctx, "user-1", domain.SyncPullRequest{Limit: 10, IncludeCompletedJobs: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.NotNil(t, page.Items[0].RecommendationID)
	assert.Equal(t, "rec-1", *page.Items[0].RecommendationID)
}

func testFailedJob(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	res, err := s.EnqueueInput(ctx, "user-1", command("k"))
	require.NoError(t, err)

	reason := domain.FailureReason(domain.CodeNoUsableContext, "no chunks above relevance threshold")
	require.NoError(t, s.UpdateJobStatus(ctx, res.JobID, "user-1", domain.JobStatusFailed, reason))

	view, err := s.GetJobStatus(ctx, res.JobID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, view.Status)
	assert.Equal(t, reason, view.FailureReason)

	// A repeated key returns the failed job rather than starting over
	again, err := s.EnqueueInput(ctx, "user-1", command("k"))
	require.NoError(t, err)
	assert.Equal(t, res.JobID, again.JobID)
	assert.Equal(t, domain.JobStatusFailed, again.Status)
}

func testMarkJobDispatched(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	res, err := s.EnqueueInput(ctx, "user-1", command("k"))
	require.NoError(t, err)
	assert.False(t, res.Dispatched)

	require.NoError(t, s.MarkJobDispatched(ctx, res.JobID, "user-1"))
	require.NoError(t, s.MarkJobDispatched(ctx, res.JobID, "user-1"))

	again, err := s.EnqueueInput(ctx, "user-1", command("k"))
	require.NoError(t, err)
	assert.True(t, again.Dispatched)
}

func testSyncPagination(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(baseTime)
	s := newStore(t, clock.Now)

	// Groups of inputs share a timestamp so ordering falls back to input id
	total := 0
	for group := 0; group < 4; group++ {
		for i := 0; i < 3; i++ {
			_, err := s.EnqueueInput(ctx, "user-1", command(fmt.Sprintf("g%d-%d", group, i)))
			require.NoError(t, err)
			total++
		}
		clock.Advance(time.Millisecond)
	}
	_, err := s.EnqueueInput(ctx, "someone-else", command("g0-0"))
	require.NoError(t, err)

	full, err := s.PullSyncRecords(ctx, "user-1", domain.SyncPullRequest{Limit: 100, IncludeCompletedJobs: true})
	require.NoError(t, err)
	require.Len(t, full.Items, total)
	assert.False(t, full.HasMore)
	assert.Nil(t, full.NextCursor)
	assertStrictOrder(t, full.Items)

	for _, limit := range []int{1, 2, 5, 12} {
		var collected []domain.SyncItem
		cursor := ""
		for pages := 0; pages <= total; pages++ {
			page, err := s.PullSyncRecords(ctx, "user-1", domain.SyncPullRequest{Limit: limit, Cursor: cursor, IncludeCompletedJobs: true})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(page.Items), limit)
			collected = append(collected, page.Items...)

			if !page.HasMore {
				assert.Nil(t, page.NextCursor)
				break
			}
			require.NotNil(t, page.NextCursor)
			last := page.Items[len(page.Items)-1]
			decoded, err := storage.DecodeSyncCursor(*page.NextCursor)
			require.NoError(t, err)
			assert.Equal(t, last.InputID, decoded.InputID)
			cursor = *page.NextCursor
		}

		require.Len(t, collected, total, "limit %d", limit)
		for i := range collected {
			assert.Equal(t, full.Items[i].InputID, collected[i].InputID, "limit %d index %d", limit, i)
		}
	}
}

func testSyncExcludesCompleted(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(baseTime)
	s := newStore(t, clock.Now)

	done, err := s.EnqueueInput(ctx, "user-1", command("done"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	open, err := s.EnqueueInput(ctx, "user-1", command("open"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateJobStatus(ctx, done.JobID, "user-1", domain.JobStatusRunning, ""))
	require.NoError(t, s.UpdateJobStatus(ctx, done.JobID, "user-1", domain.JobStatusCompleted, ""))

	page, err := s.PullSyncRecords(ctx, "user-1", domain.SyncPullRequest{Limit: 10, IncludeCompletedJobs: false})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, open.InputID, page.Items[0].InputID)

	page, err = s.PullSyncRecords(ctx, "user-1", domain.SyncPullRequest{Limit: 10, IncludeCompletedJobs: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, open.InputID, page.Items[0].InputID)
	assert.Equal(t, done.InputID, page.Items[1].InputID)
	assert.Equal(t, domain.JobStatusCompleted, page.Items[1].Status)
}

func testSyncMalformedCursor(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(baseTime).Now)

	_, err := s.EnqueueInput(ctx, "user-1", command("k"))
	require.NoError(t, err)

	for _, cursor := range []string{
		"%%%not-base64%%%",
		storage.EncodeSyncCursor(storage.SyncCursor{InputID: "x"})[:4],
		"bm90LWEtdGltZXN0YW1wfGlk", // "not-a-timestamp|id"
	} {
		_, err := s.PullSyncRecords(ctx, "user-1", domain.SyncPullRequest{Limit: 10, Cursor: cursor})
		assert.ErrorIs(t, err, domain.ErrInvalidCursor, "cursor %q", cursor)
	}
}

func testSyncReflectsUpdates(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(baseTime)
	s := newStore(t, clock.Now)

	res, err := s.EnqueueInput(ctx, "user-1", command("k"))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	require.NoError(t, s.UpdateJobStatus(ctx, res.JobID, "user-1", domain.JobStatusRunning, ""))

	page, err := s.PullSyncRecords(ctx, "user-1", domain.SyncPullRequest{Limit: 10, IncludeCompletedJobs: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	item := page.Items[0]
	assert.Equal(t, domain.JobStatusRunning, item.Status)
	assert.True(t, item.CreatedAt.Equal(baseTime))
	assert.True(t, item.UpdatedAt.Equal(baseTime.Add(5*time.Minute)))
	assert.Equal(t, "corn", item.Crop)
	assert.Equal(t, "Iowa", item.Location)
	assert.Nil(t, item.RecommendationID)

	view, err := s.GetJobStatus(ctx, res.JobID, "user-1")
	require.NoError(t, err)
	assert.True(t, view.UpdatedAt.Equal(baseTime.Add(5*time.Minute)))
}

func assertStrictOrder(t *testing.T, items []domain.SyncItem) {
	t.Helper()
	for i := 1; i < len(items); i++ {
		prev, cur := items[i-1], items[i]
		ordered := cur.CreatedAt.Before(prev.CreatedAt) ||
			(cur.CreatedAt.Equal(prev.CreatedAt) && cur.InputID < prev.InputID)
		assert.True(t, ordered, "items %d and %d out of order", i-1, i)
	}
}
