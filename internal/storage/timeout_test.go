package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/storage"
	"github.com/cuongbtq/crop-copilot-be/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingStore waits for the context on every status read
type blockingStore struct {
	storage.Store
}

func (blockingStore) GetJobStatus(ctx context.Context, jobID, userID string) (*domain.JobStatusView, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout_BoundsSlowCalls(t *testing.T) {
	store := storage.WithTimeout(blockingStore{Store: memory.New()}, 20*time.Millisecond)

	start := time.Now()
	_, err := store.GetJobStatus(context.Background(), "job", "U1")

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithTimeout_PassesThrough(t *testing.T) {
	store := storage.WithTimeout(memory.New(), time.Second)
	ctx := context.Background()

	res, err := store.EnqueueInput(ctx, "U1", domain.CreateInputCommand{IdempotencyKey: "k1", Type: domain.InputTypePhoto})
	require.NoError(t, err)

	view, err := store.GetJobStatus(ctx, res.JobID, "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, view.Status)
}

func TestWithTimeout_DisabledReturnsSameStore(t *testing.T) {
	inner := memory.New()
	assert.Same(t, inner, storage.WithTimeout(inner, 0))
}
