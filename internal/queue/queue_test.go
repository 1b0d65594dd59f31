package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRequestedMessage_WireFormat(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	msg := NewJobRequested("user-1", "6f1b8a0e-0000-4000-8000-000000000001", "6f1b8a0e-0000-4000-8000-000000000002", at)

	body, err := Encode(msg)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, "recommendation.job.requested", wire["messageType"])
	assert.Equal(t, "1", wire["messageVersion"])
	assert.Equal(t, "2026-03-04T05:06:07Z", wire["requestedAt"])
	assert.Equal(t, "user-1", wire["userId"])
	assert.Contains(t, wire, "inputId")
	assert.Contains(t, wire, "jobId")

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, msg, *decoded)
}

func TestDecode_Rejects(t *testing.T) {
	valid := NewJobRequested("user-1", uuid.NewString(), uuid.NewString(), time.Now())

	tests := []struct {
		name   string
		mutate func(m *JobRequestedMessage)
		body   []byte
	}{
		{name: "not json", body: []byte("{oops")},
		{name: "wrong type", mutate: func(m *JobRequestedMessage) { m.MessageType = "job.created" }},
		{name: "wrong version", mutate: func(m *JobRequestedMessage) { m.MessageVersion = "2" }},
		{name: "missing user", mutate: func(m *JobRequestedMessage) { m.UserID = "" }},
		{name: "bad input id", mutate: func(m *JobRequestedMessage) { m.InputID = "input-1" }},
		{name: "bad job id", mutate: func(m *JobRequestedMessage) { m.JobID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == nil {
				m := valid
				tt.mutate(&m)
				var err error
				body, err = json.Marshal(m)
				require.NoError(t, err)
			}

			_, err := Decode(body)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidMessage))
		})
	}
}

// The Redis backend is exercised against a live server when REDIS_ADDR is set.
func redisForTest(t *testing.T) (*goredis.Client, RedisKeys) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	prefix := "test:" + uuid.NewString()
	keys := RedisKeys{Queue: prefix + ":queue", Processing: prefix + ":processing", DeadLetter: prefix + ":dead"}
	t.Cleanup(func() {
		ctx := context.Background()
		if found, err := rdb.Keys(ctx, prefix+":*").Result(); err == nil && len(found) > 0 {
			rdb.Del(ctx, found...)
		}
		rdb.Close()
	})
	return rdb, keys
}

func TestRedis_ReliableDelivery(t *testing.T) {
	rdb, keys := redisForTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := NewRedis(rdb, keys, "worker-a", 200*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	processing := keys.Processing + ":worker-a"

	first := NewJobRequested("user-1", uuid.NewString(), uuid.NewString(), time.Now())
	second := NewJobRequested("user-1", uuid.NewString(), uuid.NewString(), time.Now())
	require.NoError(t, q.PublishJob(ctx, first))
	require.NoError(t, q.PublishJob(ctx, second))

	consumeCtx, stop := context.WithCancel(ctx)
	deliveries, err := q.Deliveries(consumeCtx)
	require.NoError(t, err)

	d := <-deliveries
	msg, err := Decode(d.Body())
	require.NoError(t, err)
	assert.Equal(t, first.JobID, msg.JobID, "FIFO order")
	assert.EqualValues(t, 1, rdb.LLen(ctx, processing).Val())
	require.NoError(t, d.Ack(ctx))

	d = <-deliveries
	require.NoError(t, d.Nack(ctx, false))
	stop()
	for range deliveries {
	}

	assert.EqualValues(t, 0, rdb.LLen(ctx, processing).Val())
	assert.EqualValues(t, 1, rdb.LLen(ctx, keys.DeadLetter).Val())
}

func TestRedis_StartingConsumerLeavesLiveClaimsAlone(t *testing.T) {
	rdb, keys := redisForTest(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := NewRedis(rdb, keys, "worker-a", 200*time.Millisecond, logger)
	require.NoError(t, a.PublishJob(ctx, NewJobRequested("user-1", uuid.NewString(), uuid.NewString(), time.Now())))

	consumeCtx, stopA := context.WithCancel(ctx)
	deliveries, err := a.Deliveries(consumeCtx)
	require.NoError(t, err)
	<-deliveries // claimed and never settled

	b := NewRedis(rdb, keys, "worker-b", 200*time.Millisecond, logger)
	moved, err := b.RequeueOrphaned(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.EqualValues(t, 1, rdb.LLen(ctx, keys.Processing+":worker-a").Val())
	assert.Zero(t, rdb.LLen(ctx, keys.Queue).Val())

	// worker-a goes away without settling and its lease runs out
	stopA()
	for range deliveries {
	}
	require.Eventually(t, func() bool {
		return rdb.Exists(ctx, keys.Processing+":worker-a:lease").Val() == 0
	}, 2*time.Second, 20*time.Millisecond)

	moved, err = b.RequeueOrphaned(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, moved)
	assert.Zero(t, rdb.LLen(ctx, keys.Processing+":worker-a").Val())
	assert.EqualValues(t, 1, rdb.LLen(ctx, keys.Queue).Val())
	assert.NotContains(t, rdb.SMembers(ctx, keys.Processing+":consumers").Val(), "worker-a")
}

func TestRedis_RestartRedeliversOwnClaims(t *testing.T) {
	rdb, keys := redisForTest(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := NewJobRequested("user-1", uuid.NewString(), uuid.NewString(), time.Now())
	first := NewRedis(rdb, keys, "worker-a", 200*time.Millisecond, logger)
	require.NoError(t, first.PublishJob(ctx, msg))

	consumeCtx, stop := context.WithCancel(ctx)
	deliveries, err := first.Deliveries(consumeCtx)
	require.NoError(t, err)
	<-deliveries
	stop()
	for range deliveries {
	}

	restarted := NewRedis(rdb, keys, "worker-a", 200*time.Millisecond, logger)
	deliveries, err = restarted.Deliveries(ctx)
	require.NoError(t, err)

	d := <-deliveries
	got, err := Decode(d.Body())
	require.NoError(t, err)
	assert.Equal(t, msg.JobID, got.JobID)
	require.NoError(t, d.Ack(ctx))
}
