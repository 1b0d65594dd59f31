package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisKeys names the lists backing the reliable queue
type RedisKeys struct {
	Queue string
	// Processing prefixes the per-consumer processing lists
	Processing string
	// DeadLetter receives rejected messages; dropped when empty
	DeadLetter string
}

// Redis is a reliable list queue. Each consumer claims into its own
// processing list, moving the message atomically from the queue list; ack
// removes it. A consumer keeps a lease key alive while it runs and returns
// the processing lists of consumers whose lease has expired to the queue.
type Redis struct {
	rdb          *goredis.Client
	keys         RedisKeys
	consumerID   string
	claimTimeout time.Duration
	leaseTTL     time.Duration
	logger       *slog.Logger
}

// NewRedis creates a Redis-backed queue. consumerID names this consumer's
// processing list; an empty id gets a random one.
func NewRedis(rdb *goredis.Client, keys RedisKeys, consumerID string, claimTimeout time.Duration, logger *slog.Logger) *Redis {
	if claimTimeout <= 0 {
		claimTimeout = 5 * time.Second
	}
	if consumerID == "" {
		consumerID = uuid.NewString()
	}
	return &Redis{
		rdb:          rdb,
		keys:         keys,
		consumerID:   consumerID,
		claimTimeout: claimTimeout,
		leaseTTL:     3 * claimTimeout,
		logger:       logger,
	}
}

func (q *Redis) processingKey(consumerID string) string {
	return q.keys.Processing + ":" + consumerID
}

func (q *Redis) leaseKey(consumerID string) string {
	return q.processingKey(consumerID) + ":lease"
}

func (q *Redis) consumersKey() string {
	return q.keys.Processing + ":consumers"
}

// PublishJob pushes the encoded message onto the queue list
func (q *Redis) PublishJob(ctx context.Context, msg JobRequestedMessage) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.keys.Queue, body).Err()
}

// RequeueOrphaned returns the messages of other consumers whose lease has
// expired to the queue
func (q *Redis) RequeueOrphaned(ctx context.Context) (int64, error) {
	ids, err := q.rdb.SMembers(ctx, q.consumersKey()).Result()
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, id := range ids {
		if id == q.consumerID {
			continue
		}
		alive, err := q.rdb.Exists(ctx, q.leaseKey(id)).Result()
		if err != nil {
			return moved, err
		}
		if alive > 0 {
			continue
		}

		n, err := q.drain(ctx, q.processingKey(id))
		moved += n
		if err != nil {
			return moved, err
		}
		if err := q.rdb.SRem(ctx, q.consumersKey(), id).Err(); err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// drain moves every message in a processing list back to the queue
func (q *Redis) drain(ctx context.Context, processing string) (int64, error) {
	var moved int64
	for {
		_, err := q.rdb.RPopLPush(ctx, processing, q.keys.Queue).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return moved, nil
			}
			return moved, err
		}
		moved++
	}
}

func (q *Redis) renewLease(ctx context.Context) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, q.consumersKey(), q.consumerID)
		pipe.Set(ctx, q.leaseKey(q.consumerID), time.Now().UTC().Format(time.RFC3339), q.leaseTTL)
		return nil
	})
	return err
}

// keepLease renews the lease and sweeps orphaned lists until ctx is
// canceled. The lease then expires on its own, which covers jobs still
// draining after shutdown begins.
func (q *Redis) keepLease(ctx context.Context) {
	ticker := time.NewTicker(q.claimTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.renewLease(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Failed to renew consumer lease", slog.Any("error", err))
			}
			if n, err := q.RequeueOrphaned(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Failed to requeue orphaned messages", slog.Any("error", err))
			} else if n > 0 {
				q.logger.Info("Requeued orphaned messages", slog.Int64("count", n))
			}
		}
	}
}

// Deliveries requeues unacknowledged messages and then claims until ctx is
// canceled
func (q *Redis) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	processing := q.processingKey(q.consumerID)

	// anything in our own list is left over from a previous run under this id
	leftover, err := q.drain(ctx, processing)
	if err != nil {
		return nil, err
	}
	if err := q.renewLease(ctx); err != nil {
		return nil, err
	}
	orphaned, err := q.RequeueOrphaned(ctx)
	if err != nil {
		return nil, err
	}
	if n := leftover + orphaned; n > 0 {
		q.logger.Info("Requeued unacknowledged messages", slog.Int64("count", n))
	}

	go q.keepLease(ctx)

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			body, err := q.rdb.BRPopLPush(ctx, q.keys.Queue, processing, q.claimTimeout).Result()
			if err != nil {
				if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
					continue
				}
				q.logger.Error("Failed to claim message from Redis", slog.Any("error", err))
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
				continue
			}

			d := &redisDelivery{q: q, processing: processing, body: body}
			select {
			case out <- d:
			case <-ctx.Done():
				if err := d.Nack(context.Background(), true); err != nil {
					q.logger.Error("Failed to return message on shutdown", slog.Any("error", err))
				}
				return
			}
		}
	}()

	return out, nil
}

type redisDelivery struct {
	q          *Redis
	processing string
	body       string
}

func (d *redisDelivery) Body() []byte { return []byte(d.body) }

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.q.rdb.LRem(ctx, d.processing, 1, d.body).Err()
}

func (d *redisDelivery) Nack(ctx context.Context, requeue bool) error {
	_, err := d.q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, d.processing, 1, d.body)
		switch {
		case requeue:
			pipe.LPush(ctx, d.q.keys.Queue, d.body)
		case d.q.keys.DeadLetter != "":
			pipe.LPush(ctx, d.q.keys.DeadLetter, d.body)
		}
		return nil
	})
	return err
}
