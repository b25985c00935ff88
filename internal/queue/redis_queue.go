package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/towing-dispatch/internal/models"
)

// HashClient is the subset of redis commands the queue needs; *redis.Client
// satisfies it.
type HashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisQueue keeps one hash per request (mechanic id -> status) so every API
// instance sees the same outstanding set.
type RedisQueue struct {
	client HashClient
	ttl    time.Duration
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client HashClient, ttl time.Duration) *RedisQueue {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisQueue{client: client, ttl: ttl}
}

func queueKey(requestID string) string { return "towing:queue:" + requestID }

func (q *RedisQueue) Add(ctx context.Context, requestID string, mechanicIDs ...string) error {
	if len(mechanicIDs) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(mechanicIDs))
	for _, id := range mechanicIDs {
		values[id] = string(EntryPending)
	}
	return q.write(ctx, requestID, values)
}

func (q *RedisQueue) Mark(ctx context.Context, requestID, mechanicID string, st EntryStatus) error {
	return q.write(ctx, requestID, map[string]interface{}{mechanicID: string(st)})
}

func (q *RedisQueue) Entries(ctx context.Context, requestID string) (map[string]EntryStatus, error) {
	raw, err := q.client.HGetAll(ctx, queueKey(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue entries %s: %w: %w", requestID, models.ErrUnavailable, err)
	}
	out := make(map[string]EntryStatus, len(raw))
	for k, v := range raw {
		out[k] = EntryStatus(v)
	}
	return out, nil
}

func (q *RedisQueue) write(ctx context.Context, requestID string, values map[string]interface{}) error {
	key := queueKey(requestID)
	if err := q.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("queue write %s: %w: %w", requestID, models.ErrUnavailable, err)
	}
	if err := q.client.Expire(ctx, key, q.ttl).Err(); err != nil {
		return fmt.Errorf("queue expire %s: %w: %w", requestID, models.ErrUnavailable, err)
	}
	return nil
}
