package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces idempotency keys in a shared Redis.
const redisKeyPrefix = "idempotency:"

// RedisRepository implements Repository on Redis. Keys expire on their own
// after the configured TTL, so DeleteOlderThan is a no-op.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository creates a Redis-backed repository. A non-positive ttl
// uses DefaultExpiry.
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, ttl: ttl}
}

// Reserve stores record as processing with SET NX.
func (r *RedisRepository) Reserve(ctx context.Context, record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.Status = StatusProcessing

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency key: %w", err)
	}

	ok, err := r.client.SetNX(ctx, redisKeyPrefix+record.Key, data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// Get retrieves an idempotency key by its key value.
func (r *RedisRepository) Get(ctx context.Context, key string) (*IdempotencyKey, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	var record IdempotencyKey
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency key: %w", err)
	}
	return &record, nil
}

// Complete stores the response for a reserved key, keeping its TTL.
func (r *RedisRepository) Complete(ctx context.Context, key string, statusCode int, body string) error {
	record, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	record.Status = StatusCompleted
	record.ResponseStatusCode = statusCode
	record.ResponseBody = body

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency key: %w", err)
	}

	// XX: only overwrite a key that still exists.
	err = r.client.SetArgs(ctx, redisKeyPrefix+key, data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Release drops a reservation.
func (r *RedisRepository) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// DeleteOlderThan is a no-op; Redis expires keys itself.
func (r *RedisRepository) DeleteOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
