package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokopesa/bridge/internal/money"
)

// RedisIndex backs the index with redis SET NX so reservations are strictly
// consistent across bridge instances. Entry expiry rides on redis TTLs; no
// sweeper needed.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex connects and pings the redis backend.
func NewRedisIndex(url string) (*RedisIndex, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("idempotency: ping redis: %w", err)
	}
	return &RedisIndex{client: client}, nil
}

// NewRedisIndexWithClient wraps an existing client (shared with the dedup window).
func NewRedisIndexWithClient(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func (i *RedisIndex) Reserve(ctx context.Context, flow money.Flow, key, txID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := indexKey(flow, key)

	set, err := i.client.SetNX(ctx, k, txID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency: setnx: %w", err)
	}
	if set {
		return txID, true, nil
	}

	existing, err := i.client.Get(ctx, k).Result()
	if err == redis.Nil {
		// Reservation expired between SetNX and Get; claim it now.
		return i.Reserve(ctx, flow, key, txID, ttl)
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency: get: %w", err)
	}
	return existing, false, nil
}

func (i *RedisIndex) Release(ctx context.Context, flow money.Flow, key string) error {
	return i.client.Del(ctx, indexKey(flow, key)).Err()
}

func (i *RedisIndex) Close() error {
	return i.client.Close()
}
