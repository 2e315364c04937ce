package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow shares the dedup window across bridge instances. SETNX with a
// TTL gives the strictly-consistent semantics the ingress needs: the first
// writer wins, everyone else observes the duplicate.
type RedisWindow struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisWindow connects and pings the redis backend.
func NewRedisWindow(url string, ttl time.Duration) (*RedisWindow, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("dedup: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("dedup: ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	return &RedisWindow{client: client, ttl: ttl}, nil
}

// NewRedisWindowWithClient wraps an existing client.
func NewRedisWindowWithClient(client *redis.Client, ttl time.Duration) *RedisWindow {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	return &RedisWindow{client: client, ttl: ttl}
}

func (w *RedisWindow) Seen(ctx context.Context, token string) (bool, error) {
	set, err := w.client.SetNX(ctx, redisKey(token), 1, w.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: setnx: %w", err)
	}
	return !set, nil
}

func (w *RedisWindow) Forget(ctx context.Context, token string) error {
	if err := w.client.Del(ctx, redisKey(token)).Err(); err != nil {
		return fmt.Errorf("dedup: del: %w", err)
	}
	return nil
}

func (w *RedisWindow) Close() error {
	return w.client.Close()
}
