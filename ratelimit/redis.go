package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window Limiter shared by every replica: failures are
// counted with INCR in a key that expires with the window, and a key is
// blocked once the count reaches max.
type Redis struct {
	client redis.UniversalClient
	prefix string
	max    int64
	window time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, max int, window time.Duration) *Redis {
	if prefix == "" {
		prefix = "tollgate:rl:"
	}
	if max <= 0 {
		max = DefaultMaxFailures
	}
	if window <= 0 {
		window = DefaultMaxLockout
	}
	return &Redis{client: client, prefix: prefix, max: int64(max), window: window}
}

func (r *Redis) key(key string) string {
	return r.prefix + strings.ReplaceAll(key, " ", "_")
}

func (r *Redis) Check(ctx context.Context, key string) (bool, time.Duration, error) {
	k := r.key(key)
	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	hits, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if hits < r.max {
		return false, 0, nil
	}
	retry := ttl.Val()
	if retry <= 0 {
		retry = r.window
	}
	return true, retry, nil
}

func (r *Redis) RecordFailure(ctx context.Context, key string) error {
	k := r.key(key)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	// Expiry is set on the first hit only so the window stays fixed.
	if incr.Val() == 1 {
		if err := r.client.Expire(ctx, k, r.window).Err(); err != nil {
			return fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return nil
}

func (r *Redis) RecordSuccess(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}
