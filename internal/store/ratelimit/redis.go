package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared-backend rate limiter variant, used for horizontal
// scaling. It uses INCR + EXPIRE-on-first-increment, tolerating stale reads
// between the increment and the TTL read by re-arming the TTL whenever it
// is observed to be <= 0 (spec §4.5, §9 Open Questions — best-effort, may
// briefly overshoot limit by O(concurrency) under extreme contention).
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed rate limiter. keyPrefix namespaces keys
// (e.g. "rl:") so the same Redis instance can back multiple stores.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, prefix: keyPrefix}
}

// Check implements Store.
func (r *Redis) Check(ctx context.Context, key string, limit int, windowMs int64) (Result, error) {
	fullKey := r.prefix + key
	window := time.Duration(windowMs) * time.Millisecond

	count, err := r.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return Result{}, err
	}

	if count == 1 {
		if err := r.client.PExpire(ctx, fullKey, window).Err(); err != nil {
			return Result{}, err
		}
	}

	ttl, err := r.client.PTTL(ctx, fullKey).Result()
	if err != nil {
		return Result{}, err
	}
	if ttl <= 0 {
		// Lost race against expiry or never armed; re-set it so the counter
		// doesn't live forever and the window boundary stays close to correct.
		if err := r.client.PExpire(ctx, fullKey, window).Err(); err != nil {
			return Result{}, err
		}
		ttl = window
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		Limit:     limit,
		ResetMs:   ttl.Milliseconds(),
	}, nil
}
