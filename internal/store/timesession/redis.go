package timesession

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared-backend time-session variant. Stores the absolute
// expiry as a Unix-millisecond string with a matching PX (ms-precision) TTL
// computed from expiresAt-now, per spec §4.5.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed time-session store.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, prefix: keyPrefix}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.prefix+key, strconv.FormatInt(expiresAt.UnixMilli(), 10), ttl).Err()
}
