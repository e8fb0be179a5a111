package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSeenCodeTTL is how long shared registries remember a code.
// Authorization codes expire at the provider well within this window.
const DefaultSeenCodeTTL = 10 * time.Minute

// RedisSeenCodes shares the registry between instances through Redis.
// Each code is a key set with SET NX and an expiry.
type RedisSeenCodes struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSeenCodes connects to redisURL and pings it before returning.
func NewRedisSeenCodes(ctx context.Context, redisURL string, ttl time.Duration) (*RedisSeenCodes, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedisSeenCodesFromClient(rdb, ttl), nil
}

// NewRedisSeenCodesFromClient wraps an existing client.
func NewRedisSeenCodesFromClient(rdb *redis.Client, ttl time.Duration) *RedisSeenCodes {
	if ttl <= 0 {
		ttl = DefaultSeenCodeTTL
	}
	return &RedisSeenCodes{rdb: rdb, prefix: "storefront:seen_code:", ttl: ttl}
}

func (r *RedisSeenCodes) MarkSeen(ctx context.Context, code string) (bool, error) {
	first, err := r.rdb.SetNX(ctx, r.prefix+codeKey(code), 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis mark seen: %w", err)
	}
	return first, nil
}

// Close closes the Redis client.
func (r *RedisSeenCodes) Close() error {
	return r.rdb.Close()
}

var _ SeenCodeRegistry = (*RedisSeenCodes)(nil)
