package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/tenant"
)

const validityKeyPrefix = "vela:tenant:ok:"

// DefaultValidityTTL bounds how long a cached validity answer may outlive a
// registry change other than retirement (retirement invalidates eagerly).
const DefaultValidityTTL = 30 * time.Second

// RedisValidityCache is the production ValidityCache. Redis being down only
// costs the fast path; lookups fall through to Postgres.
type RedisValidityCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisValidityCache connects to Redis and returns a validity cache.
func NewRedisValidityCache(addr, password string, db int, ttl time.Duration) (*RedisValidityCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultValidityTTL
	}
	return &RedisValidityCache{client: client, ttl: ttl}, nil
}

func (c *RedisValidityCache) Close() error {
	return c.client.Close()
}

func (c *RedisValidityCache) Get(ctx context.Context, id tenant.ID) (bool, bool) {
	val, err := c.client.Get(ctx, validityKeyPrefix+id.String()).Result()
	if err == redis.Nil {
		return false, false
	}
	if err != nil {
		metrics.RecordRegistryCacheLookup("error")
		logging.Op().Warn("validity cache read failed", "tenant_id", id.String(), "error", err)
		return false, false
	}
	return val == "1", true
}

func (c *RedisValidityCache) Set(ctx context.Context, id tenant.ID, valid bool) {
	val := "0"
	if valid {
		val = "1"
	}
	if err := c.client.Set(ctx, validityKeyPrefix+id.String(), val, c.ttl).Err(); err != nil {
		logging.Op().Warn("validity cache write failed", "tenant_id", id.String(), "error", err)
	}
}

func (c *RedisValidityCache) Invalidate(ctx context.Context, id tenant.ID) {
	if err := c.client.Del(ctx, validityKeyPrefix+id.String()).Err(); err != nil {
		// A failed invalidation is bounded by the TTL, but log it loudly:
		// a retired tenant validating for another TTL window is exactly
		// the kind of silent gap this core exists to prevent.
		logging.Op().Error("validity cache invalidation failed", "tenant_id", id.String(), "error", err)
	}
}
