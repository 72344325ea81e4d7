package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caresync/resilience-core/pkg/config"
	"github.com/caresync/resilience-core/pkg/fallback"
	"github.com/caresync/resilience-core/pkg/logging"
)

// NewRedisClient creates a Redis client from configuration and verifies
// connectivity
func NewRedisClient(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// cachedResult is the JSON envelope stored per service
type cachedResult struct {
	Value    json.RawMessage `json:"value"`
	CachedAt time.Time       `json:"cached_at"`
}

// RedisResultCache shares last-good fallback results across instances.
// Values round-trip through JSON, so a hit returns the decoded form
// (maps and slices), not the original Go type.
type RedisResultCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisResultCache creates a Redis-backed result cache. A TTL of zero
// keeps entries until evicted; staleness is still enforced at read time
// by the fallback tiers.
func NewRedisResultCache(client *redis.Client, ttl time.Duration) *RedisResultCache {
	return &RedisResultCache{
		client: client,
		ttl:    ttl,
		logger: logging.GetLogger(),
	}
}

func (c *RedisResultCache) key(service string) string {
	return "resilience:fallback:" + service
}

// Get loads the last good result for a service. Failures are treated as
// misses.
func (c *RedisResultCache) Get(ctx context.Context, service string) (*fallback.CacheEntry, bool) {
	payload, err := c.client.Get(ctx, c.key(service)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Fallback cache read failed",
				"service", service,
				"error", err.Error(),
			)
		}
		return nil, false
	}

	var stored cachedResult
	if err := json.Unmarshal(payload, &stored); err != nil {
		c.logger.Warn("Fallback cache entry corrupt",
			"service", service,
			"error", err.Error(),
		)
		return nil, false
	}

	var value interface{}
	if err := json.Unmarshal(stored.Value, &value); err != nil {
		return nil, false
	}

	return &fallback.CacheEntry{
		Value:    value,
		CachedAt: stored.CachedAt,
	}, true
}

// Set stores the last good result for a service, best-effort
func (c *RedisResultCache) Set(ctx context.Context, service string, entry fallback.CacheEntry) {
	raw, err := json.Marshal(entry.Value)
	if err != nil {
		c.logger.Warn("Fallback cache value not serializable",
			"service", service,
			"error", err.Error(),
		)
		return
	}

	payload, err := json.Marshal(cachedResult{Value: raw, CachedAt: entry.CachedAt})
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, c.key(service), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("Fallback cache write failed",
			"service", service,
			"error", err.Error(),
		)
	}
}
