package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// slidingWindowScript trims the sorted set to (now-window, now], then adds
// the member when the remaining count is below the limit.
// KEYS[1] = window key; ARGV = now ms, window ms, limit, member.
var slidingWindowScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
	local count = redis.call('ZCARD', KEYS[1])
	if count >= limit then
		return {0, count}
	end
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, count + 1}
`)

// releaseWindowScript removes one member scored at ARGV[1].
var releaseWindowScript = redis.NewScript(`
	local members = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1], 'LIMIT', 0, 1)
	if #members == 0 then
		return 0
	end
	return redis.call('ZREM', KEYS[1], members[1])
`)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	val, err := c.client.Get(ctx, c.makeKey(tenantID, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Set(ctx, c.makeKey(tenantID, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Del(ctx, c.makeKey(tenantID, key)).Err()
}

// GetProfile retrieves a cached entity profile.
func (c *RedisCache) GetProfile(ctx context.Context, tenantID string, entityID string) (*domain.EntityProfile, error) {
	return decodeProfile(c.Get(ctx, tenantID, profileKey(entityID)))
}

// SetProfile caches an entity profile.
func (c *RedisCache) SetProfile(ctx context.Context, tenantID string, profile *domain.EntityProfile, ttl time.Duration) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, profileKey(profile.EntityID), data, ttl)
}

// DeleteProfile drops a cached entity profile.
func (c *RedisCache) DeleteProfile(ctx context.Context, tenantID string, entityID string) error {
	return c.Delete(ctx, tenantID, profileKey(entityID))
}

// SlidingWindow runs the window check atomically in Redis so every node
// shares one event log per key.
func (c *RedisCache) SlidingWindow(ctx context.Context, tenantID string, key string, now time.Time, window time.Duration, limit int) (bool, int64, error) {
	if tenantID == "" {
		return false, 0, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, "window:"+key)
	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, c.client, []string{fullKey},
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected sliding window reply: %v", res)
	}
	return res[0] == 1, res[1], nil
}

// ReleaseWindow removes one event recorded at the given time.
func (c *RedisCache) ReleaseWindow(ctx context.Context, tenantID string, key string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, "window:"+key)
	return releaseWindowScript.Run(ctx, c.client, []string{fullKey}, at.UnixMilli()).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "kestrel:" + tenantID + ":" + key
}
