package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TwoPhaseCache reads through a local LRU (L1) to a shared store (L2).
// L2 sits behind a circuit breaker: while it is failing, reads degrade to
// L1 misses and rate windows fall back to per-node counting, so scoring
// keeps running on a single node's view.
type TwoPhaseCache struct {
	local   *LRUCache
	remote  domain.Cache
	l1TTL   time.Duration
	breaker *gobreaker.CircuitBreaker[any]
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:    "cache-l2",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// l2 runs fn against the shared store through the breaker.
func l2[T any](c *TwoPhaseCache, fn func() (T, error)) (T, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func (c *TwoPhaseCache) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < c.l1TTL {
		return ttl
	}
	return c.l1TTL
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}

	val, err := l2(c, func() ([]byte, error) { return c.remote.Get(ctx, tenantID, key) })
	if err != nil {
		slog.Debug("L2 read skipped", "key", key, "error", err)
		return nil, nil
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes to L1, then L2. An L2 failure leaves the value in L1 only.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, c.localTTL(ttl)); err != nil {
		return err
	}
	if _, err := l2(c, func() (any, error) { return nil, c.remote.Set(ctx, tenantID, key, value, ttl) }); err != nil {
		slog.Warn("L2 write failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes from both tiers. L2 errors are returned, since other
// nodes would keep reading the stale value.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	_, err := l2(c, func() (any, error) { return nil, c.remote.Delete(ctx, tenantID, key) })
	return err
}

// GetProfile retrieves a cached profile from L1 first, then L2.
func (c *TwoPhaseCache) GetProfile(ctx context.Context, tenantID string, entityID string) (*domain.EntityProfile, error) {
	if p, err := c.local.GetProfile(ctx, tenantID, entityID); err != nil || p != nil {
		return p, err
	}

	p, err := l2(c, func() (*domain.EntityProfile, error) { return c.remote.GetProfile(ctx, tenantID, entityID) })
	if err != nil {
		slog.Debug("L2 profile read skipped", "entity_id", entityID, "error", err)
		return nil, nil
	}
	if p != nil {
		_ = c.local.SetProfile(ctx, tenantID, p, c.l1TTL)
	}
	return p, nil
}

// SetProfile caches a profile in both tiers.
func (c *TwoPhaseCache) SetProfile(ctx context.Context, tenantID string, profile *domain.EntityProfile, ttl time.Duration) error {
	if err := c.local.SetProfile(ctx, tenantID, profile, c.localTTL(ttl)); err != nil {
		return err
	}
	if _, err := l2(c, func() (any, error) { return nil, c.remote.SetProfile(ctx, tenantID, profile, ttl) }); err != nil {
		slog.Warn("L2 profile write failed", "entity_id", profile.EntityID, "error", err)
	}
	return nil
}

// DeleteProfile drops a profile from both tiers.
func (c *TwoPhaseCache) DeleteProfile(ctx context.Context, tenantID string, entityID string) error {
	if err := c.local.DeleteProfile(ctx, tenantID, entityID); err != nil {
		return err
	}
	_, err := l2(c, func() (any, error) { return nil, c.remote.DeleteProfile(ctx, tenantID, entityID) })
	return err
}

type windowResult struct {
	allowed bool
	count   int64
}

// SlidingWindow counts in L2 so limits hold across nodes, and falls back to
// the local window while L2 is unavailable.
func (c *TwoPhaseCache) SlidingWindow(ctx context.Context, tenantID string, key string, now time.Time, window time.Duration, limit int) (bool, int64, error) {
	res, err := l2(c, func() (windowResult, error) {
		allowed, count, err := c.remote.SlidingWindow(ctx, tenantID, key, now, window, limit)
		return windowResult{allowed, count}, err
	})
	if err != nil {
		slog.Warn("shared rate window unavailable, counting locally", "key", key, "error", err)
		return c.local.SlidingWindow(ctx, tenantID, key, now, window, limit)
	}
	return res.allowed, res.count, nil
}

// ReleaseWindow returns the slot to whichever tier recorded it. An L2 that
// is unavailable now was most likely unavailable when the slot was taken.
func (c *TwoPhaseCache) ReleaseWindow(ctx context.Context, tenantID string, key string, at time.Time) error {
	if _, err := l2(c, func() (any, error) { return nil, c.remote.ReleaseWindow(ctx, tenantID, key, at) }); err != nil {
		slog.Warn("shared rate window unavailable, releasing locally", "key", key, "error", err)
		return c.local.ReleaseWindow(ctx, tenantID, key, at)
	}
	return nil
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
