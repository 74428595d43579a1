package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetProfile retrieves a cached entity profile. Returns nil, nil on miss.
	GetProfile(ctx context.Context, tenantID string, entityID string) (*EntityProfile, error)

	// SetProfile caches an entity profile.
	SetProfile(ctx context.Context, tenantID string, profile *EntityProfile, ttl time.Duration) error

	// DeleteProfile drops a cached entity profile.
	DeleteProfile(ctx context.Context, tenantID string, entityID string) error

	// SlidingWindow records one event for key at now if fewer than limit
	// events fall within (now-window, now]. It returns whether the event was
	// admitted and the number of events in the window afterwards.
	SlidingWindow(ctx context.Context, tenantID string, key string, now time.Time, window time.Duration, limit int) (bool, int64, error)

	// ReleaseWindow removes one event recorded for key at the given time,
	// returning a slot whose action did not happen.
	ReleaseWindow(ctx context.Context, tenantID string, key string, at time.Time) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `koanf:"local_max_size"`
	LocalTTL     time.Duration `koanf:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `koanf:"enable_two_phase"` // If true, check local first, then Redis

	// ProfileTTL bounds how stale a cached entity profile may be.
	ProfileTTL time.Duration `koanf:"profile_ttl"`
}
