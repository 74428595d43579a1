package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// WeightStore persists WeightConfig versions.
type WeightStore interface {
	SaveWeightConfig(ctx context.Context, cfg *domain.WeightConfig) error
	LatestWeightConfig(ctx context.Context) (*domain.WeightConfig, error)
	GetWeightConfig(ctx context.Context, version int64) (*domain.WeightConfig, error)
}

// Registry holds the live WeightConfig. Readers take one snapshot per
// scoring operation with Current; publishers always install a complete new
// version, so a reader never observes a half-applied change.
type Registry struct {
	current atomic.Pointer[domain.WeightConfig]
	mu      sync.Mutex // serializes publishers
	store   WeightStore
	clock   domain.Clock
}

// NewRegistry creates a registry. store may be nil for in-memory use.
func NewRegistry(store WeightStore, clock domain.Clock) *Registry {
	return &Registry{store: store, clock: clock}
}

// Load installs the latest persisted version, or publishes fallback when
// nothing has been stored yet.
func (r *Registry) Load(ctx context.Context, fallback *domain.WeightConfig) (*domain.WeightConfig, error) {
	if r.store != nil {
		latest, err := r.store.LatestWeightConfig(ctx)
		switch {
		case err == nil:
			if err := Validate(latest); err != nil {
				return nil, fmt.Errorf("stored weight config v%d: %w", latest.Version, err)
			}
			prepare(latest)
			r.mu.Lock()
			r.current.Store(latest)
			r.mu.Unlock()
			slog.Info("weight config loaded", "version", latest.Version, "source", latest.Source)
			return latest, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("failed to load weight config: %w", err)
		}
	}
	return r.Publish(ctx, fallback)
}

// Current returns the live version. Callers must treat it as read-only;
// use Clone to derive a new version.
func (r *Registry) Current() *domain.WeightConfig {
	return r.current.Load()
}

// Publish validates cfg, assigns the next version number, persists it and
// makes it live. cfg must not be modified afterwards.
func (r *Registry) Publish(ctx context.Context, cfg *domain.WeightConfig) (*domain.WeightConfig, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := cfg.Clone()
	next.Reason = cfg.Reason
	next.CreatedAt = cfg.CreatedAt
	next.Version = 1
	if cur := r.current.Load(); cur != nil {
		next.Version = cur.Version + 1
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = r.clock.Now()
	}
	if next.Source == "" {
		next.Source = domain.WeightSourceConfig
	}
	prepare(next)

	if r.store != nil {
		if err := r.store.SaveWeightConfig(ctx, next); err != nil {
			return nil, fmt.Errorf("failed to persist weight config v%d: %w", next.Version, err)
		}
	}

	r.current.Store(next)

	slog.Info("weight config published",
		"version", next.Version,
		"source", next.Source,
		"reason", next.Reason,
	)
	return next, nil
}

// Version returns a historical version, for reproducing stored scores.
func (r *Registry) Version(ctx context.Context, version int64) (*domain.WeightConfig, error) {
	if cur := r.current.Load(); cur != nil && cur.Version == version {
		return cur, nil
	}
	if r.store == nil {
		return nil, domain.ErrNotFound
	}
	return r.store.GetWeightConfig(ctx, version)
}
