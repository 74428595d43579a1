// Package profile builds the entity and population baselines the detectors
// compare transactions against.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// TransactionReader is the slice of the repository profiles are built from.
type TransactionReader interface {
	GetTransactionsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) ([]*domain.Transaction, error)
	ListRecentTransactions(ctx context.Context, tenantID string, since time.Time, limit int) ([]*domain.Transaction, error)
}

// Store serves entity profiles from the cache and rebuilds them from stored
// transactions on a miss. Concurrent misses for one entity share one load.
type Store struct {
	repo   TransactionReader
	cache  domain.Cache
	clock  domain.Clock
	window time.Duration
	ttl    time.Duration
	group  singleflight.Group
}

// NewStore creates a profile store. history bounds how far back a profile
// looks; ttl bounds how long a built profile is served from cache.
func NewStore(repo TransactionReader, cache domain.Cache, clock domain.Clock, history, ttl time.Duration) *Store {
	if history <= 0 {
		history = 90 * 24 * time.Hour
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{
		repo:   repo,
		cache:  cache,
		clock:  clock,
		window: history,
		ttl:    ttl,
	}
}

// GetBaseline returns the entity's profile or ErrProfileNotFound when the
// entity has no stored history.
func (s *Store) GetBaseline(ctx context.Context, tenantID, entityID string) (*domain.EntityProfile, error) {
	if tenantID == "" || entityID == "" {
		return nil, fmt.Errorf("%w: tenantID and entityID are required", domain.ErrInvalidInput)
	}

	if p, err := s.cache.GetProfile(ctx, tenantID, entityID); err != nil {
		slog.Warn("profile cache read failed", "tenant_id", tenantID, "entity_id", entityID, "error", err)
	} else if p != nil {
		return p, nil
	}

	v, err, _ := s.group.Do(tenantID+"/"+entityID, func() (any, error) {
		return s.load(ctx, tenantID, entityID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.EntityProfile), nil
}

func (s *Store) load(ctx context.Context, tenantID, entityID string) (*domain.EntityProfile, error) {
	now := s.clock.Now()

	txs, err := s.repo.GetTransactionsByEntity(ctx, tenantID, entityID, now.Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", entityID, err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrProfileNotFound, entityID)
	}

	p := Build(tenantID, entityID, txs, now)

	if err := s.cache.SetProfile(ctx, tenantID, p, s.ttl); err != nil {
		slog.Warn("profile cache write failed", "tenant_id", tenantID, "entity_id", entityID, "error", err)
	}
	return p, nil
}

// Invalidate drops the cached profile so the next read sees new history.
func (s *Store) Invalidate(ctx context.Context, tenantID, entityID string) error {
	return s.cache.DeleteProfile(ctx, tenantID, entityID)
}

// Build computes a profile from an entity's transactions as of now.
// Transactions at or after now are ignored.
func Build(tenantID, entityID string, txs []*domain.Transaction, now time.Time) *domain.EntityProfile {
	p := &domain.EntityProfile{
		TenantID:     tenantID,
		EntityID:     entityID,
		Channels:     make(map[string]int),
		Destinations: make(map[string]int),
		Devices:      make(map[string]int),
		ComputedAt:   now,
	}

	var sum, sumSq float64
	var lastGeoAt time.Time
	history := make([]*domain.Transaction, 0, len(txs))

	for _, tx := range txs {
		if !tx.Timestamp.Before(now) {
			continue
		}
		history = append(history, tx)

		amount := tx.AmountFloat()
		sum += amount
		sumSq += amount * amount

		p.HourHistogram[tx.Timestamp.UTC().Hour()]++
		p.Channels[tx.Channel]++
		p.Destinations[tx.DestinationAccount]++
		if tx.DeviceID != "" {
			p.Devices[features.DeviceHash(tx.DeviceID)]++
		}
		if tx.Geo != nil && tx.Timestamp.After(lastGeoAt) {
			g := *tx.Geo
			p.LastGeo = &g
			lastGeoAt = tx.Timestamp
		}
		if p.FirstSeen.IsZero() || tx.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = tx.Timestamp
		}
		if tx.Timestamp.After(p.LastSeen) {
			p.LastSeen = tx.Timestamp
		}
		if !tx.Timestamp.Before(now.Add(-time.Hour)) {
			p.TxLastHour++
		}
	}

	p.SampleCount = len(history)
	if p.SampleCount == 0 {
		return p
	}

	n := float64(p.SampleCount)
	p.AmountMean = sum / n
	p.AmountStdDev = math.Sqrt(math.Max(sumSq/n-p.AmountMean*p.AmountMean, 0))
	p.HourlyRateMean, p.HourlyRateStdDev = velocity.HourlyRate(history, p.FirstSeen, now)

	return p
}
