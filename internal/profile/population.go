package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

const baselineKey = "baseline:population"

// Population computes tenant-wide baselines from recent transactions and
// caches them for the configured TTL.
type Population struct {
	repo  TransactionReader
	cache domain.Cache
	clock domain.Clock
	cfg   domain.StatisticalConfig
	group singleflight.Group
}

// NewPopulation creates a population baseline source.
func NewPopulation(repo TransactionReader, cache domain.Cache, clock domain.Clock, cfg domain.StatisticalConfig) *Population {
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = 30 * 24 * time.Hour
	}
	if cfg.BaselineTTL <= 0 {
		cfg.BaselineTTL = 5 * time.Minute
	}
	if cfg.ReferenceSampleSize <= 0 {
		cfg.ReferenceSampleSize = 5000
	}
	return &Population{repo: repo, cache: cache, clock: clock, cfg: cfg}
}

// Population returns the tenant baseline. It fails with ErrInsufficientData
// while the tenant has fewer than the configured minimum samples.
func (p *Population) Population(ctx context.Context, tenantID string) (*domain.PopulationBaseline, error) {
	if data, err := p.cache.Get(ctx, tenantID, baselineKey); err == nil && data != nil {
		var b domain.PopulationBaseline
		if err := json.Unmarshal(data, &b); err == nil {
			return &b, nil
		}
	}

	v, err, _ := p.group.Do(tenantID, func() (any, error) {
		return p.load(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.PopulationBaseline), nil
}

func (p *Population) load(ctx context.Context, tenantID string) (*domain.PopulationBaseline, error) {
	now := p.clock.Now()

	txs, err := p.repo.ListRecentTransactions(ctx, tenantID, now.Add(-p.cfg.BaselineWindow), p.cfg.ReferenceSampleSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load population sample: %w", err)
	}
	if len(txs) < p.cfg.MinPopulationSamples || len(txs) == 0 {
		return nil, fmt.Errorf("%w: %d population samples, need %d",
			domain.ErrInsufficientData, len(txs), p.cfg.MinPopulationSamples)
	}

	b := Baseline(tenantID, txs, now)

	if data, err := json.Marshal(b); err == nil {
		if err := p.cache.Set(ctx, tenantID, baselineKey, data, p.cfg.BaselineTTL); err != nil {
			slog.Warn("baseline cache write failed", "tenant_id", tenantID, "error", err)
		}
	}
	return b, nil
}

// Baseline computes amount and one-hour velocity distributions of a sample.
func Baseline(tenantID string, txs []*domain.Transaction, now time.Time) *domain.PopulationBaseline {
	amounts := make([]float64, len(txs))
	for i, tx := range txs {
		amounts[i] = tx.AmountFloat()
	}

	prior := velocity.Prior(txs, time.Hour)
	velocities := make([]float64, len(prior))
	for i, n := range prior {
		velocities[i] = float64(n)
	}

	b := &domain.PopulationBaseline{
		TenantID:    tenantID,
		SampleCount: len(txs),
		ComputedAt:  now,
	}
	b.AmountMean, b.AmountStdDev = meanStd(amounts)
	b.VelocityMean, b.VelocityStdDev = meanStd(velocities)

	sort.Float64s(amounts)
	b.Reference = amounts
	return b
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
