package detector

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Statistical flags transactions that deviate from the tenant population.
type Statistical struct {
	baselines domain.BaselineSource
	cfg       domain.StatisticalConfig
}

// NewStatistical creates the population-deviation detector.
func NewStatistical(baselines domain.BaselineSource, cfg domain.StatisticalConfig) *Statistical {
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = 3
	}
	if cfg.ExtremePercentile <= 0 {
		cfg.ExtremePercentile = 0.999
	}
	return &Statistical{baselines: baselines, cfg: cfg}
}

func (s *Statistical) Name() string    { return domain.DetectorStatistical }
func (s *Statistical) Version() string { return "statistical-v1" }

// Evaluate computes the larger of the amount and velocity z-scores.
func (s *Statistical) Evaluate(ctx context.Context, in Input) (*domain.DetectorResult, error) {
	amount, ok := in.Features.Number(features.Amount)
	if !ok {
		return nil, fmt.Errorf("%w: amount", domain.ErrFeatureUnavailable)
	}

	b, err := s.baselines.Population(ctx, in.Transaction.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: population baseline: %v", domain.ErrFeatureUnavailable, err)
	}
	if b.AmountStdDev <= 0 {
		return nil, fmt.Errorf("%w: population amount variance is zero", domain.ErrFeatureUnavailable)
	}

	zAmount := (amount - b.AmountMean) / b.AmountStdDev

	var zVelocity float64
	if v, ok := in.Features.Number(features.Velocity1h); ok && b.VelocityStdDev > 0 {
		zVelocity = (v - b.VelocityMean) / b.VelocityStdDev
	}

	pct := scoring.PercentileRank(b.Reference, amount)

	r := newResult(s)
	r.RawScore = math.Max(math.Max(zAmount, zVelocity), 0)
	r.Confidence = clamp01(float64(b.SampleCount) / float64(b.SampleCount+50))
	r.Flagged = r.RawScore >= s.cfg.ZThreshold || pct >= s.cfg.ExtremePercentile
	r.ContributingFeatures = contributions([]domain.FeatureContribution{
		{Feature: "amount_zscore", Weight: zAmount},
		{Feature: "velocity_zscore", Weight: zVelocity},
		{Feature: "amount_percentile", Weight: pct},
	})
	return r, nil
}
