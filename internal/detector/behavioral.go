package detector

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// Behavioral compares a transaction against its entity's own history.
type Behavioral struct {
	cfg domain.BehavioralConfig
}

// NewBehavioral creates the entity-baseline detector.
func NewBehavioral(cfg domain.BehavioralConfig) *Behavioral {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.DeviationThreshold <= 0 {
		cfg.DeviationThreshold = 5
	}
	if cfg.GeoJumpKm <= 0 {
		cfg.GeoJumpKm = 500
	}
	if cfg.RareHourShare <= 0 {
		cfg.RareHourShare = 0.02
	}
	return &Behavioral{cfg: cfg}
}

func (b *Behavioral) Name() string    { return domain.DetectorBehavioral }
func (b *Behavioral) Version() string { return "behavioral-v1" }

// Evaluate scores the deviation multiple from the entity mean plus one
// point per novelty signal.
func (b *Behavioral) Evaluate(_ context.Context, in Input) (*domain.DetectorResult, error) {
	p := in.Profile
	if p == nil || p.SampleCount < b.cfg.MinSamples {
		n := 0
		if p != nil {
			n = p.SampleCount
		}
		return unavailable(b, domain.DetectorStatusColdStart,
			fmt.Sprintf("entity has %d of %d required samples", n, b.cfg.MinSamples)), nil
	}

	fv := in.Features
	ratio, ok := fv.Number(features.AmountToMean)
	if !ok {
		return nil, fmt.Errorf("%w: entity amount mean is zero", domain.ErrFeatureUnavailable)
	}

	fc := []domain.FeatureContribution{{Feature: features.AmountToMean, Weight: ratio}}
	raw := ratio

	add := func(feature string, w float64) {
		raw += w
		fc = append(fc, domain.FeatureContribution{Feature: feature, Weight: w})
	}

	if fv.Flag(features.IsNewDestination) {
		add(features.IsNewDestination, 1)
	}
	if fv.Flag(features.IsNewChannel) {
		add(features.IsNewChannel, 1)
	}
	if fv.Flag(features.IsNewDevice) {
		add(features.IsNewDevice, 1)
	}
	if share, ok := fv.Number(features.HourShare); ok && share < b.cfg.RareHourShare {
		add(features.HourShare, 1)
	}
	if z, ok := fv.Number(features.FrequencyZScore); ok && z > 2 {
		add(features.FrequencyZScore, z/2)
	}
	if km, ok := fv.Number(features.GeoDistanceKm); ok && km > b.cfg.GeoJumpKm {
		add(features.GeoDistanceKm, 1)
	}
	if days, ok := fv.Number(features.AccountAgeDays); ok && b.cfg.NewAccountDays > 0 && days < float64(b.cfg.NewAccountDays) {
		add(features.AccountAgeDays, 0.5)
	}

	r := newResult(b)
	r.RawScore = raw
	r.Confidence = clamp01(float64(p.SampleCount) / float64(4*b.cfg.MinSamples))
	r.Flagged = raw >= b.cfg.DeviationThreshold
	r.ContributingFeatures = contributions(fc)
	return r, nil
}
