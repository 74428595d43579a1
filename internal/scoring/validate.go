package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// WeightEpsilon is the tolerance on the weight sum.
const WeightEpsilon = 1e-6

// Validate checks a WeightConfig before it may be published.
func Validate(cfg *domain.WeightConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: weight config is required", domain.ErrInvalidConfig)
	}
	if err := ValidateWeights(cfg.Weights); err != nil {
		return err
	}
	for name := range cfg.Weights {
		p, ok := cfg.Normalizers[name]
		if !ok {
			return fmt.Errorf("%w: no normalizer for detector %q", domain.ErrInvalidConfig, name)
		}
		if err := ValidateNormalizer(p); err != nil {
			return fmt.Errorf("normalizer %q: %w", name, err)
		}
	}
	if err := ValidateCutpoints(cfg.Cutpoints); err != nil {
		return err
	}
	if bad(cfg.AlertThreshold) || cfg.AlertThreshold < 0 || cfg.AlertThreshold >= 1 {
		return fmt.Errorf("%w: alert threshold %v outside [0,1)", domain.ErrInvalidConfig, cfg.AlertThreshold)
	}
	return nil
}

// ValidateWeights requires non-negative weights summing to 1 within WeightEpsilon.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: no detector weights", domain.ErrInvalidConfig)
	}
	var sum float64
	for name, w := range weights {
		if bad(w) || w < 0 {
			return fmt.Errorf("%w: weight for %q must be a non-negative number, got %v", domain.ErrInvalidConfig, name, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > WeightEpsilon {
		return fmt.Errorf("%w: weights sum to %.6f, want 1.0", domain.ErrInvalidConfig, sum)
	}
	return nil
}

// ValidateCutpoints requires 0 < medium < high < critical <= 1.
func ValidateCutpoints(c domain.Cutpoints) error {
	if bad(c.Critical) || bad(c.High) || bad(c.Medium) {
		return fmt.Errorf("%w: cut points must be finite", domain.ErrInvalidConfig)
	}
	if !(c.Medium > 0 && c.Medium < c.High && c.High < c.Critical && c.Critical <= 1) {
		return fmt.Errorf("%w: cut points must be strictly descending within (0,1], got critical=%v high=%v medium=%v",
			domain.ErrInvalidConfig, c.Critical, c.High, c.Medium)
	}
	return nil
}

// ValidateNormalizer checks the parameters of one strategy.
func ValidateNormalizer(p domain.NormalizerParams) error {
	switch p.Strategy {
	case domain.NormalizeSigmoid:
		if bad(p.Center) || bad(p.Scale) || p.Scale <= 0 {
			return fmt.Errorf("%w: sigmoid needs a finite center and a positive scale", domain.ErrInvalidConfig)
		}
	case domain.NormalizeMinMax:
		if bad(p.Min) || bad(p.Max) || p.Max <= p.Min {
			return fmt.Errorf("%w: minmax needs max > min", domain.ErrInvalidConfig)
		}
	case domain.NormalizePercentile:
		if len(p.Reference) == 0 {
			return fmt.Errorf("%w: percentile needs a reference sample", domain.ErrInvalidConfig)
		}
		for _, v := range p.Reference {
			if bad(v) {
				return fmt.Errorf("%w: percentile reference contains a non-finite value", domain.ErrInvalidConfig)
			}
		}
	default:
		return fmt.Errorf("%w: unknown normalizer strategy %q", domain.ErrInvalidConfig, p.Strategy)
	}
	return nil
}

// prepare sorts percentile references in place so Normalize can binary search.
func prepare(cfg *domain.WeightConfig) {
	for name, p := range cfg.Normalizers {
		if p.Strategy == domain.NormalizePercentile && !sort.Float64sAreSorted(p.Reference) {
			ref := append([]float64(nil), p.Reference...)
			sort.Float64s(ref)
			p.Reference = ref
			cfg.Normalizers[name] = p
		}
	}
}

func bad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
