// Package scoring normalizes detector output and fuses it into a composite
// risk score.
package scoring

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Normalizer maps raw detector scores into [0,1] with the parameters of one
// WeightConfig version.
type Normalizer struct {
	params map[string]domain.NormalizerParams
}

// NewNormalizer creates a normalizer bound to cfg's parameters.
func NewNormalizer(cfg *domain.WeightConfig) *Normalizer {
	return &Normalizer{params: cfg.Normalizers}
}

// Normalize maps raw for the named detector. Detectors without configured
// parameters are clamped into [0,1].
func (n *Normalizer) Normalize(detector string, raw float64) float64 {
	p, ok := n.params[detector]
	if !ok {
		return clamp01(raw)
	}
	return Normalize(p, raw)
}

// Apply fills NormalizedScore on each result. Results without signal get 0.
func (n *Normalizer) Apply(results []domain.DetectorResult) {
	for i := range results {
		if !results[i].Available() {
			results[i].NormalizedScore = 0
			continue
		}
		results[i].NormalizedScore = n.Normalize(results[i].DetectorName, results[i].RawScore)
	}
}

// Normalize applies one strategy. The mapping is monotonic non-decreasing in
// raw and always lands in [0,1]; NaN maps to 0.
func Normalize(p domain.NormalizerParams, raw float64) float64 {
	if math.IsNaN(raw) {
		return 0
	}

	var v float64
	switch p.Strategy {
	case domain.NormalizeSigmoid:
		scale := p.Scale
		if scale <= 0 {
			scale = 1
		}
		v = 1 / (1 + math.Exp(-(raw-p.Center)/scale))

	case domain.NormalizeMinMax:
		if p.Max <= p.Min {
			if raw >= p.Max {
				v = 1
			}
		} else {
			v = (raw - p.Min) / (p.Max - p.Min)
		}

	case domain.NormalizePercentile:
		v = PercentileRank(p.Reference, raw)

	default:
		v = raw
	}

	return clamp01(v)
}

// PercentileRank is the share of the sorted reference sample at or below raw.
func PercentileRank(reference []float64, raw float64) float64 {
	if len(reference) == 0 {
		return 0
	}
	below := sort.Search(len(reference), func(i int) bool {
		return reference[i] > raw
	})
	return float64(below) / float64(len(reference))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
