package scoring

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Fuse combines detector results into one composite score using cfg.
//
// Only results that carry signal (confidence > 0) and have a positive
// configured weight take part. The weight of missing detectors is
// redistributed proportionally across the rest, so partial feature coverage
// does not drag the score toward zero. With no usable detector the score is
// 0 and the severity LOW.
func Fuse(tx *domain.Transaction, results []domain.DetectorResult, cfg *domain.WeightConfig, now time.Time) *domain.CompositeScore {
	score := &domain.CompositeScore{
		TransactionID:  tx.ID,
		TenantID:       tx.TenantID,
		EntityID:       tx.EntityID,
		WeightVersion:  cfg.Version,
		PerDetector:    append([]domain.DetectorResult(nil), results...),
		AppliedWeights: make(map[string]float64),
		ComputedAt:     now,
	}

	var total float64
	for i := range results {
		if w := cfg.Weights[results[i].DetectorName]; w > 0 && results[i].Available() {
			total += w
		}
	}

	if total > 0 {
		var risk float64
		for i := range results {
			r := &results[i]
			w := cfg.Weights[r.DetectorName]
			if w <= 0 || !r.Available() {
				continue
			}
			applied := w / total
			score.AppliedWeights[r.DetectorName] = applied
			risk += clamp01(r.NormalizedScore) * applied
		}
		score.RiskScore = clamp01(risk)
	}

	score.Severity = Classify(score.RiskScore, cfg.Cutpoints)
	return score
}

// Classify buckets a risk score. Each cut point is an inclusive lower bound.
func Classify(risk float64, c domain.Cutpoints) domain.Severity {
	switch {
	case risk >= c.Critical:
		return domain.SeverityCritical
	case risk >= c.High:
		return domain.SeverityHigh
	case risk >= c.Medium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
