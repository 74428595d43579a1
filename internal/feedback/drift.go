package feedback

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// cutpointGap keeps nudged cut points strictly descending.
const cutpointGap = 0.01

// Labelled is one resolved alert joined with the score that raised it.
type Labelled struct {
	Record *domain.FeedbackRecord
	Alert  *domain.Alert
	Score  *domain.CompositeScore
}

// FalsePositiveRate is FALSE_POSITIVE decisions over all decisions.
func FalsePositiveRate(records []*domain.FeedbackRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var fp int
	for _, r := range records {
		if r.Decision == domain.DecisionFalsePositive {
			fp++
		}
	}
	return float64(fp) / float64(len(records))
}

// Precision computes, per detector, how many flagged alerts analysts
// confirmed as fraud. UNCERTAIN decisions and alerts without a stored score
// are ignored. The result is sorted by detector name.
func Precision(items []Labelled) []domain.DetectorPrecision {
	byName := make(map[string]*domain.DetectorPrecision)
	for _, it := range items {
		if it.Score == nil {
			continue
		}
		fraud := it.Record.Decision == domain.DecisionFraud
		if !fraud && it.Record.Decision != domain.DecisionFalsePositive {
			continue
		}
		for _, r := range it.Score.PerDetector {
			p, ok := byName[r.DetectorName]
			if !ok {
				p = &domain.DetectorPrecision{Detector: r.DetectorName}
				byName[r.DetectorName] = p
			}
			if !r.Flagged {
				continue
			}
			p.Flagged++
			if fraud {
				p.TruePositives++
			} else {
				p.FalsePositives++
			}
		}
	}

	out := make([]domain.DetectorPrecision, 0, len(byName))
	for _, p := range byName {
		if p.Flagged > 0 {
			p.Precision = float64(p.TruePositives) / float64(p.Flagged)
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Detector < out[j].Detector })
	return out
}

// countLabelled returns the number of FRAUD and FALSE_POSITIVE decisions.
func countLabelled(records []*domain.FeedbackRecord) int {
	var n int
	for _, r := range records {
		if r.Decision == domain.DecisionFraud || r.Decision == domain.DecisionFalsePositive {
			n++
		}
	}
	return n
}

// Classify picks the drift level. Precision below the floor only counts
// once there are MinSamples labelled records and the detector flagged
// something.
func Classify(fpRate float64, labelled int, precision []domain.DetectorPrecision, cfg domain.AdaptationConfig) domain.DriftLevel {
	enough := labelled >= cfg.MinSamples

	if fpRate >= cfg.CriticalFPRate {
		return domain.DriftMajor
	}
	if enough {
		for _, p := range precision {
			if p.Flagged > 0 && p.Precision < cfg.PrecisionFloor {
				return domain.DriftMajor
			}
		}
	}
	if fpRate >= cfg.WarningFPRate {
		if enough {
			return domain.DriftModerate
		}
		return domain.DriftMinor
	}
	return domain.DriftNone
}

// Nudge raises the cut points and the alert threshold by step. Values are
// capped at max and the cut points stay strictly descending. The threshold
// stays below 1 even when max is 1.
func Nudge(c domain.Cutpoints, threshold, step, max float64) (domain.Cutpoints, float64) {
	crit := math.Min(c.Critical+step, max)
	high := math.Min(c.High+step, crit-cutpointGap)
	med := math.Min(c.Medium+step, high-cutpointGap)

	next := domain.Cutpoints{
		Critical: round(math.Max(crit, c.Critical)),
		High:     round(math.Max(high, c.High)),
		Medium:   round(math.Max(med, c.Medium)),
	}
	ceiling := math.Min(max, 1-cutpointGap)
	return next, round(math.Max(math.Min(threshold+step, ceiling), threshold))
}

// Rebalance moves weights toward each detector's share of precision.
// Detectors without flagged feedback keep their weight as the target. rate
// blends old and target weights; minWeight floors every detector before the
// result is normalized to sum to 1.
func Rebalance(weights map[string]float64, precision []domain.DetectorPrecision, rate, minWeight float64) map[string]float64 {
	measured := make(map[string]float64)
	var mass, total float64
	for _, p := range precision {
		w, ok := weights[p.Detector]
		if !ok || p.Flagged == 0 {
			continue
		}
		measured[p.Detector] = p.Precision
		mass += w
		total += p.Precision
	}

	next := make(map[string]float64, len(weights))
	var sum float64
	for name, w := range weights {
		target := w
		if prec, ok := measured[name]; ok {
			target = 0
			if total > 0 {
				target = mass * prec / total
			}
		}
		v := math.Max((1-rate)*w+rate*target, minWeight)
		next[name] = v
		sum += v
	}

	for name, v := range next {
		next[name] = v / sum
	}
	return next
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
