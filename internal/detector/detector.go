// Package detector implements the statistical, behavioral and ML detectors
// and the runner that evaluates them in parallel.
package detector

import (
	"context"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Input is everything a detector may read for one transaction.
// Profile is nil for entities without history.
type Input struct {
	Transaction *domain.Transaction
	Features    *domain.FeatureVector
	Profile     *domain.EntityProfile
}

// Detector scores one transaction. Implementations return an error wrapping
// domain.ErrFeatureUnavailable when they cannot produce a signal; the runner
// turns that into a zero-confidence result.
type Detector interface {
	Name() string
	Version() string
	Evaluate(ctx context.Context, in Input) (*domain.DetectorResult, error)
}

func newResult(d Detector) *domain.DetectorResult {
	return &domain.DetectorResult{
		DetectorName:    d.Name(),
		DetectorVersion: d.Version(),
		Status:          domain.DetectorStatusOK,
	}
}

func unavailable(d Detector, status domain.DetectorStatus, reason string) *domain.DetectorResult {
	r := newResult(d)
	r.Status = status
	r.Reason = reason
	return r
}

// contributions sorts features by absolute weight, largest first, dropping
// zero entries.
func contributions(fc []domain.FeatureContribution) []domain.FeatureContribution {
	out := fc[:0]
	for _, c := range fc {
		if c.Weight != 0 && !math.IsNaN(c.Weight) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Weight) > math.Abs(out[j].Weight)
	})
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
