package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/sony/gobreaker/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Model produces a fraud probability in [0,1] and the features that drove it.
type Model interface {
	Score(ctx context.Context, fv *domain.FeatureVector) (float64, []domain.FeatureContribution, error)
}

type prediction struct {
	score       float64
	importances []domain.FeatureContribution
}

// ML wraps a Model behind a circuit breaker. An open breaker or a model error
// leaves the detector unavailable for that transaction.
type ML struct {
	model     Model
	version   string
	threshold float64
	breaker   *gobreaker.CircuitBreaker[prediction]
}

// NewML creates the ML detector around model.
func NewML(model Model, cfg domain.MLConfig) *ML {
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = 0.5
	}
	if cfg.Version == "" {
		cfg.Version = cfg.Model + "-v1"
	}
	failures := cfg.Breaker.FailureThreshold
	if failures == 0 {
		failures = 5
	}

	breaker := gobreaker.NewCircuitBreaker[prediction](gobreaker.Settings{
		Name:        "ml-model",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &ML{
		model:     model,
		version:   cfg.Version,
		threshold: cfg.FlagThreshold,
		breaker:   breaker,
	}
}

func (m *ML) Name() string    { return domain.DetectorML }
func (m *ML) Version() string { return m.version }

// State reports the breaker state, for health output.
func (m *ML) State() string {
	return m.breaker.State().String()
}

// Evaluate scores the feature vector with the model.
func (m *ML) Evaluate(ctx context.Context, in Input) (*domain.DetectorResult, error) {
	out, err := m.breaker.Execute(func() (prediction, error) {
		score, importances, err := m.model.Score(ctx, in.Features)
		if err != nil {
			return prediction{}, err
		}
		if math.IsNaN(score) || score < 0 || score > 1 {
			return prediction{}, fmt.Errorf("model score %v outside [0,1]", score)
		}
		return prediction{score: score, importances: importances}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ml model: %v", domain.ErrFeatureUnavailable, err)
	}

	r := newResult(m)
	r.RawScore = out.score
	r.Confidence = 0.6 + 0.3*math.Abs(2*out.score-1)
	r.Flagged = out.score >= m.threshold
	r.ContributingFeatures = contributions(out.importances)
	return r, nil
}
