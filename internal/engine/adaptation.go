package engine

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// RunAdaptationCycle consumes new analyst feedback and, on drift, publishes
// adapted weights.
func (e *Engine) RunAdaptationCycle(ctx context.Context) (*domain.AdaptationReport, error) {
	ctx, span := tracer.Start(ctx, "engine.RunAdaptationCycle")
	defer span.End()

	report, err := e.feedback.RunCycle(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	metrics.AdaptationCycles.WithLabelValues(string(report.Drift)).Inc()
	if report.RecordsInWindow > 0 {
		metrics.FalsePositiveRate.Set(report.FalsePositiveRate)
	}
	if report.NewVersion > 0 {
		metrics.WeightVersion.Set(float64(report.NewVersion))
	}
	return report, nil
}

// AdaptationReports returns recent cycle reports, newest first.
func (e *Engine) AdaptationReports(ctx context.Context, limit int) ([]*domain.AdaptationReport, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.feedback.Reports(ctx, limit)
}

// Analytics summarizes a tenant's decisions resolved at or after since.
func (e *Engine) Analytics(ctx context.Context, tenantID string, since time.Time) (*domain.Analytics, error) {
	return e.feedback.Analytics(ctx, tenantID, since)
}
