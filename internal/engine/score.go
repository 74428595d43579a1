package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// ScoreOutcome is what scoring one transaction produced.
type ScoreOutcome struct {
	TransactionID string                 `json:"transactionId"`
	Score         *domain.CompositeScore `json:"score"`
	Admission     domain.Admission       `json:"admission"`
	Alert         *domain.Alert          `json:"alert,omitempty"`
	FeatureVector string                 `json:"featureVectorId"`
	DurationMs    int64                  `json:"durationMs"`
}

// NewTransaction validates a request and turns it into a transaction owned
// by tenantID. A missing id is generated.
func (e *Engine) NewTransaction(tenantID string, req *domain.TransactionRequest) (*domain.Transaction, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty transaction", domain.ErrInvalidInput)
	}
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", domain.ErrInvalidInput)
	}
	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidInput, err.Error())
	}

	id := req.ID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		id = v7.String()
	}
	return req.ToTransaction(tenantID, id, e.clock.Now()), nil
}

// ScoreTransaction runs the detection pipeline for one transaction: baseline
// lookup, feature extraction, parallel detectors, normalization, fusion and
// alert admission. The transaction and every artifact are committed together
// before the gate runs, so a score exists for each alert that points at it
// and a run that fails part way leaves nothing behind.
func (e *Engine) ScoreTransaction(ctx context.Context, tx *domain.Transaction) (*ScoreOutcome, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "engine.ScoreTransaction")
	defer span.End()

	if tx == nil || tx.TenantID == "" || tx.EntityID == "" || tx.ID == "" {
		return nil, fmt.Errorf("%w: transaction needs id, tenant and entity", domain.ErrInvalidInput)
	}
	span.SetAttributes(
		attribute.String("tenant.id", tx.TenantID),
		attribute.String("transaction.id", tx.ID),
		attribute.String("entity.id", tx.EntityID),
	)

	fail := func(err error) (*ScoreOutcome, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// One weights snapshot for the whole run.
	weights := e.registry.Current()

	profile, err := e.profiles.GetBaseline(ctx, tx.TenantID, tx.EntityID)
	if err != nil {
		if !errors.Is(err, domain.ErrProfileNotFound) {
			return fail(fmt.Errorf("failed to load entity profile: %w", err))
		}
		profile = nil
	}

	fv, err := e.extractor.Extract(ctx, tx, profile)
	if err != nil {
		return fail(err)
	}

	results, err := e.runner.Run(ctx, detector.Input{Transaction: tx, Features: fv, Profile: profile})
	if err != nil {
		return fail(err)
	}
	for _, r := range results {
		metrics.DetectorDuration.WithLabelValues(r.DetectorName, string(r.Status)).Observe(float64(r.LatencyMs) / 1000)
	}

	scoring.NewNormalizer(weights).Apply(results)
	score := scoring.Fuse(tx, results, weights, e.clock.Now())

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := e.repo.SaveScoredTransaction(ctx, tx.TenantID, tx, fv, score); err != nil {
		return fail(fmt.Errorf("failed to save scored transaction: %w", err))
	}

	if err := e.profiles.Invalidate(ctx, tx.TenantID, tx.EntityID); err != nil {
		slog.Warn("failed to invalidate profile", "tenant_id", tx.TenantID, "entity_id", tx.EntityID, "error", err)
	}

	out := &ScoreOutcome{
		TransactionID: tx.ID,
		Score:         score,
		FeatureVector: fv.ID,
	}

	adm, err := e.gate.Admit(ctx, score, func(ctx context.Context, adm *domain.Admission, open *domain.Alert) error {
		if open == nil {
			alert, _, err := e.lifecycle.Open(ctx, score)
			if err != nil {
				return err
			}
			adm.AlertID = alert.ID
			out.Alert = alert
			e.publish(ctx, tx.TenantID, domain.TopicAlertCreated, alert)
			return nil
		}

		alert, err := e.lifecycle.Refresh(ctx, open, score)
		if err != nil {
			return err
		}
		out.Alert = alert
		e.publish(ctx, tx.TenantID, domain.TopicAlertUpdated, alert)
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("alert admission failed: %w", err))
	}
	out.Admission = adm
	out.DurationMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Float64("risk.score", score.RiskScore),
		attribute.String("risk.severity", string(score.Severity)),
		attribute.String("admission.outcome", string(adm.Outcome)),
	)

	metrics.TransactionsScored.WithLabelValues(string(score.Severity)).Inc()
	metrics.RiskScore.Observe(score.RiskScore)
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	metrics.Admissions.WithLabelValues(string(adm.Outcome), adm.Reason).Inc()

	slog.Debug("transaction scored",
		"tenant_id", tx.TenantID,
		"transaction_id", tx.ID,
		"entity_id", tx.EntityID,
		"risk_score", score.RiskScore,
		"severity", score.Severity,
		"admission", adm.Outcome,
		"alert_id", adm.AlertID,
		"duration_ms", out.DurationMs,
	)

	return out, nil
}
