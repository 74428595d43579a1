package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveFeatureVector stores the features computed for one detection run.
func (r *SQLRepository) SaveFeatureVector(ctx context.Context, tenantID string, fv *domain.FeatureVector) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return r.insertFeatureVector(ctx, r.db, tenantID, fv)
}

func (r *SQLRepository) insertFeatureVector(ctx context.Context, q execer, tenantID string, fv *domain.FeatureVector) error {
	numeric, err := json.Marshal(fv.Numeric)
	if err != nil {
		return fmt.Errorf("failed to encode numeric features: %w", err)
	}
	categorical, err := json.Marshal(fv.Categorical)
	if err != nil {
		return fmt.Errorf("failed to encode categorical features: %w", err)
	}

	query := `
		INSERT INTO feature_vectors (
			id, tenant_id, transaction_id, entity_id,
			numeric_features, categorical_features, extractor_version, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.ExecContext(ctx, r.rebind(query),
		fv.ID, tenantID, fv.TransactionID, fv.EntityID,
		string(numeric), string(categorical), fv.ExtractorVersion, utc(fv.ComputedAt),
	)
	return err
}

// SaveDetectorResults stores every detector's output for a transaction in
// one batch.
func (r *SQLRepository) SaveDetectorResults(ctx context.Context, tenantID string, txID string, results []domain.DetectorResult) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return r.insertDetectorResults(ctx, tx, tenantID, txID, results)
	})
}

func (r *SQLRepository) insertDetectorResults(ctx context.Context, tx *sql.Tx, tenantID string, txID string, results []domain.DetectorResult) error {
	if len(results) == 0 {
		return nil
	}

	query := r.rebind(`
		INSERT INTO detector_results (
			tenant_id, transaction_id, detector_name, detector_version,
			raw_score, normalized_score, confidence, flagged, status, reason,
			contributing_features, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, res := range results {
		features, err := json.Marshal(res.ContributingFeatures)
		if err != nil {
			return fmt.Errorf("failed to encode features for %s: %w", res.DetectorName, err)
		}
		if _, err := stmt.ExecContext(ctx,
			tenantID, txID, res.DetectorName, res.DetectorVersion,
			res.RawScore, res.NormalizedScore, res.Confidence, boolInt(res.Flagged),
			string(res.Status), res.Reason, string(features), res.LatencyMs,
		); err != nil {
			return fmt.Errorf("failed to save %s result: %w", res.DetectorName, err)
		}
	}
	return nil
}

// SaveCompositeScore stores the fused score with its per-detector breakdown.
func (r *SQLRepository) SaveCompositeScore(ctx context.Context, tenantID string, score *domain.CompositeScore) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return r.insertCompositeScore(ctx, r.db, tenantID, score)
}

func (r *SQLRepository) insertCompositeScore(ctx context.Context, q execer, tenantID string, score *domain.CompositeScore) error {
	perDetector, err := json.Marshal(score.PerDetector)
	if err != nil {
		return fmt.Errorf("failed to encode detector results: %w", err)
	}
	weights, err := json.Marshal(score.AppliedWeights)
	if err != nil {
		return fmt.Errorf("failed to encode applied weights: %w", err)
	}

	query := `
		INSERT INTO composite_scores (
			tenant_id, transaction_id, entity_id, risk_score, severity,
			weight_version, per_detector, applied_weights, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.ExecContext(ctx, r.rebind(query),
		tenantID, score.TransactionID, score.EntityID, score.RiskScore, string(score.Severity),
		score.WeightVersion, string(perDetector), string(weights), utc(score.ComputedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: composite score for %s", domain.ErrAlreadyExists, score.TransactionID)
	}
	return err
}

// GetCompositeScore returns the stored score of a transaction.
func (r *SQLRepository) GetCompositeScore(ctx context.Context, tenantID string, txID string) (*domain.CompositeScore, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT tenant_id, transaction_id, entity_id, risk_score, severity,
			   weight_version, per_detector, applied_weights, computed_at
		FROM composite_scores
		WHERE tenant_id = ? AND transaction_id = ?
	`

	var s domain.CompositeScore
	var severity, perDetector, weights string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&s.TenantID, &s.TransactionID, &s.EntityID, &s.RiskScore, &severity,
		&s.WeightVersion, &perDetector, &weights, &s.ComputedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	s.Severity = domain.Severity(severity)
	s.ComputedAt = s.ComputedAt.UTC()
	if err := json.Unmarshal([]byte(perDetector), &s.PerDetector); err != nil {
		return nil, fmt.Errorf("failed to decode detector results for %s: %w", txID, err)
	}
	if err := json.Unmarshal([]byte(weights), &s.AppliedWeights); err != nil {
		return nil, fmt.Errorf("failed to decode applied weights for %s: %w", txID, err)
	}

	return &s, nil
}
