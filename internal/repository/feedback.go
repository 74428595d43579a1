package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const feedbackColumns = `
	alert_id, tenant_id, decision, confidence, notes, analyst,
	resolved_at, used_for_training, training_batch_id`

func (r *SQLRepository) insertFeedback(ctx context.Context, db execer, tenantID string, fb *domain.FeedbackRecord) error {
	query := `INSERT INTO feedback (` + feedbackColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, r.rebind(query),
		fb.AlertID, tenantID, string(fb.Decision), fb.Confidence, fb.Notes, fb.Analyst,
		utc(fb.ResolvedAt), boolInt(fb.UsedForTraining), nullString(fb.TrainingBatchID),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: alert %s", domain.ErrAlreadyResolved, fb.AlertID)
	}
	return err
}

// GetFeedback returns the feedback record of an alert.
func (r *SQLRepository) GetFeedback(ctx context.Context, tenantID string, alertID string) (*domain.FeedbackRecord, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + feedbackColumns + ` FROM feedback WHERE tenant_id = ? AND alert_id = ?`

	fb, err := scanFeedback(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, alertID))
	if err != nil {
		return nil, notFound(err)
	}
	return fb, nil
}

// ListFeedbackSince returns feedback resolved at or after since across all
// tenants, oldest first.
func (r *SQLRepository) ListFeedbackSince(ctx context.Context, since time.Time) ([]*domain.FeedbackRecord, error) {
	query := `SELECT ` + feedbackColumns + `
		FROM feedback
		WHERE resolved_at >= ?
		ORDER BY resolved_at`

	return r.queryFeedback(ctx, query, utc(since))
}

// ListUnconsumedFeedback returns feedback not yet used by an adaptation cycle.
func (r *SQLRepository) ListUnconsumedFeedback(ctx context.Context) ([]*domain.FeedbackRecord, error) {
	query := `SELECT ` + feedbackColumns + `
		FROM feedback
		WHERE used_for_training = 0
		ORDER BY resolved_at`

	return r.queryFeedback(ctx, query)
}

// MarkFeedbackUsed stamps unconsumed records with batchID. Records that were
// already consumed are left alone, so repeating a call changes nothing.
func (r *SQLRepository) MarkFeedbackUsed(ctx context.Context, alertIDs []string, batchID string) (int64, error) {
	if len(alertIDs) == 0 {
		return 0, nil
	}

	query := `
		UPDATE feedback
		SET used_for_training = 1, training_batch_id = ?
		WHERE used_for_training = 0 AND alert_id IN (` + placeholders(len(alertIDs)) + `)`

	args := make([]any, 0, len(alertIDs)+1)
	args = append(args, batchID)
	for _, id := range alertIDs {
		args = append(args, id)
	}

	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLRepository) queryFeedback(ctx context.Context, query string, args ...any) ([]*domain.FeedbackRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.FeedbackRecord
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, fb)
	}

	return records, rows.Err()
}

func scanFeedback(s scanner) (*domain.FeedbackRecord, error) {
	var fb domain.FeedbackRecord
	var decision string
	var used int
	var batch sql.NullString

	if err := s.Scan(
		&fb.AlertID, &fb.TenantID, &decision, &fb.Confidence, &fb.Notes, &fb.Analyst,
		&fb.ResolvedAt, &used, &batch,
	); err != nil {
		return nil, err
	}

	fb.Decision = domain.Decision(decision)
	fb.ResolvedAt = fb.ResolvedAt.UTC()
	fb.UsedForTraining = used == 1
	fb.TrainingBatchID = batch.String
	return &fb, nil
}

// SaveWeightConfig appends a weight config version.
func (r *SQLRepository) SaveWeightConfig(ctx context.Context, cfg *domain.WeightConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode weight config: %w", err)
	}

	query := `
		INSERT INTO weight_configs (version, source, reason, config, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		cfg.Version, string(cfg.Source), cfg.Reason, string(payload), utc(cfg.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: weight config v%d", domain.ErrAlreadyExists, cfg.Version)
	}
	return err
}

// LatestWeightConfig returns the highest stored version.
func (r *SQLRepository) LatestWeightConfig(ctx context.Context) (*domain.WeightConfig, error) {
	return r.weightConfig(ctx, `SELECT config FROM weight_configs ORDER BY version DESC LIMIT 1`)
}

// GetWeightConfig returns one stored version.
func (r *SQLRepository) GetWeightConfig(ctx context.Context, version int64) (*domain.WeightConfig, error) {
	return r.weightConfig(ctx, `SELECT config FROM weight_configs WHERE version = ?`, version)
}

func (r *SQLRepository) weightConfig(ctx context.Context, query string, args ...any) (*domain.WeightConfig, error) {
	var payload string
	if err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&payload); err != nil {
		return nil, notFound(err)
	}

	var cfg domain.WeightConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode weight config: %w", err)
	}
	return &cfg, nil
}

// SaveAdaptationReport stores the summary of one adaptation cycle.
func (r *SQLRepository) SaveAdaptationReport(ctx context.Context, report *domain.AdaptationReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode adaptation report: %w", err)
	}

	query := `INSERT INTO adaptation_reports (id, drift, report, started_at) VALUES (?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		report.ID, string(report.Drift), string(payload), utc(report.StartedAt),
	)
	return err
}

// ListAdaptationReports returns the most recent reports first.
func (r *SQLRepository) ListAdaptationReports(ctx context.Context, limit int) ([]*domain.AdaptationReport, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT report FROM adaptation_reports ORDER BY started_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*domain.AdaptationReport
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rep domain.AdaptationReport
		if err := json.Unmarshal([]byte(payload), &rep); err != nil {
			return nil, fmt.Errorf("failed to decode adaptation report: %w", err)
		}
		reports = append(reports, &rep)
	}

	return reports, rows.Err()
}
