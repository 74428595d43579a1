package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const alertColumns = `
	id, tenant_id, entity_id, status, current_risk_score, severity,
	transaction_id, claimed_by, created_at, updated_at, version`

const openStatuses = `('CREATED', 'ACTIVE', 'IN_REVIEW')`

// CreateAlert inserts a new alert together with its opening audit events.
// It fails with ErrOpenAlertExists when the entity already owns an open alert.
func (r *SQLRepository) CreateAlert(ctx context.Context, tenantID string, alert *domain.Alert, events []*domain.InvestigationEvent) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `INSERT INTO alerts (` + alertColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.rebind(query),
			alert.ID, tenantID, alert.EntityID, string(alert.Status), alert.CurrentRiskScore,
			string(alert.Severity), alert.TransactionID, nullString(alert.ClaimedBy),
			utc(alert.CreatedAt), utc(alert.UpdatedAt), alert.Version,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: entity %s", domain.ErrOpenAlertExists, alert.EntityID)
		}
		if err != nil {
			return err
		}

		for _, ev := range events {
			if err := r.insertEvent(ctx, tx, tenantID, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetAlert retrieves an alert by ID with tenant isolation.
func (r *SQLRepository) GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.Alert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = ? AND id = ?`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, alertID))
	if err != nil {
		return nil, notFound(err)
	}
	return alert, nil
}

// FindOpenAlert returns the entity's open alert or ErrNotFound.
func (r *SQLRepository) FindOpenAlert(ctx context.Context, tenantID string, entityID string) (*domain.Alert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + alertColumns + `
		FROM alerts
		WHERE tenant_id = ? AND entity_id = ? AND status IN ` + openStatuses

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID))
	if err != nil {
		return nil, notFound(err)
	}
	return alert, nil
}

// ListAlerts returns a tenant's alerts, newest activity first.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	return r.queryAlerts(ctx, query, args...)
}

// ListAlertsByStatus returns alerts across all tenants in status whose last
// change happened before updatedBefore. Used by the expiry sweep.
func (r *SQLRepository) ListAlertsByStatus(ctx context.Context, status domain.AlertStatus, updatedBefore time.Time) ([]*domain.Alert, error) {
	query := `SELECT ` + alertColumns + `
		FROM alerts
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at`

	return r.queryAlerts(ctx, query, string(status), utc(updatedBefore))
}

// ApplyTransition writes alert's new state and its audit event atomically.
// The update only applies when the stored version still equals
// expectedVersion; on success alert.Version is expectedVersion+1.
func (r *SQLRepository) ApplyTransition(ctx context.Context, tenantID string, alert *domain.Alert, expectedVersion int64, event *domain.InvestigationEvent) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.updateAlert(ctx, tx, tenantID, alert, expectedVersion); err != nil {
			return err
		}
		if event != nil {
			return r.insertEvent(ctx, tx, tenantID, event)
		}
		return nil
	})
}

// ResolveAlert is ApplyTransition plus the alert's feedback record. A second
// resolution of the same alert fails with ErrAlreadyResolved.
func (r *SQLRepository) ResolveAlert(ctx context.Context, tenantID string, alert *domain.Alert, expectedVersion int64, event *domain.InvestigationEvent, feedback *domain.FeedbackRecord) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.updateAlert(ctx, tx, tenantID, alert, expectedVersion); err != nil {
			return err
		}
		if err := r.insertEvent(ctx, tx, tenantID, event); err != nil {
			return err
		}
		return r.insertFeedback(ctx, tx, tenantID, feedback)
	})
}

// AppendEvent stores an audit event that does not change alert state.
func (r *SQLRepository) AppendEvent(ctx context.Context, tenantID string, event *domain.InvestigationEvent) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return r.insertEvent(ctx, r.db, tenantID, event)
}

// ListEvents returns an alert's audit trail in order.
func (r *SQLRepository) ListEvents(ctx context.Context, tenantID string, alertID string) ([]*domain.InvestigationEvent, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, alert_id, action, old_status, new_status, actor, timestamp, notes
		FROM investigation_events
		WHERE tenant_id = ? AND alert_id = ?
		ORDER BY timestamp, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.InvestigationEvent
	for rows.Next() {
		var ev domain.InvestigationEvent
		var action, oldStatus, newStatus string
		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.AlertID, &action, &oldStatus, &newStatus,
			&ev.Actor, &ev.Timestamp, &ev.Notes,
		); err != nil {
			return nil, err
		}
		ev.Action = domain.EventAction(action)
		ev.OldStatus = domain.AlertStatus(oldStatus)
		ev.NewStatus = domain.AlertStatus(newStatus)
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, &ev)
	}

	return events, rows.Err()
}

func (r *SQLRepository) updateAlert(ctx context.Context, tx *sql.Tx, tenantID string, alert *domain.Alert, expectedVersion int64) error {
	query := `
		UPDATE alerts
		SET status = ?, current_risk_score = ?, severity = ?, transaction_id = ?,
			claimed_by = ?, updated_at = ?, version = ?
		WHERE tenant_id = ? AND id = ? AND version = ?
	`

	next := expectedVersion + 1
	res, err := tx.ExecContext(ctx, r.rebind(query),
		string(alert.Status), alert.CurrentRiskScore, string(alert.Severity), alert.TransactionID,
		nullString(alert.ClaimedBy), utc(alert.UpdatedAt), next,
		tenantID, alert.ID, expectedVersion,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: entity %s", domain.ErrOpenAlertExists, alert.EntityID)
	}
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM alerts WHERE tenant_id = ? AND id = ?`), tenantID, alert.ID).Scan(&exists)
		if err != nil {
			return notFound(err)
		}
		return fmt.Errorf("%w: alert %s at version %d", domain.ErrVersionConflict, alert.ID, expectedVersion)
	}

	alert.Version = next
	return nil
}

func (r *SQLRepository) insertEvent(ctx context.Context, db execer, tenantID string, ev *domain.InvestigationEvent) error {
	query := `
		INSERT INTO investigation_events (
			id, tenant_id, alert_id, action, old_status, new_status, actor, timestamp, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.AlertID, string(ev.Action),
		string(ev.OldStatus), string(ev.NewStatus), ev.Actor, utc(ev.Timestamp), ev.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", ev.Action, err)
	}
	return nil
}

func (r *SQLRepository) queryAlerts(ctx context.Context, query string, args ...any) ([]*domain.Alert, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var a domain.Alert
	var status, severity string
	var claimedBy sql.NullString

	if err := s.Scan(
		&a.ID, &a.TenantID, &a.EntityID, &status, &a.CurrentRiskScore, &severity,
		&a.TransactionID, &claimedBy, &a.CreatedAt, &a.UpdatedAt, &a.Version,
	); err != nil {
		return nil, err
	}

	a.Status = domain.AlertStatus(status)
	a.Severity = domain.Severity(severity)
	a.ClaimedBy = claimedBy.String
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
