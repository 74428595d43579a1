package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Transition is published on every alert status change.
type Transition struct {
	TenantID string             `json:"tenantId"`
	AlertID  string             `json:"alertId"`
	From     domain.AlertStatus `json:"from"`
	To       domain.AlertStatus `json:"to"`
	Actor    string             `json:"actor"`
	At       time.Time          `json:"at"`
}

// ClaimAlert moves an ACTIVE alert into review for analyst.
func (e *Engine) ClaimAlert(ctx context.Context, tenantID, alertID, analyst string) (*domain.Alert, error) {
	ctx, span := tracer.Start(ctx, "engine.ClaimAlert")
	defer span.End()
	span.SetAttributes(attribute.String("alert.id", alertID))

	alert, ev, err := e.lifecycle.Claim(ctx, tenantID, alertID, analyst)
	if err != nil {
		return nil, err
	}
	e.transitioned(ctx, ev)
	return alert, nil
}

// ReleaseAlert hands an alert back to the queue. Only the claimer may
// release it.
func (e *Engine) ReleaseAlert(ctx context.Context, tenantID, alertID, analyst, notes string) (*domain.Alert, error) {
	alert, ev, err := e.lifecycle.Release(ctx, tenantID, alertID, analyst, notes)
	if err != nil {
		return nil, err
	}
	e.transitioned(ctx, ev)
	return alert, nil
}

// CloseAlert closes a RESOLVED alert ahead of its review window.
func (e *Engine) CloseAlert(ctx context.Context, tenantID, alertID, supervisor, notes string) (*domain.Alert, error) {
	alert, ev, err := e.lifecycle.Close(ctx, tenantID, alertID, supervisor, notes)
	if err != nil {
		return nil, err
	}
	e.transitioned(ctx, ev)
	return alert, nil
}

// SubmitDecision resolves an alert with the analyst's verdict and records
// the feedback the adaptation loop learns from.
func (e *Engine) SubmitDecision(ctx context.Context, tenantID, alertID string, req domain.DecisionRequest) (*domain.FeedbackRecord, error) {
	ctx, span := tracer.Start(ctx, "engine.SubmitDecision")
	defer span.End()
	span.SetAttributes(
		attribute.String("alert.id", alertID),
		attribute.String("decision", string(req.Decision)),
	)

	alert, err := e.lifecycle.Get(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}

	record, err := e.decisions.ValidateAndApply(ctx, alert, req)
	if err != nil {
		return nil, err
	}

	metrics.Decisions.WithLabelValues(string(record.Decision)).Inc()
	metrics.AlertTransitions.WithLabelValues(string(domain.AlertResolved)).Inc()

	e.publish(ctx, tenantID, domain.TopicAlertTransition, Transition{
		TenantID: tenantID,
		AlertID:  alertID,
		From:     domain.AlertInReview,
		To:       domain.AlertResolved,
		Actor:    record.Analyst,
		At:       record.ResolvedAt,
	})
	e.publish(ctx, tenantID, domain.TopicDecisionSubmitted, record)

	slog.Info("decision submitted",
		"tenant_id", tenantID,
		"alert_id", alertID,
		"decision", record.Decision,
		"analyst", record.Analyst,
	)
	return record, nil
}

// AddNote appends a note to an alert's audit trail.
func (e *Engine) AddNote(ctx context.Context, tenantID, alertID, actor, notes string) (*domain.InvestigationEvent, error) {
	return e.lifecycle.AddNote(ctx, tenantID, alertID, actor, notes)
}

// History returns an alert's audit trail, oldest first.
func (e *Engine) History(ctx context.Context, tenantID, alertID string) ([]*domain.InvestigationEvent, error) {
	return e.lifecycle.History(ctx, tenantID, alertID)
}

// GetAlert returns one alert.
func (e *Engine) GetAlert(ctx context.Context, tenantID, alertID string) (*domain.Alert, error) {
	return e.lifecycle.Get(ctx, tenantID, alertID)
}

// ListAlerts returns a tenant's alerts, newest first.
func (e *Engine) ListAlerts(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, filter.Status)
	}
	return e.lifecycle.List(ctx, tenantID, filter)
}

// CloseExpiredAlerts closes RESOLVED alerts whose review window elapsed.
func (e *Engine) CloseExpiredAlerts(ctx context.Context) ([]*domain.Alert, error) {
	closed, err := e.lifecycle.CloseExpired(ctx)
	for _, a := range closed {
		metrics.AlertTransitions.WithLabelValues(string(domain.AlertClosed)).Inc()
		e.publish(ctx, a.TenantID, domain.TopicAlertTransition, Transition{
			TenantID: a.TenantID,
			AlertID:  a.ID,
			From:     domain.AlertResolved,
			To:       domain.AlertClosed,
			Actor:    lifecycle.SystemActor,
			At:       a.UpdatedAt,
		})
	}
	return closed, err
}

func (e *Engine) transitioned(ctx context.Context, ev *domain.InvestigationEvent) {
	if ev == nil {
		return
	}
	metrics.AlertTransitions.WithLabelValues(string(ev.NewStatus)).Inc()
	e.publish(ctx, ev.TenantID, domain.TopicAlertTransition, Transition{
		TenantID: ev.TenantID,
		AlertID:  ev.AlertID,
		From:     ev.OldStatus,
		To:       ev.NewStatus,
		Actor:    ev.Actor,
		At:       ev.Timestamp,
	})
}

func validStatus(s domain.AlertStatus) bool {
	for _, known := range domain.AllAlertStatuses {
		if s == known {
			return true
		}
	}
	return false
}
