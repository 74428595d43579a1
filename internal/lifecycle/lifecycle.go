// Package lifecycle owns alert state. Every status change is checked against
// the permitted edges and written together with its audit event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SystemActor is recorded for transitions nobody performed by hand.
const SystemActor = "system"

// edges maps each permitted transition to the audit action it records.
var edges = map[domain.AlertStatus]map[domain.AlertStatus]domain.EventAction{
	domain.AlertCreated:  {domain.AlertActive: domain.ActionActivate},
	domain.AlertActive:   {domain.AlertInReview: domain.ActionClaim},
	domain.AlertInReview: {domain.AlertResolved: domain.ActionResolve, domain.AlertActive: domain.ActionRelease},
	domain.AlertResolved: {domain.AlertClosed: domain.ActionClose},
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to domain.AlertStatus) bool {
	_, ok := edges[from][to]
	return ok
}

// Store is the persistence the manager needs.
type Store interface {
	CreateAlert(ctx context.Context, tenantID string, alert *domain.Alert, events []*domain.InvestigationEvent) error
	GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.Alert, error)
	ListAlerts(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.Alert, error)
	ListAlertsByStatus(ctx context.Context, status domain.AlertStatus, updatedBefore time.Time) ([]*domain.Alert, error)
	ApplyTransition(ctx context.Context, tenantID string, alert *domain.Alert, expectedVersion int64, event *domain.InvestigationEvent) error
	AppendEvent(ctx context.Context, tenantID string, event *domain.InvestigationEvent) error
	ListEvents(ctx context.Context, tenantID string, alertID string) ([]*domain.InvestigationEvent, error)
}

// Manager runs the alert state machine.
type Manager struct {
	store        Store
	clock        domain.Clock
	reviewWindow atomic.Int64
}

// NewManager creates a lifecycle manager.
func NewManager(store Store, clock domain.Clock, cfg domain.LifecycleConfig) *Manager {
	m := &Manager{store: store, clock: clock}
	m.SetReviewWindow(cfg.ReviewWindow)
	return m
}

// SetReviewWindow changes how long RESOLVED alerts wait before CloseExpired
// closes them.
func (m *Manager) SetReviewWindow(d time.Duration) {
	if d <= 0 {
		d = 72 * time.Hour
	}
	m.reviewWindow.Store(int64(d))
}

// ReviewWindow returns the live review window.
func (m *Manager) ReviewWindow() time.Duration {
	return time.Duration(m.reviewWindow.Load())
}

// Open creates an alert for score and activates it. Both status changes
// and their events are written in one transaction.
func (m *Manager) Open(ctx context.Context, score *domain.CompositeScore) (*domain.Alert, []*domain.InvestigationEvent, error) {
	now := m.clock.Now()

	alert := &domain.Alert{
		ID:               newID(),
		TenantID:         score.TenantID,
		EntityID:         score.EntityID,
		Status:           domain.AlertActive,
		CurrentRiskScore: score.RiskScore,
		Severity:         score.Severity,
		TransactionID:    score.TransactionID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}

	events := []*domain.InvestigationEvent{
		m.event(alert, domain.ActionCreate, "", domain.AlertCreated, SystemActor, fmt.Sprintf("risk score %.4f", score.RiskScore)),
		m.event(alert, domain.ActionActivate, domain.AlertCreated, domain.AlertActive, SystemActor, ""),
	}

	if err := m.store.CreateAlert(ctx, score.TenantID, alert, events); err != nil {
		return nil, nil, err
	}

	slog.Info("alert opened",
		"tenant_id", alert.TenantID,
		"alert_id", alert.ID,
		"entity_id", alert.EntityID,
		"severity", alert.Severity,
	)
	return alert, events, nil
}

// Claim moves an ACTIVE alert into review and records the analyst.
func (m *Manager) Claim(ctx context.Context, tenantID, alertID, analyst string) (*domain.Alert, *domain.InvestigationEvent, error) {
	if strings.TrimSpace(analyst) == "" {
		return nil, nil, fmt.Errorf("%w: analyst is required", domain.ErrInvalidInput)
	}
	return m.transition(ctx, tenantID, alertID, domain.AlertInReview, analyst, "", func(a *domain.Alert) error {
		a.ClaimedBy = analyst
		return nil
	})
}

// Release returns an alert to the queue. Only the claiming analyst may
// release it.
func (m *Manager) Release(ctx context.Context, tenantID, alertID, analyst, notes string) (*domain.Alert, *domain.InvestigationEvent, error) {
	return m.transition(ctx, tenantID, alertID, domain.AlertActive, analyst, notes, func(a *domain.Alert) error {
		if a.ClaimedBy != analyst {
			return fmt.Errorf("%w: alert %s is claimed by another analyst", domain.ErrNotClaimOwner, a.ID)
		}
		a.ClaimedBy = ""
		return nil
	})
}

// Close signs off a RESOLVED alert.
func (m *Manager) Close(ctx context.Context, tenantID, alertID, actor, notes string) (*domain.Alert, *domain.InvestigationEvent, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, nil, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	return m.transition(ctx, tenantID, alertID, domain.AlertClosed, actor, notes, nil)
}

// Plan validates from → to for alert and returns the updated copy with its
// audit event, without writing anything. Callers persist both atomically.
func (m *Manager) Plan(alert *domain.Alert, to domain.AlertStatus, actor, notes string) (*domain.Alert, *domain.InvestigationEvent, error) {
	action, ok := edges[alert.Status][to]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, alert.Status, to)
	}

	next := *alert
	next.Status = to
	next.UpdatedAt = m.clock.Now()

	return &next, m.event(&next, action, alert.Status, to, actor, notes), nil
}

func (m *Manager) transition(ctx context.Context, tenantID, alertID string, to domain.AlertStatus, actor, notes string, mutate func(*domain.Alert) error) (*domain.Alert, *domain.InvestigationEvent, error) {
	alert, err := m.store.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, nil, err
	}

	next, ev, err := m.Plan(alert, to, actor, notes)
	if err != nil {
		return nil, nil, err
	}
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, nil, err
		}
	}

	if err := m.store.ApplyTransition(ctx, tenantID, next, alert.Version, ev); err != nil {
		return nil, nil, err
	}

	slog.Info("alert transition",
		"tenant_id", tenantID,
		"alert_id", alertID,
		"from", alert.Status,
		"to", to,
		"actor", actor,
	)
	return next, ev, nil
}

// Refresh records a newer qualifying score on an open alert. A concurrent
// transition is retried against the fresh state while the alert stays open.
func (m *Manager) Refresh(ctx context.Context, open *domain.Alert, score *domain.CompositeScore) (*domain.Alert, error) {
	alert := open
	for attempt := 0; attempt < 3; attempt++ {
		if !alert.Status.IsOpen() {
			return nil, fmt.Errorf("%w: alert %s is %s", domain.ErrInvalidTransition, alert.ID, alert.Status)
		}

		next := *alert
		next.CurrentRiskScore = score.RiskScore
		next.Severity = score.Severity
		next.TransactionID = score.TransactionID
		next.UpdatedAt = m.clock.Now()

		ev := m.event(&next, domain.ActionRescore, alert.Status, alert.Status, SystemActor,
			fmt.Sprintf("transaction %s scored %.4f", score.TransactionID, score.RiskScore))

		err := m.store.ApplyTransition(ctx, score.TenantID, &next, alert.Version, ev)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}

		alert, err = m.store.GetAlert(ctx, score.TenantID, open.ID)
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: alert %s", domain.ErrVersionConflict, open.ID)
}

// AddNote appends a free-form note to the alert's audit trail.
func (m *Manager) AddNote(ctx context.Context, tenantID, alertID, actor, notes string) (*domain.InvestigationEvent, error) {
	if strings.TrimSpace(actor) == "" || strings.TrimSpace(notes) == "" {
		return nil, fmt.Errorf("%w: actor and notes are required", domain.ErrInvalidInput)
	}

	alert, err := m.store.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status == domain.AlertClosed {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlertClosed, alertID)
	}

	ev := m.event(alert, domain.ActionNote, alert.Status, alert.Status, actor, notes)
	if err := m.store.AppendEvent(ctx, tenantID, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// History returns the alert's audit trail, oldest first.
func (m *Manager) History(ctx context.Context, tenantID, alertID string) ([]*domain.InvestigationEvent, error) {
	if _, err := m.store.GetAlert(ctx, tenantID, alertID); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, tenantID, alertID)
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, tenantID, alertID string) (*domain.Alert, error) {
	return m.store.GetAlert(ctx, tenantID, alertID)
}

// List returns a tenant's alerts.
func (m *Manager) List(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.Alert, error) {
	return m.store.ListAlerts(ctx, tenantID, filter)
}

// CloseExpired closes every RESOLVED alert whose review window has elapsed.
// Alerts changed concurrently are skipped and picked up by the next sweep.
func (m *Manager) CloseExpired(ctx context.Context) ([]*domain.Alert, error) {
	cutoff := m.clock.Now().Add(-m.ReviewWindow())

	expired, err := m.store.ListAlertsByStatus(ctx, domain.AlertResolved, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired alerts: %w", err)
	}

	var closed []*domain.Alert
	for _, alert := range expired {
		next, ev, err := m.Plan(alert, domain.AlertClosed, SystemActor, "review window elapsed")
		if err != nil {
			continue
		}
		if err := m.store.ApplyTransition(ctx, alert.TenantID, next, alert.Version, ev); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return closed, err
		}
		closed = append(closed, next)
	}

	if len(closed) > 0 {
		slog.Info("expired alerts closed", "count", len(closed))
	}
	return closed, nil
}

func (m *Manager) event(alert *domain.Alert, action domain.EventAction, from, to domain.AlertStatus, actor, notes string) *domain.InvestigationEvent {
	return &domain.InvestigationEvent{
		ID:        newID(),
		TenantID:  alert.TenantID,
		AlertID:   alert.ID,
		Action:    action,
		OldStatus: from,
		NewStatus: to,
		Actor:     actor,
		Timestamp: m.clock.Now(),
		Notes:     notes,
	}
}

// newID returns a time-ordered id so events sharing a timestamp still sort
// in creation order.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
