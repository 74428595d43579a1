// Package decision checks an analyst's verdict against the alert's state and
// resolves the alert when every rule passes.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Planner builds the IN_REVIEW -> RESOLVED transition.
type Planner interface {
	Plan(alert *domain.Alert, to domain.AlertStatus, actor, notes string) (*domain.Alert, *domain.InvestigationEvent, error)
}

// Store persists the resolution.
type Store interface {
	GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.Alert, error)
	GetFeedback(ctx context.Context, tenantID string, alertID string) (*domain.FeedbackRecord, error)
	ResolveAlert(ctx context.Context, tenantID string, alert *domain.Alert, expectedVersion int64, event *domain.InvestigationEvent, feedback *domain.FeedbackRecord) error
}

// Validator applies analyst decisions.
type Validator struct {
	store   Store
	planner Planner
}

// NewValidator creates a decision validator.
func NewValidator(store Store, planner Planner) *Validator {
	return &Validator{store: store, planner: planner}
}

// Check runs the ordered rules against alert without touching storage.
func Check(alert *domain.Alert, req domain.DecisionRequest) error {
	if alert.Status != domain.AlertInReview {
		return fmt.Errorf("%w: alert %s is %s", domain.ErrNotInReview, alert.ID, alert.Status)
	}
	if req.Analyst == "" || req.Analyst != alert.ClaimedBy {
		return fmt.Errorf("%w: alert %s", domain.ErrNotClaimOwner, alert.ID)
	}
	if !req.Decision.Valid() {
		return fmt.Errorf("%w: got %q", domain.ErrInvalidDecision, req.Decision)
	}
	if req.Decision == domain.DecisionFraud && strings.TrimSpace(req.Notes) == "" {
		return domain.ErrNotesRequired
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		return fmt.Errorf("%w: confidence must be within [0,1]", domain.ErrInvalidInput)
	}
	return nil
}

// ValidateAndApply checks req against alert and, when it passes, writes the
// feedback record and the IN_REVIEW -> RESOLVED transition in one
// transaction. Nothing is written on failure.
func (v *Validator) ValidateAndApply(ctx context.Context, alert *domain.Alert, req domain.DecisionRequest) (*domain.FeedbackRecord, error) {
	if alert == nil {
		return nil, fmt.Errorf("%w: alert is required", domain.ErrInvalidInput)
	}
	if err := Check(alert, req); err != nil {
		return nil, err
	}

	// A stale snapshot can still read IN_REVIEW after another request
	// resolved the alert.
	if _, err := v.store.GetFeedback(ctx, alert.TenantID, alert.ID); err == nil {
		return nil, fmt.Errorf("%w: alert %s", domain.ErrAlreadyResolved, alert.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	next, ev, err := v.planner.Plan(alert, domain.AlertResolved, req.Analyst, req.Notes)
	if err != nil {
		return nil, err
	}

	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	fb := &domain.FeedbackRecord{
		AlertID:    alert.ID,
		TenantID:   alert.TenantID,
		Decision:   req.Decision,
		Confidence: confidence,
		Notes:      req.Notes,
		Analyst:    req.Analyst,
		ResolvedAt: next.UpdatedAt,
	}

	err = v.store.ResolveAlert(ctx, alert.TenantID, next, alert.Version, ev, fb)
	if errors.Is(err, domain.ErrVersionConflict) {
		return nil, v.conflict(ctx, alert, err)
	}
	if err != nil {
		return nil, err
	}
	return fb, nil
}

// conflict reports ErrAlreadyResolved when the concurrent change was a
// resolution and passes the version conflict through otherwise.
func (v *Validator) conflict(ctx context.Context, alert *domain.Alert, cause error) error {
	current, err := v.store.GetAlert(ctx, alert.TenantID, alert.ID)
	if err != nil {
		return cause
	}
	if current.Status == domain.AlertResolved || current.Status == domain.AlertClosed {
		return fmt.Errorf("%w: alert %s", domain.ErrAlreadyResolved, alert.ID)
	}
	return cause
}
