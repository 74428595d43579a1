package domain

import (
	"time"
)

// AlertStatus is a state of the alert lifecycle.
type AlertStatus string

const (
	AlertCreated  AlertStatus = "CREATED"
	AlertActive   AlertStatus = "ACTIVE"
	AlertInReview AlertStatus = "IN_REVIEW"
	AlertResolved AlertStatus = "RESOLVED"
	AlertClosed   AlertStatus = "CLOSED"
)

// AllAlertStatuses lists every lifecycle state.
var AllAlertStatuses = []AlertStatus{AlertCreated, AlertActive, AlertInReview, AlertResolved, AlertClosed}

// IsOpen reports whether the status counts toward the single open alert
// an entity may own.
func (s AlertStatus) IsOpen() bool {
	return s == AlertCreated || s == AlertActive || s == AlertInReview
}

// Alert tracks one entity's fraud investigation. It is never deleted;
// CLOSED is its terminal state.
type Alert struct {
	ID               string      `json:"id"`
	TenantID         string      `json:"tenantId"`
	EntityID         string      `json:"entityId"`
	Status           AlertStatus `json:"status"`
	CurrentRiskScore float64     `json:"currentRiskScore"`
	Severity         Severity    `json:"severity"`
	TransactionID    string      `json:"transactionId"`
	ClaimedBy        string      `json:"claimedBy,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	Version          int64       `json:"version"`
}

// EventAction names the kind of audit row.
type EventAction string

const (
	ActionCreate   EventAction = "CREATE"
	ActionActivate EventAction = "ACTIVATE"
	ActionClaim    EventAction = "CLAIM"
	ActionRelease  EventAction = "RELEASE"
	ActionResolve  EventAction = "RESOLVE"
	ActionClose    EventAction = "CLOSE"
	ActionNote     EventAction = "NOTE"
	ActionRescore  EventAction = "RESCORE"
)

// InvestigationEvent is an append-only audit row.
type InvestigationEvent struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenantId"`
	AlertID   string      `json:"alertId"`
	Action    EventAction `json:"action"`
	OldStatus AlertStatus `json:"oldStatus"`
	NewStatus AlertStatus `json:"newStatus"`
	Actor     string      `json:"actor"`
	Timestamp time.Time   `json:"timestamp"`
	Notes     string      `json:"notes,omitempty"`
}

// Decision is an analyst's verdict on an alert.
type Decision string

const (
	DecisionFraud         Decision = "FRAUD"
	DecisionFalsePositive Decision = "FALSE_POSITIVE"
	DecisionUncertain     Decision = "UNCERTAIN"
)

// Valid reports whether d is one of the accepted decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionFraud, DecisionFalsePositive, DecisionUncertain:
		return true
	}
	return false
}

// DecisionRequest is what an analyst submits to resolve an alert.
type DecisionRequest struct {
	Analyst    string   `json:"analyst" validate:"required"`
	Decision   Decision `json:"decision" validate:"required"`
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Notes      string   `json:"notes,omitempty"`
}

// FeedbackRecord is the immutable outcome of a resolved alert.
type FeedbackRecord struct {
	AlertID         string    `json:"alertId"`
	TenantID        string    `json:"tenantId"`
	Decision        Decision  `json:"decision"`
	Confidence      float64   `json:"confidence"`
	Notes           string    `json:"notes,omitempty"`
	Analyst         string    `json:"analyst"`
	ResolvedAt      time.Time `json:"resolvedAt"`
	UsedForTraining bool      `json:"usedForTraining"`
	TrainingBatchID string    `json:"trainingBatchId,omitempty"`
}

// AdmissionOutcome is the Alert Gate verdict.
type AdmissionOutcome string

const (
	AdmitCreateNew      AdmissionOutcome = "CREATE_NEW"
	AdmitUpdateExisting AdmissionOutcome = "UPDATE_EXISTING"
	AdmitSuppress       AdmissionOutcome = "SUPPRESS"
)

// Suppression reasons.
const (
	SuppressBelowThreshold = "below_threshold"
	SuppressRateLimited    = "rate_limited"
)

// Admission is the gate result for one composite score.
type Admission struct {
	Outcome AdmissionOutcome `json:"outcome"`
	AlertID string           `json:"alertId,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}
