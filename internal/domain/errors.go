package domain

import "errors"

// Input and data errors.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("record not found")
	ErrAlreadyExists      = errors.New("record already exists")
	ErrInsufficientData   = errors.New("insufficient data")
	ErrFeatureUnavailable = errors.New("feature unavailable")
	ErrProfileNotFound    = errors.New("entity profile not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Integrity violations. Each one leaves state untouched and is safe to retry
// once the request is corrected.
var (
	ErrInvalidTransition = errors.New("invalid alert transition")
	ErrVersionConflict   = errors.New("alert was modified concurrently")
	ErrAlertClosed       = errors.New("alert is closed")
	ErrOpenAlertExists   = errors.New("entity already has an open alert")

	ErrNotInReview     = errors.New("alert is not in review")
	ErrNotClaimOwner   = errors.New("analyst does not own the alert claim")
	ErrInvalidDecision = errors.New("decision must be FRAUD, FALSE_POSITIVE or UNCERTAIN")
	ErrNotesRequired   = errors.New("notes are required for a FRAUD decision")
	ErrAlreadyResolved = errors.New("alert is already resolved")
)
