package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable payment fact owned by the ingestion side.
// The engine only reads it.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	EntityID string `json:"entityId"`

	// Transaction type (e.g., "transfer", "payment", "withdrawal")
	Type    string `json:"type"`
	Channel string `json:"channel"`

	// Accounts
	OriginAccount      string `json:"originAccount"`
	DestinationAccount string `json:"destinationAccount"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// Device and network
	DeviceID  string    `json:"deviceId,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	Geo       *GeoPoint `json:"geo,omitempty"`

	// Account opening date of the originating account, when known
	AccountCreatedAt *time.Time `json:"accountCreatedAt,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GeoPoint is a coarse location attached to a transaction.
type GeoPoint struct {
	Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon     float64 `json:"lon" validate:"gte=-180,lte=180"`
	Country string  `json:"country,omitempty" validate:"omitempty,len=2"`
}

// AmountFloat returns the amount as a float64 for feature math.
func (t *Transaction) AmountFloat() float64 {
	return t.Amount.InexactFloat64()
}

// TransactionRequest is the API request payload for transaction scoring.
type TransactionRequest struct {
	ID                 string          `json:"id,omitempty" validate:"omitempty,max=128"`
	EntityID           string          `json:"entityId" validate:"required,max=128"`
	Type               string          `json:"type" validate:"required"`
	Channel            string          `json:"channel" validate:"required"`
	OriginAccount      string          `json:"originAccount" validate:"required"`
	DestinationAccount string          `json:"destinationAccount" validate:"required"`
	Amount             decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency           string          `json:"currency" validate:"required,len=3"`
	DeviceID           string          `json:"deviceId,omitempty"`
	IPAddress          string          `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	Geo                *GeoPoint       `json:"geo,omitempty"`
	AccountCreatedAt   *time.Time      `json:"accountCreatedAt,omitempty"`
	Timestamp          *time.Time      `json:"timestamp,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
// The caller supplies id and clock reading so conversion stays deterministic.
func (r *TransactionRequest) ToTransaction(tenantID, id string, now time.Time) *Transaction {
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	if r.ID != "" {
		id = r.ID
	}
	return &Transaction{
		ID:                 id,
		TenantID:           tenantID,
		EntityID:           r.EntityID,
		Type:               r.Type,
		Channel:            r.Channel,
		OriginAccount:      r.OriginAccount,
		DestinationAccount: r.DestinationAccount,
		Amount:             r.Amount,
		Currency:           r.Currency,
		DeviceID:           r.DeviceID,
		IPAddress:          r.IPAddress,
		Geo:                r.Geo,
		AccountCreatedAt:   r.AccountCreatedAt,
		Timestamp:          ts,
		CreatedAt:          now,
		Metadata:           r.Metadata,
	}
}
