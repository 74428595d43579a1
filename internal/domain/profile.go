package domain

import (
	"context"
	"time"
)

// EntityProfile is the rolling behavioral baseline of one entity.
type EntityProfile struct {
	TenantID         string         `json:"tenantId"`
	EntityID         string         `json:"entityId"`
	SampleCount      int            `json:"sampleCount"`
	AmountMean       float64        `json:"amountMean"`
	AmountStdDev     float64        `json:"amountStdDev"`
	HourHistogram    [24]int        `json:"hourHistogram"`
	Channels         map[string]int `json:"channels"`
	Destinations     map[string]int `json:"destinations"`
	Devices          map[string]int `json:"devices"`
	LastGeo          *GeoPoint      `json:"lastGeo,omitempty"`
	TxLastHour       int            `json:"txLastHour"`
	HourlyRateMean   float64        `json:"hourlyRateMean"`
	HourlyRateStdDev float64        `json:"hourlyRateStdDev"`
	FirstSeen        time.Time      `json:"firstSeen"`
	LastSeen         time.Time      `json:"lastSeen"`
	ComputedAt       time.Time      `json:"computedAt"`
}

// HourShare returns the fraction of the entity's history at the given hour.
func (p *EntityProfile) HourShare(hour int) float64 {
	if p == nil || p.SampleCount == 0 || hour < 0 || hour > 23 {
		return 0
	}
	return float64(p.HourHistogram[hour]) / float64(p.SampleCount)
}

// PopulationBaseline holds tenant-wide distribution parameters for the
// statistical detector.
type PopulationBaseline struct {
	TenantID       string    `json:"tenantId"`
	AmountMean     float64   `json:"amountMean"`
	AmountStdDev   float64   `json:"amountStdDev"`
	VelocityMean   float64   `json:"velocityMean"`
	VelocityStdDev float64   `json:"velocityStdDev"`
	Reference      []float64 `json:"reference"` // sorted amounts
	SampleCount    int       `json:"sampleCount"`
	ComputedAt     time.Time `json:"computedAt"`
}

// ProfileStore is the read path for per-entity baselines.
type ProfileStore interface {
	GetBaseline(ctx context.Context, tenantID, entityID string) (*EntityProfile, error)
}

// BaselineSource is the read path for population baselines.
type BaselineSource interface {
	Population(ctx context.Context, tenantID string) (*PopulationBaseline, error)
}
