// Package features turns a transaction and its entity profile into the
// feature vector every detector reads.
package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Version identifies the feature set written to every vector.
const Version = "features-v1"

// Built-in numeric feature names.
const (
	Amount            = "amount"
	AmountLog         = "amount_log"
	HourOfDay         = "hour_of_day"
	DayOfWeek         = "day_of_week"
	Quarter           = "quarter"
	IsWeekend         = "is_weekend"
	IsUnusualHour     = "is_unusual_hour"
	IsEndOfMonth      = "is_end_of_month"
	IsHighValue       = "is_high_value"
	Velocity1h        = "velocity_1h"
	HasDevice         = "has_device"
	HasIP             = "has_ip"
	AccountAgeDays    = "account_age_days"
	EntityTxCount     = "entity_tx_count"
	AmountZScore      = "amount_zscore"
	AmountToMean      = "amount_to_mean"
	AmountPctFromAvg  = "amount_pct_from_avg"
	IsNewDestination  = "is_new_destination"
	IsNewChannel      = "is_new_channel"
	IsNewDevice       = "is_new_device"
	HourShare         = "hour_share"
	FrequencyZScore   = "frequency_zscore"
	GeoDistanceKm     = "geo_distance_km"
	HighValueAmount   = 10000.0
	unusualHourCutoff = 5
	endOfMonthDay     = 25
)

// Categorical feature names.
const (
	CatChannel    = "channel"
	CatCurrency   = "currency"
	CatType       = "type"
	CatDeviceHash = "device_hash"
	CatCountry    = "country"
)

var builtins = map[string]bool{
	Amount: true, AmountLog: true, HourOfDay: true, DayOfWeek: true, Quarter: true,
	IsWeekend: true, IsUnusualHour: true, IsEndOfMonth: true, IsHighValue: true,
	Velocity1h: true, HasDevice: true, HasIP: true, AccountAgeDays: true,
	EntityTxCount: true, AmountZScore: true, AmountToMean: true, AmountPctFromAvg: true,
	IsNewDestination: true, IsNewChannel: true, IsNewDevice: true, HourShare: true,
	FrequencyZScore: true, GeoDistanceKm: true,
}

// VelocityCounter counts an entity's transactions in [asOf-window, asOf).
type VelocityCounter interface {
	Count(ctx context.Context, tenantID, entityID string, window time.Duration, asOf time.Time) (int64, error)
}

type derived struct {
	name    string
	program cel.Program
}

// Extractor computes feature vectors. It is safe for concurrent use.
type Extractor struct {
	env      *cel.Env
	derived  []derived
	velocity VelocityCounter
	clock    domain.Clock
}

// NewExtractor compiles the derived feature expressions. velocity may be nil,
// in which case velocity_1h falls back to the profile's last-hour count.
func NewExtractor(cfg domain.FeaturesConfig, velocity VelocityCounter, clock domain.Clock) (*Extractor, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("f", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("profile", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Extractor{env: env, velocity: velocity, clock: clock}

	names := make([]string, 0, len(cfg.Derived))
	for name := range cfg.Derived {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d, err := e.compile(name, cfg.Derived[name])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
		}
		e.derived = append(e.derived, d)
	}

	return e, nil
}

func (e *Extractor) compile(name, expr string) (derived, error) {
	if builtins[name] {
		return derived{}, fmt.Errorf("derived feature %s shadows a built-in feature", name)
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return derived{}, fmt.Errorf("failed to compile feature %s: %w", name, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return derived{}, fmt.Errorf("feature %s: expression must return bool, int, or double, got %s", name, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return derived{}, fmt.Errorf("failed to create program for feature %s: %w", name, err)
	}

	return derived{name: name, program: program}, nil
}

// DerivedNames returns the configured derived feature names in evaluation order.
func (e *Extractor) DerivedNames() []string {
	names := make([]string, len(e.derived))
	for i, d := range e.derived {
		names[i] = d.name
	}
	return names
}

// Extract computes the feature vector of tx. profile may be nil for entities
// without history; profile-relative features are then omitted.
func (e *Extractor) Extract(ctx context.Context, tx *domain.Transaction, profile *domain.EntityProfile) (*domain.FeatureVector, error) {
	if err := checkTransaction(tx); err != nil {
		return nil, err
	}

	amount := tx.AmountFloat()
	ts := tx.Timestamp.UTC()
	hour := ts.Hour()

	num := map[string]float64{
		Amount:        amount,
		AmountLog:     math.Log1p(amount),
		HourOfDay:     float64(hour),
		DayOfWeek:     float64(ts.Weekday()),
		Quarter:       float64((int(ts.Month())-1)/3 + 1),
		IsWeekend:     flag(ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday),
		IsUnusualHour: flag(hour < unusualHourCutoff),
		IsEndOfMonth:  flag(ts.Day() > endOfMonthDay),
		IsHighValue:   flag(amount > HighValueAmount),
		HasDevice:     flag(tx.DeviceID != ""),
		HasIP:         flag(tx.IPAddress != ""),
	}

	num[Velocity1h] = e.velocity1h(ctx, tx, profile)

	if tx.AccountCreatedAt != nil {
		age := ts.Sub(tx.AccountCreatedAt.UTC()).Hours() / 24
		num[AccountAgeDays] = math.Max(age, 0)
	}

	if profile != nil && profile.SampleCount > 0 {
		addProfileFeatures(num, tx, profile, amount, hour)
	}

	cat := map[string]string{
		CatChannel:  tx.Channel,
		CatCurrency: tx.Currency,
		CatType:     tx.Type,
	}
	if tx.DeviceID != "" {
		cat[CatDeviceHash] = DeviceHash(tx.DeviceID)
	}
	if tx.Geo != nil && tx.Geo.Country != "" {
		cat[CatCountry] = tx.Geo.Country
	}

	if len(e.derived) > 0 {
		e.evalDerived(num, tx, profile)
	}

	return &domain.FeatureVector{
		ID:               uuid.NewString(),
		TenantID:         tx.TenantID,
		TransactionID:    tx.ID,
		EntityID:         tx.EntityID,
		Numeric:          num,
		Categorical:      cat,
		ExtractorVersion: Version,
		ComputedAt:       e.clock.Now(),
	}, nil
}

func checkTransaction(tx *domain.Transaction) error {
	switch {
	case tx == nil:
		return fmt.Errorf("%w: transaction is nil", domain.ErrInsufficientData)
	case tx.EntityID == "":
		return fmt.Errorf("%w: transaction %s has no entity", domain.ErrInsufficientData, tx.ID)
	case tx.Timestamp.IsZero():
		return fmt.Errorf("%w: transaction %s has no timestamp", domain.ErrInsufficientData, tx.ID)
	case !tx.Amount.IsPositive():
		return fmt.Errorf("%w: transaction %s amount must be positive", domain.ErrInsufficientData, tx.ID)
	}
	return nil
}

func (e *Extractor) velocity1h(ctx context.Context, tx *domain.Transaction, profile *domain.EntityProfile) float64 {
	if e.velocity != nil {
		n, err := e.velocity.Count(ctx, tx.TenantID, tx.EntityID, time.Hour, tx.Timestamp)
		if err == nil {
			return float64(n)
		}
		slog.Warn("velocity lookup failed, using profile",
			"tenant_id", tx.TenantID,
			"entity_id", tx.EntityID,
			"error", err,
		)
	}
	if profile != nil {
		return float64(profile.TxLastHour)
	}
	return 0
}

func addProfileFeatures(num map[string]float64, tx *domain.Transaction, p *domain.EntityProfile, amount float64, hour int) {
	num[EntityTxCount] = float64(p.SampleCount)

	if p.AmountStdDev > 0 {
		num[AmountZScore] = (amount - p.AmountMean) / p.AmountStdDev
	} else {
		num[AmountZScore] = 0
	}
	if p.AmountMean > 0 {
		num[AmountToMean] = amount / p.AmountMean
		num[AmountPctFromAvg] = (amount - p.AmountMean) / p.AmountMean * 100
	}

	num[IsNewDestination] = flag(p.Destinations[tx.DestinationAccount] == 0)
	num[IsNewChannel] = flag(p.Channels[tx.Channel] == 0)
	if tx.DeviceID != "" {
		num[IsNewDevice] = flag(p.Devices[DeviceHash(tx.DeviceID)] == 0)
	}
	num[HourShare] = p.HourShare(hour)

	if p.HourlyRateStdDev > 0 {
		num[FrequencyZScore] = (num[Velocity1h] - p.HourlyRateMean) / p.HourlyRateStdDev
	} else {
		num[FrequencyZScore] = 0
	}

	if tx.Geo != nil && p.LastGeo != nil {
		num[GeoDistanceKm] = Haversine(p.LastGeo.Lat, p.LastGeo.Lon, tx.Geo.Lat, tx.Geo.Lon)
	}
}

// evalDerived runs the CEL features in name order. Each one sees the
// built-ins and every derived feature computed before it. Evaluation errors
// leave the feature out.
func (e *Extractor) evalDerived(num map[string]float64, tx *domain.Transaction, profile *domain.EntityProfile) {
	activation := map[string]any{
		"tx":      txActivation(tx),
		"f":       num,
		"profile": profileActivation(profile),
	}

	for _, d := range e.derived {
		out, _, err := d.program.Eval(activation)
		if err != nil {
			slog.Debug("derived feature skipped",
				"feature", d.name,
				"transaction_id", tx.ID,
				"error", err,
			)
			continue
		}
		num[d.name] = toFloat(out)
	}
}

func txActivation(tx *domain.Transaction) map[string]any {
	m := map[string]any{
		"id":                  tx.ID,
		"entity_id":           tx.EntityID,
		"type":                tx.Type,
		"channel":             tx.Channel,
		"origin_account":      tx.OriginAccount,
		"destination_account": tx.DestinationAccount,
		"amount":              tx.AmountFloat(),
		"currency":            tx.Currency,
		"device_id":           tx.DeviceID,
		"ip_address":          tx.IPAddress,
		"timestamp":           tx.Timestamp,
	}
	if tx.Geo != nil {
		m["country"] = tx.Geo.Country
	}
	if tx.Metadata != nil {
		m["metadata"] = tx.Metadata
	}
	return m
}

func profileActivation(p *domain.EntityProfile) map[string]any {
	if p == nil {
		return map[string]any{"sample_count": int64(0)}
	}
	return map[string]any{
		"sample_count":        int64(p.SampleCount),
		"amount_mean":         p.AmountMean,
		"amount_std_dev":      p.AmountStdDev,
		"hourly_rate_mean":    p.HourlyRateMean,
		"hourly_rate_std_dev": p.HourlyRateStdDev,
		"tx_last_hour":        int64(p.TxLastHour),
		"distinct_channels":   int64(len(p.Channels)),
		"distinct_devices":    int64(len(p.Devices)),
	}
}

// toFloat converts a CEL value to a feature value.
func toFloat(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		return flag(bool(v))
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0
	}
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// DeviceHash returns the stable short hash used to compare devices without
// storing raw identifiers in feature vectors.
func DeviceHash(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:])[:16]
}

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
