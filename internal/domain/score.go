package domain

import (
	"time"
)

// Detector names used as keys in weight and normalizer configuration.
const (
	DetectorStatistical = "statistical"
	DetectorBehavioral  = "behavioral"
	DetectorML          = "ml"
)

// FeatureVector is the immutable snapshot of features computed for one
// transaction in one detection run.
type FeatureVector struct {
	ID               string             `json:"id"`
	TenantID         string             `json:"tenantId"`
	TransactionID    string             `json:"transactionId"`
	EntityID         string             `json:"entityId"`
	Numeric          map[string]float64 `json:"numeric"`
	Categorical      map[string]string  `json:"categorical"`
	ExtractorVersion string             `json:"extractorVersion"`
	ComputedAt       time.Time          `json:"computedAt"`
}

// Number returns a numeric feature and whether it was present.
func (f *FeatureVector) Number(name string) (float64, bool) {
	if f == nil {
		return 0, false
	}
	v, ok := f.Numeric[name]
	return v, ok
}

// Flag returns a numeric feature interpreted as a boolean (non-zero).
func (f *FeatureVector) Flag(name string) bool {
	v, ok := f.Number(name)
	return ok && v != 0
}

// FeatureContribution is one feature's share of a detector's signal.
type FeatureContribution struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// DetectorStatus tells how a detector result was produced.
type DetectorStatus string

const (
	DetectorStatusOK          DetectorStatus = "OK"
	DetectorStatusColdStart   DetectorStatus = "COLD_START"
	DetectorStatusUnavailable DetectorStatus = "UNAVAILABLE"
	DetectorStatusTimeout     DetectorStatus = "TIMEOUT"
)

// DetectorResult is one detector's immutable output for one transaction.
type DetectorResult struct {
	DetectorName         string                `json:"detectorName"`
	DetectorVersion      string                `json:"detectorVersion"`
	RawScore             float64               `json:"rawScore"`
	NormalizedScore      float64               `json:"normalizedScore"`
	Confidence           float64               `json:"confidence"`
	ContributingFeatures []FeatureContribution `json:"contributingFeatures"`
	Flagged              bool                  `json:"flagged"`
	Status               DetectorStatus        `json:"status"`
	Reason               string                `json:"reason,omitempty"`
	LatencyMs            int64                 `json:"latencyMs"`
}

// Available reports whether the result carries signal for fusion.
func (r *DetectorResult) Available() bool {
	return r != nil && r.Confidence > 0
}

// Severity is the discretized bucket of a composite risk score.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// CompositeScore is the fused, immutable risk assessment of a transaction.
type CompositeScore struct {
	TransactionID  string             `json:"transactionId"`
	TenantID       string             `json:"tenantId"`
	EntityID       string             `json:"entityId"`
	RiskScore      float64            `json:"riskScore"`
	Severity       Severity           `json:"severity"`
	WeightVersion  int64              `json:"weightVersion"`
	PerDetector    []DetectorResult   `json:"perDetector"`
	AppliedWeights map[string]float64 `json:"appliedWeights"`
	ComputedAt     time.Time          `json:"computedAt"`
}

// Result returns the per-detector result with the given name, if any.
func (c *CompositeScore) Result(name string) (DetectorResult, bool) {
	for _, r := range c.PerDetector {
		if r.DetectorName == name {
			return r, true
		}
	}
	return DetectorResult{}, false
}

// Normalizer strategies.
const (
	NormalizeSigmoid    = "sigmoid"
	NormalizeMinMax     = "minmax"
	NormalizePercentile = "percentile"
)

// NormalizerParams configures how one detector's raw score maps into [0,1].
type NormalizerParams struct {
	Strategy  string    `json:"strategy" koanf:"strategy"`
	Center    float64   `json:"center,omitempty" koanf:"center"`
	Scale     float64   `json:"scale,omitempty" koanf:"scale"`
	Min       float64   `json:"min,omitempty" koanf:"min"`
	Max       float64   `json:"max,omitempty" koanf:"max"`
	Reference []float64 `json:"reference,omitempty" koanf:"reference"`
}

// Cutpoints are the lower bounds of the upper three severity buckets.
// They must be strictly descending: Critical > High > Medium.
type Cutpoints struct {
	Critical float64 `json:"critical" koanf:"critical"`
	High     float64 `json:"high" koanf:"high"`
	Medium   float64 `json:"medium" koanf:"medium"`
}

// WeightSource records who published a WeightConfig version.
type WeightSource string

const (
	WeightSourceConfig     WeightSource = "config"
	WeightSourceAdaptation WeightSource = "adaptation"
)

// WeightConfig is one immutable version of the scoring parameters.
// A change always produces a new version; stored CompositeScores reference
// the version they were computed with.
type WeightConfig struct {
	Version        int64                       `json:"version"`
	Weights        map[string]float64          `json:"weights"`
	Normalizers    map[string]NormalizerParams `json:"normalizers"`
	Cutpoints      Cutpoints                   `json:"cutpoints"`
	AlertThreshold float64                     `json:"alertThreshold"`
	Source         WeightSource                `json:"source"`
	Reason         string                      `json:"reason,omitempty"`
	CreatedAt      time.Time                   `json:"createdAt"`
}

// Clone returns a deep copy with version, timestamp and reason cleared,
// ready to be modified and published as a new version.
func (w *WeightConfig) Clone() *WeightConfig {
	c := *w
	c.Version = 0
	c.CreatedAt = time.Time{}
	c.Reason = ""
	c.Weights = make(map[string]float64, len(w.Weights))
	for k, v := range w.Weights {
		c.Weights[k] = v
	}
	c.Normalizers = make(map[string]NormalizerParams, len(w.Normalizers))
	for k, v := range w.Normalizers {
		if v.Reference != nil {
			v.Reference = append([]float64(nil), v.Reference...)
		}
		c.Normalizers[k] = v
	}
	return &c
}
