package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Tier determines which backing services are used
	Tier Tier `koanf:"tier" json:"tier"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository" json:"repository"`
	Cache      CacheConfig      `koanf:"cache" json:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus" json:"eventBus"`

	// Detection and alerting
	Detection  DetectionConfig  `koanf:"detection" json:"detection"`
	Scoring    ScoringConfig    `koanf:"scoring" json:"scoring"`
	Gate       GateConfig       `koanf:"gate" json:"gate"`
	Lifecycle  LifecycleConfig  `koanf:"lifecycle" json:"lifecycle"`
	Adaptation AdaptationConfig `koanf:"adaptation" json:"adaptation"`
	Worker     WorkerConfig     `koanf:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `koanf:"logging" json:"logging"`
	Tracing TracingConfig `koanf:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port"`
	ReadTimeout  int    `koanf:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `koanf:"write_timeout" json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format string `koanf:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	ServiceName string `koanf:"service_name" json:"serviceName"`
}

// DetectionConfig configures the feature extractor and the detector set.
type DetectionConfig struct {
	DetectorTimeout time.Duration     `koanf:"detector_timeout" json:"detectorTimeout"`
	MaxWorkers      int               `koanf:"max_workers" json:"maxWorkers"`
	Features        FeaturesConfig    `koanf:"features" json:"features"`
	Statistical     StatisticalConfig `koanf:"statistical" json:"statistical"`
	Behavioral      BehavioralConfig  `koanf:"behavioral" json:"behavioral"`
	ML              MLConfig          `koanf:"ml" json:"ml"`
}

// FeaturesConfig configures feature extraction.
type FeaturesConfig struct {
	// Derived maps a feature name to a CEL expression over tx, profile and
	// the built-in features.
	Derived map[string]string `koanf:"derived" json:"derived"`
}

// StatisticalConfig configures the population-deviation detector.
type StatisticalConfig struct {
	ZThreshold           float64       `koanf:"z_threshold" json:"zThreshold"`
	ExtremePercentile    float64       `koanf:"extreme_percentile" json:"extremePercentile"`
	MinPopulationSamples int           `koanf:"min_population_samples" json:"minPopulationSamples"`
	ReferenceSampleSize  int           `koanf:"reference_sample_size" json:"referenceSampleSize"`
	BaselineWindow       time.Duration `koanf:"baseline_window" json:"baselineWindow"`
	BaselineTTL          time.Duration `koanf:"baseline_ttl" json:"baselineTtl"`
}

// BehavioralConfig configures the per-entity baseline detector.
type BehavioralConfig struct {
	MinSamples         int           `koanf:"min_samples" json:"minSamples"`
	DeviationThreshold float64       `koanf:"deviation_threshold" json:"deviationThreshold"`
	HistoryWindow      time.Duration `koanf:"history_window" json:"historyWindow"`
	GeoJumpKm          float64       `koanf:"geo_jump_km" json:"geoJumpKm"`
	NewAccountDays     int           `koanf:"new_account_days" json:"newAccountDays"`
	RareHourShare      float64       `koanf:"rare_hour_share" json:"rareHourShare"`
}

// MLConfig selects and configures the ML scorer.
type MLConfig struct {
	// Model is "logistic" or "remote".
	Model         string             `koanf:"model" json:"model"`
	Version       string             `koanf:"version" json:"version"`
	FlagThreshold float64            `koanf:"flag_threshold" json:"flagThreshold"`
	Intercept     float64            `koanf:"intercept" json:"intercept"`
	Coefficients  map[string]float64 `koanf:"coefficients" json:"coefficients"`
	Endpoint      string             `koanf:"endpoint" json:"endpoint"`
	Timeout       time.Duration      `koanf:"timeout" json:"timeout"`
	Breaker       BreakerConfig      `koanf:"breaker" json:"breaker"`
}

// BreakerConfig configures the circuit breaker around the ML model.
type BreakerConfig struct {
	MaxRequests      uint32        `koanf:"max_requests" json:"maxRequests"`
	Interval         time.Duration `koanf:"interval" json:"interval"`
	Timeout          time.Duration `koanf:"timeout" json:"timeout"`
	FailureThreshold uint32        `koanf:"failure_threshold" json:"failureThreshold"`
}

// DetectorWeights is the configured weight per detector.
type DetectorWeights struct {
	Statistical float64 `koanf:"statistical" json:"statistical"`
	Behavioral  float64 `koanf:"behavioral" json:"behavioral"`
	ML          float64 `koanf:"ml" json:"ml"`
}

// Map returns the weights keyed by detector name.
func (w DetectorWeights) Map() map[string]float64 {
	return map[string]float64{
		DetectorStatistical: w.Statistical,
		DetectorBehavioral:  w.Behavioral,
		DetectorML:          w.ML,
	}
}

// DetectorNormalizers is the configured normalizer per detector.
type DetectorNormalizers struct {
	Statistical NormalizerParams `koanf:"statistical" json:"statistical"`
	Behavioral  NormalizerParams `koanf:"behavioral" json:"behavioral"`
	ML          NormalizerParams `koanf:"ml" json:"ml"`
}

// Map returns the normalizers keyed by detector name.
func (n DetectorNormalizers) Map() map[string]NormalizerParams {
	return map[string]NormalizerParams{
		DetectorStatistical: n.Statistical,
		DetectorBehavioral:  n.Behavioral,
		DetectorML:          n.ML,
	}
}

// ScoringConfig seeds the first WeightConfig version and every hot reload.
type ScoringConfig struct {
	Weights        DetectorWeights     `koanf:"weights" json:"weights"`
	Normalizers    DetectorNormalizers `koanf:"normalizers" json:"normalizers"`
	Cutpoints      Cutpoints           `koanf:"cutpoints" json:"cutpoints"`
	AlertThreshold float64             `koanf:"alert_threshold" json:"alertThreshold"`
}

// WeightConfig builds an unversioned WeightConfig from the settings.
func (s ScoringConfig) WeightConfig(now time.Time) *WeightConfig {
	return &WeightConfig{
		Weights:        s.Weights.Map(),
		Normalizers:    s.Normalizers.Map(),
		Cutpoints:      s.Cutpoints,
		AlertThreshold: s.AlertThreshold,
		Source:         WeightSourceConfig,
		CreatedAt:      now,
	}
}

// GateConfig configures alert rate limiting.
type GateConfig struct {
	RateLimit  int           `koanf:"rate_limit" json:"rateLimit"`
	RateWindow time.Duration `koanf:"rate_window" json:"rateWindow"`
}

// LifecycleConfig configures alert closing.
type LifecycleConfig struct {
	ReviewWindow  time.Duration `koanf:"review_window" json:"reviewWindow"`
	SweepInterval time.Duration `koanf:"sweep_interval" json:"sweepInterval"`
}

// AdaptationConfig configures the feedback loop.
type AdaptationConfig struct {
	Window         time.Duration `koanf:"window" json:"window"`
	Interval       time.Duration `koanf:"interval" json:"interval"`
	WarningFPRate  float64       `koanf:"warning_fp_rate" json:"warningFpRate"`
	CriticalFPRate float64       `koanf:"critical_fp_rate" json:"criticalFpRate"`
	PrecisionFloor float64       `koanf:"precision_floor" json:"precisionFloor"`
	MinSamples     int           `koanf:"min_samples" json:"minSamples"`
	NudgeStep      float64       `koanf:"nudge_step" json:"nudgeStep"`
	MaxCutpoint    float64       `koanf:"max_cutpoint" json:"maxCutpoint"`
	RebalanceRate  float64       `koanf:"rebalance_rate" json:"rebalanceRate"`
	MinWeight      float64       `koanf:"min_weight" json:"minWeight"`
}

// WorkerConfig configures async ingestion.
type WorkerConfig struct {
	Enabled   bool     `koanf:"enabled" json:"enabled"`
	TenantIDs []string `koanf:"tenant_ids" json:"tenantIds"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ProfileTTL:   time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detection: DetectionConfig{
			DetectorTimeout: 250 * time.Millisecond,
			MaxWorkers:      8,
			Statistical: StatisticalConfig{
				ZThreshold:           3.0,
				ExtremePercentile:    0.999,
				MinPopulationSamples: 100,
				ReferenceSampleSize:  5000,
				BaselineWindow:       30 * 24 * time.Hour,
				BaselineTTL:          5 * time.Minute,
			},
			Behavioral: BehavioralConfig{
				MinSamples:         5,
				DeviationThreshold: 5.0,
				HistoryWindow:      90 * 24 * time.Hour,
				GeoJumpKm:          500,
				NewAccountDays:     30,
				RareHourShare:      0.02,
			},
			ML: MLConfig{
				Model:         "logistic",
				Version:       "logistic-v1",
				FlagThreshold: 0.5,
				Intercept:     -4.0,
				Coefficients: map[string]float64{
					"amount_log":          0.35,
					"velocity_1h":         0.30,
					"is_unusual_hour":     0.80,
					"is_new_destination":  0.90,
					"is_new_device":       0.70,
					"amount_pct_from_avg": 0.004,
				},
				Timeout: 200 * time.Millisecond,
				Breaker: BreakerConfig{
					MaxRequests:      3,
					Interval:         time.Minute,
					Timeout:          30 * time.Second,
					FailureThreshold: 5,
				},
			},
		},
		Scoring: ScoringConfig{
			Weights: DetectorWeights{
				Statistical: 0.25,
				Behavioral:  0.35,
				ML:          0.40,
			},
			Normalizers: DetectorNormalizers{
				Statistical: NormalizerParams{Strategy: NormalizeSigmoid, Center: 3, Scale: 0.5},
				Behavioral:  NormalizerParams{Strategy: NormalizeMinMax, Min: 1, Max: 20},
				ML:          NormalizerParams{Strategy: NormalizeMinMax, Min: 0, Max: 1},
			},
			Cutpoints: Cutpoints{
				Critical: 0.80,
				High:     0.70,
				Medium:   0.50,
			},
			AlertThreshold: 0.50,
		},
		Gate: GateConfig{
			RateLimit:  5,
			RateWindow: time.Hour,
		},
		Lifecycle: LifecycleConfig{
			ReviewWindow:  72 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Adaptation: AdaptationConfig{
			Window:         7 * 24 * time.Hour,
			Interval:       time.Hour,
			WarningFPRate:  0.25,
			CriticalFPRate: 0.35,
			PrecisionFloor: 0.50,
			MinSamples:     20,
			NudgeStep:      0.02,
			MaxCutpoint:    0.95,
			RebalanceRate:  0.5,
			MinWeight:      0.05,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
		ProfileTTL:     time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
