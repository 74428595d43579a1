package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feedback"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Validate rejects settings the engine cannot run with. Every problem is
// reported, each wrapping domain.ErrInvalidConfig.
func Validate(cfg *domain.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is required", domain.ErrInvalidConfig)
	}

	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidConfig}, args...)...))
		}
	}

	check(cfg.Server.Port > 0 && cfg.Server.Port < 65536, "server.port %d out of range", cfg.Server.Port)
	check(cfg.Tier == domain.TierCommunity || cfg.Tier == domain.TierPro, "unknown tier %q", cfg.Tier)

	check(cfg.Repository.Driver == "sqlite" || cfg.Repository.Driver == "postgres",
		"repository.driver must be sqlite or postgres, got %q", cfg.Repository.Driver)
	check(cfg.Cache.Type == "memory" || cfg.Cache.Type == "redis",
		"cache.type must be memory or redis, got %q", cfg.Cache.Type)
	check(cfg.EventBus.Type == "channel" || cfg.EventBus.Type == "nats",
		"event_bus.type must be channel or nats, got %q", cfg.EventBus.Type)

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		check(false, "unknown logging.level %q", cfg.Logging.Level)
	}

	d := cfg.Detection
	check(d.DetectorTimeout > 0, "detection.detector_timeout must be positive")
	check(d.MaxWorkers > 0, "detection.max_workers must be positive")
	check(d.Statistical.ZThreshold > 0, "detection.statistical.z_threshold must be positive")
	check(d.Statistical.MinPopulationSamples > 0, "detection.statistical.min_population_samples must be positive")
	check(d.Behavioral.MinSamples > 0, "detection.behavioral.min_samples must be positive")
	check(d.Behavioral.DeviationThreshold > 0, "detection.behavioral.deviation_threshold must be positive")
	switch d.ML.Model {
	case "logistic":
	case "remote":
		check(d.ML.Endpoint != "", "detection.ml.endpoint is required for the remote model")
	default:
		check(false, "unknown detection.ml.model %q", d.ML.Model)
	}

	if err := scoring.Validate(cfg.Scoring.WeightConfig(time.Time{})); err != nil {
		errs = append(errs, fmt.Errorf("scoring: %w", err))
	}

	check(cfg.Gate.RateLimit > 0, "gate.rate_limit must be positive")
	check(cfg.Gate.RateWindow > 0, "gate.rate_window must be positive")
	check(cfg.Lifecycle.ReviewWindow > 0, "lifecycle.review_window must be positive")
	check(cfg.Lifecycle.SweepInterval > 0, "lifecycle.sweep_interval must be positive")

	if err := feedback.ValidateParams(cfg.Adaptation); err != nil {
		errs = append(errs, fmt.Errorf("adaptation: %w", err))
	}
	check(cfg.Adaptation.Interval > 0, "adaptation.interval must be positive")

	return errors.Join(errs...)
}
