// Package engine wires feature extraction, detection, scoring, alert
// admission, the alert lifecycle and the feedback loop into the operations
// the service exposes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feedback"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/gate"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

var tracer = otel.Tracer("kestrel-engine")

// Engine is the detection and investigation core.
type Engine struct {
	repo      domain.Repository
	bus       domain.EventBus
	clock     domain.Clock
	validate  *validator.Validate
	profiles  *profile.Store
	extractor *features.Extractor
	runner    *detector.Runner
	registry  *scoring.Registry
	gate      *gate.Gate
	lifecycle *lifecycle.Manager
	decisions *decision.Validator
	feedback  *feedback.Controller
}

// New assembles an engine from cfg. eventBus may be nil. The latest stored
// WeightConfig becomes live; cfg.Scoring seeds version 1 on an empty store.
func New(ctx context.Context, cfg *domain.Config, repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, clock domain.Clock) (*Engine, error) {
	extractor, err := features.NewExtractor(cfg.Detection.Features, velocity.NewService(repo), clock)
	if err != nil {
		return nil, err
	}

	model, err := detector.NewModel(cfg.Detection.ML)
	if err != nil {
		return nil, err
	}

	population := profile.NewPopulation(repo, cache, clock, cfg.Detection.Statistical)
	runner := detector.NewRunner(cfg.Detection.DetectorTimeout, cfg.Detection.MaxWorkers,
		detector.NewStatistical(population, cfg.Detection.Statistical),
		detector.NewBehavioral(cfg.Detection.Behavioral),
		detector.NewML(model, cfg.Detection.ML),
	)

	registry := scoring.NewRegistry(repo, clock)
	live, err := registry.Load(ctx, cfg.Scoring.WeightConfig(clock.Now()))
	if err != nil {
		return nil, err
	}
	metrics.WeightVersion.Set(float64(live.Version))

	g, err := gate.New(repo, cache, registry, clock, cfg.Gate)
	if err != nil {
		return nil, err
	}

	lm := lifecycle.NewManager(repo, clock, cfg.Lifecycle)

	fc, err := feedback.NewController(repo, registry, eventBus, clock, cfg.Adaptation)
	if err != nil {
		return nil, err
	}

	slog.Info("engine ready",
		"detectors", len(runner.Detectors()),
		"derived_features", len(extractor.DerivedNames()),
		"weight_version", live.Version,
	)

	return &Engine{
		repo:      repo,
		bus:       eventBus,
		clock:     clock,
		validate:  newValidator(),
		profiles:  profile.NewStore(repo, cache, clock, cfg.Detection.Behavioral.HistoryWindow, cfg.Cache.ProfileTTL),
		extractor: extractor,
		runner:    runner,
		registry:  registry,
		gate:      g,
		lifecycle: lm,
		decisions: decision.NewValidator(repo, lm),
		feedback:  fc,
	}, nil
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Weights returns the live WeightConfig.
func (e *Engine) Weights() *domain.WeightConfig {
	return e.registry.Current()
}

// WeightVersion returns a historical WeightConfig.
func (e *Engine) WeightVersion(ctx context.Context, version int64) (*domain.WeightConfig, error) {
	return e.registry.Version(ctx, version)
}

// Reload applies new settings without a restart. The scoring section is
// published as a new WeightConfig version only when it differs from the
// live one; invalid settings are rejected and the previous ones stay live.
func (e *Engine) Reload(ctx context.Context, cfg *domain.Config) error {
	if err := gateCheck(cfg.Gate); err != nil {
		return err
	}
	if err := feedback.ValidateParams(cfg.Adaptation); err != nil {
		return err
	}

	next := cfg.Scoring.WeightConfig(e.clock.Now())
	if err := scoring.Validate(next); err != nil {
		return err
	}

	if !sameScoring(e.registry.Current(), next) {
		next.Reason = "configuration reload"
		published, err := e.registry.Publish(ctx, next)
		if err != nil {
			return err
		}
		metrics.WeightVersion.Set(float64(published.Version))
	}

	if err := e.gate.SetParams(cfg.Gate); err != nil {
		return err
	}
	if err := e.feedback.SetParams(cfg.Adaptation); err != nil {
		return err
	}
	e.lifecycle.SetReviewWindow(cfg.Lifecycle.ReviewWindow)

	slog.Info("configuration reloaded", "weight_version", e.registry.Current().Version)
	return nil
}

// newValidator validates decimal amounts by their float value, so numeric
// tags such as gt=0 apply to them.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func gateCheck(cfg domain.GateConfig) error {
	if cfg.RateLimit <= 0 || cfg.RateWindow <= 0 {
		return fmt.Errorf("%w: gate rate limit and window must be positive", domain.ErrInvalidConfig)
	}
	return nil
}

// sameScoring reports whether b would change nothing about a.
func sameScoring(a, b *domain.WeightConfig) bool {
	if a == nil || a.Cutpoints != b.Cutpoints || a.AlertThreshold != b.AlertThreshold || len(a.Weights) != len(b.Weights) {
		return false
	}
	for k, v := range b.Weights {
		if a.Weights[k] != v {
			return false
		}
	}
	for k, p := range b.Normalizers {
		q, ok := a.Normalizers[k]
		if !ok || p.Strategy != q.Strategy || p.Center != q.Center || p.Scale != q.Scale ||
			p.Min != q.Min || p.Max != q.Max || len(p.Reference) != len(q.Reference) {
			return false
		}
	}
	return true
}

func (e *Engine) publish(ctx context.Context, tenantID, topic string, v any) {
	if e.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, e.bus, tenantID, topic, v); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "tenant_id", tenantID, "error", err)
	}
}
