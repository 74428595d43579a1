// Package gate decides whether a composite score opens a new alert, refreshes
// the entity's open alert, or is suppressed.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AlertFinder looks up an entity's open alert.
type AlertFinder interface {
	FindOpenAlert(ctx context.Context, tenantID string, entityID string) (*domain.Alert, error)
}

// WeightVersions resolves the WeightConfig a score was computed with.
type WeightVersions interface {
	Version(ctx context.Context, version int64) (*domain.WeightConfig, error)
}

// ApplyFunc performs the admitted action while the entity lock is held.
// For CREATE_NEW open is nil and the function sets adm.AlertID; for
// UPDATE_EXISTING open is the alert to refresh.
type ApplyFunc func(ctx context.Context, adm *domain.Admission, open *domain.Alert) error

// Gate is the alert admission controller. Evaluation for one entity is
// serialized by a per-entity lock; different entities never contend.
type Gate struct {
	alerts  AlertFinder
	limiter domain.Cache
	weights WeightVersions
	clock   domain.Clock
	params  atomic.Pointer[domain.GateConfig]
	locks   keyedMutex
}

// New creates a gate.
func New(alerts AlertFinder, limiter domain.Cache, weights WeightVersions, clock domain.Clock, cfg domain.GateConfig) (*Gate, error) {
	g := &Gate{
		alerts:  alerts,
		limiter: limiter,
		weights: weights,
		clock:   clock,
	}
	if err := g.SetParams(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// SetParams replaces the rate-limit settings. Evaluations already holding
// the previous settings finish with them.
func (g *Gate) SetParams(cfg domain.GateConfig) error {
	if cfg.RateLimit <= 0 {
		return fmt.Errorf("%w: gate rate limit must be positive", domain.ErrInvalidConfig)
	}
	if cfg.RateWindow <= 0 {
		return fmt.Errorf("%w: gate rate window must be positive", domain.ErrInvalidConfig)
	}
	g.params.Store(&cfg)
	return nil
}

// Params returns the live rate-limit settings.
func (g *Gate) Params() domain.GateConfig {
	return *g.params.Load()
}

// Admit runs the threshold, duplicate and rate-limit gates in that order
// and, unless the score is suppressed, calls apply under the entity lock.
// Rate-limit slots are only consumed by CREATE_NEW outcomes whose apply
// succeeds.
func (g *Gate) Admit(ctx context.Context, score *domain.CompositeScore, apply ApplyFunc) (domain.Admission, error) {
	if score == nil || score.TenantID == "" || score.EntityID == "" {
		return domain.Admission{}, fmt.Errorf("%w: score must carry tenant and entity", domain.ErrInvalidInput)
	}

	weights, err := g.weights.Version(ctx, score.WeightVersion)
	if err != nil {
		return domain.Admission{}, fmt.Errorf("failed to resolve weight config v%d: %w", score.WeightVersion, err)
	}

	unlock := g.locks.Lock(score.TenantID + "/" + score.EntityID)
	defer unlock()

	if !(score.RiskScore > weights.AlertThreshold) {
		return domain.Admission{Outcome: domain.AdmitSuppress, Reason: domain.SuppressBelowThreshold}, nil
	}

	open, err := g.alerts.FindOpenAlert(ctx, score.TenantID, score.EntityID)
	switch {
	case err == nil:
		adm := domain.Admission{Outcome: domain.AdmitUpdateExisting, AlertID: open.ID}
		if apply != nil {
			if err := apply(ctx, &adm, open); err != nil {
				return adm, err
			}
		}
		return adm, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Admission{}, fmt.Errorf("failed to look up open alert: %w", err)
	}

	p := g.params.Load()
	key := rateKey(score.EntityID)
	now := g.clock.Now()
	allowed, _, err := g.limiter.SlidingWindow(ctx, score.TenantID, key, now, p.RateWindow, p.RateLimit)
	if err != nil {
		return domain.Admission{}, fmt.Errorf("rate limiter unavailable: %w", err)
	}
	if !allowed {
		return domain.Admission{Outcome: domain.AdmitSuppress, Reason: domain.SuppressRateLimited}, nil
	}

	adm := domain.Admission{Outcome: domain.AdmitCreateNew}
	if apply != nil {
		if err := apply(ctx, &adm, nil); err != nil {
			// No alert was created, so the slot goes back.
			if rerr := g.limiter.ReleaseWindow(context.WithoutCancel(ctx), score.TenantID, key, now); rerr != nil {
				slog.Warn("failed to release rate slot",
					"tenant_id", score.TenantID,
					"entity_id", score.EntityID,
					"error", rerr,
				)
			}
			return adm, err
		}
	}
	return adm, nil
}

func rateKey(entityID string) string {
	return "alerts:" + entityID
}
