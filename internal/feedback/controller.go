// Package feedback closes the loop from analyst decisions back to scoring.
// Each adaptation cycle measures false positives and detector precision
// over recent decisions and, when they drift, publishes a new WeightConfig.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Store is the persistence the controller reads and writes.
type Store interface {
	ListUnconsumedFeedback(ctx context.Context) ([]*domain.FeedbackRecord, error)
	ListFeedbackSince(ctx context.Context, since time.Time) ([]*domain.FeedbackRecord, error)
	MarkFeedbackUsed(ctx context.Context, alertIDs []string, batchID string) (int64, error)
	GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.Alert, error)
	GetCompositeScore(ctx context.Context, tenantID string, txID string) (*domain.CompositeScore, error)
	SaveAdaptationReport(ctx context.Context, report *domain.AdaptationReport) error
	ListAdaptationReports(ctx context.Context, limit int) ([]*domain.AdaptationReport, error)
}

// Weights publishes WeightConfig versions.
type Weights interface {
	Current() *domain.WeightConfig
	Publish(ctx context.Context, cfg *domain.WeightConfig) (*domain.WeightConfig, error)
}

// RetrainRequest is published when a cycle flags the ML detector for
// retraining.
type RetrainRequest struct {
	BatchID           string   `json:"batchId"`
	ReportID          string   `json:"reportId"`
	FalsePositiveRate float64  `json:"falsePositiveRate"`
	AlertIDs          []string `json:"alertIds"`
}

// Controller runs adaptation cycles.
type Controller struct {
	store   Store
	weights Weights
	bus     domain.EventBus
	clock   domain.Clock
	params  atomic.Pointer[domain.AdaptationConfig]
	mu      sync.Mutex // one cycle at a time
}

// NewController creates a controller. bus may be nil.
func NewController(store Store, weights Weights, eventBus domain.EventBus, clock domain.Clock, cfg domain.AdaptationConfig) (*Controller, error) {
	c := &Controller{store: store, weights: weights, bus: eventBus, clock: clock}
	if err := c.SetParams(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// SetParams replaces the adaptation settings. A running cycle finishes with
// the settings it started with.
func (c *Controller) SetParams(cfg domain.AdaptationConfig) error {
	if err := ValidateParams(cfg); err != nil {
		return err
	}
	c.params.Store(&cfg)
	return nil
}

// Params returns the live adaptation settings.
func (c *Controller) Params() domain.AdaptationConfig {
	return *c.params.Load()
}

// ValidateParams checks adaptation settings.
func ValidateParams(cfg domain.AdaptationConfig) error {
	switch {
	case cfg.Window <= 0:
		return fmt.Errorf("%w: adaptation window must be positive", domain.ErrInvalidConfig)
	case !(cfg.WarningFPRate > 0 && cfg.WarningFPRate < cfg.CriticalFPRate && cfg.CriticalFPRate <= 1):
		return fmt.Errorf("%w: need 0 < warning_fp_rate < critical_fp_rate <= 1", domain.ErrInvalidConfig)
	case cfg.PrecisionFloor < 0 || cfg.PrecisionFloor > 1:
		return fmt.Errorf("%w: precision floor must be within [0,1]", domain.ErrInvalidConfig)
	case cfg.MinSamples <= 0:
		return fmt.Errorf("%w: adaptation min_samples must be positive", domain.ErrInvalidConfig)
	case cfg.NudgeStep <= 0 || cfg.NudgeStep >= 1:
		return fmt.Errorf("%w: nudge step must be within (0,1)", domain.ErrInvalidConfig)
	case cfg.MaxCutpoint <= 0 || cfg.MaxCutpoint > 1:
		return fmt.Errorf("%w: max cut point must be within (0,1]", domain.ErrInvalidConfig)
	case cfg.RebalanceRate < 0 || cfg.RebalanceRate > 1:
		return fmt.Errorf("%w: rebalance rate must be within [0,1]", domain.ErrInvalidConfig)
	case cfg.MinWeight < 0 || cfg.MinWeight >= 0.5:
		return fmt.Errorf("%w: min weight must be within [0,0.5)", domain.ErrInvalidConfig)
	}
	return nil
}

// RunCycle consumes unused feedback and responds to drift. With nothing to
// consume it returns a NONE report and changes nothing.
func (c *Controller) RunCycle(ctx context.Context) (*domain.AdaptationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.Params()
	started := c.clock.Now()
	current := c.weights.Current()

	report := &domain.AdaptationReport{
		ID:              uuid.NewString(),
		StartedAt:       started,
		Drift:           domain.DriftNone,
		PreviousVersion: current.Version,
	}

	unconsumed, err := c.store.ListUnconsumedFeedback(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}
	if len(unconsumed) == 0 {
		report.FinishedAt = c.clock.Now()
		return report, nil
	}

	window, err := c.store.ListFeedbackSince(ctx, started.Add(-cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback window: %w", err)
	}

	labelled, err := c.join(ctx, window)
	if err != nil {
		return nil, err
	}

	report.RecordsInWindow = len(window)
	report.FalsePositiveRate = FalsePositiveRate(window)
	report.Precision = Precision(labelled)
	report.Drift = Classify(report.FalsePositiveRate, countLabelled(window), report.Precision, cfg)

	batchID := uuid.NewString()
	report.TrainingBatchID = batchID

	var next *domain.WeightConfig
	if report.Drift != domain.DriftNone {
		next = current.Clone()
		next.Cutpoints, next.AlertThreshold = Nudge(current.Cutpoints, current.AlertThreshold, cfg.NudgeStep, cfg.MaxCutpoint)
		report.Actions = append(report.Actions, fmt.Sprintf("nudged cut points to %.3f/%.3f/%.3f and alert threshold to %.3f",
			next.Cutpoints.Critical, next.Cutpoints.High, next.Cutpoints.Medium, next.AlertThreshold))

		if report.Drift == domain.DriftModerate || report.Drift == domain.DriftMajor {
			next.Weights = Rebalance(current.Weights, report.Precision, cfg.RebalanceRate, cfg.MinWeight)
			report.Actions = append(report.Actions, "rebalanced detector weights by precision")
		}

		next.Source = domain.WeightSourceAdaptation
		next.Reason = fmt.Sprintf("%s drift: false positive rate %.3f over %d decisions", report.Drift, report.FalsePositiveRate, len(window))
		next.CreatedAt = started

		if err := scoring.Validate(next); err != nil {
			return nil, fmt.Errorf("adapted weights rejected: %w", err)
		}
	}

	ids := make([]string, len(unconsumed))
	for i, r := range unconsumed {
		ids[i] = r.AlertID
	}

	// Records are consumed before anything is published, so a failed mark
	// leaves them for the next cycle without nudging twice.
	marked, err := c.store.MarkFeedbackUsed(ctx, ids, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark feedback used: %w", err)
	}

	if next != nil {
		published, err := c.weights.Publish(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("failed to publish adapted weights for batch %s: %w", batchID, err)
		}
		report.NewVersion = published.Version
	}

	if report.Drift == domain.DriftMajor {
		report.RetrainingFlagged = true
		report.Actions = append(report.Actions, "flagged batch for ML retraining")
		c.publish(ctx, domain.TopicModelRetrain, RetrainRequest{
			BatchID:           batchID,
			ReportID:          report.ID,
			FalsePositiveRate: report.FalsePositiveRate,
			AlertIDs:          ids,
		})
	}

	report.RecordsConsumed = int(marked)
	report.FinishedAt = c.clock.Now()

	if err := c.store.SaveAdaptationReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to save adaptation report: %w", err)
	}
	c.publish(ctx, domain.TopicAdaptationCompleted, report)

	slog.Info("adaptation cycle completed",
		"report_id", report.ID,
		"drift", report.Drift,
		"fp_rate", report.FalsePositiveRate,
		"consumed", report.RecordsConsumed,
		"new_version", report.NewVersion,
	)
	return report, nil
}

// Reports returns recent adaptation reports, newest first.
func (c *Controller) Reports(ctx context.Context, limit int) ([]*domain.AdaptationReport, error) {
	return c.store.ListAdaptationReports(ctx, limit)
}

// join loads the alert and composite score behind each record. Records whose
// alert or score is gone are kept without a score.
func (c *Controller) join(ctx context.Context, records []*domain.FeedbackRecord) ([]Labelled, error) {
	out := make([]Labelled, 0, len(records))
	for _, r := range records {
		item := Labelled{Record: r}

		alert, err := c.store.GetAlert(ctx, r.TenantID, r.AlertID)
		switch {
		case err == nil:
			item.Alert = alert
			score, err := c.store.GetCompositeScore(ctx, r.TenantID, alert.TransactionID)
			switch {
			case err == nil:
				item.Score = score
			case !errors.Is(err, domain.ErrNotFound):
				return nil, fmt.Errorf("failed to load score for alert %s: %w", r.AlertID, err)
			}
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("failed to load alert %s: %w", r.AlertID, err)
		}

		out = append(out, item)
	}
	return out, nil
}

func (c *Controller) publish(ctx context.Context, topic string, v any) {
	if c.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, c.bus, domain.SystemTenantID, topic, v); err != nil {
		slog.Warn("failed to publish adaptation event", "topic", topic, "error", err)
	}
}
