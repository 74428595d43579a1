package feedback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/clock"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

const tenantID = "tenant-001"

var start = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repo       *repository.SQLRepository
	clock      *clock.Fake
	registry   *scoring.Registry
	bus        *bus.ChannelBus
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "feedback.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := clock.NewFake(start)
	cfg := domain.DefaultConfig()

	reg := scoring.NewRegistry(repo, clk)
	_, err = reg.Load(ctx, cfg.Scoring.WeightConfig(start))
	require.NoError(t, err)

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	c, err := NewController(repo, reg, b, clk, cfg.Adaptation)
	require.NoError(t, err)

	return &fixture{repo: repo, clock: clk, registry: reg, bus: b, controller: c}
}

// resolved stores a resolved alert whose score carries the given flags.
func (f *fixture) resolved(t *testing.T, decision domain.Decision, flagged ...string) string {
	t.Helper()
	ctx := context.Background()

	txID := uuid.NewString()
	entity := "entity-" + txID[:8]
	now := f.clock.Now()

	var results []domain.DetectorResult
	for _, name := range []string{domain.DetectorStatistical, domain.DetectorBehavioral, domain.DetectorML} {
		r := domain.DetectorResult{DetectorName: name, Confidence: 0.9, Status: domain.DetectorStatusOK}
		for _, fl := range flagged {
			if fl == name {
				r.Flagged = true
			}
		}
		results = append(results, r)
	}

	require.NoError(t, f.repo.SaveCompositeScore(ctx, tenantID, &domain.CompositeScore{
		TransactionID: txID,
		TenantID:      tenantID,
		EntityID:      entity,
		RiskScore:     0.8,
		Severity:      domain.SeverityCritical,
		WeightVersion: 1,
		PerDetector:   results,
		ComputedAt:    now,
	}))

	alert := &domain.Alert{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		EntityID:         entity,
		Status:           domain.AlertInReview,
		CurrentRiskScore: 0.8,
		Severity:         domain.SeverityCritical,
		TransactionID:    txID,
		ClaimedBy:        "analyst-a",
		CreatedAt:        now.Add(-30 * time.Minute),
		UpdatedAt:        now,
		Version:          1,
	}
	require.NoError(t, f.repo.CreateAlert(ctx, tenantID, alert, nil))

	next := *alert
	next.Status = domain.AlertResolved
	ev := &domain.InvestigationEvent{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		Action:    domain.ActionResolve,
		OldStatus: domain.AlertInReview,
		NewStatus: domain.AlertResolved,
		Actor:     "analyst-a",
		Timestamp: now,
	}
	require.NoError(t, f.repo.ResolveAlert(ctx, tenantID, &next, 1, ev, &domain.FeedbackRecord{
		AlertID:    alert.ID,
		TenantID:   tenantID,
		Decision:   decision,
		Confidence: 1,
		Notes:      "reviewed",
		Analyst:    "analyst-a",
		ResolvedAt: now,
	}))
	return alert.ID
}

func TestRunCycleWithoutFeedback(t *testing.T) {
	f := newFixture(t)

	report, err := f.controller.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DriftNone, report.Drift)
	assert.Zero(t, report.RecordsConsumed)
	assert.Equal(t, int64(1), f.registry.Current().Version)

	reports, err := f.controller.Reports(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestRunCycleMinorDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	all := []string{domain.DetectorStatistical, domain.DetectorBehavioral, domain.DetectorML}
	for i := 0; i < 3; i++ {
		f.resolved(t, domain.DecisionFraud, all...)
	}
	f.resolved(t, domain.DecisionFalsePositive, domain.DetectorML)

	before := f.registry.Current()
	report, err := f.controller.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.DriftMinor, report.Drift)
	assert.InDelta(t, 0.25, report.FalsePositiveRate, 1e-9)
	assert.Equal(t, 4, report.RecordsConsumed)
	assert.Equal(t, before.Version, report.PreviousVersion)
	assert.Equal(t, before.Version+1, report.NewVersion)
	assert.False(t, report.RetrainingFlagged)

	after := f.registry.Current()
	assert.Equal(t, domain.WeightSourceAdaptation, after.Source)
	assert.InDelta(t, 0.82, after.Cutpoints.Critical, 1e-9)
	assert.InDelta(t, 0.72, after.Cutpoints.High, 1e-9)
	assert.InDelta(t, 0.52, after.Cutpoints.Medium, 1e-9)
	assert.InDelta(t, 0.52, after.AlertThreshold, 1e-9)
	assert.Equal(t, before.Weights, after.Weights)

	old, err := f.registry.Version(ctx, before.Version)
	require.NoError(t, err)
	assert.InDelta(t, 0.80, old.Cutpoints.Critical, 1e-9, "previous version is preserved")

	t.Run("RerunConsumesNothing", func(t *testing.T) {
		again, err := f.controller.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.DriftNone, again.Drift)
		assert.Zero(t, again.RecordsConsumed)
		assert.Equal(t, after.Version, f.registry.Current().Version)
	})

	t.Run("ReportPersisted", func(t *testing.T) {
		reports, err := f.controller.Reports(ctx, 10)
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, report.ID, reports[0].ID)
		assert.Equal(t, report.TrainingBatchID, reports[0].TrainingBatchID)
	})
}

func TestRunCycleModerateDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	params := f.controller.Params()
	params.MinSamples = 4
	require.NoError(t, f.controller.SetParams(params))

	all := []string{domain.DetectorStatistical, domain.DetectorBehavioral, domain.DetectorML}
	for i := 0; i < 3; i++ {
		f.resolved(t, domain.DecisionFraud, all...)
	}
	f.resolved(t, domain.DecisionFalsePositive, domain.DetectorStatistical, domain.DetectorML)

	report, err := f.controller.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DriftModerate, report.Drift)

	precision := map[string]float64{}
	for _, p := range report.Precision {
		precision[p.Detector] = p.Precision
	}
	assert.InDelta(t, 0.75, precision[domain.DetectorStatistical], 1e-9)
	assert.InDelta(t, 1.0, precision[domain.DetectorBehavioral], 1e-9)
	assert.InDelta(t, 0.75, precision[domain.DetectorML], 1e-9)

	w := f.registry.Current().Weights
	assert.InDelta(t, 0.275, w[domain.DetectorStatistical], 1e-6)
	assert.InDelta(t, 0.375, w[domain.DetectorBehavioral], 1e-6)
	assert.InDelta(t, 0.350, w[domain.DetectorML], 1e-6)
	assert.NoError(t, scoring.ValidateWeights(w))
}

func TestRunCycleMajorDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	retrain := make(chan RetrainRequest, 1)
	_, err := f.bus.Subscribe(ctx, domain.SystemTenantID, domain.TopicModelRetrain, func(_ context.Context, msg *domain.Message) error {
		var req RetrainRequest
		if err := bus.Decode(msg, &req); err != nil {
			return err
		}
		retrain <- req
		return nil
	})
	require.NoError(t, err)

	fraud := f.resolved(t, domain.DecisionFraud, domain.DetectorML)
	fp1 := f.resolved(t, domain.DecisionFalsePositive, domain.DetectorML)
	fp2 := f.resolved(t, domain.DecisionFalsePositive, domain.DetectorML)

	report, err := f.controller.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DriftMajor, report.Drift)
	assert.True(t, report.RetrainingFlagged)
	require.NotEmpty(t, report.TrainingBatchID)

	select {
	case req := <-retrain:
		assert.Equal(t, report.TrainingBatchID, req.BatchID)
		assert.ElementsMatch(t, []string{fraud, fp1, fp2}, req.AlertIDs)
	case <-time.After(2 * time.Second):
		t.Fatal("retrain event not published")
	}

	for _, id := range []string{fraud, fp1, fp2} {
		fb, err := f.repo.GetFeedback(ctx, tenantID, id)
		require.NoError(t, err)
		assert.True(t, fb.UsedForTraining)
		assert.Equal(t, report.TrainingBatchID, fb.TrainingBatchID)
	}

	t.Run("MarkingIsIdempotent", func(t *testing.T) {
		n, err := f.repo.MarkFeedbackUsed(ctx, []string{fraud, fp1, fp2}, "another-batch")
		require.NoError(t, err)
		assert.Zero(t, n)

		fb, err := f.repo.GetFeedback(ctx, tenantID, fraud)
		require.NoError(t, err)
		assert.Equal(t, report.TrainingBatchID, fb.TrainingBatchID)
	})
}

// markFailStore fails MarkFeedbackUsed while fail is set.
type markFailStore struct {
	*repository.SQLRepository
	fail bool
}

func (s *markFailStore) MarkFeedbackUsed(ctx context.Context, alertIDs []string, batchID string) (int64, error) {
	if s.fail {
		return 0, errors.New("database is locked")
	}
	return s.SQLRepository.MarkFeedbackUsed(ctx, alertIDs, batchID)
}

func TestRunCycleMarkFailurePublishesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	store := &markFailStore{SQLRepository: f.repo, fail: true}
	c, err := NewController(store, f.registry, f.bus, f.clock, domain.DefaultConfig().Adaptation)
	require.NoError(t, err)

	retrain := make(chan RetrainRequest, 4)
	_, err = f.bus.Subscribe(ctx, domain.SystemTenantID, domain.TopicModelRetrain, func(_ context.Context, msg *domain.Message) error {
		var req RetrainRequest
		if err := bus.Decode(msg, &req); err != nil {
			return err
		}
		retrain <- req
		return nil
	})
	require.NoError(t, err)

	f.resolved(t, domain.DecisionFraud, domain.DetectorML)
	f.resolved(t, domain.DecisionFalsePositive, domain.DetectorML)
	f.resolved(t, domain.DecisionFalsePositive, domain.DetectorML)
	before := f.registry.Current()

	_, err = c.RunCycle(ctx)
	require.Error(t, err)
	assert.Equal(t, before.Version, f.registry.Current().Version)

	store.fail = false
	report, err := c.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DriftMajor, report.Drift)
	assert.Equal(t, before.Version+1, report.NewVersion)
	assert.Equal(t, 3, report.RecordsConsumed)

	select {
	case req := <-retrain:
		assert.Equal(t, report.TrainingBatchID, req.BatchID)
	case <-time.After(2 * time.Second):
		t.Fatal("retrain event not published")
	}
	select {
	case req := <-retrain:
		t.Fatalf("unexpected second retrain event for batch %s", req.BatchID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	cfg := domain.DefaultConfig().Adaptation
	good := []domain.DetectorPrecision{{Detector: "ml", Flagged: 10, Precision: 0.8}}
	poor := []domain.DetectorPrecision{{Detector: "ml", Flagged: 10, Precision: 0.3}}

	tests := []struct {
		name      string
		fp        float64
		labelled  int
		precision []domain.DetectorPrecision
		want      domain.DriftLevel
	}{
		{"Healthy", 0.10, 50, good, domain.DriftNone},
		{"WarningFewSamples", 0.30, 5, good, domain.DriftMinor},
		{"WarningEnoughSamples", 0.30, 50, good, domain.DriftModerate},
		{"Critical", 0.40, 5, good, domain.DriftMajor},
		{"PrecisionBelowFloor", 0.10, 50, poor, domain.DriftMajor},
		{"PrecisionIgnoredWithFewSamples", 0.10, 5, poor, domain.DriftNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.fp, tt.labelled, tt.precision, cfg))
		})
	}
}

func TestNudge(t *testing.T) {
	t.Run("Step", func(t *testing.T) {
		c, thr := Nudge(domain.Cutpoints{Critical: 0.8, High: 0.7, Medium: 0.5}, 0.5, 0.02, 0.95)
		assert.InDelta(t, 0.82, c.Critical, 1e-9)
		assert.InDelta(t, 0.72, c.High, 1e-9)
		assert.InDelta(t, 0.52, c.Medium, 1e-9)
		assert.InDelta(t, 0.52, thr, 1e-9)
	})

	t.Run("CappedAndDescending", func(t *testing.T) {
		c, thr := Nudge(domain.Cutpoints{Critical: 0.95, High: 0.94, Medium: 0.93}, 0.94, 0.05, 0.95)
		assert.NoError(t, scoring.ValidateCutpoints(c))
		assert.InDelta(t, 0.95, c.Critical, 1e-9)
		assert.InDelta(t, 0.95, thr, 1e-9)
	})

	t.Run("SaturatesBelowOne", func(t *testing.T) {
		defaults := domain.DefaultConfig()
		cfg := defaults.Scoring.WeightConfig(time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC))
		for i := 0; i < 100; i++ {
			cfg.Cutpoints, cfg.AlertThreshold = Nudge(cfg.Cutpoints, cfg.AlertThreshold, defaults.Adaptation.NudgeStep, 1)
			require.NoError(t, scoring.Validate(cfg), "cycle %d", i)
		}
		assert.InDelta(t, 1.0, cfg.Cutpoints.Critical, 1e-9)
		assert.Less(t, cfg.AlertThreshold, 1.0)
	})
}

func TestRebalance(t *testing.T) {
	weights := map[string]float64{"a": 0.5, "b": 0.3, "c": 0.2}

	t.Run("UnmeasuredDetectorKeepsShare", func(t *testing.T) {
		next := Rebalance(weights, []domain.DetectorPrecision{
			{Detector: "a", Flagged: 10, Precision: 0.2},
			{Detector: "b", Flagged: 10, Precision: 0.8},
		}, 1, 0)
		assert.InDelta(t, 0.16, next["a"], 1e-9)
		assert.InDelta(t, 0.64, next["b"], 1e-9)
		assert.InDelta(t, 0.2, next["c"], 1e-9)
	})

	t.Run("FloorApplied", func(t *testing.T) {
		next := Rebalance(weights, []domain.DetectorPrecision{
			{Detector: "a", Flagged: 10, Precision: 0},
			{Detector: "b", Flagged: 10, Precision: 1},
		}, 1, 0.05)
		assert.NoError(t, scoring.ValidateWeights(next))
		assert.Greater(t, next["a"], 0.04)
	})
}

func TestSummarize(t *testing.T) {
	created := start.Add(-2 * time.Hour)
	item := func(d domain.Decision, resolvedAfter time.Duration, flags map[string]bool) Labelled {
		var results []domain.DetectorResult
		for name, fl := range flags {
			results = append(results, domain.DetectorResult{DetectorName: name, Flagged: fl})
		}
		return Labelled{
			Record: &domain.FeedbackRecord{Decision: d, ResolvedAt: created.Add(resolvedAfter)},
			Alert:  &domain.Alert{CreatedAt: created},
			Score:  &domain.CompositeScore{PerDetector: results},
		}
	}

	a := Summarize(start, []Labelled{
		item(domain.DecisionFraud, 10*time.Minute, map[string]bool{"ml": true}),
		item(domain.DecisionFraud, 20*time.Minute, map[string]bool{"ml": false}),
		item(domain.DecisionFalsePositive, 30*time.Minute, map[string]bool{"ml": true}),
		item(domain.DecisionUncertain, 40*time.Minute, map[string]bool{"ml": true}),
	})

	assert.Equal(t, 4, a.Total)
	assert.Equal(t, 2, a.Decisions[domain.DecisionFraud])
	assert.Equal(t, 1, a.Decisions[domain.DecisionUncertain])
	assert.InDelta(t, 2.0/3.0, a.Precision, 1e-9)
	assert.InDelta(t, 0.25, a.FalsePositiveRate, 1e-9)
	assert.InDelta(t, 25, a.MeanResolutionMinutes, 1e-9)

	require.Len(t, a.Detectors, 1)
	q := a.Detectors[0]
	assert.InDelta(t, 0.5, q.Precision, 1e-9)
	assert.InDelta(t, 0.5, q.Recall, 1e-9)
	assert.InDelta(t, 0.5, q.F1, 1e-9)
}

func TestValidateParams(t *testing.T) {
	cfg := domain.DefaultConfig().Adaptation
	require.NoError(t, ValidateParams(cfg))

	bad := cfg
	bad.WarningFPRate = 0.5
	assert.ErrorIs(t, ValidateParams(bad), domain.ErrInvalidConfig)

	bad = cfg
	bad.MinSamples = 0
	assert.ErrorIs(t, ValidateParams(bad), domain.ErrInvalidConfig)
}
