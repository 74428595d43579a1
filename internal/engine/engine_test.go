package engine

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/clock"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const tenantID = "tenant-001"

var start = time.Date(2026, 9, 14, 10, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	repo   *repository.SQLRepository
	clock  *clock.Fake
	bus    *bus.ChannelBus
	cfg    *domain.Config
}

// testConfig makes scoring predictable on an empty store: the statistical
// and behavioral detectors stay cold, and the ML model scores
// sigmoid(0.01*amount - 5).
func testConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Detection.Behavioral.MinSamples = 1000
	cfg.Detection.ML.Intercept = -5
	cfg.Detection.ML.Coefficients = map[string]float64{"amount": 0.01}
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "engine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	cfg := testConfig()
	c, err := cache.New(cfg.Cache)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	clk := clock.NewFake(start)
	e, err := New(context.Background(), cfg, repo, c, b, clk)
	require.NoError(t, err)

	return &fixture{engine: e, repo: repo, clock: clk, bus: b, cfg: cfg}
}

func (f *fixture) tx(t *testing.T, entityID string, amount int64) *domain.Transaction {
	t.Helper()
	tx, err := f.engine.NewTransaction(tenantID, &domain.TransactionRequest{
		EntityID:           entityID,
		Type:               "transfer",
		Channel:            "mobile",
		OriginAccount:      "acc-" + entityID,
		DestinationAccount: "acc-dest",
		Amount:             decimal.NewFromInt(amount),
		Currency:           "USD",
	})
	require.NoError(t, err)
	return tx
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

func TestNewTransaction(t *testing.T) {
	f := newFixture(t)

	t.Run("GeneratesID", func(t *testing.T) {
		tx := f.tx(t, "entity-1", 50)
		assert.NotEmpty(t, tx.ID)
		assert.Equal(t, tenantID, tx.TenantID)
		assert.Equal(t, start, tx.Timestamp)
	})

	t.Run("RejectsInvalidRequest", func(t *testing.T) {
		_, err := f.engine.NewTransaction(tenantID, &domain.TransactionRequest{
			EntityID: "entity-1",
			Amount:   decimal.NewFromInt(-5),
		})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		_, err := f.engine.NewTransaction("", &domain.TransactionRequest{})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestScoreTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := make(chan *domain.Message, 4)
	_, err := f.bus.Subscribe(ctx, tenantID, domain.TopicAlertCreated, func(ctx context.Context, msg *domain.Message) error {
		created <- msg
		return nil
	})
	require.NoError(t, err)

	var alertID string

	t.Run("QualifyingScoreOpensAlert", func(t *testing.T) {
		tx := f.tx(t, "entity-risky", 1000)
		out, err := f.engine.ScoreTransaction(ctx, tx)
		require.NoError(t, err)

		// Only the ML detector carries signal, so it takes the full weight.
		assert.InDelta(t, sigmoid(5), out.Score.RiskScore, 1e-9)
		assert.Equal(t, domain.SeverityCritical, out.Score.Severity)
		assert.InDelta(t, 1.0, out.Score.AppliedWeights[domain.DetectorML], 1e-9)
		assert.Len(t, out.Score.PerDetector, 3)
		assert.Equal(t, int64(1), out.Score.WeightVersion)

		stat, ok := out.Score.Result(domain.DetectorStatistical)
		require.True(t, ok)
		assert.Equal(t, domain.DetectorStatusUnavailable, stat.Status)
		behav, ok := out.Score.Result(domain.DetectorBehavioral)
		require.True(t, ok)
		assert.Equal(t, domain.DetectorStatusColdStart, behav.Status)

		assert.Equal(t, domain.AdmitCreateNew, out.Admission.Outcome)
		require.NotNil(t, out.Alert)
		assert.Equal(t, domain.AlertActive, out.Alert.Status)
		assert.Equal(t, out.Alert.ID, out.Admission.AlertID)
		alertID = out.Alert.ID

		stored, err := f.repo.GetCompositeScore(ctx, tenantID, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, out.Score.RiskScore, stored.RiskScore)

		select {
		case msg := <-created:
			var a domain.Alert
			require.NoError(t, bus.Decode(msg, &a))
			assert.Equal(t, alertID, a.ID)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for alert.created")
		}
	})

	t.Run("SecondScoreUpdatesExistingAlert", func(t *testing.T) {
		f.clock.Advance(time.Minute)
		out, err := f.engine.ScoreTransaction(ctx, f.tx(t, "entity-risky", 900))
		require.NoError(t, err)

		assert.Equal(t, domain.AdmitUpdateExisting, out.Admission.Outcome)
		assert.Equal(t, alertID, out.Admission.AlertID)
		require.NotNil(t, out.Alert)
		assert.InDelta(t, sigmoid(4), out.Alert.CurrentRiskScore, 1e-9)

		alerts, err := f.engine.ListAlerts(ctx, tenantID, domain.AlertFilter{EntityID: "entity-risky"})
		require.NoError(t, err)
		assert.Len(t, alerts, 1)
	})

	t.Run("LowScoreSuppressed", func(t *testing.T) {
		out, err := f.engine.ScoreTransaction(ctx, f.tx(t, "entity-calm", 100))
		require.NoError(t, err)

		assert.Equal(t, domain.SeverityLow, out.Score.Severity)
		assert.Equal(t, domain.AdmitSuppress, out.Admission.Outcome)
		assert.Equal(t, domain.SuppressBelowThreshold, out.Admission.Reason)
		assert.Nil(t, out.Alert)
	})

	t.Run("DuplicateTransactionRejected", func(t *testing.T) {
		tx := f.tx(t, "entity-dup", 100)
		_, err := f.engine.ScoreTransaction(ctx, tx)
		require.NoError(t, err)

		_, err = f.engine.ScoreTransaction(ctx, tx)
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("MissingEntityRejected", func(t *testing.T) {
		tx := f.tx(t, "entity-x", 100)
		tx.EntityID = ""
		_, err := f.engine.ScoreTransaction(ctx, tx)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

// stallingDetector blocks until its context ends.
type stallingDetector struct{}

func (stallingDetector) Name() string    { return "stalling" }
func (stallingDetector) Version() string { return "v0" }
func (stallingDetector) Evaluate(ctx context.Context, in detector.Input) (*domain.DetectorResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInterruptedScoreCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.tx(t, "entity-retry", 1000)

	runner := f.engine.runner
	f.engine.runner = detector.NewRunner(time.Second, 0, stallingDetector{})

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := f.engine.ScoreTransaction(cctx, tx)
	require.Error(t, err)

	_, err = f.repo.GetTransaction(ctx, tenantID, tx.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.repo.GetCompositeScore(ctx, tenantID, tx.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.engine.runner = runner
	out, err := f.engine.ScoreTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, domain.AdmitCreateNew, out.Admission.Outcome)

	stored, err := f.repo.GetCompositeScore(ctx, tenantID, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Score.RiskScore, stored.RiskScore)
}

func TestInvestigation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.engine.ScoreTransaction(ctx, f.tx(t, "entity-7", 1200))
	require.NoError(t, err)
	require.NotNil(t, out.Alert)
	alertID := out.Alert.ID

	f.clock.Advance(time.Minute)
	claimed, err := f.engine.ClaimAlert(ctx, tenantID, alertID, "analyst-a")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertInReview, claimed.Status)
	assert.Equal(t, "analyst-a", claimed.ClaimedBy)

	t.Run("OtherAnalystCannotDecide", func(t *testing.T) {
		_, err := f.engine.SubmitDecision(ctx, tenantID, alertID, domain.DecisionRequest{
			Analyst:  "analyst-b",
			Decision: domain.DecisionFalsePositive,
		})
		assert.ErrorIs(t, err, domain.ErrNotClaimOwner)

		alert, err := f.engine.GetAlert(ctx, tenantID, alertID)
		require.NoError(t, err)
		assert.Equal(t, domain.AlertInReview, alert.Status)
	})

	t.Run("FraudNeedsNotes", func(t *testing.T) {
		_, err := f.engine.SubmitDecision(ctx, tenantID, alertID, domain.DecisionRequest{
			Analyst:  "analyst-a",
			Decision: domain.DecisionFraud,
		})
		assert.ErrorIs(t, err, domain.ErrNotesRequired)
	})

	t.Run("NoteAppended", func(t *testing.T) {
		ev, err := f.engine.AddNote(ctx, tenantID, alertID, "analyst-a", "called the customer")
		require.NoError(t, err)
		assert.Equal(t, domain.ActionNote, ev.Action)
	})

	t.Run("DecisionResolves", func(t *testing.T) {
		f.clock.Advance(10 * time.Minute)
		record, err := f.engine.SubmitDecision(ctx, tenantID, alertID, domain.DecisionRequest{
			Analyst:  "analyst-a",
			Decision: domain.DecisionFalsePositive,
			Notes:    "known payee",
		})
		require.NoError(t, err)
		assert.Equal(t, 1.0, record.Confidence)
		assert.False(t, record.UsedForTraining)

		alert, err := f.engine.GetAlert(ctx, tenantID, alertID)
		require.NoError(t, err)
		assert.Equal(t, domain.AlertResolved, alert.Status)

		_, err = f.engine.SubmitDecision(ctx, tenantID, alertID, domain.DecisionRequest{
			Analyst:  "analyst-a",
			Decision: domain.DecisionFraud,
			Notes:    "changed my mind",
		})
		assert.ErrorIs(t, err, domain.ErrNotInReview)
	})

	t.Run("History", func(t *testing.T) {
		events, err := f.engine.History(ctx, tenantID, alertID)
		require.NoError(t, err)

		var actions []domain.EventAction
		for _, ev := range events {
			actions = append(actions, ev.Action)
		}
		assert.Equal(t, []domain.EventAction{
			domain.ActionCreate, domain.ActionActivate, domain.ActionClaim, domain.ActionNote, domain.ActionResolve,
		}, actions)
	})

	t.Run("Analytics", func(t *testing.T) {
		a, err := f.engine.Analytics(ctx, tenantID, start.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, a.Total)
		assert.Equal(t, 1, a.Decisions[domain.DecisionFalsePositive])
		assert.Equal(t, 1.0, a.FalsePositiveRate)
		assert.InDelta(t, 11.0, a.MeanResolutionMinutes, 1e-9)

		other, err := f.engine.Analytics(ctx, "tenant-other", start.Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, other.Total)
	})

	t.Run("AdaptationReactsToFalsePositives", func(t *testing.T) {
		report, err := f.engine.RunAdaptationCycle(ctx)
		require.NoError(t, err)

		assert.Equal(t, domain.DriftMajor, report.Drift)
		assert.Equal(t, 1, report.RecordsConsumed)
		assert.True(t, report.RetrainingFlagged)
		assert.Equal(t, int64(2), report.NewVersion)

		live := f.engine.Weights()
		assert.Equal(t, int64(2), live.Version)
		assert.Equal(t, domain.WeightSourceAdaptation, live.Source)
		assert.InDelta(t, 0.82, live.Cutpoints.Critical, 1e-9)
		assert.InDelta(t, 0.52, live.AlertThreshold, 1e-9)

		reports, err := f.engine.AdaptationReports(ctx, 0)
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, report.ID, reports[0].ID)

		again, err := f.engine.RunAdaptationCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.DriftNone, again.Drift)
		assert.Zero(t, again.RecordsConsumed)
	})

	t.Run("ExpiredAlertClosed", func(t *testing.T) {
		closed, err := f.engine.CloseExpiredAlerts(ctx)
		require.NoError(t, err)
		assert.Empty(t, closed)

		f.clock.Advance(f.cfg.Lifecycle.ReviewWindow + time.Minute)
		closed, err = f.engine.CloseExpiredAlerts(ctx)
		require.NoError(t, err)
		require.Len(t, closed, 1)
		assert.Equal(t, alertID, closed[0].ID)

		_, err = f.engine.AddNote(ctx, tenantID, alertID, "analyst-a", "too late")
		assert.ErrorIs(t, err, domain.ErrAlertClosed)
	})
}

func TestReleaseAndSupervisorClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.engine.ScoreTransaction(ctx, f.tx(t, "entity-9", 1500))
	require.NoError(t, err)
	alertID := out.Alert.ID

	_, err = f.engine.ClaimAlert(ctx, tenantID, alertID, "analyst-a")
	require.NoError(t, err)

	_, err = f.engine.ReleaseAlert(ctx, tenantID, alertID, "analyst-b", "")
	assert.ErrorIs(t, err, domain.ErrNotClaimOwner)

	released, err := f.engine.ReleaseAlert(ctx, tenantID, alertID, "analyst-a", "handing over")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertActive, released.Status)
	assert.Empty(t, released.ClaimedBy)

	_, err = f.engine.CloseAlert(ctx, tenantID, alertID, "supervisor", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.engine.ClaimAlert(ctx, tenantID, alertID, "analyst-b")
	require.NoError(t, err)
	_, err = f.engine.SubmitDecision(ctx, tenantID, alertID, domain.DecisionRequest{
		Analyst:  "analyst-b",
		Decision: domain.DecisionFraud,
		Notes:    "confirmed with issuer",
	})
	require.NoError(t, err)

	closed, err := f.engine.CloseAlert(ctx, tenantID, alertID, "supervisor", "signed off")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertClosed, closed.Status)
}

func TestListAlertsRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ListAlerts(context.Background(), tenantID, domain.AlertFilter{Status: "PENDING"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("UnchangedScoringKeepsVersion", func(t *testing.T) {
		require.NoError(t, f.engine.Reload(ctx, testConfig()))
		assert.Equal(t, int64(1), f.engine.Weights().Version)
	})

	t.Run("ChangedScoringPublishes", func(t *testing.T) {
		cfg := testConfig()
		cfg.Scoring.AlertThreshold = 0.6
		cfg.Gate.RateLimit = 2
		require.NoError(t, f.engine.Reload(ctx, cfg))

		live := f.engine.Weights()
		assert.Equal(t, int64(2), live.Version)
		assert.Equal(t, 0.6, live.AlertThreshold)
		assert.Equal(t, "configuration reload", live.Reason)

		prev, err := f.engine.WeightVersion(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 0.5, prev.AlertThreshold)
	})

	t.Run("InvalidRejected", func(t *testing.T) {
		cfg := testConfig()
		cfg.Scoring.Cutpoints.High = 0.9
		assert.ErrorIs(t, f.engine.Reload(ctx, cfg), domain.ErrInvalidConfig)

		cfg = testConfig()
		cfg.Gate.RateLimit = 0
		assert.ErrorIs(t, f.engine.Reload(ctx, cfg), domain.ErrInvalidConfig)

		assert.Equal(t, int64(2), f.engine.Weights().Version)
	})
}
