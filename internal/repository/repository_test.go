package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

var base = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

func sampleTx(id, entity string, ts time.Time) *domain.Transaction {
	opened := base.AddDate(0, -3, 0)
	return &domain.Transaction{
		ID:                 id,
		TenantID:           "tenant-001",
		EntityID:           entity,
		Type:               "transfer",
		Channel:            "mobile",
		OriginAccount:      "acc-" + entity,
		DestinationAccount: "acc-dest",
		Amount:             decimal.RequireFromString("1250.75"),
		Currency:           "EUR",
		DeviceID:           "dev-1",
		IPAddress:          "10.0.0.1",
		Geo:                &domain.GeoPoint{Lat: 52.52, Lon: 13.40, Country: "DE"},
		AccountCreatedAt:   &opened,
		Timestamp:          ts,
		CreatedAt:          ts,
		Metadata:           map[string]any{"source": "api"},
	}
}

func sampleAlert(id, entity string, status domain.AlertStatus) *domain.Alert {
	return &domain.Alert{
		ID:               id,
		TenantID:         "tenant-001",
		EntityID:         entity,
		Status:           status,
		CurrentRiskScore: 0.82,
		Severity:         domain.SeverityCritical,
		TransactionID:    "tx-" + id,
		CreatedAt:        base,
		UpdatedAt:        base,
		Version:          1,
	}
}

func event(id, alertID string, action domain.EventAction, from, to domain.AlertStatus, ts time.Time) *domain.InvestigationEvent {
	return &domain.InvestigationEvent{
		ID:        id,
		TenantID:  "tenant-001",
		AlertID:   alertID,
		Action:    action,
		OldStatus: from,
		NewStatus: to,
		Actor:     "system",
		Timestamp: ts,
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, repo.Ping(ctx))
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := sampleTx("tx-001", "entity-1", base)
		require.NoError(t, repo.SaveTransaction(ctx, tenantID, tx))

		got, err := repo.GetTransaction(ctx, tenantID, "tx-001")
		require.NoError(t, err)
		assert.Equal(t, "entity-1", got.EntityID)
		assert.True(t, tx.Amount.Equal(got.Amount), "amount %s", got.Amount)
		assert.Equal(t, "mobile", got.Channel)
		require.NotNil(t, got.Geo)
		assert.Equal(t, "DE", got.Geo.Country)
		require.NotNil(t, got.AccountCreatedAt)
		assert.True(t, tx.AccountCreatedAt.Equal(*got.AccountCreatedAt))
		assert.True(t, base.Equal(got.Timestamp))
		assert.Equal(t, "api", got.Metadata["source"])
	})

	t.Run("DuplicateTransaction", func(t *testing.T) {
		err := repo.SaveTransaction(ctx, tenantID, sampleTx("tx-001", "entity-1", base))
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "tenant-002", "tx-001")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		assert.ErrorIs(t, repo.SaveTransaction(ctx, "", sampleTx("x", "e", base)), ErrInvalidInput)
		_, err := repo.GetAlert(ctx, "", "a")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("TransactionsByEntityAndRecent", func(t *testing.T) {
		for i, offset := range []time.Duration{-48 * time.Hour, -2 * time.Hour, -30 * time.Minute} {
			tx := sampleTx("tx-hist-"+string(rune('a'+i)), "entity-2", base.Add(offset))
			require.NoError(t, repo.SaveTransaction(ctx, tenantID, tx))
		}

		recent, err := repo.GetTransactionsByEntity(ctx, tenantID, "entity-2", base.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "tx-hist-c", recent[0].ID, "newest first")

		all, err := repo.ListRecentTransactions(ctx, tenantID, base.Add(-72*time.Hour), 2)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("DetectionArtifacts", func(t *testing.T) {
		fv := &domain.FeatureVector{
			ID:               "fv-1",
			TransactionID:    "tx-001",
			EntityID:         "entity-1",
			Numeric:          map[string]float64{"amount": 1250.75},
			Categorical:      map[string]string{"channel": "mobile"},
			ExtractorVersion: "1",
			ComputedAt:       base,
		}
		require.NoError(t, repo.SaveFeatureVector(ctx, tenantID, fv))

		results := []domain.DetectorResult{
			{DetectorName: domain.DetectorStatistical, DetectorVersion: "1", RawScore: 4.2, NormalizedScore: 0.92, Confidence: 1, Flagged: true, Status: domain.DetectorStatusOK},
			{DetectorName: domain.DetectorML, DetectorVersion: "1", Status: domain.DetectorStatusUnavailable, Reason: "model unavailable"},
		}
		require.NoError(t, repo.SaveDetectorResults(ctx, tenantID, "tx-001", results))

		score := &domain.CompositeScore{
			TransactionID:  "tx-001",
			EntityID:       "entity-1",
			RiskScore:      0.92,
			Severity:       domain.SeverityCritical,
			WeightVersion:  3,
			PerDetector:    results,
			AppliedWeights: map[string]float64{domain.DetectorStatistical: 1},
			ComputedAt:     base,
		}
		require.NoError(t, repo.SaveCompositeScore(ctx, tenantID, score))
		assert.ErrorIs(t, repo.SaveCompositeScore(ctx, tenantID, score), domain.ErrAlreadyExists)

		got, err := repo.GetCompositeScore(ctx, tenantID, "tx-001")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.WeightVersion)
		assert.Equal(t, domain.SeverityCritical, got.Severity)
		stat, ok := got.Result(domain.DetectorStatistical)
		require.True(t, ok)
		assert.True(t, stat.Flagged)
		assert.Equal(t, 1.0, got.AppliedWeights[domain.DetectorStatistical])
	})

	t.Run("ScoredTransactionIsAtomic", func(t *testing.T) {
		tx := sampleTx("tx-atomic", "entity-3", base)
		fv := &domain.FeatureVector{ID: "fv-atomic", TransactionID: tx.ID, EntityID: tx.EntityID, ComputedAt: base}
		score := &domain.CompositeScore{
			TransactionID: tx.ID,
			EntityID:      tx.EntityID,
			RiskScore:     0.4,
			Severity:      domain.SeverityMedium,
			WeightVersion: 1,
			ComputedAt:    base,
		}

		// A stray score makes the final insert fail; the transaction row
		// must roll back with it.
		require.NoError(t, repo.SaveCompositeScore(ctx, tenantID, score))
		err := repo.SaveScoredTransaction(ctx, tenantID, tx, fv, score)
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
		_, err = repo.GetTransaction(ctx, tenantID, tx.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		other := sampleTx("tx-atomic-2", "entity-3", base)
		fv2 := &domain.FeatureVector{ID: "fv-atomic-2", TransactionID: other.ID, EntityID: other.EntityID, ComputedAt: base}
		score2 := *score
		score2.TransactionID = other.ID
		require.NoError(t, repo.SaveScoredTransaction(ctx, tenantID, other, fv2, &score2))

		_, err = repo.GetTransaction(ctx, tenantID, other.ID)
		require.NoError(t, err)
		_, err = repo.GetCompositeScore(ctx, tenantID, other.ID)
		require.NoError(t, err)
		assert.ErrorIs(t, repo.SaveScoredTransaction(ctx, tenantID, other, fv2, &score2), domain.ErrAlreadyExists)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, tenantID, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.GetCompositeScore(ctx, tenantID, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.FindOpenAlert(ctx, tenantID, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = repo.LatestWeightConfig(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAlertPersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	alert := sampleAlert("alert-1", "entity-1", domain.AlertActive)
	require.NoError(t, repo.CreateAlert(ctx, tenantID, alert, []*domain.InvestigationEvent{
		event("ev-1", "alert-1", domain.ActionCreate, "", domain.AlertCreated, base),
		event("ev-2", "alert-1", domain.ActionActivate, domain.AlertCreated, domain.AlertActive, base),
	}))

	t.Run("SingleOpenAlertPerEntity", func(t *testing.T) {
		dup := sampleAlert("alert-2", "entity-1", domain.AlertActive)
		err := repo.CreateAlert(ctx, tenantID, dup, nil)
		assert.ErrorIs(t, err, domain.ErrOpenAlertExists)

		other := sampleAlert("alert-3", "entity-1", domain.AlertActive)
		require.NoError(t, repo.CreateAlert(ctx, "tenant-002", other, nil), "other tenants are independent")
	})

	t.Run("FindOpenAlert", func(t *testing.T) {
		open, err := repo.FindOpenAlert(ctx, tenantID, "entity-1")
		require.NoError(t, err)
		assert.Equal(t, "alert-1", open.ID)
		assert.Equal(t, int64(1), open.Version)
	})

	t.Run("ApplyTransitionBumpsVersion", func(t *testing.T) {
		a, err := repo.GetAlert(ctx, tenantID, "alert-1")
		require.NoError(t, err)

		a.Status = domain.AlertInReview
		a.ClaimedBy = "analyst-1"
		a.UpdatedAt = base.Add(time.Minute)
		ev := event("ev-3", "alert-1", domain.ActionClaim, domain.AlertActive, domain.AlertInReview, a.UpdatedAt)
		require.NoError(t, repo.ApplyTransition(ctx, tenantID, a, 1, ev))
		assert.Equal(t, int64(2), a.Version)

		stored, err := repo.GetAlert(ctx, tenantID, "alert-1")
		require.NoError(t, err)
		assert.Equal(t, domain.AlertInReview, stored.Status)
		assert.Equal(t, "analyst-1", stored.ClaimedBy)
		assert.Equal(t, int64(2), stored.Version)
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		a, err := repo.GetAlert(ctx, tenantID, "alert-1")
		require.NoError(t, err)
		a.Status = domain.AlertActive
		err = repo.ApplyTransition(ctx, tenantID, a, 1, event("ev-x", "alert-1", domain.ActionRelease, domain.AlertInReview, domain.AlertActive, base))
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		events, err := repo.ListEvents(ctx, tenantID, "alert-1")
		require.NoError(t, err)
		assert.Len(t, events, 3, "a failed transition must not leave an event behind")
	})

	t.Run("MissingAlert", func(t *testing.T) {
		ghost := sampleAlert("ghost", "entity-9", domain.AlertActive)
		err := repo.ApplyTransition(ctx, tenantID, ghost, 1, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ResolveOnce", func(t *testing.T) {
		a, err := repo.GetAlert(ctx, tenantID, "alert-1")
		require.NoError(t, err)
		expected := a.Version
		a.Status = domain.AlertResolved
		a.UpdatedAt = base.Add(10 * time.Minute)

		fb := &domain.FeedbackRecord{
			AlertID:    "alert-1",
			TenantID:   tenantID,
			Decision:   domain.DecisionFraud,
			Confidence: 0.9,
			Notes:      "confirmed with customer",
			Analyst:    "analyst-1",
			ResolvedAt: a.UpdatedAt,
		}
		ev := event("ev-4", "alert-1", domain.ActionResolve, domain.AlertInReview, domain.AlertResolved, a.UpdatedAt)
		require.NoError(t, repo.ResolveAlert(ctx, tenantID, a, expected, ev, fb))

		again := *a
		err = repo.ResolveAlert(ctx, tenantID, &again, a.Version,
			event("ev-5", "alert-1", domain.ActionResolve, domain.AlertResolved, domain.AlertResolved, a.UpdatedAt), fb)
		assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

		stored, err := repo.GetAlert(ctx, tenantID, "alert-1")
		require.NoError(t, err)
		assert.Equal(t, a.Version, stored.Version, "rolled back resolution must not bump the version")

		got, err := repo.GetFeedback(ctx, tenantID, "alert-1")
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionFraud, got.Decision)
		assert.False(t, got.UsedForTraining)
	})

	t.Run("ResolvedEntityMayOpenNewAlert", func(t *testing.T) {
		_, err := repo.FindOpenAlert(ctx, tenantID, "entity-1")
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, repo.CreateAlert(ctx, tenantID, sampleAlert("alert-4", "entity-1", domain.AlertActive), nil))
	})

	t.Run("EventsInOrder", func(t *testing.T) {
		require.NoError(t, repo.AppendEvent(ctx, tenantID, &domain.InvestigationEvent{
			ID: "ev-6", AlertID: "alert-1", Action: domain.ActionNote,
			OldStatus: domain.AlertResolved, NewStatus: domain.AlertResolved,
			Actor: "analyst-2", Timestamp: base.Add(time.Hour), Notes: "follow-up",
		}))

		events, err := repo.ListEvents(ctx, tenantID, "alert-1")
		require.NoError(t, err)
		var actions []domain.EventAction
		for _, ev := range events {
			actions = append(actions, ev.Action)
		}
		assert.Equal(t, []domain.EventAction{
			domain.ActionCreate, domain.ActionActivate, domain.ActionClaim, domain.ActionResolve, domain.ActionNote,
		}, actions)
	})

	t.Run("ListAlerts", func(t *testing.T) {
		all, err := repo.ListAlerts(ctx, tenantID, domain.AlertFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		resolved, err := repo.ListAlerts(ctx, tenantID, domain.AlertFilter{Status: domain.AlertResolved})
		require.NoError(t, err)
		require.Len(t, resolved, 1)
		assert.Equal(t, "alert-1", resolved[0].ID)

		stale, err := repo.ListAlertsByStatus(ctx, domain.AlertResolved, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, stale, 1)
		none, err := repo.ListAlertsByStatus(ctx, domain.AlertResolved, base)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestConcurrentAlertCreation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := sampleAlert("race-"+string(rune('a'+i)), "entity-race", domain.AlertActive)
			err := repo.CreateAlert(ctx, "tenant-001", a, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrOpenAlertExists):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, rejected)
}

func TestFeedbackConsumption(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i, decision := range []domain.Decision{domain.DecisionFraud, domain.DecisionFalsePositive, domain.DecisionUncertain} {
		id := "fb-" + string(rune('a'+i))
		a := sampleAlert(id, "entity-"+id, domain.AlertInReview)
		require.NoError(t, repo.CreateAlert(ctx, "tenant-001", a, nil))
		a.Status = domain.AlertResolved
		require.NoError(t, repo.ResolveAlert(ctx, "tenant-001", a, 1,
			event("ev-"+id, id, domain.ActionResolve, domain.AlertInReview, domain.AlertResolved, base),
			&domain.FeedbackRecord{AlertID: id, Decision: decision, Confidence: 1, Analyst: "a", ResolvedAt: base.Add(time.Duration(i) * time.Hour)},
		))
	}

	unused, err := repo.ListUnconsumedFeedback(ctx)
	require.NoError(t, err)
	require.Len(t, unused, 3)

	n, err := repo.MarkFeedbackUsed(ctx, []string{"fb-a", "fb-b"}, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.MarkFeedbackUsed(ctx, []string{"fb-a", "fb-b"}, "batch-2")
	require.NoError(t, err)
	assert.Zero(t, n, "already consumed records keep their first batch")

	got, err := repo.GetFeedback(ctx, "tenant-001", "fb-a")
	require.NoError(t, err)
	assert.True(t, got.UsedForTraining)
	assert.Equal(t, "batch-1", got.TrainingBatchID)

	unused, err = repo.ListUnconsumedFeedback(ctx)
	require.NoError(t, err)
	require.Len(t, unused, 1)
	assert.Equal(t, "fb-c", unused[0].AlertID)

	since, err := repo.ListFeedbackSince(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestWeightConfigsAndReports(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cfg := domain.DefaultConfig().Scoring.WeightConfig(base)
	for v := int64(1); v <= 3; v++ {
		c := cfg.Clone()
		c.Version = v
		c.CreatedAt = base
		c.Source = domain.WeightSourceConfig
		require.NoError(t, repo.SaveWeightConfig(ctx, c))
	}
	dup := cfg.Clone()
	dup.Version = 2
	assert.ErrorIs(t, repo.SaveWeightConfig(ctx, dup), domain.ErrAlreadyExists)

	latest, err := repo.LatestWeightConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Version)
	assert.Equal(t, cfg.Weights, latest.Weights)

	v2, err := repo.GetWeightConfig(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.SaveAdaptationReport(ctx, &domain.AdaptationReport{
			ID:        "rep-" + string(rune('a'+i)),
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Drift:     domain.DriftNone,
		}))
	}
	reports, err := repo.ListAdaptationReports(ctx, 2)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "rep-c", reports[0].ID)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &SQLRepository{driver: "sqlite"}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))

	assert.Equal(t, "?, ?, ?", placeholders(3))
}
