package profile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/clock"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const tenantID = "tenant-001"

var now = time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)

func setupTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "profile.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTx(id, entity string, amount int64, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:                 id,
		TenantID:           tenantID,
		EntityID:           entity,
		Type:               "payment",
		Channel:            "web",
		OriginAccount:      "acc-" + entity,
		DestinationAccount: "merchant-1",
		Amount:             decimal.NewFromInt(amount),
		Currency:           "EUR",
		DeviceID:           "device-1",
		Timestamp:          ts,
		CreatedAt:          ts,
	}
}

func seed(t *testing.T, repo *repository.SQLRepository, txs ...*domain.Transaction) {
	t.Helper()
	for _, tx := range txs {
		require.NoError(t, repo.SaveTransaction(context.Background(), tenantID, tx))
	}
}

func TestBuild(t *testing.T) {
	geoOld := &domain.GeoPoint{Lat: 1, Lon: 1, Country: "DE"}
	geoNew := &domain.GeoPoint{Lat: 2, Lon: 2, Country: "FR"}

	txs := []*domain.Transaction{
		newTx("a", "e1", 100, now.Add(-48*time.Hour)),
		newTx("b", "e1", 300, now.Add(-30*time.Minute)),
		newTx("c", "e1", 200, now.Add(-2*time.Hour)),
		newTx("future", "e1", 9999, now),
	}
	txs[0].Geo = geoOld
	txs[1].Geo = geoNew
	txs[2].Channel = "mobile"
	txs[2].DestinationAccount = "merchant-2"

	p := Build(tenantID, "e1", txs, now)

	assert.Equal(t, 3, p.SampleCount)
	assert.InDelta(t, 200.0, p.AmountMean, 1e-9)
	assert.InDelta(t, 81.6497, p.AmountStdDev, 1e-3)
	assert.Equal(t, 1, p.TxLastHour)
	assert.Equal(t, map[string]int{"web": 2, "mobile": 1}, p.Channels)
	assert.Equal(t, map[string]int{"merchant-1": 2, "merchant-2": 1}, p.Destinations)
	assert.Equal(t, 3, p.Devices[features.DeviceHash("device-1")])
	assert.Equal(t, 1, p.HourHistogram[12])
	assert.Equal(t, 1, p.HourHistogram[11])
	assert.Equal(t, 1, p.HourHistogram[10])
	require.NotNil(t, p.LastGeo)
	assert.Equal(t, "FR", p.LastGeo.Country)
	assert.Equal(t, now.Add(-48*time.Hour), p.FirstSeen)
	assert.Equal(t, now.Add(-30*time.Minute), p.LastSeen)
	assert.Greater(t, p.HourlyRateMean, 0.0)
	assert.Greater(t, p.HourlyRateStdDev, 0.0)

	t.Run("Empty", func(t *testing.T) {
		p := Build(tenantID, "e2", nil, now)
		assert.Zero(t, p.SampleCount)
		assert.Zero(t, p.AmountMean)
	})
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	c := cache.NewLRUCache(100)
	store := NewStore(repo, c, clock.NewFake(now), 90*24*time.Hour, time.Minute)

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.GetBaseline(ctx, tenantID, "nobody")
		assert.ErrorIs(t, err, domain.ErrProfileNotFound)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		_, err := store.GetBaseline(ctx, "", "nobody")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	for i := 0; i < 6; i++ {
		seed(t, repo, newTx(fmt.Sprintf("tx-%d", i), "entity-1", 100, now.Add(-time.Duration(i+1)*time.Hour)))
	}

	t.Run("BuildsFromHistory", func(t *testing.T) {
		p, err := store.GetBaseline(ctx, tenantID, "entity-1")
		require.NoError(t, err)
		assert.Equal(t, 6, p.SampleCount)
		assert.InDelta(t, 100.0, p.AmountMean, 1e-9)
	})

	t.Run("ServesFromCache", func(t *testing.T) {
		seed(t, repo, newTx("tx-new", "entity-1", 700, now.Add(-time.Minute)))

		p, err := store.GetBaseline(ctx, tenantID, "entity-1")
		require.NoError(t, err)
		assert.Equal(t, 6, p.SampleCount)
	})

	t.Run("InvalidateRebuilds", func(t *testing.T) {
		require.NoError(t, store.Invalidate(ctx, tenantID, "entity-1"))

		p, err := store.GetBaseline(ctx, tenantID, "entity-1")
		require.NoError(t, err)
		assert.Equal(t, 7, p.SampleCount)
		assert.Equal(t, 2, p.TxLastHour)
	})

	t.Run("ConcurrentReaders", func(t *testing.T) {
		require.NoError(t, store.Invalidate(ctx, tenantID, "entity-1"))

		var wg sync.WaitGroup
		counts := make([]int, 10)
		for i := range counts {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p, err := store.GetBaseline(ctx, tenantID, "entity-1")
				if err == nil {
					counts[i] = p.SampleCount
				}
			}(i)
		}
		wg.Wait()

		for _, n := range counts {
			assert.Equal(t, 7, n)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := store.GetBaseline(ctx, "tenant-002", "entity-1")
		assert.ErrorIs(t, err, domain.ErrProfileNotFound)
	})
}

func TestPopulation(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	c := cache.NewLRUCache(100)

	cfg := domain.DefaultConfig().Detection.Statistical
	cfg.MinPopulationSamples = 10
	pop := NewPopulation(repo, c, clock.NewFake(now), cfg)

	seed(t, repo, newTx("p-0", "e0", 100, now.Add(-time.Hour)))

	t.Run("InsufficientData", func(t *testing.T) {
		_, err := pop.Population(ctx, tenantID)
		assert.ErrorIs(t, err, domain.ErrInsufficientData)
	})

	for i := 1; i < 10; i++ {
		seed(t, repo, newTx(fmt.Sprintf("p-%d", i), fmt.Sprintf("e%d", i), int64(100*(i+1)), now.Add(-time.Duration(i+1)*time.Hour)))
	}

	t.Run("Computes", func(t *testing.T) {
		b, err := pop.Population(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, 10, b.SampleCount)
		assert.InDelta(t, 550.0, b.AmountMean, 1e-9)
		assert.InDelta(t, 287.228, b.AmountStdDev, 1e-3)
		assert.Zero(t, b.VelocityMean)
		require.Len(t, b.Reference, 10)
		assert.Equal(t, 100.0, b.Reference[0])
		assert.Equal(t, 1000.0, b.Reference[9])
	})

	t.Run("Cached", func(t *testing.T) {
		seed(t, repo, newTx("p-extra", "e0", 5000, now.Add(-time.Minute)))

		b, err := pop.Population(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, 10, b.SampleCount)
	})
}

func TestBaselineVelocity(t *testing.T) {
	txs := []*domain.Transaction{
		newTx("1", "a", 10, now.Add(-50*time.Minute)),
		newTx("2", "a", 10, now.Add(-40*time.Minute)),
		newTx("3", "a", 10, now.Add(-30*time.Minute)),
		newTx("4", "b", 10, now.Add(-30*time.Minute)),
	}

	b := Baseline(tenantID, txs, now)
	// prior counts: 0, 1, 2, 0
	assert.InDelta(t, 0.75, b.VelocityMean, 1e-9)
	assert.InDelta(t, 0.8292, b.VelocityStdDev, 1e-3)
}
