package scoring

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/clock"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func defaultWeights() *domain.WeightConfig {
	cfg := domain.DefaultConfig().Scoring.WeightConfig(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg.Version = 1
	return cfg
}

func result(name string, normalized, confidence float64) domain.DetectorResult {
	return domain.DetectorResult{
		DetectorName:    name,
		NormalizedScore: normalized,
		Confidence:      confidence,
		Status:          domain.DetectorStatusOK,
	}
}

func testTx() *domain.Transaction {
	return &domain.Transaction{ID: "tx-1", TenantID: "tenant-1", EntityID: "entity-1"}
}

func TestNormalizeBounds(t *testing.T) {
	strategies := map[string]domain.NormalizerParams{
		"sigmoid":    {Strategy: domain.NormalizeSigmoid, Center: 3, Scale: 0.5},
		"minmax":     {Strategy: domain.NormalizeMinMax, Min: 1, Max: 20},
		"percentile": {Strategy: domain.NormalizePercentile, Reference: []float64{1, 2, 3, 5, 8, 13}},
	}

	rng := rand.New(rand.NewSource(42))
	inputs := []float64{0, -1, 1, math.MaxFloat64, -math.MaxFloat64, math.Inf(1), math.Inf(-1), math.NaN(), 1e-300, -1e300}
	for i := 0; i < 500; i++ {
		inputs = append(inputs, rng.NormFloat64()*1e3)
	}

	for name, p := range strategies {
		t.Run(name, func(t *testing.T) {
			for _, raw := range inputs {
				v := Normalize(p, raw)
				assert.GreaterOrEqual(t, v, 0.0, "raw=%v", raw)
				assert.LessOrEqual(t, v, 1.0, "raw=%v", raw)
			}
		})
	}
}

func TestNormalizeMonotonic(t *testing.T) {
	strategies := []domain.NormalizerParams{
		{Strategy: domain.NormalizeSigmoid, Center: 3, Scale: 0.5},
		{Strategy: domain.NormalizeMinMax, Min: 0, Max: 1},
		{Strategy: domain.NormalizePercentile, Reference: []float64{0.1, 0.4, 0.4, 0.9}},
	}

	for _, p := range strategies {
		prev := -1.0
		for raw := -10.0; raw <= 30; raw += 0.05 {
			v := Normalize(p, raw)
			require.GreaterOrEqual(t, v, prev, "strategy %s not monotonic at %v", p.Strategy, raw)
			prev = v
		}
	}
}

func TestNormalizeValues(t *testing.T) {
	t.Run("SigmoidAtCenter", func(t *testing.T) {
		v := Normalize(domain.NormalizerParams{Strategy: domain.NormalizeSigmoid, Center: 3, Scale: 0.5}, 3)
		assert.InDelta(t, 0.5, v, 1e-9)
	})

	t.Run("MinMaxClamps", func(t *testing.T) {
		p := domain.NormalizerParams{Strategy: domain.NormalizeMinMax, Min: 1, Max: 20}
		assert.Equal(t, 0.0, Normalize(p, 0))
		assert.Equal(t, 1.0, Normalize(p, 24))
		assert.InDelta(t, 0.5, Normalize(p, 10.5), 1e-9)
	})

	t.Run("PercentileRank", func(t *testing.T) {
		p := domain.NormalizerParams{Strategy: domain.NormalizePercentile, Reference: []float64{1, 2, 3, 4}}
		assert.Equal(t, 0.0, Normalize(p, 0.5))
		assert.Equal(t, 0.5, Normalize(p, 2))
		assert.Equal(t, 1.0, Normalize(p, 9))
	})

	t.Run("UnknownDetectorClamps", func(t *testing.T) {
		n := NewNormalizer(defaultWeights())
		assert.Equal(t, 1.0, n.Normalize("custom", 7))
	})

	t.Run("ApplySkipsUnavailable", func(t *testing.T) {
		n := NewNormalizer(defaultWeights())
		results := []domain.DetectorResult{
			{DetectorName: domain.DetectorML, RawScore: 0.87, Confidence: 0.8},
			{DetectorName: domain.DetectorBehavioral, RawScore: 24, Confidence: 0},
		}
		n.Apply(results)
		assert.InDelta(t, 0.87, results[0].NormalizedScore, 1e-9)
		assert.Equal(t, 0.0, results[1].NormalizedScore)
	})
}

func TestFuse(t *testing.T) {
	cfg := defaultWeights()
	now := time.Now().UTC()

	t.Run("UpperBound", func(t *testing.T) {
		score := Fuse(testTx(), []domain.DetectorResult{
			result(domain.DetectorStatistical, 1, 1),
			result(domain.DetectorBehavioral, 1, 1),
			result(domain.DetectorML, 1, 1),
		}, cfg, now)
		assert.InDelta(t, 1.0, score.RiskScore, 1e-9)
		assert.Equal(t, domain.SeverityCritical, score.Severity)
	})

	t.Run("LowerBound", func(t *testing.T) {
		score := Fuse(testTx(), []domain.DetectorResult{
			result(domain.DetectorStatistical, 0, 1),
			result(domain.DetectorBehavioral, 0, 1),
			result(domain.DetectorML, 0, 1),
		}, cfg, now)
		assert.Equal(t, 0.0, score.RiskScore)
		assert.Equal(t, domain.SeverityLow, score.Severity)
	})

	t.Run("RedistributesMissingWeight", func(t *testing.T) {
		score := Fuse(testTx(), []domain.DetectorResult{
			result(domain.DetectorStatistical, 0.6, 1),
			{DetectorName: domain.DetectorBehavioral, Status: domain.DetectorStatusUnavailable},
			result(domain.DetectorML, 0.9, 1),
		}, cfg, now)

		wantStat := 0.25 / 0.65
		wantML := 0.40 / 0.65
		assert.InDelta(t, wantStat, score.AppliedWeights[domain.DetectorStatistical], 1e-9)
		assert.InDelta(t, wantML, score.AppliedWeights[domain.DetectorML], 1e-9)
		assert.NotContains(t, score.AppliedWeights, domain.DetectorBehavioral)
		assert.InDelta(t, 0.6*wantStat+0.9*wantML, score.RiskScore, 1e-9)
		assert.Len(t, score.PerDetector, 3)
	})

	t.Run("NothingAvailable", func(t *testing.T) {
		score := Fuse(testTx(), []domain.DetectorResult{
			{DetectorName: domain.DetectorStatistical, Status: domain.DetectorStatusTimeout},
		}, cfg, now)
		assert.Equal(t, 0.0, score.RiskScore)
		assert.Equal(t, domain.SeverityLow, score.Severity)
		assert.Empty(t, score.AppliedWeights)
	})

	t.Run("CarriesIdentity", func(t *testing.T) {
		score := Fuse(testTx(), nil, cfg, now)
		assert.Equal(t, "tx-1", score.TransactionID)
		assert.Equal(t, "entity-1", score.EntityID)
		assert.Equal(t, cfg.Version, score.WeightVersion)
		assert.Equal(t, now, score.ComputedAt)
	})
}

// Amount z-score 4.2, behavioral deviation 24x, ML isolation 0.87 with the
// default weights and normalizers.
func TestFuseHighRiskScenario(t *testing.T) {
	cfg := defaultWeights()
	results := []domain.DetectorResult{
		{DetectorName: domain.DetectorStatistical, RawScore: 4.2, Confidence: 1},
		{DetectorName: domain.DetectorBehavioral, RawScore: 24, Confidence: 0.9},
		{DetectorName: domain.DetectorML, RawScore: 0.87, Confidence: 0.82},
	}
	NewNormalizer(cfg).Apply(results)

	n1, n2, n3 := results[0].NormalizedScore, results[1].NormalizedScore, results[2].NormalizedScore
	score := Fuse(testTx(), results, cfg, time.Now())

	assert.InDelta(t, 0.25*n1+0.35*n2+0.40*n3, score.RiskScore, 1e-9)
	assert.GreaterOrEqual(t, score.RiskScore, 0.80)
	assert.Equal(t, domain.SeverityCritical, score.Severity)
}

func TestClassify(t *testing.T) {
	c := domain.Cutpoints{Critical: 0.8, High: 0.7, Medium: 0.5}
	tests := []struct {
		risk float64
		want domain.Severity
	}{
		{0, domain.SeverityLow},
		{0.4999, domain.SeverityLow},
		{0.5, domain.SeverityMedium},
		{0.6999, domain.SeverityMedium},
		{0.7, domain.SeverityHigh},
		{0.8, domain.SeverityCritical},
		{1, domain.SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.risk, c), "risk=%v", tt.risk)
	}
}

func TestValidate(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		require.NoError(t, Validate(defaultWeights()))
	})

	t.Run("WeightsMustSumToOne", func(t *testing.T) {
		cfg := defaultWeights()
		cfg.Weights[domain.DetectorML] = 0.5
		assert.ErrorIs(t, Validate(cfg), domain.ErrInvalidConfig)
	})

	t.Run("WeightsWithinEpsilon", func(t *testing.T) {
		cfg := defaultWeights()
		cfg.Weights[domain.DetectorML] = 0.40 + WeightEpsilon/2
		assert.NoError(t, Validate(cfg))
	})

	t.Run("NegativeWeight", func(t *testing.T) {
		cfg := defaultWeights()
		cfg.Weights[domain.DetectorStatistical] = -0.25
		cfg.Weights[domain.DetectorML] = 0.90
		assert.ErrorIs(t, Validate(cfg), domain.ErrInvalidConfig)
	})

	t.Run("CutpointsMustDescend", func(t *testing.T) {
		for _, c := range []domain.Cutpoints{
			{Critical: 0.7, High: 0.8, Medium: 0.5},
			{Critical: 0.8, High: 0.8, Medium: 0.5},
			{Critical: 0.8, High: 0.7, Medium: 0},
			{Critical: 1.2, High: 0.7, Medium: 0.5},
		} {
			cfg := defaultWeights()
			cfg.Cutpoints = c
			assert.ErrorIs(t, Validate(cfg), domain.ErrInvalidConfig, "%+v", c)
		}
	})

	t.Run("MissingNormalizer", func(t *testing.T) {
		cfg := defaultWeights()
		delete(cfg.Normalizers, domain.DetectorML)
		assert.ErrorIs(t, Validate(cfg), domain.ErrInvalidConfig)
	})

	t.Run("BadNormalizers", func(t *testing.T) {
		for _, p := range []domain.NormalizerParams{
			{Strategy: domain.NormalizeSigmoid, Scale: 0},
			{Strategy: domain.NormalizeMinMax, Min: 1, Max: 1},
			{Strategy: domain.NormalizePercentile},
			{Strategy: "log"},
		} {
			assert.ErrorIs(t, ValidateNormalizer(p), domain.ErrInvalidConfig, "%+v", p)
		}
	})
}

type memoryWeightStore struct {
	mu       sync.Mutex
	versions []*domain.WeightConfig
}

func (s *memoryWeightStore) SaveWeightConfig(ctx context.Context, cfg *domain.WeightConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, cfg)
	return nil
}

func (s *memoryWeightStore) LatestWeightConfig(ctx context.Context) (*domain.WeightConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.versions) == 0 {
		return nil, domain.ErrNotFound
	}
	return s.versions[len(s.versions)-1], nil
}

func (s *memoryWeightStore) GetWeightConfig(ctx context.Context, version int64) (*domain.WeightConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, domain.ErrNotFound
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	t.Run("LoadPublishesFallback", func(t *testing.T) {
		store := &memoryWeightStore{}
		reg := NewRegistry(store, clk)

		cfg, err := reg.Load(ctx, defaultWeights())
		require.NoError(t, err)
		assert.Equal(t, int64(1), cfg.Version)
		assert.Len(t, store.versions, 1)
		assert.Same(t, cfg, reg.Current())
	})

	t.Run("LoadPrefersStored", func(t *testing.T) {
		store := &memoryWeightStore{}
		stored := defaultWeights()
		stored.Version = 7
		store.versions = append(store.versions, stored)

		reg := NewRegistry(store, clk)
		cfg, err := reg.Load(ctx, defaultWeights())
		require.NoError(t, err)
		assert.Equal(t, int64(7), cfg.Version)
	})

	t.Run("PublishIsCopyOnWrite", func(t *testing.T) {
		store := &memoryWeightStore{}
		reg := NewRegistry(store, clk)
		first, err := reg.Load(ctx, defaultWeights())
		require.NoError(t, err)

		next := first.Clone()
		next.Weights[domain.DetectorStatistical] = 0.20
		next.Weights[domain.DetectorML] = 0.45
		next.Source = domain.WeightSourceAdaptation

		second, err := reg.Publish(ctx, next)
		require.NoError(t, err)

		assert.Equal(t, int64(2), second.Version)
		assert.Equal(t, 0.25, first.Weights[domain.DetectorStatistical], "old version must be untouched")
		assert.Equal(t, 0.20, reg.Current().Weights[domain.DetectorStatistical])

		old, err := reg.Version(ctx, 1)
		require.NoError(t, err)
		assert.Same(t, first, old)
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		reg := NewRegistry(nil, clk)
		_, err := reg.Load(ctx, defaultWeights())
		require.NoError(t, err)

		bad := reg.Current().Clone()
		bad.Cutpoints.High = 0.9
		_, err = reg.Publish(ctx, bad)
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		assert.Equal(t, int64(1), reg.Current().Version)
	})

	t.Run("ConcurrentReadersSeeWholeVersions", func(t *testing.T) {
		reg := NewRegistry(nil, clk)
		_, err := reg.Load(ctx, defaultWeights())
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					cfg := reg.Current()
					assert.NoError(t, ValidateWeights(cfg.Weights))
				}
			}()
		}
		for i := 0; i < 50; i++ {
			next := reg.Current().Clone()
			shift := 0.001 * float64(i%10)
			next.Weights[domain.DetectorStatistical] = 0.25 - shift
			next.Weights[domain.DetectorML] = 0.40 + shift
			_, err := reg.Publish(ctx, next)
			require.NoError(t, err)
		}
		wg.Wait()
		assert.Equal(t, int64(51), reg.Current().Version)
	})
}
