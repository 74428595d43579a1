package feedback

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Analytics summarizes decisions resolved at or after since. An empty
// tenantID covers every tenant.
func (c *Controller) Analytics(ctx context.Context, tenantID string, since time.Time) (*domain.Analytics, error) {
	all, err := c.store.ListFeedbackSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}

	records := all
	if tenantID != "" {
		records = records[:0:0]
		for _, r := range all {
			if r.TenantID == tenantID {
				records = append(records, r)
			}
		}
	}

	labelled, err := c.join(ctx, records)
	if err != nil {
		return nil, err
	}
	return Summarize(since, labelled), nil
}

// Summarize computes decision distribution, overall precision, per-detector
// precision, recall and F1, and mean time to resolution. Recall is measured
// against alerts confirmed as fraud.
func Summarize(since time.Time, items []Labelled) *domain.Analytics {
	a := &domain.Analytics{
		Since:     since,
		Total:     len(items),
		Decisions: make(map[domain.Decision]int),
	}

	type counts struct{ tp, fp, fn int }
	byName := make(map[string]*counts)
	var resolution time.Duration
	var resolved int

	for _, it := range items {
		a.Decisions[it.Record.Decision]++

		if it.Alert != nil && !it.Record.ResolvedAt.Before(it.Alert.CreatedAt) {
			resolution += it.Record.ResolvedAt.Sub(it.Alert.CreatedAt)
			resolved++
		}

		if it.Score == nil {
			continue
		}
		fraud := it.Record.Decision == domain.DecisionFraud
		falsePositive := it.Record.Decision == domain.DecisionFalsePositive
		for _, r := range it.Score.PerDetector {
			c, ok := byName[r.DetectorName]
			if !ok {
				c = &counts{}
				byName[r.DetectorName] = c
			}
			switch {
			case r.Flagged && fraud:
				c.tp++
			case r.Flagged && falsePositive:
				c.fp++
			case !r.Flagged && fraud:
				c.fn++
			}
		}
	}

	fraud := a.Decisions[domain.DecisionFraud]
	fp := a.Decisions[domain.DecisionFalsePositive]
	if fraud+fp > 0 {
		a.Precision = float64(fraud) / float64(fraud+fp)
	}
	if a.Total > 0 {
		a.FalsePositiveRate = float64(fp) / float64(a.Total)
	}
	if resolved > 0 {
		a.MeanResolutionMinutes = resolution.Minutes() / float64(resolved)
	}

	for name, c := range byName {
		q := domain.DetectorQuality{Detector: name}
		if c.tp+c.fp > 0 {
			q.Precision = float64(c.tp) / float64(c.tp+c.fp)
		}
		if c.tp+c.fn > 0 {
			q.Recall = float64(c.tp) / float64(c.tp+c.fn)
		}
		if q.Precision+q.Recall > 0 {
			q.F1 = 2 * q.Precision * q.Recall / (q.Precision + q.Recall)
		}
		a.Detectors = append(a.Detectors, q)
	}
	sort.Slice(a.Detectors, func(i, j int) bool { return a.Detectors[i].Detector < a.Detectors[j].Detector })

	return a
}
