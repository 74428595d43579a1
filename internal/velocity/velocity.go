// Package velocity provides transaction velocity calculation.
package velocity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TransactionSource is the slice of the repository velocity reads from.
type TransactionSource interface {
	GetTransactionsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) ([]*domain.Transaction, error)
}

// Service calculates transaction velocity for entities.
type Service struct {
	repo TransactionSource
}

// NewService creates a new velocity service.
func NewService(repo TransactionSource) *Service {
	return &Service{repo: repo}
}

// Count returns how many of the entity's transactions fall in
// [asOf-window, asOf). The transaction being scored is never counted.
func (s *Service) Count(ctx context.Context, tenantID, entityID string, window time.Duration, asOf time.Time) (int64, error) {
	if tenantID == "" || entityID == "" {
		return 0, fmt.Errorf("%w: tenantID and entityID are required", domain.ErrInvalidInput)
	}

	txs, err := s.repo.GetTransactionsByEntity(ctx, tenantID, entityID, asOf.Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to get transactions: %w", err)
	}

	var n int64
	for _, tx := range txs {
		if tx.Timestamp.Before(asOf) {
			n++
		}
	}
	return n, nil
}

// Prior returns, for each transaction, the number of earlier transactions of
// the same entity within window. The result is aligned with txs.
func Prior(txs []*domain.Transaction, window time.Duration) []int {
	byEntity := make(map[string][]int, len(txs))
	for i, tx := range txs {
		byEntity[tx.EntityID] = append(byEntity[tx.EntityID], i)
	}

	out := make([]int, len(txs))
	for _, idx := range byEntity {
		sort.Slice(idx, func(a, b int) bool {
			return txs[idx[a]].Timestamp.Before(txs[idx[b]].Timestamp)
		})
		lo := 0
		for hi, i := range idx {
			ts := txs[i].Timestamp
			for lo < hi && txs[idx[lo]].Timestamp.Before(ts.Add(-window)) {
				lo++
			}
			n := 0
			for j := lo; j < hi; j++ {
				if txs[idx[j]].Timestamp.Before(ts) {
					n++
				}
			}
			out[i] = n
		}
	}
	return out
}

// HourlyRate returns the mean and standard deviation of transactions per
// clock hour over [from, to]. Hours without activity count as zero.
func HourlyRate(txs []*domain.Transaction, from, to time.Time) (mean, stddev float64) {
	start := from.Truncate(time.Hour)
	end := to.Truncate(time.Hour)
	if end.Before(start) {
		return 0, 0
	}
	buckets := int(end.Sub(start)/time.Hour) + 1

	counts := make(map[int]int, buckets)
	for _, tx := range txs {
		h := int(tx.Timestamp.Truncate(time.Hour).Sub(start) / time.Hour)
		if h >= 0 && h < buckets {
			counts[h]++
		}
	}

	var sum float64
	for _, c := range counts {
		sum += float64(c)
	}
	mean = sum / float64(buckets)

	var sq float64
	for h := 0; h < buckets; h++ {
		d := float64(counts[h]) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(buckets))
}
