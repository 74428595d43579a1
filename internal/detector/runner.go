package detector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Runner evaluates a detector set in parallel. Each detector runs under its
// own timeout; the result slice always has one entry per detector, in
// registration order.
type Runner struct {
	detectors  []Detector
	timeout    time.Duration
	maxWorkers int
}

// NewRunner creates a runner.
func NewRunner(timeout time.Duration, maxWorkers int, detectors ...Detector) *Runner {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	if maxWorkers <= 0 {
		maxWorkers = len(detectors)
	}
	return &Runner{
		detectors:  detectors,
		timeout:    timeout,
		maxWorkers: maxWorkers,
	}
}

// Detectors returns the registered detectors.
func (r *Runner) Detectors() []Detector {
	return r.detectors
}

// Run evaluates every detector. If ctx is cancelled before all detectors
// finish, the partial results are discarded and ctx's error is returned.
func (r *Runner) Run(ctx context.Context, in Input) ([]domain.DetectorResult, error) {
	results := make([]domain.DetectorResult, len(r.detectors))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, r.maxWorkers)

	for i, d := range r.detectors {
		wg.Add(1)
		go func(idx int, d Detector) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			results[idx] = *r.evaluate(ctx, d, in)
		}(i, d)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

type outcome struct {
	result *domain.DetectorResult
	err    error
}

func (r *Runner) evaluate(ctx context.Context, d Detector, in Input) *domain.DetectorResult {
	start := time.Now()

	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := d.Evaluate(dctx, in)
		done <- outcome{result: res, err: err}
	}()

	var res *domain.DetectorResult
	select {
	case o := <-done:
		res = r.settle(d, o, in)
	case <-dctx.Done():
		res = unavailable(d, domain.DetectorStatusTimeout, "detector timed out after "+r.timeout.String())
	}

	res.LatencyMs = time.Since(start).Milliseconds()
	return res
}

func (r *Runner) settle(d Detector, o outcome, in Input) *domain.DetectorResult {
	if o.err != nil {
		if !errors.Is(o.err, domain.ErrFeatureUnavailable) {
			slog.Warn("detector failed",
				"detector", d.Name(),
				"transaction_id", txID(in),
				"error", o.err,
			)
		}
		return unavailable(d, domain.DetectorStatusUnavailable, o.err.Error())
	}
	if o.result == nil {
		return unavailable(d, domain.DetectorStatusUnavailable, "detector returned no result")
	}

	res := o.result
	if res.DetectorName == "" {
		res.DetectorName = d.Name()
	}
	if res.DetectorVersion == "" {
		res.DetectorVersion = d.Version()
	}
	if res.Status == "" {
		res.Status = domain.DetectorStatusOK
	}
	res.Confidence = clamp01(res.Confidence)
	if res.Confidence == 0 {
		res.Flagged = false
	}
	return res
}

func txID(in Input) string {
	if in.Transaction == nil {
		return ""
	}
	return in.Transaction.ID
}
