package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is a task run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs until stopped. A job never overlaps with itself.
type Scheduler struct {
	jobs   []Job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler validates jobs and returns a stopped scheduler.
func NewScheduler(jobs ...Job) (*Scheduler, error) {
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			return nil, fmt.Errorf("job %q needs a positive interval and a func", j.Name)
		}
	}
	return &Scheduler{jobs: jobs}, nil
}

// Start launches one loop per job. The first run happens after one interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	slog.Info("scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := j.Run(ctx); err != nil {
				slog.Error("scheduled job failed", "job", j.Name, "error", err)
				continue
			}
			slog.Debug("scheduled job finished", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
		}
	}
}

// Stop cancels every job and waits for running ones to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("scheduler stopped")
}
