// Package sweep schedules the control plane's periodic background jobs
// through a cron scheduler instead of raw time.Ticker goroutines, the way
// server/internal/scheduler wraps github.com/go-co-op/gocron around the
// teacher's policy-driven backup runs. The connection pool (§4.C) keeps its
// own ticker for cleanup — that choice is justified in DESIGN.md — but the stale-job reaper introduced here has no equivalent
// in §4's component list and fits the same "periodic maintenance" shape the
// teacher already reaches for gocron to express.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/copilot-study/gitlab-crawl/internal/store"
)

// staleAfter bounds how long a running job may go without a progress update
// before the reaper considers it abandoned (worker crashed mid-job, socket
// dropped without a terminal message ever arriving).
const staleAfter = 30 * time.Minute

// JobFailer is the subset of jobs.Service the reaper needs.
type JobFailer interface {
	MarkFailed(ctx context.Context, jobID string, now time.Time, recoverable bool, reason string) error
}

// Reaper finds jobs stuck in `running` with no recent progress and fails
// them as recoverable, so get_available can hand them back out on the next
// poll (when send_failed_to_worker is enabled) instead of leaking a job
// forever in an unobserved state.
type Reaper struct {
	jobs   store.JobRepository
	failer JobFailer
	logger *zap.Logger
}

// NewReaper creates a Reaper.
func NewReaper(jobs store.JobRepository, failer JobFailer, logger *zap.Logger) *Reaper {
	return &Reaper{jobs: jobs, failer: failer, logger: logger.Named("sweep")}
}

// Run scans every running job once and fails those stale beyond staleAfter.
func (r *Reaper) Run(ctx context.Context) error {
	rows, err := r.jobs.Query(ctx, store.JobFilter{Status: store.JobRunning})
	if err != nil {
		return fmt.Errorf("sweep: query running jobs: %w", err)
	}

	now := time.Now().UTC()
	var reaped int
	for _, j := range rows {
		if j.StartedAt == nil {
			continue
		}
		last := lastUpdate(j, *j.StartedAt)
		if now.Sub(last) < staleAfter {
			continue
		}
		if err := r.failer.MarkFailed(ctx, j.ID, now, true, "stale: no progress update within threshold"); err != nil {
			r.logger.Warn("sweep: failed to reap stale job", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.logger.Info("sweep: reaped stale jobs", zap.Int("count", reaped))
	}
	return nil
}

// lastUpdate reads progress["lastUpdate"] if present, falling back to the
// job's started_at so a job that never reported progress is still
// eventually reaped.
func lastUpdate(j store.Job, fallback time.Time) time.Time {
	raw, ok := j.Progress["lastUpdate"]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	case time.Time:
		return v
	}
	return fallback
}

// Scheduler wraps a gocron.Scheduler running the reaper on a fixed
// interval. Call Start once, Shutdown to stop.
type Scheduler struct {
	sched gocron.Scheduler
}

// NewScheduler builds a Scheduler that runs reaper every interval.
func NewScheduler(reaper *Reaper, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweep: new scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := reaper.Run(ctx); err != nil {
				logger.Warn("sweep: reaper run failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sweep: register reaper job: %w", err)
	}

	return &Scheduler{sched: sched}, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.sched.Start() }

// Shutdown stops the scheduler and waits for in-flight jobs to finish.
func (s *Scheduler) Shutdown() error { return s.sched.Shutdown() }
