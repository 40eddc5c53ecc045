// Package maintenance runs periodic housekeeping: idle session expiry,
// orphaned buffer sweeps, and pruning of debug logs and batch claims.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one housekeeping step.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs its jobs on a cron schedule.
type Scheduler struct {
	expr string
	jobs []Job
	now  func() time.Time
}

// New validates expr and returns a scheduler for jobs.
func New(expr string, jobs ...Job) (*Scheduler, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("maintenance: invalid schedule %q", expr)
	}
	return &Scheduler{expr: expr, jobs: jobs, now: time.Now}, nil
}

// RunOnce runs every job in order. A failing job does not stop the rest.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, j := range s.jobs {
		start := time.Now()
		if err := j.Run(ctx); err != nil {
			slog.Warn("maintenance.job_failed", "job", j.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, err))
			continue
		}
		slog.Debug("maintenance.job_done", "job", j.Name, "duration", time.Since(start))
	}
	return errors.Join(errs...)
}

// Next returns the next tick after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run blocks, running the jobs at each tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("maintenance.started", "schedule", s.expr, "jobs", len(s.jobs))
	for {
		next, err := s.Next(s.now())
		if err != nil {
			slog.Error("maintenance.schedule_failed", "schedule", s.expr, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.RunOnce(ctx)
	}
}

// Every runs job at a fixed interval until ctx is done. Used for work that
// must happen more often than once a minute.
func Every(ctx context.Context, interval time.Duration, job Job) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := job.Run(ctx); err != nil {
				slog.Warn("maintenance.job_failed", "job", job.Name, "error", err)
			}
		}
	}
}
