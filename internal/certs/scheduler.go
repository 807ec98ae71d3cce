package certs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Scheduler re-evaluates every job on a fixed interval. An exhausted cycle
// is retried with exponential backoff until the next tick is due.
type Scheduler struct {
	manager    *Manager
	jobs       []Job
	interval   time.Duration
	newBackoff func() backoff.BackOff
}

// NewScheduler returns a scheduler for jobs.
func NewScheduler(m *Manager, jobs []Job, interval time.Duration) *Scheduler {
	return &Scheduler{
		manager:  m,
		jobs:     jobs,
		interval: interval,
		newBackoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(time.Minute),
				backoff.WithMaxInterval(30*time.Minute),
				backoff.WithMaxElapsedTime(interval),
			)
		},
	}
}

// Run checks all jobs immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return nil
	}
	slog.Info("certificate scheduler started", "jobs", len(s.jobs), "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			slog.Info("certificate scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce evaluates every job once. Jobs run concurrently, each with its
// own retry budget, and RunOnce returns when all of them have settled.
func (s *Scheduler) RunOnce(ctx context.Context) {
	var g errgroup.Group
	for _, job := range s.jobs {
		job := job
		g.Go(func() error {
			s.ensure(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) ensure(ctx context.Context, job Job) {
	op := func() error {
		_, err := s.manager.EnsureCertificate(ctx, job)
		if err == nil || errors.Is(err, ErrExhausted) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("certificate attempt failed, retrying", "node_id", job.NodeID, "retry_in", next, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackoff(), ctx), notify); err != nil {
		slog.Error("certificate not ensured", "node_id", job.NodeID, "err", err)
	}
}
