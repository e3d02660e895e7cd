// Package schedule runs a task on a standard five field cron expression.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one scheduled unit of work. Errors are logged; they do not stop
// the scheduler.
type Task func(ctx context.Context) error

// Validate checks a cron expression such as "0 3 * * *".
func Validate(spec string) error {
	_, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

type Scheduler struct {
	spec     string
	schedule cron.Schedule
	task     Task
	logger   *slog.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(spec string, task Task, opts ...Option) (*Scheduler, error) {
	parsed, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	s := &Scheduler{
		spec:     spec,
		schedule: parsed,
		task:     task,
		logger:   slog.Default(),
		now:      time.Now,
		after:    time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the first activation strictly after from.
func (s *Scheduler) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Run blocks, executing the task at every activation, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "schedule", s.spec)
	for {
		now := s.now()
		next := s.schedule.Next(now)
		s.logger.Debug("waiting for next run", "next_run", next)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.after(next.Sub(now)):
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes the task immediately and reports whether it succeeded.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	start := s.now()
	if err := s.task(ctx); err != nil {
		s.logger.Error("scheduled task failed", "error", err)
		return false
	}
	s.logger.Info("scheduled task finished", "duration", s.now().Sub(start))
	return true
}
