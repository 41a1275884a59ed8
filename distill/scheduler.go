package distill

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler fires the job once per day at a fixed UTC hour. The clock
// and timer are injectable so the cadence is testable without waiting.
type Scheduler struct {
	job       *Job
	hour      int
	bootstrap bool
	logger    *zap.Logger

	now   func() time.Time
	after func(d time.Duration) <-chan time.Time
}

// NewScheduler builds a scheduler firing at hour (0-23, UTC). When
// bootstrap is true the job also runs once immediately on Start.
func NewScheduler(job *Job, hour int, bootstrap bool, logger *zap.Logger) *Scheduler {
	if hour < 0 || hour > 23 {
		hour = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		job:       job,
		hour:      hour,
		bootstrap: bootstrap,
		logger:    logger,
		now:       time.Now,
		after:     func(d time.Duration) <-chan time.Time { return time.After(d) },
	}
}

// NextRun returns the first occurrence of the configured hour strictly
// after now, in UTC.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Start blocks until ctx is done, running the job on its cadence.
// Callers run it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s.bootstrap {
		s.runOnce(ctx)
	}
	for {
		next := s.NextRun(s.now())
		wait := next.Sub(s.now())
		s.logger.Info("next distillation scheduled",
			zap.Time("at", next),
			zap.Duration("in", wait))
		select {
		case <-ctx.Done():
			return
		case <-s.after(wait):
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.job.Run(ctx); err != nil {
		s.logger.Error("distillation run failed", zap.Error(err))
	}
}
