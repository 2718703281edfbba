package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultInterval = 2 * time.Minute

// Runner is anything that performs one sweep.
type Runner interface {
	RunOnce(ctx context.Context) (Report, error)
}

// Scheduler triggers a Runner on a fixed interval, independently of request
// traffic. A failed or panicking run never stops the schedule.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(runner Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("availability sweep scheduler started", zap.Duration("interval", s.interval))
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("availability sweep scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("availability sweep panicked", zap.Error(fmt.Errorf("%v", recovered)))
		}
	}()
	_, err := s.runner.RunOnce(ctx)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyRunning):
	case ctx.Err() != nil:
	default:
		s.logger.Error("availability sweep failed", zap.Error(err))
	}
}
