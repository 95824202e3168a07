package state

import (
	"context"
	"log/slog"
	"time"
)

// Ticker is the maintenance work run on every scheduler tick.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Scheduler calls a Ticker at a fixed interval until its context ends.
type Scheduler struct {
	interval time.Duration
	target   Ticker
	logger   *slog.Logger
}

// NewScheduler returns a Scheduler for target; a non-positive interval means one second.
func NewScheduler(interval time.Duration, target Ticker) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		interval: interval,
		target:   target,
		logger:   slog.Default().With("component", "scheduler"),
	}
}

// Run ticks once immediately, then every interval. Tick errors are logged
// and the next tick retries.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.target.Tick(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
	}
}
