package worker

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically runs a cleanup function and logs how much it
// reclaimed. It backs both the rate-limit window eviction and the idle
// WebSocket sweep.
type Sweeper struct {
	name     string
	interval time.Duration
	sweep    func() int
}

// NewSweeper creates a Sweeper. sweep returns the number of entries removed.
func NewSweeper(name string, interval time.Duration, sweep func() int) *Sweeper {
	return &Sweeper{name: name, interval: interval, sweep: sweep}
}

func (s *Sweeper) Name() string { return s.name }

// Run ticks until ctx is cancelled. Cancellation is the only way out.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := s.sweep(); removed > 0 {
				slog.Debug("sweep completed", "worker", s.name, "removed", removed)
			}
		}
	}
}
