package worker

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner removes expired records and reports how many were dropped.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Sweeper clears expired wizard sessions on a schedule so abandoned state
// does not pile up in the backing store. Loads already skip expired
// sessions, the sweeper just reclaims the space.
type Sweeper struct {
	cleaner  Cleaner
	lifetime time.Duration
	log      *slog.Logger
}

// NewSweeper creates a new Sweeper worker.
func NewSweeper(cleaner Cleaner, lifetime time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cleaner:  cleaner,
		lifetime: lifetime,
		log:      log,
	}
}

// Start runs the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.lifetime <= 0 {
		return // nothing outlives a save, lazy eviction covers it
	}

	// Sweep at 10% of the session lifetime, clamped to [1m, 1h].
	interval := min(s.lifetime/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial sweep
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.cleaner.CleanupExpired(ctx)
	if err != nil {
		s.log.Error("session sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("expired sessions removed", "count", removed)
	}
}
