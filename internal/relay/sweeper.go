package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/puppet-relay/internal/store"
)

// SweepResult summarizes one sweeper pass.
type SweepResult struct {
	TimedOut int
	Purged   int64
}

// Sweeper enforces request deadlines and removes expired store rows.
type Sweeper struct {
	dispatcher *Dispatcher
	kv         store.KV
	interval   time.Duration
	logger     *slog.Logger
}

// NewSweeper creates a sweeper. dispatcher may be nil for purge-only passes.
func NewSweeper(d *Dispatcher, kv store.KV, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{dispatcher: d, kv: kv, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("Sweeper started", "interval", s.interval)

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("Sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult

	if fb, ok := s.kv.(*store.Fallback); ok && fb.Degraded() {
		if err := fb.Ping(ctx); err != nil {
			s.logger.Debug("Store still degraded", "error", err)
		} else {
			s.logger.Info("Store recovered from degraded mode")
		}
	}

	if s.dispatcher != nil {
		res.TimedOut = s.dispatcher.ExpirePending(ctx)
	}

	if purger, ok := s.kv.(store.Purger); ok {
		n, err := purger.PurgeExpired(ctx)
		if err != nil {
			s.logger.Error("Sweeper failed to purge expired records", "error", err)
		}
		res.Purged = n
	}

	if res.TimedOut > 0 || res.Purged > 0 {
		s.logger.Info("Sweep completed", "timed_out", res.TimedOut, "purged", res.Purged)
	}
	return res
}
