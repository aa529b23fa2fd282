package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Fallback wraps a KV so that writes always report success. When the primary
// engine fails, the store switches to an in-process Memory and stays flagged
// as degraded: correlation keeps working inside this process but is lost on
// restart. Callers must surface Degraded() rather than hide it.
type Fallback struct {
	primary  KV
	memory   *Memory
	logger   *slog.Logger
	degraded atomic.Bool
	lastErr  atomic.Value // string
}

// NewFallback wraps primary. A nil primary starts degraded.
func NewFallback(primary KV, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fallback{
		primary: primary,
		memory:  NewMemory(nil),
		logger:  logger,
	}
	if primary == nil {
		f.markDegraded("set", errors.New("no primary store configured"))
	}
	return f
}

// Degraded reports whether the primary engine has failed.
func (f *Fallback) Degraded() bool {
	return f.degraded.Load()
}

// LastError returns the primary failure that caused degradation.
func (f *Fallback) LastError() string {
	if v, ok := f.lastErr.Load().(string); ok {
		return v
	}
	return ""
}

func (f *Fallback) markDegraded(op string, err error) {
	f.lastErr.Store(err.Error())
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("key-value store unreachable, running degraded: state will not survive a restart",
			"op", op,
			"error", err)
		return
	}
	f.logger.Debug("key-value store still unreachable", "op", op, "error", err)
}

// Get reads from the primary and falls back to memory on a miss or failure.
func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	if f.primary != nil && !f.Degraded() {
		v, err := f.primary.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			f.markDegraded("get", err)
		}
	}
	return f.memory.Get(ctx, key)
}

// Set writes to the primary, or to memory when the primary fails. It never
// returns an error.
func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.primary != nil && !f.Degraded() {
		err := f.primary.Set(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		f.markDegraded("set", err)
	}
	_ = f.memory.Set(ctx, key, value, ttl)
	return nil
}

// Delete removes key from both layers.
func (f *Fallback) Delete(ctx context.Context, key string) error {
	_ = f.memory.Delete(ctx, key)
	if f.primary == nil || f.Degraded() {
		return nil
	}
	if err := f.primary.Delete(ctx, key); err != nil {
		f.markDegraded("delete", err)
	}
	return nil
}

// Ping probes the primary and clears the degraded flag once it answers.
// Entries written during the outage remain readable from memory until they expire.
func (f *Fallback) Ping(ctx context.Context) error {
	if f.primary == nil {
		return errors.New("store: no primary configured")
	}
	if err := f.primary.Ping(ctx); err != nil {
		f.markDegraded("ping", err)
		return err
	}
	if f.degraded.CompareAndSwap(true, false) {
		f.logger.Info("key-value store reachable again, leaving degraded mode")
	}
	return nil
}

// PurgeExpired purges memory and, if supported, the primary.
func (f *Fallback) PurgeExpired(ctx context.Context) (int64, error) {
	n, _ := f.memory.PurgeExpired(ctx)
	if p, ok := f.primary.(Purger); ok && !f.Degraded() {
		m, err := p.PurgeExpired(ctx)
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

// Close closes the primary.
func (f *Fallback) Close() error {
	if f.primary == nil {
		return nil
	}
	return f.primary.Close()
}
