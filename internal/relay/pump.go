package relay

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/ashureev/puppet-relay/internal/automation"
)

// Pump feeds inbound upstream messages to the dispatcher. Messages of one user
// are handled in arrival order; different users proceed in parallel.
type Pump struct {
	dispatcher *Dispatcher
	workers    int
	logger     *slog.Logger
}

// NewPump creates a pump with the given number of shard workers.
func NewPump(d *Dispatcher, workers int, logger *slog.Logger) *Pump {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{dispatcher: d, workers: workers, logger: logger}
}

// Run consumes in until it closes or ctx is cancelled.
func (p *Pump) Run(ctx context.Context, in <-chan automation.Message) error {
	shards := make([]chan automation.Message, p.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan automation.Message, 16)
		wg.Add(1)
		go func(ch <-chan automation.Message) {
			defer wg.Done()
			for msg := range ch {
				p.handle(ctx, msg)
			}
		}(shards[i])
	}
	p.logger.Info("Upstream pump started", "workers", p.workers)

	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
		p.logger.Info("Upstream pump stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			shard := p.shardFor(ctx, msg)
			select {
			case shards[shard] <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (p *Pump) shardFor(ctx context.Context, msg automation.Message) int {
	key := msg.ReplyTo
	if owner, ok := p.dispatcher.Owner(ctx, msg); ok {
		key = owner
	}
	if key < 0 {
		key = -key
	}
	return int(key % int64(p.workers))
}

// handle isolates one message so a failure never stops its worker.
func (p *Pump) handle(ctx context.Context, msg automation.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic while handling upstream message",
				"message_id", msg.ID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	if err := p.dispatcher.HandleUpstream(ctx, msg); err != nil {
		p.logger.Debug("Upstream message dropped", "message_id", msg.ID, "reason", Kind(err))
	}
}
