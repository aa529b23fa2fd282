package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/puppet-relay/internal/domain"
	"golang.org/x/time/rate"
)

// ErrActorClosed is returned for operations submitted after Close.
var ErrActorClosed = errors.New("automation actor closed")

// ActorConfig tunes outbound pacing.
type ActorConfig struct {
	Target    string     // upstream counterpart every send goes to
	Rate      rate.Limit // operations per second
	Burst     int
	QueueSize int
}

type op struct {
	ctx  context.Context
	name string
	run  func(context.Context) error
	done chan error
}

// Actor owns the automation client. Every outbound operation runs on its
// single goroutine, one at a time, in submission order.
type Actor struct {
	client  Client
	target  string
	limiter *rate.Limiter
	logger  *slog.Logger

	ops       chan op
	closeOnce sync.Once
	quit      chan struct{}
	stopped   chan struct{}
}

// NewActor starts the actor goroutine.
func NewActor(client Client, cfg ActorConfig, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Rate <= 0 {
		cfg.Rate = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	a := &Actor{
		client:  client,
		target:  cfg.Target,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		logger:  logger,
		ops:     make(chan op, cfg.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go a.loop()
	return a
}

// Target returns the counterpart name.
func (a *Actor) Target() string {
	return a.target
}

func (a *Actor) loop() {
	defer close(a.stopped)
	for {
		select {
		case o := <-a.ops:
			o.done <- a.execute(o)
		case <-a.quit:
			for {
				select {
				case o := <-a.ops:
					o.done <- ErrActorClosed
				default:
					return
				}
			}
		}
	}
}

func (a *Actor) execute(o op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Automation operation panicked", "op", o.name, "panic", r)
			err = fmt.Errorf("%s: panic: %v", o.name, r)
		}
	}()

	if err := o.ctx.Err(); err != nil {
		return err
	}
	if err := a.limiter.Wait(o.ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", o.name, err)
	}
	return o.run(o.ctx)
}

func (a *Actor) submit(ctx context.Context, name string, run func(context.Context) error) error {
	o := op{ctx: ctx, name: name, run: run, done: make(chan error, 1)}

	select {
	case <-a.quit:
		return ErrActorClosed
	default:
	}

	select {
	case a.ops <- o:
	case <-a.quit:
		return ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-o.done:
		return err
	case <-a.stopped:
		select {
		case err := <-o.done:
			return err
		default:
			return ErrActorClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts text to the counterpart and returns the sent message id.
func (a *Actor) Send(ctx context.Context, text string) (int64, error) {
	var id int64
	err := a.submit(ctx, "send", func(ctx context.Context) error {
		var err error
		id, err = a.client.Send(ctx, a.target, text)
		return err
	})
	if err != nil {
		return 0, err
	}
	a.logger.Debug("Sent upstream", "message_id", id)
	return id, nil
}

// Activate clicks button on the counterpart message messageID.
func (a *Actor) Activate(ctx context.Context, messageID int64, button domain.ButtonDescriptor) (bool, error) {
	var ok bool
	err := a.submit(ctx, "activate", func(ctx context.Context) error {
		var err error
		ok, err = a.client.Activate(ctx, MessageRef{Peer: a.target, ID: messageID}, button)
		return err
	})
	return ok, err
}

// Join subscribes the puppet to channel.
func (a *Actor) Join(ctx context.Context, channel string) (bool, error) {
	var ok bool
	err := a.submit(ctx, "join", func(ctx context.Context) error {
		var err error
		ok, err = a.client.Join(ctx, channel)
		return err
	})
	return ok, err
}

// Inbound exposes the client's inbound stream. Reads do not go through the queue.
func (a *Actor) Inbound() <-chan Message {
	return a.client.Inbound()
}

// Close drains the queue and closes the client.
func (a *Actor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.quit)
		<-a.stopped
		err = a.client.Close()
	})
	return err
}
