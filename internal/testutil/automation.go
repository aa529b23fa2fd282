// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/puppet-relay/internal/automation"
	"github.com/ashureev/puppet-relay/internal/domain"
)

// Sent is one message the fake automation client was asked to send.
type Sent struct {
	ID     int64
	Target string
	Text   string
}

// Activation is one button click the fake automation client performed.
type Activation struct {
	Ref    automation.MessageRef
	Button domain.ButtonDescriptor
}

// FakeClient is an in-memory automation.Client. Sent messages get sequential
// ids starting at NextID.
type FakeClient struct {
	mu          sync.Mutex
	NextID      int64
	sent        []Sent
	activations []Activation
	joins       []string

	SendErr     error
	ActivateErr error
	ActivateOK  bool
	JoinErrs    []error // consumed one per Join call
	JoinOK      bool

	inbound chan automation.Message
	closed  bool
}

// NewFakeClient returns a client that accepts every operation.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		NextID:     1000,
		ActivateOK: true,
		JoinOK:     true,
		inbound:    make(chan automation.Message, 64),
	}
}

// Connect implements automation.Client.
func (f *FakeClient) Connect(context.Context) (automation.Identity, error) {
	return automation.Identity{ID: 1, Username: "puppet"}, nil
}

// Send implements automation.Client.
func (f *FakeClient) Send(_ context.Context, target, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return 0, f.SendErr
	}
	f.NextID++
	f.sent = append(f.sent, Sent{ID: f.NextID, Target: target, Text: text})
	return f.NextID, nil
}

// Activate implements automation.Client.
func (f *FakeClient) Activate(_ context.Context, ref automation.MessageRef, b domain.ButtonDescriptor) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ActivateErr != nil {
		return false, f.ActivateErr
	}
	f.activations = append(f.activations, Activation{Ref: ref, Button: b})
	return f.ActivateOK, nil
}

// Join implements automation.Client.
func (f *FakeClient) Join(_ context.Context, channel string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, channel)
	if len(f.JoinErrs) > 0 {
		err := f.JoinErrs[0]
		f.JoinErrs = f.JoinErrs[1:]
		if err != nil {
			return false, err
		}
	}
	return f.JoinOK, nil
}

// Inbound implements automation.Client.
func (f *FakeClient) Inbound() <-chan automation.Message {
	return f.inbound
}

// Push queues an inbound message.
func (f *FakeClient) Push(msg automation.Message) {
	f.inbound <- msg
}

// Close implements automation.Client.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	close(f.inbound)
	return nil
}

// Sent returns a copy of all sent messages.
func (f *FakeClient) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// LastSent returns the most recent send.
func (f *FakeClient) LastSent() (Sent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return Sent{}, false
	}
	return f.sent[len(f.sent)-1], true
}

// Activations returns a copy of all button clicks.
func (f *FakeClient) Activations() []Activation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Activation(nil), f.activations...)
}

// Joins returns the channels passed to Join.
func (f *FakeClient) Joins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}
