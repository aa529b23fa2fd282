package testutil

import (
	"context"
	"sync"

	"github.com/ashureev/puppet-relay/internal/domain"
)

// Delivery is one piece of content sent to an end user.
type Delivery struct {
	UserID  int64
	Content domain.Content
}

// Deliverer records deliveries instead of sending them.
type Deliverer struct {
	mu         sync.Mutex
	deliveries []Delivery
	Err        error
}

// Deliver records content for userID.
func (d *Deliverer) Deliver(_ context.Context, userID int64, content domain.Content) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.deliveries = append(d.deliveries, Delivery{UserID: userID, Content: content})
	return nil
}

// All returns a copy of every delivery.
func (d *Deliverer) All() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Delivery(nil), d.deliveries...)
}

// For returns deliveries addressed to userID.
func (d *Deliverer) For(userID int64) []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Delivery
	for _, del := range d.deliveries {
		if del.UserID == userID {
			out = append(out, del)
		}
	}
	return out
}

// Last returns the newest delivery.
func (d *Deliverer) Last() (Delivery, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.deliveries) == 0 {
		return Delivery{}, false
	}
	return d.deliveries[len(d.deliveries)-1], true
}
