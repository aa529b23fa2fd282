package relay

import (
	"sync"
	"time"
)

// pendingRequest is a request awaiting a reply, indexed for deadline sweeps.
type pendingRequest struct {
	Key      int64
	UserID   int64
	Deadline time.Time
}

// pendingSet tracks in-flight requests of this process by correlation key.
type pendingSet struct {
	mu      sync.Mutex
	entries map[int64]pendingRequest
}

func newPendingSet() *pendingSet {
	return &pendingSet{entries: make(map[int64]pendingRequest)}
}

func (p *pendingSet) add(key, userID int64, deadline time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key] = pendingRequest{Key: key, UserID: userID, Deadline: deadline}
}

func (p *pendingSet) remove(key int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

// takeExpired removes and returns every entry whose deadline is before now.
func (p *pendingSet) takeExpired(now time.Time) []pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pendingRequest
	for key, e := range p.entries {
		if now.After(e.Deadline) {
			out = append(out, e)
			delete(p.entries, key)
		}
	}
	return out
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
