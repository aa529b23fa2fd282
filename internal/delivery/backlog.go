package delivery

import (
	"sync"

	"github.com/ashureev/puppet-relay/internal/domain"
)

// Backlog is a fixed-size ring of undelivered content. When full, the oldest
// entry is overwritten.
type Backlog struct {
	buf  []domain.Content
	size int
	head int // write position
	tail int // read position
	full bool
	mu   sync.Mutex
}

// NewBacklog creates a backlog holding at most size entries.
func NewBacklog(size int) *Backlog {
	if size <= 0 {
		size = 20
	}
	return &Backlog{
		buf:  make([]domain.Content, size),
		size: size,
	}
}

// Push appends c and reports whether an older entry was dropped.
func (b *Backlog) Push(c domain.Content) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full {
		b.tail = (b.tail + 1) % b.size
		dropped = true
	}
	b.buf[b.head] = c
	b.head = (b.head + 1) % b.size
	if b.head == b.tail {
		b.full = true
	}
	return dropped
}

// Drain returns the queued entries oldest first and empties the backlog.
func (b *Backlog) Drain() []domain.Content {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.lenLocked()
	out := make([]domain.Content, 0, n)
	for i := 0; i < n; i++ {
		idx := (b.tail + i) % b.size
		out = append(out, b.buf[idx])
		b.buf[idx] = domain.Content{}
	}
	b.head, b.tail, b.full = 0, 0, false
	return out
}

// Len returns the number of queued entries.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

func (b *Backlog) lenLocked() int {
	switch {
	case b.full:
		return b.size
	case b.head >= b.tail:
		return b.head - b.tail
	default:
		return b.size - b.tail + b.head
	}
}

// Capacity returns the maximum number of entries.
func (b *Backlog) Capacity() int {
	return b.size
}
