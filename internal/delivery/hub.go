// Package delivery pushes relay content to end users over WebSocket.
package delivery

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/puppet-relay/internal/domain"
	"github.com/ashureev/puppet-relay/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// Frame is the JSON envelope written to clients.
type Frame struct {
	Type    string          `json:"type"`
	Content *domain.Content `json:"content,omitempty"`
}

type clientMessage struct {
	Type string `json:"type"`
}

// DefaultBacklogTTL is how long an offline user's queued content is kept
// after the last delivery.
const DefaultBacklogTTL = 10 * time.Minute

// stream is the delivery state of one user. mu orders every write and
// backlog flush for that user.
type stream struct {
	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	backlog *Backlog
	touched time.Time
	evicted bool
}

// Hub tracks live connections per user and queues content for users who are
// offline.
type Hub struct {
	mu          sync.Mutex
	streams     map[int64]*stream
	backlogSize int
	backlogTTL  time.Duration
	lastPrune   time.Time
	origins     []string
	logger      *slog.Logger
	now         func() time.Time
}

// NewHub creates a hub. origins are host patterns accepted for upgrades.
func NewHub(backlogSize int, origins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		streams:     make(map[int64]*stream),
		backlogSize: backlogSize,
		backlogTTL:  DefaultBacklogTTL,
		origins:     origins,
		logger:      logger,
		now:         time.Now,
	}
}

// SetBacklogTTL changes how long idle offline backlogs are retained.
func (h *Hub) SetBacklogTTL(ttl time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ttl > 0 {
		h.backlogTTL = ttl
	}
}

// acquire returns the locked stream of userID, creating it if needed.
func (h *Hub) acquire(userID int64) *stream {
	for {
		h.mu.Lock()
		s, ok := h.streams[userID]
		if !ok {
			now := h.now()
			if now.Sub(h.lastPrune) >= h.backlogTTL {
				h.pruneLocked(now)
			}
			s = &stream{
				conns:   make(map[*websocket.Conn]struct{}),
				backlog: NewBacklog(h.backlogSize),
				touched: now,
			}
			h.streams[userID] = s
		}
		h.mu.Unlock()

		s.mu.Lock()
		if !s.evicted {
			return s
		}
		s.mu.Unlock()
	}
}

// pruneLocked drops streams with no connection whose last delivery is older
// than the backlog TTL. Caller holds h.mu.
func (h *Hub) pruneLocked(now time.Time) int {
	h.lastPrune = now
	dropped := 0
	for userID, s := range h.streams {
		if !s.mu.TryLock() {
			continue
		}
		if len(s.conns) == 0 && now.Sub(s.touched) >= h.backlogTTL {
			s.evicted = true
			delete(h.streams, userID)
			dropped++
		}
		s.mu.Unlock()
	}
	if dropped > 0 {
		h.logger.Info("Dropped idle delivery backlogs", "users", dropped)
	}
	return dropped
}

func (h *Hub) lookup(userID int64) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[userID]
}

// Users returns how many users the hub holds state for.
func (h *Hub) Users() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// CloseAll terminates every live connection. Backlogs are kept.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	streams := make([]*stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	var conns []*websocket.Conn
	for _, s := range streams {
		s.mu.Lock()
		for conn := range s.conns {
			conns = append(conns, conn)
		}
		s.conns = make(map[*websocket.Conn]struct{})
		s.mu.Unlock()
	}

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, reason)
	}
}

// Connected returns the number of live connections of a user.
func (h *Hub) Connected(userID int64) int {
	s := h.lookup(userID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Pending returns how many deliveries are queued for a user.
func (h *Hub) Pending(userID int64) int {
	s := h.lookup(userID)
	if s == nil {
		return 0
	}
	return s.backlog.Len()
}

// Deliver writes content to every live connection of userID, or queues it
// when none accepts it.
func (h *Hub) Deliver(ctx context.Context, userID int64, content domain.Content) error {
	s := h.acquire(userID)
	defer s.mu.Unlock()
	s.touched = h.now()

	delivered := 0
	for conn := range s.conns {
		if err := h.write(ctx, conn, Frame{Type: "delivery", Content: &content}); err != nil {
			h.logger.Debug("Delivery write failed", "user_id", userID, "error", err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		return nil
	}

	if dropped := s.backlog.Push(content); dropped {
		h.logger.Warn("Delivery backlog full, dropped oldest entry", "user_id", userID)
	}
	h.logger.Debug("User offline, delivery queued", "user_id", userID)
	return nil
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// connect flushes the backlog to ws and then makes it live, both under the
// stream lock so later deliveries cannot overtake queued ones.
func (h *Hub) connect(ctx context.Context, userID int64, ws *websocket.Conn) {
	s := h.acquire(userID)
	defer s.mu.Unlock()

	queued := s.backlog.Drain()
	for i, content := range queued {
		c := content
		if err := h.write(ctx, ws, Frame{Type: "delivery", Content: &c}); err != nil {
			h.logger.Warn("Backlog flush failed", "user_id", userID, "error", err)
			for _, rest := range queued[i:] {
				s.backlog.Push(rest)
			}
			break
		}
	}
	s.conns[ws] = struct{}{}
	s.touched = h.now()
	h.logger.Info("Delivery stream registered", "user_id", userID, "connections", len(s.conns))
}

func (h *Hub) disconnect(userID int64, ws *websocket.Conn) {
	s := h.lookup(userID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[ws]; ok {
		delete(s.conns, ws)
		s.touched = h.now()
		h.logger.Info("Delivery stream unregistered", "user_id", userID)
	}
}

// ServeHTTP upgrades the request and streams deliveries until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID, "ip", identity.IPFromRequest(r))
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx := r.Context()
	h.connect(ctx, userID, ws)
	defer h.disconnect(userID, ws)

	h.readLoop(ctx, ws, userID)
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, userID int64) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				h.logger.Debug("WebSocket read ended", "error", err, "user_id", userID)
			}
			return
		}
		if msg.Type == "ping" {
			if err := h.write(ctx, ws, Frame{Type: "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
				return
			}
		}
	}
}
