package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/puppet-relay/internal/automation"
	"github.com/ashureev/puppet-relay/internal/domain"
	"github.com/ashureev/puppet-relay/internal/store"
)

// Resolution ties an upstream reply to the user and request it answers.
type Resolution struct {
	UserID    int64
	SessionID string
	Request   *domain.RequestState
	Session   *domain.UserSession
}

// Resolver correlates upstream replies with stored requests.
type Resolver struct {
	sessions *store.Sessions
	requests *store.Requests
	now      func() time.Time
	logger   *slog.Logger
}

// NewResolver creates a resolver over the given stores.
func NewResolver(sessions *store.Sessions, requests *store.Requests, now func() time.Time, logger *slog.Logger) *Resolver {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{sessions: sessions, requests: requests, now: now, logger: logger}
}

// Owner returns the user a reply belongs to without touching any state.
func (r *Resolver) Owner(ctx context.Context, msg automation.Message) (int64, bool) {
	if msg.ReplyTo == 0 {
		return 0, false
	}
	req, err := r.requests.Get(ctx, msg.ReplyTo)
	if err != nil || req == nil {
		return 0, false
	}
	return req.UserID, true
}

// Resolve loads the request msg replies to and records what the reply means
// for it. The caller must hold the owning user's lock.
func (r *Resolver) Resolve(ctx context.Context, msg automation.Message, action Action) (*Resolution, error) {
	if msg.ReplyTo == 0 {
		return nil, fmt.Errorf("%w: message %d has no reply target", ErrCorrelationMiss, msg.ID)
	}
	req, err := r.requests.Get(ctx, msg.ReplyTo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrelationMiss, err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: no request awaits a reply to %d", ErrCorrelationMiss, msg.ReplyTo)
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request %s already %s", ErrCorrelationMiss, req.RequestID, req.Status)
	}

	now := r.now()
	if req.Expired(now) {
		req.Status = domain.RequestFailed
		if err := r.requests.Put(ctx, req); err != nil {
			r.logger.Warn("Failed to persist timed out request", "request_id", req.RequestID, "error", err)
		}
		return nil, fmt.Errorf("%w: request %s passed its deadline %s", ErrTimeout, req.RequestID, req.Deadline.Format(time.RFC3339))
	}

	sess, err := r.sessions.Get(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrelationMiss, err)
	}
	if sess == nil || sess.SessionID != req.SessionID {
		return nil, fmt.Errorf("%w: session %s of user %d was superseded", ErrCorrelationMiss, req.SessionID, req.UserID)
	}

	switch action.Kind {
	case ActionError:
		req.Status = domain.RequestFailed
	case ActionButtons, ActionFile:
		req.Status = domain.RequestCompleted
	case ActionJoinRequest:
		req.Status = domain.RequestPending
	default:
		req.Status = domain.RequestProcessing
	}
	if err := r.requests.Put(ctx, req); err != nil {
		return nil, fmt.Errorf("mark request %s %s: %w", req.RequestID, req.Status, err)
	}

	return &Resolution{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Request:   req,
		Session:   sess,
	}, nil
}
