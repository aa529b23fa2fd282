package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ashureev/puppet-relay/internal/domain"
)

// Sessions persists UserSession records keyed by user id.
type Sessions struct {
	kv  KV
	ttl time.Duration
}

// NewSessions creates a session repository whose records live for ttl after
// their last write.
func NewSessions(kv KV, ttl time.Duration) *Sessions {
	return &Sessions{kv: kv, ttl: ttl}
}

func sessionKey(userID int64) string {
	return "user_session:" + strconv.FormatInt(userID, 10)
}

// Get returns the session of userID, or nil if there is none.
func (s *Sessions) Get(ctx context.Context, userID int64) (*domain.UserSession, error) {
	data, err := s.kv.Get(ctx, sessionKey(userID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user session: %w", err)
	}

	var sess domain.UserSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode user session: %w", err)
	}
	if sess.Version != domain.RecordVersion {
		slog.Warn("Discarding user session with unknown schema version",
			"user_id", userID,
			"version", sess.Version)
		return nil, nil
	}
	return &sess, nil
}

// Put validates and writes sess, refreshing its ttl.
func (s *Sessions) Put(ctx context.Context, sess *domain.UserSession) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	sess.Version = domain.RecordVersion
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode user session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey(sess.UserID), data, s.ttl); err != nil {
		return fmt.Errorf("set user session: %w", err)
	}
	return nil
}

// Delete removes the session of userID.
func (s *Sessions) Delete(ctx context.Context, userID int64) error {
	if err := s.kv.Delete(ctx, sessionKey(userID)); err != nil {
		return fmt.Errorf("delete user session: %w", err)
	}
	return nil
}

// Requests persists RequestState records keyed by correlation key.
type Requests struct {
	kv     KV
	puppet string
	ttl    time.Duration
}

// NewRequests creates a request repository namespaced by the puppet identity.
func NewRequests(kv KV, puppet string, ttl time.Duration) *Requests {
	return &Requests{kv: kv, puppet: puppet, ttl: ttl}
}

func (r *Requests) key(correlationKey int64) string {
	return "request_state:" + r.puppet + ":" + strconv.FormatInt(correlationKey, 10)
}

// Get returns the request awaiting a reply to correlationKey, or nil.
func (r *Requests) Get(ctx context.Context, correlationKey int64) (*domain.RequestState, error) {
	data, err := r.kv.Get(ctx, r.key(correlationKey))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request state: %w", err)
	}

	var state domain.RequestState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode request state: %w", err)
	}
	if state.Version != domain.RecordVersion {
		slog.Warn("Discarding request state with unknown schema version",
			"correlation_key", correlationKey,
			"version", state.Version)
		return nil, nil
	}
	return &state, nil
}

// Put writes state under its correlation key.
func (r *Requests) Put(ctx context.Context, state *domain.RequestState) error {
	if state.CorrelationKey == 0 {
		return errors.New("request state: missing correlation key")
	}
	state.Version = domain.RecordVersion
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode request state: %w", err)
	}
	if err := r.kv.Set(ctx, r.key(state.CorrelationKey), data, r.ttl); err != nil {
		return fmt.Errorf("set request state: %w", err)
	}
	return nil
}

// Delete removes the request stored under correlationKey.
func (r *Requests) Delete(ctx context.Context, correlationKey int64) error {
	if err := r.kv.Delete(ctx, r.key(correlationKey)); err != nil {
		return fmt.Errorf("delete request state: %w", err)
	}
	return nil
}

// Seen records which upstream messages have already been processed.
type Seen struct {
	kv     KV
	puppet string
	ttl    time.Duration
}

// NewSeen creates a processed-message registry. Markers live as long as the
// request records they guard.
func NewSeen(kv KV, puppet string, ttl time.Duration) *Seen {
	return &Seen{kv: kv, puppet: puppet, ttl: ttl}
}

func (s *Seen) key(messageID int64) string {
	return "seen:" + s.puppet + ":" + strconv.FormatInt(messageID, 10)
}

// Has reports whether messageID was already processed.
func (s *Seen) Has(ctx context.Context, messageID int64) (bool, error) {
	_, err := s.kv.Get(ctx, s.key(messageID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get seen marker: %w", err)
	}
	return true, nil
}

// Mark records messageID as processed.
func (s *Seen) Mark(ctx context.Context, messageID int64) error {
	if err := s.kv.Set(ctx, s.key(messageID), []byte("1"), s.ttl); err != nil {
		return fmt.Errorf("set seen marker: %w", err)
	}
	return nil
}
