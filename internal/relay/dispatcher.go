// Package relay correlates upstream replies with end-user sessions and drives
// per-user pagination over the results.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/puppet-relay/internal/automation"
	"github.com/ashureev/puppet-relay/internal/domain"
	"github.com/ashureev/puppet-relay/internal/store"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// Upstream performs outbound operations as the puppet account.
type Upstream interface {
	Send(ctx context.Context, text string) (int64, error)
	Activate(ctx context.Context, messageID int64, button domain.ButtonDescriptor) (bool, error)
	Join(ctx context.Context, channel string) (bool, error)
}

// Deliverer sends content to an end user.
type Deliverer interface {
	Deliver(ctx context.Context, userID int64, content domain.Content) error
}

// Options tunes the dispatcher.
type Options struct {
	RequestTimeout time.Duration
	JoinRetryDelay time.Duration
	StoreTimeout   time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Stores groups the repositories the dispatcher reads and writes.
type Stores struct {
	Sessions *store.Sessions
	Requests *store.Requests
	Seen     *store.Seen
}

// WelcomeText is shown on first contact.
const WelcomeText = "🤖 Welcome to File Helper!\n\n" +
	"Send me a filename or search query and I'll find it for you.\n" +
	"Examples:\n" +
	"• matrix reloaded\n" +
	"• s05e09\n" +
	"• document_final.pdf\n\n" +
	"Just type what you're looking for!"

const newSearchText = "🔍 Send me a new search query."

// Dispatcher turns upstream replies and end-user requests into state
// transitions and outbound effects.
type Dispatcher struct {
	classifier *Classifier
	resolver   *Resolver
	sessions   *store.Sessions
	requests   *store.Requests
	seen       *store.Seen
	upstream   Upstream
	deliverer  Deliverer
	locks      *KeyedMutex
	pending    *pendingSet

	// correlating is read-held from an outbound send until the request
	// record it creates is stored. Replies that miss wait on it once.
	correlating sync.RWMutex

	requestTimeout time.Duration
	joinRetryDelay time.Duration
	storeTimeout   time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(stores Stores, upstream Upstream, deliverer Deliverer, opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	return &Dispatcher{
		classifier:     NewClassifier(),
		resolver:       NewResolver(stores.Sessions, stores.Requests, opts.Now, opts.Logger),
		sessions:       stores.Sessions,
		requests:       stores.Requests,
		seen:           stores.Seen,
		upstream:       upstream,
		deliverer:      deliverer,
		locks:          NewKeyedMutex(),
		pending:        newPendingSet(),
		requestTimeout: opts.RequestTimeout,
		joinRetryDelay: opts.JoinRetryDelay,
		storeTimeout:   opts.StoreTimeout,
		now:            opts.Now,
		logger:         opts.Logger,
	}
}

// Welcome returns the first-contact text.
func (d *Dispatcher) Welcome() string {
	return WelcomeText
}

// Start delivers the welcome text to userID.
func (d *Dispatcher) Start(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user id %d", ErrInvalidRequest, userID)
	}
	d.deliver(ctx, userID, domain.Content{Text: WelcomeText})
	return nil
}

// Query starts a new search for userID, superseding any previous session.
func (d *Dispatcher) Query(ctx context.Context, userID int64, text string) error {
	text = strings.TrimSpace(text)
	if userID <= 0 {
		return fmt.Errorf("%w: user id %d", ErrInvalidRequest, userID)
	}
	if text == "" {
		return fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}
	if text == "/start" {
		return d.Start(ctx, userID)
	}

	unlock := d.locks.Lock(userID)
	defer unlock()
	return d.startSearch(ctx, userID, text)
}

// startSearch forwards text upstream under a fresh session. Caller holds the user lock.
func (d *Dispatcher) startSearch(ctx context.Context, userID int64, text string) error {
	now := d.now()
	sess := domain.NewUserSession(userID, shortuuid.New(), text, now)
	if err := d.putSession(ctx, sess); err != nil {
		return err
	}

	if err := d.forward(ctx, sess, text); err != nil {
		if derr := d.deleteSession(ctx, userID); derr != nil {
			d.logger.Warn("Failed to drop session after send failure", "user_id", userID, "error", derr)
		}
		d.logger.Warn("Query could not be forwarded",
			"user_id", userID,
			"session_id", sess.SessionID,
			"error", err)
		return err
	}

	d.logger.Info("Query forwarded",
		"user_id", userID,
		"session_id", sess.SessionID,
		"message_id", sess.PendingKey)
	d.deliver(ctx, userID, domain.Content{Text: fmt.Sprintf("🔍 Searching for: '%s'...", text)})
	return nil
}

// forward sends text upstream and records the search request it opens.
// sess is left Searching with PendingKey set and persisted.
func (d *Dispatcher) forward(ctx context.Context, sess *domain.UserSession, text string) error {
	d.correlating.RLock()
	defer d.correlating.RUnlock()

	msgID, err := d.upstream.Send(ctx, text)
	if err != nil {
		return fmt.Errorf("%w: send query: %v", ErrUpstreamUnavailable, err)
	}

	req := d.newRequest(sess, domain.KindSearch, msgID, 0)
	if err := d.putRequest(ctx, req); err != nil {
		return err
	}
	sess.State = domain.StateSearching
	sess.PendingKey = msgID
	sess.Touch(d.now())
	if err := d.putSession(ctx, sess); err != nil {
		return err
	}
	d.pending.add(msgID, sess.UserID, req.Deadline)
	return nil
}

// activate clicks result index of sess and records the activation request.
// On success sess.CurrentIndex is index and sess is persisted.
func (d *Dispatcher) activate(ctx context.Context, sess *domain.UserSession, index int) error {
	button, ok := sess.Result(index)
	if !ok {
		return fmt.Errorf("%w: result %d out of range", ErrInvalidRequest, index)
	}

	d.correlating.RLock()
	defer d.correlating.RUnlock()

	clicked, err := d.upstream.Activate(ctx, sess.ResultsMessageID, button)
	if err != nil {
		return fmt.Errorf("%w: activate %q: %v", ErrUpstreamUnavailable, button.Label, err)
	}
	if !clicked {
		return fmt.Errorf("%w: button %q was not accepted", ErrUpstreamUnavailable, button.Label)
	}

	req := d.newRequest(sess, domain.KindActivation, sess.ResultsMessageID, index)
	if err := d.putRequest(ctx, req); err != nil {
		return err
	}
	sess.CurrentIndex = index
	sess.PendingKey = sess.ResultsMessageID
	sess.Touch(d.now())
	if err := d.putSession(ctx, sess); err != nil {
		return err
	}
	d.pending.add(req.CorrelationKey, sess.UserID, req.Deadline)
	return nil
}

func (d *Dispatcher) newRequest(sess *domain.UserSession, kind domain.RequestKind, key int64, index int) *domain.RequestState {
	now := d.now()
	return &domain.RequestState{
		RequestID:      uuid.NewString(),
		SessionID:      sess.SessionID,
		UserID:         sess.UserID,
		Query:          sess.OriginalQuery,
		CorrelationKey: key,
		Kind:           kind,
		Index:          index,
		CreatedAt:      now,
		Deadline:       now.Add(d.requestTimeout),
		Status:         domain.RequestPending,
	}
}

// Action handles an end-user action token.
func (d *Dispatcher) Action(ctx context.Context, caller int64, token string) error {
	if caller <= 0 {
		return fmt.Errorf("%w: user id %d", ErrInvalidRequest, caller)
	}
	token = strings.TrimSpace(token)

	switch token {
	case TokenRetry:
		unlock := d.locks.Lock(caller)
		defer unlock()
		sess, err := d.getSession(ctx, caller)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("%w: nothing to retry", ErrSessionExpired)
		}
		return d.startSearch(ctx, caller, sess.OriginalQuery)

	case TokenNewSearch:
		unlock := d.locks.Lock(caller)
		defer unlock()
		if err := d.deleteSession(ctx, caller); err != nil {
			return err
		}
		d.deliver(ctx, caller, domain.Content{Text: newSearchText})
		return nil
	}

	owner, index, err := ParseNextToken(token)
	if err != nil {
		return err
	}
	if owner != caller {
		d.logger.Warn("Rejected action token for another user", "user_id", caller, "token_user", owner)
		return fmt.Errorf("%w: token belongs to another user", ErrInvalidRequest)
	}

	unlock := d.locks.Lock(caller)
	defer unlock()
	return d.next(ctx, caller, index)
}

// next advances the caller to result k. Caller holds the user lock.
func (d *Dispatcher) next(ctx context.Context, userID int64, k int) error {
	sess, err := d.getSession(ctx, userID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: no session for user %d", ErrSessionExpired, userID)
	}
	if expired, err := d.pendingTimedOut(ctx, sess); err != nil {
		return err
	} else if expired {
		return fmt.Errorf("%w: pending request timed out", ErrSessionExpired)
	}
	if !sess.CanAdvanceTo(k) {
		return fmt.Errorf("%w: cannot advance from %d to %d of %d", ErrInvalidRequest, sess.CurrentIndex, k, sess.TotalResults)
	}
	// Activations of one list share a correlation key, so only one may be in flight.
	if awaiting, err := d.awaitingReply(ctx, sess); err != nil {
		return err
	} else if awaiting {
		return fmt.Errorf("%w: result %d is still loading", ErrInvalidRequest, sess.CurrentIndex)
	}

	if err := d.activate(ctx, sess, k); err != nil {
		d.logger.Warn("Next result could not be requested",
			"user_id", userID,
			"session_id", sess.SessionID,
			"index", k,
			"error", err)
		return err
	}
	d.logger.Info("Next result requested", "user_id", userID, "session_id", sess.SessionID, "index", k)
	return nil
}

// pendingTimedOut checks the request sess awaits and fails it if its
// deadline passed.
func (d *Dispatcher) pendingTimedOut(ctx context.Context, sess *domain.UserSession) (bool, error) {
	if sess.PendingKey == 0 {
		return false, nil
	}
	req, err := d.getRequest(ctx, sess.PendingKey)
	if err != nil {
		return false, err
	}
	if req == nil || req.SessionID != sess.SessionID || req.Status == domain.RequestCompleted {
		return false, nil
	}
	if !req.Expired(d.now()) {
		return false, nil
	}
	if req.Status != domain.RequestFailed {
		req.Status = domain.RequestFailed
		if err := d.putRequest(ctx, req); err != nil {
			return true, err
		}
	}
	d.pending.remove(req.CorrelationKey)
	return true, nil
}

// awaitingReply reports whether sess still waits on a live request.
func (d *Dispatcher) awaitingReply(ctx context.Context, sess *domain.UserSession) (bool, error) {
	if sess.PendingKey == 0 {
		return false, nil
	}
	req, err := d.getRequest(ctx, sess.PendingKey)
	if err != nil {
		return false, err
	}
	return req != nil && req.SessionID == sess.SessionID && !req.TimedOut(d.now()) && !req.Status.Terminal(), nil
}

// ExpirePending fails every in-flight request past its deadline and notifies
// its owner. It returns how many requests were failed.
func (d *Dispatcher) ExpirePending(ctx context.Context) int {
	expired := d.pending.takeExpired(d.now())
	failed := 0
	for _, p := range expired {
		if d.expireOne(ctx, p) {
			failed++
		}
	}
	return failed
}

func (d *Dispatcher) expireOne(ctx context.Context, p pendingRequest) bool {
	unlock := d.locks.Lock(p.UserID)
	defer unlock()

	req, err := d.getRequest(ctx, p.Key)
	if err != nil {
		d.logger.Warn("Sweep could not load request", "correlation_key", p.Key, "error", err)
		return false
	}
	if req == nil || !req.TimedOut(d.now()) {
		return false
	}
	req.Status = domain.RequestFailed
	if err := d.putRequest(ctx, req); err != nil {
		d.logger.Warn("Sweep could not fail request", "request_id", req.RequestID, "error", err)
		return false
	}
	d.logger.Info("Request timed out",
		"user_id", req.UserID,
		"session_id", req.SessionID,
		"request_id", req.RequestID,
		"kind", req.Kind)

	sess, err := d.getSession(ctx, req.UserID)
	if err == nil && sess != nil && sess.SessionID == req.SessionID && sess.PendingKey == req.CorrelationKey {
		d.surface(ctx, req.UserID, fmt.Errorf("%w: request %s", ErrTimeout, req.RequestID))
	}
	return true
}

// PendingCount returns the number of in-flight requests tracked in process.
func (d *Dispatcher) PendingCount() int {
	return d.pending.len()
}

// Owner returns the user an upstream message belongs to, if known.
func (d *Dispatcher) Owner(ctx context.Context, msg automation.Message) (int64, bool) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.resolver.Owner(ctx, msg)
}

// HandleUpstream processes one message from the counterpart. It returns
// ErrCorrelationMiss or ErrTimeout for replies that were dropped.
func (d *Dispatcher) HandleUpstream(ctx context.Context, msg automation.Message) error {
	action := d.classifier.Classify(msg)
	log := d.logger.With("message_id", msg.ID, "reply_to", msg.ReplyTo, "action", action.Kind.String())

	owner, ok := d.Owner(ctx, msg)
	if !ok && msg.ReplyTo != 0 {
		// The reply may have overtaken the write of its request record.
		d.correlating.Lock()
		d.correlating.Unlock() //nolint:staticcheck // barrier
		owner, ok = d.Owner(ctx, msg)
	}
	if !ok {
		log.Debug("Dropping uncorrelated upstream message")
		return fmt.Errorf("%w: message %d", ErrCorrelationMiss, msg.ID)
	}

	unlock := d.locks.Lock(owner)
	defer unlock()

	seen, err := d.hasSeen(ctx, msg.ID)
	if err != nil {
		log.Warn("Dedup check failed, processing anyway", "error", err)
	}
	if seen {
		log.Debug("Ignoring replayed upstream message")
		return nil
	}

	res, err := d.resolve(ctx, msg, action)
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout):
			log.Info("Dropping reply to timed out request", "user_id", owner, "error", err)
		case errors.Is(err, ErrCorrelationMiss):
			log.Info("Dropping uncorrelated reply", "user_id", owner, "error", err)
		default:
			log.Error("Failed to resolve upstream reply", "user_id", owner, "error", err)
		}
		return err
	}
	log = log.With("user_id", res.UserID, "session_id", res.SessionID)

	d.transition(ctx, log, msg, action, res)

	if err := d.markSeen(ctx, msg.ID); err != nil {
		log.Warn("Failed to record processed message", "error", err)
	}
	return nil
}

func (d *Dispatcher) resolve(ctx context.Context, msg automation.Message, action Action) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.resolver.Resolve(ctx, msg, action)
}

func (d *Dispatcher) deliver(ctx context.Context, userID int64, content domain.Content) {
	if err := d.deliverer.Deliver(ctx, userID, content); err != nil {
		d.logger.Error("Delivery failed", "user_id", userID, "error", err)
	}
}

// surface tells the user about err and offers retry and new-search controls.
func (d *Dispatcher) surface(ctx context.Context, userID int64, err error) {
	d.deliver(ctx, userID, domain.Content{
		Text:     UserMessage(err),
		Controls: recoveryControls(),
	})
}

func recoveryControls() []domain.Control {
	return []domain.Control{
		{Label: "🔄 Retry", Token: TokenRetry},
		{Label: "🔍 New search", Token: TokenNewSearch},
	}
}

func (d *Dispatcher) getSession(ctx context.Context, userID int64) (*domain.UserSession, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.sessions.Get(ctx, userID)
}

func (d *Dispatcher) putSession(ctx context.Context, sess *domain.UserSession) error {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.sessions.Put(ctx, sess)
}

func (d *Dispatcher) deleteSession(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.sessions.Delete(ctx, userID)
}

func (d *Dispatcher) getRequest(ctx context.Context, key int64) (*domain.RequestState, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.requests.Get(ctx, key)
}

func (d *Dispatcher) putRequest(ctx context.Context, req *domain.RequestState) error {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.requests.Put(ctx, req)
}

func (d *Dispatcher) hasSeen(ctx context.Context, messageID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.seen.Has(ctx, messageID)
}

func (d *Dispatcher) markSeen(ctx context.Context, messageID int64) error {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.seen.Mark(ctx, messageID)
}
