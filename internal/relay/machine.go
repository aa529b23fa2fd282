package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/puppet-relay/internal/automation"
	"github.com/ashureev/puppet-relay/internal/domain"
)

// transition applies a resolved upstream reply to the owning session and
// performs the single resulting effect. Caller holds the user lock.
func (d *Dispatcher) transition(ctx context.Context, log *slog.Logger, msg automation.Message, action Action, res *Resolution) {
	switch action.Kind {
	case ActionButtons:
		d.onButtons(ctx, log, msg, action.Buttons, res)
	case ActionFile:
		d.onFile(ctx, log, action.File, res)
	case ActionJoinRequest:
		d.onJoinRequest(ctx, log, action.Channel, res)
	case ActionError:
		d.onError(ctx, log, action.Message, res)
	default:
		log.Info("Upstream acknowledged request without a result", "text", truncate(action.Text, 80))
	}
}

func (d *Dispatcher) onButtons(ctx context.Context, log *slog.Logger, msg automation.Message, buttons []domain.ButtonDescriptor, res *Resolution) {
	sess := res.Session
	if sess.State != domain.StateSearching || res.Request.Kind != domain.KindSearch {
		log.Info("Ignoring result list outside of a search", "state", sess.State, "kind", res.Request.Kind)
		return
	}
	d.pending.remove(res.Request.CorrelationKey)

	if len(buttons) == 0 {
		d.fail(ctx, log, sess, fmt.Errorf("%w: no results", ErrUpstreamError))
		return
	}

	sess.SetResults(msg.ID, buttons)
	if err := d.activate(ctx, sess, 0); err != nil {
		d.fail(ctx, log, sess, err)
		return
	}
	log.Info("Result list received", "total_results", sess.TotalResults)
}

func (d *Dispatcher) onFile(ctx context.Context, log *slog.Logger, file *domain.FileDescriptor, res *Resolution) {
	sess := res.Session
	req := res.Request
	d.pending.remove(req.CorrelationKey)

	switch {
	case sess.State == domain.StateListing && req.Kind == domain.KindActivation:
		if req.Index != sess.CurrentIndex {
			log.Info("Ignoring file for a superseded result", "index", req.Index, "current_index", sess.CurrentIndex)
			return
		}
	case sess.State == domain.StateSearching && req.Kind == domain.KindSearch:
		// The counterpart answered the query with the file itself.
		sess.Results = nil
		sess.TotalResults = 1
		sess.CurrentIndex = 0
		sess.State = domain.StateListing
	default:
		log.Info("Ignoring file outside of a listing", "state", sess.State, "kind", req.Kind)
		return
	}

	sess.PendingKey = 0
	sess.Touch(d.now())
	if err := d.putSession(ctx, sess); err != nil {
		log.Error("Failed to persist session after file", "error", err)
	}

	content := domain.Content{
		File:    file,
		Caption: fileCaption(sess),
	}
	if sess.HasNext() {
		content.Controls = []domain.Control{{
			Label: "Next ➡️",
			Token: NextToken(sess.UserID, sess.CurrentIndex+1),
		}}
	}
	d.deliver(ctx, sess.UserID, content)
	log.Info("File delivered", "index", sess.CurrentIndex, "total_results", sess.TotalResults)
}

func fileCaption(sess *domain.UserSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📁 File %d of %d\n", sess.CurrentIndex+1, sess.TotalResults)
	fmt.Fprintf(&b, "🔍 Search: %s\n\n", sess.OriginalQuery)
	b.WriteString("⚠️ Files are temporary, please save them immediately.")
	if sess.HasNext() {
		b.WriteString("\nUse 'Next' for more options.")
	}
	return b.String()
}

func (d *Dispatcher) onJoinRequest(ctx context.Context, log *slog.Logger, channel string, res *Resolution) {
	sess := res.Session
	req := res.Request
	d.pending.remove(req.CorrelationKey)

	if channel == "" {
		d.failRequest(ctx, log, req)
		d.fail(ctx, log, sess, fmt.Errorf("%w: join requested without a channel", ErrUpstreamError))
		return
	}

	if err := d.join(ctx, log, channel); err != nil {
		d.failRequest(ctx, log, req)
		d.fail(ctx, log, sess, err)
		return
	}

	// The resend opens its own request under the same session.
	req.Status = domain.RequestCompleted
	if err := d.putRequest(ctx, req); err != nil {
		log.Warn("Failed to close request superseded by resend", "error", err)
	}
	if err := d.forward(ctx, sess, sess.OriginalQuery); err != nil {
		d.fail(ctx, log, sess, err)
		return
	}
	log.Info("Joined channel and resent query", "channel", channel, "message_id", sess.PendingKey)
}

// join attempts the join twice, JoinRetryDelay apart.
func (d *Dispatcher) join(ctx context.Context, log *slog.Logger, channel string) error {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		ok, err := d.upstream.Join(ctx, channel)
		if err == nil && ok {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("join %s was refused", channel)
		}
		lastErr = err
		log.Warn("Join attempt failed", "channel", channel, "attempt", attempt, "error", err)

		if attempt == 1 {
			select {
			case <-time.After(d.joinRetryDelay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}

func (d *Dispatcher) onError(ctx context.Context, log *slog.Logger, message string, res *Resolution) {
	d.pending.remove(res.Request.CorrelationKey)
	sess := res.Session
	sess.Idle()
	sess.Touch(d.now())
	if err := d.putSession(ctx, sess); err != nil {
		log.Error("Failed to persist session after upstream error", "error", err)
	}
	log.Info("Upstream reported an error", "text", truncate(message, 120))
	d.deliver(ctx, sess.UserID, domain.Content{
		Text:     "❌ " + message,
		Controls: recoveryControls(),
	})
}

// fail idles the session and surfaces err to its user.
func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, sess *domain.UserSession, err error) {
	sess.Idle()
	sess.Touch(d.now())
	if perr := d.putSession(ctx, sess); perr != nil {
		log.Error("Failed to persist idle session", "error", perr)
	}
	log.Warn("Request failed", "error", err, "kind", Kind(err))
	d.surface(ctx, sess.UserID, err)
}

func (d *Dispatcher) failRequest(ctx context.Context, log *slog.Logger, req *domain.RequestState) {
	req.Status = domain.RequestFailed
	if err := d.putRequest(ctx, req); err != nil {
		log.Warn("Failed to mark request failed", "request_id", req.RequestID, "error", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
