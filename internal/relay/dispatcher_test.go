package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/puppet-relay/internal/automation"
	"github.com/ashureev/puppet-relay/internal/domain"
	"github.com/ashureev/puppet-relay/internal/store"
	"github.com/ashureev/puppet-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	alice int64 = 7
	bob   int64 = 8

	requestTimeout = 120 * time.Second
)

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *testutil.Clock
	kv        *store.Memory
	client    *testutil.FakeClient
	deliverer *testutil.Deliverer
	sessions  *store.Sessions
	requests  *store.Requests
	d         *Dispatcher
	nextMsgID int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := testutil.NewClock()
	kv := store.NewMemory(clock.Now)
	client := testutil.NewFakeClient()
	actor := automation.NewActor(client, automation.ActorConfig{Target: "FileSearchBot", Rate: rate.Inf}, nil)
	t.Cleanup(func() { _ = actor.Close() })

	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     clock,
		kv:        kv,
		client:    client,
		deliverer: &testutil.Deliverer{},
		sessions:  store.NewSessions(kv, 300*time.Second),
		requests:  store.NewRequests(kv, "puppet", 300*time.Second),
		nextMsgID: 5000,
	}
	h.d = NewDispatcher(Stores{
		Sessions: h.sessions,
		Requests: h.requests,
		Seen:     store.NewSeen(kv, "puppet", 300*time.Second),
	}, actor, h.deliverer, Options{
		RequestTimeout: requestTimeout,
		JoinRetryDelay: time.Millisecond,
		Now:            clock.Now,
	})
	return h
}

// reply builds an upstream message replying to replyTo with a fresh id.
func (h *harness) reply(replyTo int64, msg automation.Message) automation.Message {
	h.nextMsgID++
	msg.ID = h.nextMsgID
	msg.ReplyTo = replyTo
	return msg
}

func (h *harness) session(userID int64) *domain.UserSession {
	h.t.Helper()
	sess, err := h.sessions.Get(h.ctx, userID)
	require.NoError(h.t, err)
	return sess
}

func (h *harness) request(key int64) *domain.RequestState {
	h.t.Helper()
	req, err := h.requests.Get(h.ctx, key)
	require.NoError(h.t, err)
	return req
}

func (h *harness) lastSentID() int64 {
	h.t.Helper()
	sent, ok := h.client.LastSent()
	require.True(h.t, ok, "nothing was sent upstream")
	return sent.ID
}

func fileMsg(name string) automation.Message {
	return automation.Message{Attachment: &automation.Attachment{Kind: "video", FileID: "F-" + name, FileName: name}}
}

// listing drives userID to a listing of n results with the first file delivered.
func (h *harness) listing(userID int64, query string, n int) (resultsMsgID int64) {
	h.t.Helper()
	require.NoError(h.t, h.d.Query(h.ctx, userID, query))

	labels := make([]string, n)
	for i := range labels {
		labels[i] = string(rune('A' + i))
	}
	results := h.reply(h.lastSentID(), buttonsMsg(labels...))
	require.NoError(h.t, h.d.HandleUpstream(h.ctx, results))
	require.NoError(h.t, h.d.HandleUpstream(h.ctx, h.reply(results.ID, fileMsg("0.mkv"))))
	return results.ID
}

func TestQueryForwardsAndRecordsRequest(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.d.Query(h.ctx, alice, "  matrix reloaded "))

	sent, ok := h.client.LastSent()
	require.True(t, ok)
	assert.Equal(t, "FileSearchBot", sent.Target)
	assert.Equal(t, "matrix reloaded", sent.Text)

	sess := h.session(alice)
	require.NotNil(t, sess)
	assert.Equal(t, domain.StateSearching, sess.State)
	assert.Equal(t, sent.ID, sess.PendingKey)

	req := h.request(sent.ID)
	require.NotNil(t, req)
	assert.Equal(t, domain.RequestPending, req.Status)
	assert.Equal(t, domain.KindSearch, req.Kind)
	assert.Equal(t, sess.SessionID, req.SessionID)
	assert.True(t, h.clock.Now().Add(requestTimeout).Equal(req.Deadline))
	assert.Equal(t, 1, h.d.PendingCount())

	last, ok := h.deliverer.Last()
	require.True(t, ok)
	assert.Contains(t, last.Content.Text, "Searching for: 'matrix reloaded'")
}

func TestQueryRejectsEmptyText(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.d.Query(h.ctx, alice, "   "), ErrInvalidRequest)
	assert.Empty(t, h.client.Sent())
}

func TestQueryStartDeliversWelcome(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "/start"))
	assert.Empty(t, h.client.Sent())
	last, ok := h.deliverer.Last()
	require.True(t, ok)
	assert.Equal(t, WelcomeText, last.Content.Text)
}

func TestQuerySendFailureDropsSession(t *testing.T) {
	h := newHarness(t)
	h.client.SendErr = errors.New("not connected")

	err := h.d.Query(h.ctx, alice, "matrix")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Nil(t, h.session(alice))
	assert.Empty(t, h.deliverer.All())
}

func TestButtonsStartListingAtFirstResult(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	queryID := h.lastSentID()

	results := h.reply(queryID, buttonsMsg("A", "B", "C"))
	require.NoError(t, h.d.HandleUpstream(h.ctx, results))

	sess := h.session(alice)
	require.NotNil(t, sess)
	assert.Equal(t, domain.StateListing, sess.State)
	assert.Equal(t, 3, sess.TotalResults)
	assert.Equal(t, 0, sess.CurrentIndex)
	assert.Equal(t, results.ID, sess.ResultsMessageID)

	acts := h.client.Activations()
	require.Len(t, acts, 1)
	assert.Equal(t, results.ID, acts[0].Ref.ID)
	assert.Equal(t, "A", acts[0].Button.Label)

	assert.Equal(t, domain.RequestCompleted, h.request(queryID).Status)
	act := h.request(results.ID)
	require.NotNil(t, act)
	assert.Equal(t, domain.KindActivation, act.Kind)
	assert.Equal(t, 0, act.Index)
	assert.Equal(t, domain.RequestPending, act.Status)
}

func TestFileDeliveredWithNextControl(t *testing.T) {
	h := newHarness(t)
	h.listing(alice, "matrix", 3)

	last, ok := h.deliverer.Last()
	require.True(t, ok)
	assert.Equal(t, alice, last.UserID)
	require.NotNil(t, last.Content.File)
	assert.Equal(t, "F-0.mkv", last.Content.File.FileID)
	assert.Contains(t, last.Content.Caption, "File 1 of 3")
	assert.Contains(t, last.Content.Caption, "Search: matrix")
	require.Len(t, last.Content.Controls, 1)
	assert.Equal(t, NextToken(alice, 1), last.Content.Controls[0].Token)

	assert.Zero(t, h.session(alice).PendingKey)
}

func TestNextWalksResultsInOrder(t *testing.T) {
	h := newHarness(t)
	resultsID := h.listing(alice, "matrix", 3)

	assert.ErrorIs(t, h.d.Action(h.ctx, alice, NextToken(alice, 2)), ErrInvalidRequest, "skipping ahead")
	assert.ErrorIs(t, h.d.Action(h.ctx, alice, NextToken(alice, 0)), ErrInvalidRequest, "going back")
	assert.Equal(t, 0, h.session(alice).CurrentIndex)

	require.NoError(t, h.d.Action(h.ctx, alice, NextToken(alice, 1)))
	assert.Equal(t, 1, h.session(alice).CurrentIndex)
	acts := h.client.Activations()
	require.Len(t, acts, 2)
	assert.Equal(t, "B", acts[1].Button.Label)
	assert.Equal(t, resultsID, acts[1].Ref.ID)

	assert.ErrorIs(t, h.d.Action(h.ctx, alice, NextToken(alice, 1)), ErrInvalidRequest, "replayed next")

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(resultsID, fileMsg("1.mkv"))))
	require.NoError(t, h.d.Action(h.ctx, alice, NextToken(alice, 2)))
	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(resultsID, fileMsg("2.mkv"))))

	last, _ := h.deliverer.Last()
	assert.Contains(t, last.Content.Caption, "File 3 of 3")
	assert.Empty(t, last.Content.Controls, "no next control on the last result")

	assert.ErrorIs(t, h.d.Action(h.ctx, alice, NextToken(alice, 3)), ErrInvalidRequest, "past the end")
	assert.Equal(t, 2, h.session(alice).CurrentIndex)
}

func TestNextWhileResultLoadingIsRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	results := h.reply(h.lastSentID(), buttonsMsg("A", "B", "C"))
	require.NoError(t, h.d.HandleUpstream(h.ctx, results))

	assert.ErrorIs(t, h.d.Action(h.ctx, alice, NextToken(alice, 1)), ErrInvalidRequest)
	assert.Len(t, h.client.Activations(), 1)
	assert.Equal(t, 0, h.session(alice).CurrentIndex)

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(results.ID, fileMsg("item0.mkv"))))
	last, _ := h.deliverer.Last()
	require.NotNil(t, last.Content.File)
	assert.Equal(t, "F-item0.mkv", last.Content.File.FileID)
	assert.Contains(t, last.Content.Caption, "File 1 of 3")

	require.NoError(t, h.d.Action(h.ctx, alice, NextToken(alice, 1)))
	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(results.ID, fileMsg("item1.mkv"))))
	last, _ = h.deliverer.Last()
	require.NotNil(t, last.Content.File)
	assert.Equal(t, "F-item1.mkv", last.Content.File.FileID)
	assert.Contains(t, last.Content.Caption, "File 2 of 3")
}

func TestConcurrentFileAndNextKeepIndexConsistent(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t)
		resultsID := h.listing(alice, "matrix", 3)
		require.NoError(t, h.d.Action(h.ctx, alice, NextToken(alice, 1)))

		var (
			wg        sync.WaitGroup
			fileErr   error
			actionErr error
		)
		file := h.reply(resultsID, fileMsg("1.mkv"))
		wg.Add(2)
		go func() {
			defer wg.Done()
			fileErr = h.d.HandleUpstream(h.ctx, file)
		}()
		go func() {
			defer wg.Done()
			actionErr = h.d.Action(h.ctx, alice, NextToken(alice, 2))
		}()
		wg.Wait()

		require.NoError(t, fileErr)
		sess := h.session(alice)
		require.NoError(t, sess.Validate())

		var files []string
		for _, dl := range h.deliverer.For(alice) {
			if dl.Content.File != nil {
				files = append(files, dl.Content.File.FileID)
			}
		}
		require.Equal(t, []string{"F-0.mkv", "F-1.mkv"}, files)

		if actionErr != nil {
			assert.ErrorIs(t, actionErr, ErrInvalidRequest)
			assert.Equal(t, 1, sess.CurrentIndex)
			assert.Zero(t, sess.PendingKey)
			assert.Len(t, h.client.Activations(), 2)
		} else {
			assert.Equal(t, 2, sess.CurrentIndex)
			assert.Equal(t, resultsID, sess.PendingKey)
			assert.Len(t, h.client.Activations(), 3)
		}
	}
}

func TestNextActivationFailureKeepsIndex(t *testing.T) {
	h := newHarness(t)
	h.listing(alice, "matrix", 2)
	h.client.ActivateErr = errors.New("message deleted")

	err := h.d.Action(h.ctx, alice, NextToken(alice, 1))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, 0, h.session(alice).CurrentIndex)
	assert.Equal(t, domain.StateListing, h.session(alice).State)
}

func TestForgedTokenRejected(t *testing.T) {
	h := newHarness(t)
	h.listing(alice, "matrix", 3)
	h.listing(bob, "dune", 3)

	assert.ErrorIs(t, h.d.Action(h.ctx, bob, NextToken(alice, 1)), ErrInvalidRequest)
	assert.ErrorIs(t, h.d.Action(h.ctx, alice, "next_7_abc"), ErrInvalidRequest)
	assert.ErrorIs(t, h.d.Action(h.ctx, alice, "next_7_-1"), ErrInvalidRequest)
	assert.ErrorIs(t, h.d.Action(h.ctx, alice, "launch_missiles"), ErrInvalidRequest)

	assert.Equal(t, 0, h.session(alice).CurrentIndex)
	assert.Equal(t, 0, h.session(bob).CurrentIndex)
	assert.Len(t, h.client.Activations(), 2)
}

func TestNextWithoutSessionExpired(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.d.Action(h.ctx, alice, NextToken(alice, 1)), ErrSessionExpired)
}

func TestReplayedMessageIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	results := h.reply(h.lastSentID(), buttonsMsg("A", "B"))
	require.NoError(t, h.d.HandleUpstream(h.ctx, results))

	file := h.reply(results.ID, fileMsg("0.mkv"))
	require.NoError(t, h.d.HandleUpstream(h.ctx, file))
	before := len(h.deliverer.All())
	snapshot := *h.session(alice)

	require.NoError(t, h.d.HandleUpstream(h.ctx, file))
	require.NoError(t, h.d.HandleUpstream(h.ctx, results))

	assert.Len(t, h.deliverer.All(), before)
	assert.Len(t, h.client.Activations(), 1)
	assert.Equal(t, snapshot, *h.session(alice))
}

func TestTimeoutFailsRequestAndExpiresSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	results := h.reply(h.lastSentID(), buttonsMsg("A", "B"))
	require.NoError(t, h.d.HandleUpstream(h.ctx, results))

	h.clock.Advance(requestTimeout + time.Second)
	assert.Equal(t, 1, h.d.ExpirePending(h.ctx))
	assert.Equal(t, domain.RequestFailed, h.request(results.ID).Status)

	last, _ := h.deliverer.Last()
	assert.Equal(t, UserMessage(ErrTimeout), last.Content.Text)
	require.Len(t, last.Content.Controls, 2)

	assert.ErrorIs(t, h.d.Action(h.ctx, alice, NextToken(alice, 1)), ErrSessionExpired)

	late := h.reply(results.ID, fileMsg("0.mkv"))
	assert.ErrorIs(t, h.d.HandleUpstream(h.ctx, late), ErrCorrelationMiss)
}

func TestLateReplyWithoutSweepTimesOut(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	queryID := h.lastSentID()

	h.clock.Advance(requestTimeout + time.Second)
	err := h.d.HandleUpstream(h.ctx, h.reply(queryID, buttonsMsg("A")))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, domain.RequestFailed, h.request(queryID).Status)
	assert.Empty(t, h.client.Activations())
}

func TestLazyTimeoutOnNext(t *testing.T) {
	h := newHarness(t)
	resultsID := h.listing(alice, "matrix", 3)
	require.NoError(t, h.d.Action(h.ctx, alice, NextToken(alice, 1)))

	h.clock.Advance(requestTimeout + time.Second)
	assert.ErrorIs(t, h.d.Action(h.ctx, alice, NextToken(alice, 2)), ErrSessionExpired)
	assert.Equal(t, domain.RequestFailed, h.request(resultsID).Status)
}

func TestSupersededSessionDropsLateReply(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	firstID := h.lastSentID()
	require.NoError(t, h.d.Query(h.ctx, alice, "dune"))

	err := h.d.HandleUpstream(h.ctx, h.reply(firstID, buttonsMsg("A")))
	assert.ErrorIs(t, err, ErrCorrelationMiss)
	assert.Empty(t, h.client.Activations())
	assert.Equal(t, domain.StateSearching, h.session(alice).State)
	assert.Equal(t, "dune", h.session(alice).OriginalQuery)
}

func TestMessageWithoutReplyTargetIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	before := len(h.deliverer.All())

	err := h.d.HandleUpstream(h.ctx, h.reply(0, buttonsMsg("A")))
	assert.ErrorIs(t, err, ErrCorrelationMiss)
	assert.Len(t, h.deliverer.All(), before)
}

func TestJoinRequestResendsQueryOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	queryID := h.lastSentID()
	sessionID := h.session(alice).SessionID

	join := h.reply(queryID, automation.Message{Text: "Please join @films_hd first to use this bot"})
	require.NoError(t, h.d.HandleUpstream(h.ctx, join))

	assert.Equal(t, []string{"films_hd"}, h.client.Joins())
	sent := h.client.Sent()
	require.Len(t, sent, 2, "exactly one resend")
	assert.Equal(t, "matrix", sent[1].Text)

	sess := h.session(alice)
	assert.Equal(t, sessionID, sess.SessionID)
	assert.Equal(t, domain.StateSearching, sess.State)
	assert.Equal(t, sent[1].ID, sess.PendingKey)
	assert.Equal(t, domain.RequestCompleted, h.request(queryID).Status)

	resent := h.request(sent[1].ID)
	require.NotNil(t, resent)
	assert.Equal(t, sessionID, resent.SessionID)

	require.NoError(t, h.d.HandleUpstream(h.ctx, join))
	assert.Len(t, h.client.Sent(), 2, "replayed join does not resend")

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(sent[1].ID, buttonsMsg("A", "B"))))
	assert.Equal(t, domain.StateListing, h.session(alice).State)
}

func TestJoinRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.client.JoinErrs = []error{errors.New("flood wait")}
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(h.lastSentID(), automation.Message{Text: "Join t.me/films first"})))
	assert.Len(t, h.client.Joins(), 2)
	assert.Len(t, h.client.Sent(), 2)
}

func TestJoinFailureSurfacesUnavailable(t *testing.T) {
	h := newHarness(t)
	h.client.JoinErrs = []error{errors.New("banned"), errors.New("banned")}
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	queryID := h.lastSentID()

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(queryID, automation.Message{Text: "Join @films first"})))
	assert.Len(t, h.client.Joins(), 2)
	assert.Len(t, h.client.Sent(), 1)

	last, _ := h.deliverer.Last()
	assert.Equal(t, UserMessage(ErrUpstreamUnavailable), last.Content.Text)
	assert.Equal(t, domain.StateIdle, h.session(alice).State)
	assert.Equal(t, domain.RequestFailed, h.request(queryID).Status)
}

func TestJoinWithoutChannelSurfacesUpstreamError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(h.lastSentID(), automation.Message{Text: "Membership required"})))
	assert.Empty(t, h.client.Joins())

	last, _ := h.deliverer.Last()
	assert.Equal(t, UserMessage(ErrUpstreamError), last.Content.Text)
	assert.Equal(t, domain.StateIdle, h.session(alice).State)
}

func TestUpstreamErrorIdlesSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrixx"))
	queryID := h.lastSentID()

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(queryID, automation.Message{Text: "Could not find it, check spelling"})))

	last, _ := h.deliverer.Last()
	assert.Contains(t, last.Content.Text, "Could not find it")
	require.Len(t, last.Content.Controls, 2)
	assert.Equal(t, TokenRetry, last.Content.Controls[0].Token)
	assert.Equal(t, domain.StateIdle, h.session(alice).State)
	assert.Equal(t, domain.RequestFailed, h.request(queryID).Status)
	assert.Zero(t, h.d.PendingCount())
}

func TestRetryResendsOriginalQuery(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(h.lastSentID(), automation.Message{Text: "Service unavailable"})))
	oldSession := h.session(alice).SessionID

	require.NoError(t, h.d.Action(h.ctx, alice, TokenRetry))
	sent := h.client.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "matrix", sent[1].Text)
	assert.NotEqual(t, oldSession, h.session(alice).SessionID)
	assert.Equal(t, domain.StateSearching, h.session(alice).State)
}

func TestRetryWithoutSessionExpired(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.d.Action(h.ctx, alice, TokenRetry), ErrSessionExpired)
}

func TestNewSearchClearsSession(t *testing.T) {
	h := newHarness(t)
	h.listing(alice, "matrix", 2)

	require.NoError(t, h.d.Action(h.ctx, alice, TokenNewSearch))
	assert.Nil(t, h.session(alice))
	last, _ := h.deliverer.Last()
	assert.Equal(t, newSearchText, last.Content.Text)
}

func TestFileWhileSearchingIsSingleResult(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "readme.pdf"))

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(h.lastSentID(), fileMsg("readme.pdf"))))
	last, _ := h.deliverer.Last()
	require.NotNil(t, last.Content.File)
	assert.Contains(t, last.Content.Caption, "File 1 of 1")
	assert.Empty(t, last.Content.Controls)

	sess := h.session(alice)
	assert.Equal(t, 1, sess.TotalResults)
	assert.Equal(t, domain.StateListing, sess.State)
}

func TestPlainTextMarksProcessing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))
	queryID := h.lastSentID()
	before := len(h.deliverer.All())

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(queryID, automation.Message{Text: "Searching our archive..."})))
	assert.Len(t, h.deliverer.All(), before)
	assert.Equal(t, domain.RequestProcessing, h.request(queryID).Status)

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(queryID, buttonsMsg("A"))))
	assert.Equal(t, domain.StateListing, h.session(alice).State)
}

func TestActivationFailureAfterButtonsIdles(t *testing.T) {
	h := newHarness(t)
	h.client.ActivateOK = false
	require.NoError(t, h.d.Query(h.ctx, alice, "matrix"))

	require.NoError(t, h.d.HandleUpstream(h.ctx, h.reply(h.lastSentID(), buttonsMsg("A", "B"))))
	last, _ := h.deliverer.Last()
	assert.Equal(t, UserMessage(ErrUpstreamUnavailable), last.Content.Text)
	assert.Equal(t, domain.StateIdle, h.session(alice).State)
}

func TestUsersAreIsolated(t *testing.T) {
	h := newHarness(t)
	h.listing(alice, "matrix", 2)
	h.listing(bob, "dune", 4)

	assert.Len(t, h.deliverer.For(alice), 2)
	assert.Len(t, h.deliverer.For(bob), 2)
	assert.Equal(t, 2, h.session(alice).TotalResults)
	assert.Equal(t, 4, h.session(bob).TotalResults)
}

func TestUserMessageAndKind(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), ErrSessionExpired)
	assert.Equal(t, "session_expired", Kind(wrapped))
	assert.Equal(t, UserMessage(ErrSessionExpired), UserMessage(wrapped))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
	assert.Empty(t, Kind(nil))
}
