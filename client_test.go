package rtm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ConnectsAndGoesLive(t *testing.T) {
	tr := newFakeTransport()
	var mu sync.Mutex
	var transitions []string
	rc := startClient(t, nil, testConfig(tr), func(c *Client) {
		c.OnStateChange(func(from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, string(from)+"->"+string(to))
		})
	})

	conn := tr.next(t)
	rc.waitState(t, StateAuthenticating)
	conn.hello(false)
	rc.waitState(t, StateLive)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "disconnected->connecting", transitions[0])
	assert.Contains(t, transitions, "connecting->authenticating")
	assert.Contains(t, transitions, "authenticating->live")

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, "Bearer xoxc-test", tr.headers[0].Get("Authorization"))
	assert.Equal(t, "wss://rtm.test/ws", tr.urls[0])
}

func TestClient_InboundEventsReachStore(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, false)

	conn.send(`not json at all`)
	conn.send(`{"type":"message","channel":"C1","user":"U2","text":"hello","ts":"1700000000.000100","cursor":"c-1"}`)
	conn.send(`{"type":"presence_change","user":"U2","presence":"active"}`)
	conn.send(`{"type":"some_future_event","cursor":"c-2"}`)

	require.Eventually(t, func() bool { return store.Cursor() == "c-2" }, waitFor, 2*time.Millisecond)

	msgs := store.Messages("C1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "1700000000.000100", msgs[0].ID)
	assert.Equal(t, DeliverySent, msgs[0].DeliveryState)
	u, ok := store.GetUser("U2")
	require.True(t, ok)
	assert.Equal(t, "active", u.Presence)
}

func TestClient_ReadMarkerLastValueWins(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	store.UpsertChat(Chat{ID: "C2", UnreadCount: 7, DMCount: 1})
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, false)

	conn.send(`{"type":"chats_marked","channel":"C1","dm_count":2,"unread_count_display":9}`)
	conn.send(`{"type":"message","channel":"C3","user":"U2","text":"x","ts":"1700000000.000200"}`)
	conn.send(`{"type":"chats_marked","channel":"C1","dm_count":0,"unread_count_display":3,"cursor":"done"}`)

	require.Eventually(t, func() bool { return store.Cursor() == "done" }, waitFor, 2*time.Millisecond)

	c1, ok := store.GetChat("C1")
	require.True(t, ok)
	assert.Equal(t, 3, c1.UnreadCount)
	assert.Equal(t, 0, c1.DMCount)

	c2, _ := store.GetChat("C2")
	assert.Equal(t, 7, c2.UnreadCount)
	assert.Equal(t, 1, c2.DMCount)
}

func TestClient_SendWhileDisconnectedDeliversOnce(t *testing.T) {
	tr := newFakeTransport()
	tr.setDown(true)
	store := NewStore()
	cfg := testConfig(tr)
	cfg.CommandRetryBaseDelay = time.Second
	cfg.CommandRetryMaxDelay = 5 * time.Second
	rc := startClient(t, store, cfg)

	// temp and final ids of one message must never be visible together
	var overlap atomic.Bool
	sub := store.Subscribe(ChatKey("C1"), func(Change) {
		seen := map[string]int{}
		for _, m := range store.Messages("C1") {
			seen[m.ClientMsgID]++
			if seen[m.ClientMsgID] > 1 {
				overlap.Store(true)
			}
		}
	})
	defer sub.Close()

	id := submit(t, rc, SendMessage{ChatID: "C1", Text: "hi"})

	msgs := store.Messages("C1")
	require.Len(t, msgs, 1)
	assert.Equal(t, tempIDPrefix+id, msgs[0].ID)
	assert.Equal(t, DeliveryPending, msgs[0].DeliveryState)
	assert.Equal(t, id, msgs[0].CorrelationID)

	tr.setDown(false)
	conn := connectLive(t, rc, tr, false)

	f := conn.nextFrame(t)
	assert.Equal(t, "message", f.Type)
	assert.Equal(t, FrameID(id), f.ID)
	assert.Equal(t, "C1", f.Channel)
	assert.Equal(t, "hi", f.Text)
	assert.Equal(t, id, f.ClientMsgID)

	conn.send(fmt.Sprintf(`{"reply_to":%q,"ok":true,"ts":"1700000001.000100"}`, id))
	conn.send(fmt.Sprintf(`{"type":"message","channel":"C1","user":"U_SELF","text":"hi","ts":"1700000001.000100","client_msg_id":%q,"cursor":"after-echo"}`, id))
	require.Eventually(t, func() bool { return store.Cursor() == "after-echo" }, waitFor, 2*time.Millisecond)

	msgs = store.Messages("C1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "1700000001.000100", msgs[0].ID)
	assert.Equal(t, DeliverySent, msgs[0].DeliveryState)
	_, ok := store.GetMessage(tempIDPrefix + id)
	assert.False(t, ok)
	assert.Len(t, conn.framesOfType(t, "message"), 1)
	assert.False(t, overlap.Load())

	st, known := rc.CommandStatus(id)
	require.True(t, known)
	assert.Equal(t, CommandResolved, st)
	assert.Empty(t, rc.Pending())
}

func TestClient_EchoBeforeAck(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	id := submit(t, rc, SendMessage{ChatID: "C1", Text: "race"})
	conn.nextFrame(t)

	conn.send(fmt.Sprintf(`{"type":"message","channel":"C1","user":"U_SELF","text":"race","ts":"1700000002.000100","client_msg_id":%q}`, id))
	conn.send(fmt.Sprintf(`{"reply_to":%q,"ok":true,"ts":"1700000002.000100","cursor":"late-ack"}`, id))
	require.Eventually(t, func() bool { return store.Cursor() == "late-ack" }, waitFor, 2*time.Millisecond)

	msgs := store.Messages("C1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "1700000002.000100", msgs[0].ID)
	assert.Equal(t, DeliverySent, msgs[0].DeliveryState)
}

func TestClient_SendFailsAfterRetriesWithoutNetwork(t *testing.T) {
	tr := newFakeTransport()
	tr.setDown(true)
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))

	failures := make(chan *CommandFailure, 1)
	rc.OnCommandFailed(func(f *CommandFailure) {
		select {
		case failures <- f:
		default:
		}
	})

	id := submit(t, rc, SendMessage{ChatID: "C1", Text: "hi"})

	var f *CommandFailure
	select {
	case f = <-failures:
	case <-time.After(waitFor):
		t.Fatal("command did not fail")
	}
	assert.Equal(t, id, f.CorrelationID)
	assert.Equal(t, 4, f.Attempts)
	assert.True(t, errors.Is(f, ErrNotConnected))
	assert.Equal(t, tempIDPrefix+id, f.MessageID)

	msgs := store.Messages("C1")
	require.Len(t, msgs, 1)
	assert.Equal(t, DeliveryFailed, msgs[0].DeliveryState)
	assert.True(t, msgs[0].Retryable())

	// retry once the network is back
	tr.setDown(false)
	conn := connectLive(t, rc, tr, false)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	retryID, err := rc.Retry(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, id, retryID)

	frame := conn.nextFrame(t)
	assert.Equal(t, FrameID(retryID), frame.ID)
	assert.Equal(t, id, frame.ClientMsgID)

	conn.send(fmt.Sprintf(`{"reply_to":%q,"ok":true,"ts":"1700000003.000100"}`, retryID))
	require.Eventually(t, func() bool {
		m := store.Messages("C1")
		return len(m) == 1 && m[0].ID == "1700000003.000100" && m[0].DeliveryState == DeliverySent
	}, waitFor, 2*time.Millisecond)
}

func TestClient_PermanentNegativeAckFailsImmediately(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	failures := make(chan *CommandFailure, 1)
	rc.OnCommandFailed(func(f *CommandFailure) {
		select {
		case failures <- f:
		default:
		}
	})

	id := submit(t, rc, SendMessage{ChatID: "C1", Text: "nope"})
	conn.nextFrame(t)
	conn.send(fmt.Sprintf(`{"reply_to":%q,"ok":false,"error":{"code":"channel_not_found","msg":"gone"}}`, id))

	select {
	case f := <-failures:
		assert.Equal(t, 1, f.Attempts)
		var apiErr *APIError
		require.ErrorAs(t, f, &apiErr)
		assert.Equal(t, "channel_not_found", apiErr.Code)
	case <-time.After(waitFor):
		t.Fatal("command did not fail")
	}
	m, ok := store.GetMessage(tempIDPrefix + id)
	require.True(t, ok)
	assert.Equal(t, DeliveryFailed, m.DeliveryState)
}

func TestClient_RetryableNegativeAckRetries(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	id := submit(t, rc, SendMessage{ChatID: "C1", Text: "busy"})
	first := conn.nextFrame(t)
	conn.send(fmt.Sprintf(`{"reply_to":%q,"ok":false,"error":"rate_limited"}`, id))

	second := conn.nextFrame(t)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ClientMsgID, second.ClientMsgID)

	conn.send(fmt.Sprintf(`{"reply_to":%q,"ok":true,"ts":"1700000004.000100"}`, id))
	require.Eventually(t, func() bool {
		m, ok := store.GetMessage("1700000004.000100")
		return ok && m.DeliveryState == DeliverySent
	}, waitFor, 2*time.Millisecond)
}

func TestClient_OneSendInFlightPerChat(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	first := submit(t, rc, SendMessage{ChatID: "C1", Text: "one"})
	second := submit(t, rc, SendMessage{ChatID: "C1", Text: "two"})
	other := submit(t, rc, SendMessage{ChatID: "C2", Text: "elsewhere"})

	got := []FrameID{conn.nextFrame(t).ID, conn.nextFrame(t).ID}
	assert.ElementsMatch(t, []FrameID{FrameID(first), FrameID(other)}, got)
	assert.Len(t, conn.framesOfType(t, "message"), 2)

	conn.send(fmt.Sprintf(`{"reply_to":%q,"ok":true,"ts":"1700000005.000100"}`, first))
	f := conn.nextFrame(t)
	assert.Equal(t, FrameID(second), f.ID)
	assert.Equal(t, "two", f.Text)

	msgs := store.Messages("C1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)
}

func TestClient_AckTimeoutRetries(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig(tr)
	cfg.AckTimeout = 30 * time.Millisecond
	rc := startClient(t, NewStore(), cfg)
	conn := connectLive(t, rc, tr, true)

	id := submit(t, rc, MarkSeen{ChatID: "C1", TS: "1700000000.000100"})
	first := conn.nextFrame(t)
	assert.Equal(t, "mark", first.Type)
	second := conn.nextFrame(t)
	assert.Equal(t, FrameID(id), second.ID)
}

func TestClient_TypingIsThrottledAndNotRetried(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	submit(t, rc, SetTyping{ChatID: "C1", IsTyping: true})
	submit(t, rc, SetTyping{ChatID: "C1", IsTyping: true})
	f := conn.nextFrame(t)
	assert.Equal(t, "typing", f.Type)

	c, _ := store.GetChat("C1")
	assert.True(t, c.SelfTyping)
	assert.Empty(t, store.TypingUsers("C1"))

	submit(t, rc, SetTyping{ChatID: "C1", IsTyping: false})
	c, _ = store.GetChat("C1")
	assert.False(t, c.SelfTyping)
	assert.Len(t, conn.framesOfType(t, "typing"), 1)
}

func TestClient_InboundTypingExpires(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	conn.send(`{"type":"user_typing","channel":"C1","user":"U_SELF"}`)
	conn.send(`{"type":"user_typing","channel":"C1","user":"U2"}`)
	require.Eventually(t, func() bool { return len(store.TypingUsers("C1")) == 1 }, waitFor, 2*time.Millisecond)
	assert.Equal(t, []string{"U2"}, store.TypingUsers("C1"))

	require.Eventually(t, func() bool { return len(store.TypingUsers("C1")) == 0 }, waitFor, 5*time.Millisecond)
}

func TestClient_MarkSeenIsOptimistic(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	conn.send(`{"type":"message","channel":"C1","user":"U2","text":"a","ts":"1700000000.000100"}`)
	conn.send(`{"type":"channel_marked","channel":"C1","unread_count_display":4,"dm_count":1,"cursor":"m"}`)
	require.Eventually(t, func() bool { return store.Cursor() == "m" }, waitFor, 2*time.Millisecond)

	submit(t, rc, MarkSeen{ChatID: "C1"})
	c, _ := store.GetChat("C1")
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, 0, c.DMCount)
	assert.Equal(t, "1700000000.000100", c.LastRead)

	f := conn.nextFrame(t)
	assert.Equal(t, "mark", f.Type)
	assert.Equal(t, "1700000000.000100", f.TS)
}

func TestClient_NonResumableReconnectMarksOpenChatsStale(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, false)

	for _, id := range []string{"C1", "C2"} {
		sub := store.Subscribe(ChatKey(id), func(Change) {})
		defer sub.Close()
	}
	conn.send(`{"type":"message","channel":"C1","user":"U2","text":"a","ts":"1700000000.000100","cursor":"pos-9"}`)
	conn.send(`{"type":"message","channel":"C3","user":"U2","text":"b","ts":"1700000000.000200"}`)
	require.Eventually(t, func() bool { return len(store.Messages("C3")) == 1 }, waitFor, 2*time.Millisecond)

	conn.Close("network drop")
	next := tr.next(t)
	rc.waitState(t, StateAuthenticating)
	urls := tr.dialURLs()
	assert.Contains(t, urls[len(urls)-1], "cursor=pos-9")

	next.hello(false)
	require.Eventually(t, func() bool {
		c1, _ := store.GetChat("C1")
		c2, _ := store.GetChat("C2")
		return c1.NeedsResync && c2.NeedsResync
	}, waitFor, 2*time.Millisecond)
	c3, _ := store.GetChat("C3")
	assert.False(t, c3.NeedsResync)
}

type fakeResyncer struct {
	mu       sync.Mutex
	calls    []string
	failures int // the first calls fail with a network error
}

func (f *fakeResyncer) Resync(ctx context.Context, chatID string) (ChatState, []Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, chatID)
	fail := len(f.calls) <= f.failures
	f.mu.Unlock()
	if fail {
		return ChatState{}, nil, &NetworkError{Op: "conversations.info", Err: errors.New("HTTP 502")}
	}
	return ChatState{UnreadCount: 2, LastRead: "1700000000.000100"}, []Message{
		{ID: "1700000000.000300", Author: "U2", Text: "missed", SentAt: parseTS("1700000000.000300")},
	}, nil
}

func TestClient_ResyncRefreshesStaleChats(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	store.UpsertMessage(Message{ID: "1700000000.000100", ChatID: "C1", Author: "U2", Text: "old",
		SentAt: parseTS("1700000000.000100"), DeliveryState: DeliverySent})
	sub := store.Subscribe(ChatKey("C1"), func(Change) {})
	defer sub.Close()

	res := &fakeResyncer{}
	cfg := testConfig(tr)
	cfg.Resyncer = res
	rc := startClient(t, store, cfg)
	connectLive(t, rc, tr, false)

	require.Eventually(t, func() bool {
		c, _ := store.GetChat("C1")
		return !c.NeedsResync && c.UnreadCount == 2
	}, waitFor, 2*time.Millisecond)

	msgs := store.Messages("C1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "missed", msgs[1].Text)
	res.mu.Lock()
	defer res.mu.Unlock()
	assert.Equal(t, []string{"C1"}, res.calls)
}

func TestClient_ResyncRetriesAfterNetworkError(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	store.UpsertMessage(Message{ID: "1700000000.000100", ChatID: "C1", Author: "U2", Text: "old",
		SentAt: parseTS("1700000000.000100"), DeliveryState: DeliverySent})
	sub := store.Subscribe(ChatKey("C1"), func(Change) {})
	defer sub.Close()

	res := &fakeResyncer{failures: 2}
	cfg := testConfig(tr)
	cfg.Resyncer = res
	rc := startClient(t, store, cfg)
	connectLive(t, rc, tr, false)

	require.Eventually(t, func() bool {
		c, _ := store.GetChat("C1")
		return !c.NeedsResync && c.UnreadCount == 2
	}, waitFor, 2*time.Millisecond)

	res.mu.Lock()
	defer res.mu.Unlock()
	assert.Equal(t, []string{"C1", "C1", "C1"}, res.calls)
}

func TestClient_SubmitFromSubscriber(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	// mark the chat seen as soon as a message shows up, like an open chat screen
	var marked atomic.Bool
	submitErr := make(chan error, 1)
	sub := store.Subscribe(ChatKey("C1"), func(c Change) {
		if c.Message == nil || c.Message.Author != "U2" || !marked.CompareAndSwap(false, true) {
			return
		}
		_, err := rc.Submit(context.Background(), MarkSeen{ChatID: "C1"})
		submitErr <- err
	})
	defer sub.Close()

	conn.send(`{"type":"message","channel":"C1","user":"U2","text":"a","ts":"1700000000.000100"}`)

	select {
	case err := <-submitErr:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Submit did not return")
	}
	f := conn.nextFrame(t)
	assert.Equal(t, "mark", f.Type)
	assert.Equal(t, "1700000000.000100", f.TS)

	c, _ := store.GetChat("C1")
	assert.Equal(t, "1700000000.000100", c.LastRead)
}

func TestClient_RetryFromFailureObserver(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	retried := make(chan string, 1)
	rc.OnCommandFailed(func(f *CommandFailure) {
		id, err := rc.Retry(context.Background(), f.MessageID)
		assert.NoError(t, err)
		retried <- id
	})

	id := submit(t, rc, SendMessage{ChatID: "C1", Text: "again"})
	conn.nextFrame(t)
	conn.send(fmt.Sprintf(`{"reply_to":%q,"ok":false,"error":"msg_too_long"}`, id))

	var retryID string
	select {
	case retryID = <-retried:
	case <-time.After(waitFor):
		t.Fatal("Retry did not return")
	}
	f := conn.nextFrame(t)
	assert.Equal(t, FrameID(retryID), f.ID)
	assert.Equal(t, id, f.ClientMsgID)
}

func TestClient_MessageEditsAndDeletes(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	rc := startClient(t, store, testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	conn.send(`{"type":"message","channel":"C1","user":"U2","text":"teh","ts":"1700000000.000100"}`)
	conn.send(`{"type":"message","channel":"C1","user":"U2","text":"gone soon","ts":"1700000000.000200"}`)
	conn.send(`{"type":"message","subtype":"message_changed","channel":"C1","ts":"1700000000.000300","message":{"user":"U2","text":"the","ts":"1700000000.000100"}}`)
	conn.send(`{"type":"message","subtype":"message_deleted","channel":"C1","ts":"1700000000.000400","deleted_ts":"1700000000.000200"}`)
	conn.send(`{"type":"message","subtype":"message_replied","channel":"C1","ts":"1700000000.000500","cursor":"edits"}`)
	require.Eventually(t, func() bool { return store.Cursor() == "edits" }, waitFor, 2*time.Millisecond)

	msgs := store.Messages("C1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "1700000000.000100", msgs[0].ID)
	assert.Equal(t, "the", msgs[0].Text)
	assert.True(t, msgs[0].Edited)
}

func TestClient_GoodbyeAndReconnectURL(t *testing.T) {
	tr := newFakeTransport()
	rc := startClient(t, NewStore(), testConfig(tr))
	conn := connectLive(t, rc, tr, false)

	conn.send(`{"type":"reconnect_url","url":"wss://rtm2.test/ws"}`)
	conn.send(`{"type":"goodbye"}`)

	tr.next(t)
	require.Eventually(t, conn.isClosed, waitFor, 2*time.Millisecond)
	urls := tr.dialURLs()
	assert.True(t, strings.HasPrefix(urls[len(urls)-1], "wss://rtm2.test/ws"), urls)
}

func TestClient_HeartbeatTimeoutReconnects(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig(tr)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	rc := startClient(t, NewStore(), cfg)
	conn := connectLive(t, rc, tr, true)

	require.Eventually(t, func() bool { return len(conn.framesOfType(t, "ping")) > 0 }, waitFor, 2*time.Millisecond)
	next := tr.next(t)
	assert.True(t, conn.isClosed())
	assert.NotNil(t, next)
}

func TestClient_PongKeepsSessionAlive(t *testing.T) {
	tr := newFakeTransport()
	cfg := testConfig(tr)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	rc := startClient(t, NewStore(), cfg)
	conn := connectLive(t, rc, tr, true)

	for i := 0; i < 3; i++ {
		var ping OutboundFrame
		require.Eventually(t, func() bool {
			pings := conn.framesOfType(t, "ping")
			if len(pings) <= i {
				return false
			}
			ping = pings[i]
			return true
		}, waitFor, 2*time.Millisecond)
		conn.send(fmt.Sprintf(`{"type":"pong","reply_to":%q}`, ping.ID))
	}
	assert.Equal(t, StateLive, rc.State())
	assert.False(t, conn.isClosed())
}

func TestClient_AuthErrors(t *testing.T) {
	t.Run("handshake rejected", func(t *testing.T) {
		tr := newFakeTransport()
		tr.fail = []error{&AuthError{Code: "handshake_rejected", Status: 401}}
		rc := startClient(t, NewStore(), testConfig(tr))

		var authErr *AuthError
		require.ErrorAs(t, rc.runErr(t), &authErr)
		assert.Equal(t, 401, authErr.Status)
		assert.Equal(t, StateDisconnected, rc.State())
	})

	t.Run("error frame", func(t *testing.T) {
		tr := newFakeTransport()
		rc := startClient(t, NewStore(), testConfig(tr))
		conn := tr.next(t)
		conn.send(`{"type":"error","error":{"code":"invalid_auth","msg":"bad token"}}`)

		var authErr *AuthError
		require.ErrorAs(t, rc.runErr(t), &authErr)
		assert.Equal(t, "invalid_auth", authErr.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}).SignedString([]byte("secret"))
		require.NoError(t, err)

		tr := newFakeTransport()
		cfg := testConfig(tr)
		cfg.Token = token
		rc := startClient(t, NewStore(), cfg)

		var authErr *AuthError
		require.ErrorAs(t, rc.runErr(t), &authErr)
		assert.Equal(t, "token_expired", authErr.Code)
		assert.Empty(t, tr.dialURLs())
	})
}

func TestClient_ReconnectBudgetSpentParksSession(t *testing.T) {
	tr := newFakeTransport()
	tr.setDown(true)
	store := NewStore()
	cfg := testConfig(tr)
	cfg.MaxReconnectAttempts = 3
	cfg.CommandRetryBaseDelay = time.Second
	cfg.CommandRetryMaxDelay = 5 * time.Second
	rc := startClient(t, store, cfg)

	require.Eventually(t, func() bool {
		return len(tr.dialURLs()) == 4 && rc.State() == StateDisconnected
	}, waitFor, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tr.dialURLs(), 4)
	select {
	case err := <-rc.errCh:
		t.Fatalf("Run returned: %v", err)
	default:
	}

	// commands are still accepted while parked
	id := submit(t, rc, SendMessage{ChatID: "C1", Text: "queued"})
	m, ok := store.GetMessage(tempIDPrefix + id)
	require.True(t, ok)
	assert.Equal(t, DeliveryPending, m.DeliveryState)

	tr.setDown(false)
	rc.Reconnect()
	conn := connectLive(t, rc, tr, false)

	f := conn.nextFrame(t)
	assert.Equal(t, FrameID(id), f.ID)
	assert.Equal(t, "queued", f.Text)
}

func TestClient_ReconnectIgnoredWhileLive(t *testing.T) {
	tr := newFakeTransport()
	rc := startClient(t, NewStore(), testConfig(tr))
	conn := connectLive(t, rc, tr, true)

	rc.Reconnect()
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, tr.dialURLs(), 1)
	assert.Equal(t, StateLive, rc.State())
	assert.False(t, conn.isClosed())
}

func TestClient_SubmitBeforeRun(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	c := NewClient(store, testConfig(tr))

	id, err := c.Submit(context.Background(), SendMessage{ChatID: "C1", Text: "early"})
	require.NoError(t, err)
	st, ok := c.CommandStatus(id)
	require.True(t, ok)
	assert.Equal(t, CommandSubmitted, st)
	require.Len(t, c.Pending(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()

	conn := tr.next(t)
	conn.hello(true)
	f := conn.nextFrame(t)
	assert.Equal(t, FrameID(id), f.ID)
}

func TestClient_SubmitAfterRunReturns(t *testing.T) {
	tr := newFakeTransport()
	rc := startClient(t, NewStore(), testConfig(tr))
	rc.stop()
	require.ErrorIs(t, rc.runErr(t), context.Canceled)

	_, err := rc.Submit(context.Background(), SendMessage{ChatID: "C1", Text: "late"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, rc.Store().Messages("C1"))
}

func TestClient_StopFailsQueuedSends(t *testing.T) {
	tr := newFakeTransport()
	tr.setDown(true)
	store := NewStore()
	cfg := testConfig(tr)
	cfg.CommandRetryBaseDelay = time.Minute
	rc := startClient(t, store, cfg)

	id := submit(t, rc, SendMessage{ChatID: "C1", Text: "never"})
	rc.stop()
	require.ErrorIs(t, rc.runErr(t), context.Canceled)

	m, ok := store.GetMessage(tempIDPrefix + id)
	require.True(t, ok)
	assert.Equal(t, DeliveryFailed, m.DeliveryState)
	st, _ := rc.CommandStatus(id)
	assert.Equal(t, CommandFailed, st)
	assert.Empty(t, rc.Pending())
}

func TestClient_SubmitRejectsInvalidCommands(t *testing.T) {
	tr := newFakeTransport()
	rc := startClient(t, NewStore(), testConfig(tr))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := rc.Submit(ctx, SendMessage{ChatID: "C1"})
	assert.Error(t, err)
	_, err = rc.Submit(ctx, MarkSeen{})
	assert.Error(t, err)
}
