// Package rtm is the real-time messaging core of a chat client.
//
// A Client keeps one stream session to the RTM service alive, decodes and
// routes inbound events into a normalized Store, and delivers outbound
// commands with optimistic local effects, acknowledgement tracking and
// retries.
//
// Example:
//
//	store := rtm.NewStore()
//	client := rtm.NewClient(store, rtm.Config{
//		URL:        "wss://rtm.example.com/ws",
//		Token:      token,
//		SelfUserID: "U123",
//	})
//	sub := store.Subscribe(rtm.ChatKey("C42"), func(c rtm.Change) { render(c) })
//	defer sub.Close()
//
//	go client.Run(ctx)
//	client.Submit(ctx, rtm.SendMessage{ChatID: "C42", Text: "hi"})
package rtm

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// resyncTimeout bounds the Web API calls for one chat.
const resyncTimeout = 30 * time.Second

// resyncRetry tracks a chat whose refresh failed for lack of network.
type resyncRetry struct {
	attempts int
	due      time.Time
}

type resyncResult struct {
	chatID string
	state  ChatState
	msgs   []Message
	err    error
}

// Client runs the session. Session and queue state is owned by the
// goroutine that calls Run; the other methods never wait for it and are safe
// to call from store subscribers and observers.
type Client struct {
	cfg    Config
	log    *zap.Logger
	store  *Store
	conn   *connManager
	outbox *outbox
	router *Router

	resyncCh    chan resyncResult
	resyncing   map[string]bool
	resyncRetry map[string]*resyncRetry
	resyncDelay backoff
	reconnectCh chan struct{}
	running     atomic.Bool
	loopCtx     context.Context
	fatal       error

	mu          sync.RWMutex
	state       State
	onState     []func(from, to State)
	onCmdFailed []func(*CommandFailure)
}

// NewClient creates a client that writes into store. A nil store gets a
// fresh one.
func NewClient(store *Store, cfg Config) *Client {
	cfg.defaults()
	if store == nil {
		store = NewStore()
	}
	store.log = cfg.Logger.Named("store")

	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger,
		store:    store,
		conn:     newConnManager(&cfg),
		outbox:   newOutbox(store, &cfg),
		resyncCh:    make(chan resyncResult, 16),
		resyncing:   make(map[string]bool),
		resyncRetry: make(map[string]*resyncRetry),
		resyncDelay: backoff{base: cfg.CommandRetryBaseDelay, max: cfg.CommandRetryMaxDelay},
		reconnectCh: make(chan struct{}, 1),
		state:       StateDisconnected,
	}
	c.conn.observers = append(c.conn.observers, c.onTransition)
	c.outbox.onFailed = append(c.outbox.onFailed, c.onFailure)
	c.router = NewRouter(Handlers{
		Message:    c.handleMessage,
		Typing:     c.handleTyping,
		ReadMarker: c.handleReadMarker,
		Presence:   c.handlePresence,
		Ack:        c.handleAck,
		Control:    c.handleControl,
	}, cfg.Logger.Named("router"))
	return c
}

// Store returns the entity store the client writes into.
func (c *Client) Store() *Store { return c.store }

// State returns the current session state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers an observer for session transitions. Observers
// run on the event loop and must not block.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnCommandFailed registers an observer for commands that gave up.
func (c *Client) OnCommandFailed(fn func(*CommandFailure)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCmdFailed = append(c.onCmdFailed, fn)
}

func (c *Client) onTransition(from, to State) {
	c.mu.Lock()
	c.state = to
	observers := slices.Clone(c.onState)
	c.mu.Unlock()

	if from == StateLive {
		c.outbox.connectionLost()
	}
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("state observer panicked", zap.Any("panic", r))
				}
			}()
			fn(from, to)
		}()
	}
}

func (c *Client) onFailure(f *CommandFailure) {
	c.mu.RLock()
	observers := slices.Clone(c.onCmdFailed)
	c.mu.RUnlock()
	for _, fn := range observers {
		fn(f)
	}
}

// ============================================================================
// Event loop
// ============================================================================

// Run connects and processes the session until ctx is cancelled or an
// *AuthError ends it. When a finite reconnect budget is spent the session
// stays disconnected, still accepting commands, until Reconnect is called.
// Run may be called once per Client; the Store outlives it.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("rtm: Run called twice")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.loopCtx = ctx
	defer func() {
		c.conn.shutdown("client stopped")
		for _, op := range c.outbox.close() {
			c.outbox.enqueue(op)
		}
		c.outbox.abandon()
	}()

	if err := c.conn.connect(ctx, c.store.Cursor()); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-c.conn.dialCh:
			c.setFatal(c.conn.onDial(ctx, res))
		case f := <-c.conn.inboundCh:
			c.handleFrame(ctx, f)
		case <-c.conn.redialC():
			c.conn.redial = nil
			c.setFatal(c.conn.connect(ctx, c.store.Cursor()))
		case <-c.reconnectCh:
			c.reconnect(ctx)
		case <-c.outbox.wake:
			c.drainInbox(ctx)
		case r := <-c.resyncCh:
			c.applyResync(r)
		case <-ticker.C:
			c.tick(ctx)
		}
		if c.fatal != nil {
			c.log.Error("session ended", zap.Error(c.fatal))
			return c.fatal
		}
		c.outbox.publish()
	}
}

// Reconnect dials right away when the session is disconnected or waiting to
// reconnect, and restores the reconnect budget. It does not block.
func (c *Client) Reconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *Client) reconnect(ctx context.Context) {
	if !c.conn.parked() && c.conn.state != StateReconnecting {
		return
	}
	c.log.Info("reconnect requested", zap.String("state", string(c.conn.state)))
	c.conn.resetRetries()
	c.setFatal(c.conn.connect(ctx, c.store.Cursor()))
}

// drainInbox queues the commands handed over by Submit and Retry.
func (c *Client) drainInbox(ctx context.Context) {
	for _, op := range c.outbox.take() {
		c.outbox.enqueue(op)
	}
	c.outbox.publish()
	c.outbox.flush(ctx, loopWriter{c})
}

func (c *Client) setFatal(err error) {
	if err != nil && c.fatal == nil {
		c.fatal = err
	}
}

func (c *Client) tick(ctx context.Context) {
	c.setFatal(c.conn.tick(ctx))
	c.outbox.checkTimeouts()
	c.outbox.flush(ctx, loopWriter{c})
	c.store.SweepTyping()
	c.retryResyncs()
}

func (c *Client) handleFrame(ctx context.Context, f inboundFrame) {
	if f.gen != c.conn.gen {
		return
	}
	if f.err != nil {
		if ctx.Err() != nil {
			return
		}
		c.conn.drop(&NetworkError{Op: "read", Err: f.err})
		return
	}
	ev, err := Decode(f.data)
	if err != nil {
		c.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	c.router.Route(ev)
	if cur := ev.Cursor(); cur != "" {
		c.store.SetCursor(cur)
	}
}

// loopWriter writes frames for the outbox and drops the connection when a
// write fails.
type loopWriter struct{ c *Client }

func (w loopWriter) live() bool { return w.c.conn.live() }

func (w loopWriter) write(ctx context.Context, data []byte) error {
	err := w.c.conn.write(ctx, data)
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		w.c.conn.drop(err)
	}
	return err
}

// ============================================================================
// Commands
// ============================================================================

// Submit applies cmd's optimistic effect to the store, hands it to the event
// loop and returns its correlation id. It does not wait for the loop, so it
// may be called from a store subscriber. Commands submitted before Run are
// queued until it starts; after Run returns Submit fails with ErrClosed.
func (c *Client) Submit(ctx context.Context, cmd Command) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.outbox.isClosed() {
		return "", ErrClosed
	}
	op, err := c.outbox.prepare(cmd)
	if err != nil {
		return "", err
	}
	return c.handOver(op)
}

// Retry resubmits a failed message and returns the new correlation id.
func (c *Client) Retry(ctx context.Context, messageID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.outbox.isClosed() {
		return "", ErrClosed
	}
	op, err := c.outbox.prepareRetry(messageID)
	if err != nil {
		return "", err
	}
	return c.handOver(op)
}

func (c *Client) handOver(op *OutboxOp) (string, error) {
	if !c.outbox.offer(op) {
		c.outbox.discard(op)
		return "", ErrClosed
	}
	return op.ID, nil
}

// CommandStatus reports the state of a submitted command. Old resolved
// commands are eventually forgotten.
func (c *Client) CommandStatus(correlationID string) (CommandState, bool) {
	return c.outbox.status(correlationID)
}

// Pending returns the commands that have not resolved or failed yet.
func (c *Client) Pending() []OutboxOp {
	return c.outbox.pending()
}

// ============================================================================
// Event handlers
// ============================================================================

func (c *Client) handleMessage(ev *MessageEvent) error {
	switch ev.Subtype {
	case SubtypeMessageChanged:
		if ev.Edited == nil || ev.Edited.TS == "" {
			return errors.New("rtm: message_changed without message")
		}
		c.store.EditMessage(ev.Edited.TS, ev.Edited.Text)
		return nil
	case SubtypeMessageDeleted:
		if ev.DeletedTS == "" {
			return errors.New("rtm: message_deleted without deleted_ts")
		}
		c.store.RemoveMessage(ev.DeletedTS)
		return nil
	case SubtypeMessageReplied:
		return nil // the reply itself arrives as its own message
	}
	if c.outbox.reconcileEcho(ev) {
		return nil
	}
	if ev.TS == "" {
		return errors.New("rtm: message without ts")
	}
	c.store.AddInbound(Message{
		ID:          ev.TS,
		ChatID:      ev.Channel,
		Author:      ev.User,
		Text:        ev.Text,
		ThreadTS:    ev.ThreadTS,
		SentAt:      parseTS(ev.TS),
		ClientMsgID: ev.ClientMsgID,
	})
	return nil
}

func (c *Client) handleTyping(ev *TypingEvent) error {
	if ev.User == c.cfg.SelfUserID {
		return nil
	}
	c.store.SetTyping(ev.Channel, ev.User, time.Now().Add(c.cfg.TypingTimeout))
	return nil
}

func (c *Client) handleReadMarker(ev *ReadMarkerEvent) error {
	c.store.ApplyReadMarker(ev.Channel, ev.UnreadCount, ev.DMCount, ev.TS)
	return nil
}

func (c *Client) handlePresence(ev *PresenceEvent) error {
	c.store.UpsertUser(User{ID: ev.User, Presence: ev.Presence, UpdatedAt: time.Now()})
	return nil
}

func (c *Client) handleAck(ev *AckEvent) error {
	if c.outbox.resolve(ev) {
		c.outbox.flush(c.loopCtx, loopWriter{c})
	}
	return nil
}

func (c *Client) handleControl(ev *ControlEvent) error {
	switch ev.Action {
	case ControlHello:
		gap, ok := c.conn.onHello(ev)
		if !ok {
			return nil
		}
		if !ev.Resumed && c.store.Len() > 0 {
			gap = true
		}
		if gap {
			c.startResync()
		}
		c.outbox.reconnected()
		c.outbox.flush(c.loopCtx, loopWriter{c})
	case ControlGoodbye:
		c.conn.drop(&NetworkError{Op: "goodbye", Err: errors.New("server closed the session")})
	case ControlReconnectURL:
		if ev.URL != "" {
			c.conn.url = ev.URL
		}
	case ControlPong:
		c.conn.onPong(ev)
	case ControlError:
		if ev.Error != nil && isAuthCode(ev.Error.Code) {
			c.setFatal(&AuthError{Code: ev.Error.Code})
			return nil
		}
		c.log.Warn("server error", zap.Any("error", ev.Error))
	}
	return nil
}

// ============================================================================
// Resync
// ============================================================================

// startResync flags the open chats stale and refreshes them in the
// background.
func (c *Client) startResync() {
	ids := c.store.OpenChats()
	if len(ids) == 0 {
		return
	}
	c.store.MarkStale(ids)
	if c.cfg.Resyncer == nil {
		c.log.Info("stream gap, chats left stale", zap.Strings("chats", ids))
		return
	}
	for _, id := range ids {
		delete(c.resyncRetry, id)
		c.resyncChat(id)
	}
}

func (c *Client) resyncChat(id string) {
	if c.resyncing[id] {
		return
	}
	c.resyncing[id] = true
	ctx := c.loopCtx
	go func() {
		rctx, cancel := context.WithTimeout(ctx, resyncTimeout)
		defer cancel()
		state, msgs, err := c.cfg.Resyncer.Resync(rctx, id)
		select {
		case c.resyncCh <- resyncResult{chatID: id, state: state, msgs: msgs, err: err}:
		case <-ctx.Done():
		}
	}()
}

// retryResyncs restarts refreshes whose backoff has elapsed. Chats that were
// closed or refreshed meanwhile are dropped.
func (c *Client) retryResyncs() {
	if len(c.resyncRetry) == 0 {
		return
	}
	now := c.conn.now()
	open := c.store.OpenChats()
	for id, r := range c.resyncRetry {
		if now.Before(r.due) {
			continue
		}
		if st, ok := c.store.GetChat(id); !ok || !st.NeedsResync || !slices.Contains(open, id) {
			delete(c.resyncRetry, id)
			continue
		}
		c.resyncChat(id)
	}
}

func (c *Client) applyResync(r resyncResult) {
	delete(c.resyncing, r.chatID)
	if r.err != nil {
		var (
			authErr *AuthError
			netErr  *NetworkError
		)
		switch {
		case errors.As(r.err, &authErr):
			c.setFatal(authErr)
		case errors.As(r.err, &netErr) || errors.Is(r.err, context.DeadlineExceeded):
			retry, ok := c.resyncRetry[r.chatID]
			if !ok {
				retry = &resyncRetry{}
				c.resyncRetry[r.chatID] = retry
			}
			retry.attempts++
			delay := c.resyncDelay.delay(retry.attempts)
			retry.due = c.conn.now().Add(delay)
			c.log.Warn("resync failed, will retry", zap.String("chat", r.chatID),
				zap.Int("attempt", retry.attempts), zap.Duration("delay", delay), zap.Error(r.err))
		default:
			delete(c.resyncRetry, r.chatID)
			c.log.Warn("resync failed", zap.String("chat", r.chatID), zap.Error(r.err))
		}
		return
	}
	delete(c.resyncRetry, r.chatID)
	fresh := r.msgs[:0:0]
	for _, m := range r.msgs {
		if c.outbox.reconcileEcho(&MessageEvent{Channel: r.chatID, TS: m.ID, ClientMsgID: m.ClientMsgID}) {
			continue
		}
		fresh = append(fresh, m)
	}
	c.store.ApplyResync(r.chatID, r.state, fresh)
	c.log.Debug("chat resynced", zap.String("chat", r.chatID), zap.Int("messages", len(fresh)))
}

// ============================================================================
// Snapshots
// ============================================================================

func (c *Client) snapshotKey() string { return "store:" + c.cfg.SelfUserID }

// Checkpoint saves the store through ss.
func (c *Client) Checkpoint(ctx context.Context, ss SnapshotStore) error {
	data, err := c.store.Serialize()
	if err != nil {
		return err
	}
	return ss.Save(ctx, c.snapshotKey(), data)
}

// Rehydrate restores the store from ss. It must be called before Run.
func (c *Client) Rehydrate(ctx context.Context, ss SnapshotStore) error {
	if c.running.Load() {
		return errors.New("rtm: Rehydrate after Run")
	}
	data, err := ss.Load(ctx, c.snapshotKey())
	if err != nil {
		return err
	}
	return c.store.Restore(data)
}
