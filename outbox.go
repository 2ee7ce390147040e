package rtm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Outbound command queue
// ============================================================================

// CommandState tracks a submitted command.
type CommandState string

const (
	CommandSubmitted CommandState = "submitted"
	CommandSent      CommandState = "sent" // written, waiting for the ack
	CommandRetryWait CommandState = "retry_wait"
	CommandResolved  CommandState = "resolved"
	CommandFailed    CommandState = "failed"
)

// OutboxOp is a command in the outbound queue.
type OutboxOp struct {
	ID          string // correlation id, also the frame id
	Command     Command
	State       CommandState
	Attempts    int
	MessageID   string // temp id of the optimistic message, sends only
	ClientMsgID string
	CreatedAt   time.Time
	SentAt      time.Time
	NextAttempt time.Time
	LastError   error
}

type frameWriter interface {
	live() bool
	write(ctx context.Context, data []byte) error
}

const outboxHistorySize = 512

// outbox owns every submitted command until it resolves or fails. The
// queue is driven by the client's event loop; callers on other goroutines
// only prepare commands and hand them over through the inbox.
type outbox struct {
	store  *Store
	cfg    *Config
	log    *zap.Logger
	now    func() time.Time
	selfID string
	delays backoff

	queue []*OutboxOp // submission order
	byID  map[string]*OutboxOp

	typing   map[string]*rate.Limiter
	onFailed []func(*CommandFailure)

	// wake is signalled when the inbox gains an entry.
	wake chan struct{}

	mu           sync.Mutex
	inbox        []*OutboxOp
	closed       bool
	view         []OutboxOp // queue as of the last publish
	history      map[string]CommandState
	historyOrder []string
}

func newOutbox(store *Store, cfg *Config) *outbox {
	return &outbox{
		store:   store,
		cfg:     cfg,
		log:     cfg.Logger.Named("outbox"),
		now:     time.Now,
		selfID:  cfg.SelfUserID,
		delays:  backoff{base: cfg.CommandRetryBaseDelay, max: cfg.CommandRetryMaxDelay},
		byID:    make(map[string]*OutboxOp),
		history: make(map[string]CommandState),
		typing:  make(map[string]*rate.Limiter),
		wake:    make(chan struct{}, 1),
	}
}

// submit prepares cmd and queues it. Event loop only.
func (o *outbox) submit(cmd Command) (string, error) {
	op, err := o.prepare(cmd)
	if err != nil {
		return "", err
	}
	o.enqueue(op)
	return op.ID, nil
}

// prepare validates cmd and applies its optimistic effect to the store. It
// touches no queue state and may run on any goroutine.
func (o *outbox) prepare(cmd Command) (*OutboxOp, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}
	now := o.now()
	id := uuid.NewString()
	op := &OutboxOp{ID: id, Command: cmd, State: CommandSubmitted, CreatedAt: now, NextAttempt: now}

	switch c := cmd.(type) {
	case SendMessage:
		op.ClientMsgID = id
		op.MessageID = tempIDPrefix + id
		o.store.InsertPending(Message{
			ID:            op.MessageID,
			ChatID:        c.ChatID,
			Author:        o.selfID,
			Text:          c.Text,
			ThreadTS:      c.ThreadTS,
			SentAt:        now,
			ClientMsgID:   id,
			CorrelationID: id,
		})
	case SetTyping:
		o.store.SetSelfTyping(c.ChatID, c.IsTyping)
	case MarkSeen:
		c.TS = o.store.MarkRead(c.ChatID, c.TS)
		op.Command = c
	}
	return op, nil
}

// enqueue adds a prepared command to the queue. Event loop only.
func (o *outbox) enqueue(op *OutboxOp) {
	// The protocol has no "stopped typing" frame; remote indicators expire.
	if c, ok := op.Command.(SetTyping); ok && (!c.IsTyping || !o.typingLimiter(c.ChatID).AllowN(o.now(), 1)) {
		o.remember(op.ID, CommandResolved)
		return
	}
	o.queue = append(o.queue, op)
	o.byID[op.ID] = op
	o.log.Debug("queued", zap.String("id", op.ID), zap.String("kind", string(op.Command.Kind())),
		zap.String("chat", op.Command.Target()))
}

func (o *outbox) typingLimiter(chatID string) *rate.Limiter {
	l, ok := o.typing[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Every(o.cfg.TypingThrottle), 1)
		o.typing[chatID] = l
	}
	return l
}

// retry resubmits a failed message and queues it. Event loop only.
func (o *outbox) retry(messageID string) (string, error) {
	op, err := o.prepareRetry(messageID)
	if err != nil {
		return "", err
	}
	o.enqueue(op)
	return op.ID, nil
}

// prepareRetry moves a failed message back to pending under a new
// correlation id. The client_msg_id is kept so the server can recognize a
// duplicate. It may run on any goroutine.
func (o *outbox) prepareRetry(messageID string) (*OutboxOp, error) {
	m, ok := o.store.GetMessage(messageID)
	if !ok {
		return nil, ErrUnknownMessage
	}
	if m.DeliveryState != DeliveryFailed {
		return nil, fmt.Errorf("rtm: message %s is %s, only failed messages can be retried", messageID, m.DeliveryState)
	}
	now := o.now()
	id := uuid.NewString()
	op := &OutboxOp{
		ID:          id,
		Command:     SendMessage{ChatID: m.ChatID, Text: m.Text, ThreadTS: m.ThreadTS},
		State:       CommandSubmitted,
		MessageID:   m.ID,
		ClientMsgID: m.ClientMsgID,
		CreatedAt:   now,
		NextAttempt: now,
	}
	if op.ClientMsgID == "" {
		op.ClientMsgID = id
	}
	// a concurrent retry or a late echo got there first
	if !o.store.SetDeliveryState(m.ID, DeliveryPending) {
		return nil, fmt.Errorf("rtm: message %s is no longer failed", messageID)
	}
	o.log.Info("retrying message", zap.String("message", m.ID), zap.String("id", id))
	return op, nil
}

// flush attempts every due command. Sends are serialized per chat: a send
// waits until all earlier sends of its chat have resolved or failed.
func (o *outbox) flush(ctx context.Context, w frameWriter) {
	now := o.now()
	busy := make(map[string]bool)
	for _, op := range append([]*OutboxOp(nil), o.queue...) {
		if op.State == CommandResolved || op.State == CommandFailed {
			continue
		}
		if send, ok := op.Command.(SendMessage); ok {
			if busy[send.ChatID] {
				continue
			}
			busy[send.ChatID] = true
		}
		if op.State == CommandSent || now.Before(op.NextAttempt) {
			continue
		}
		o.attempt(ctx, op, w)
	}
}

func (o *outbox) attempt(ctx context.Context, op *OutboxOp, w frameWriter) {
	if _, typing := op.Command.(SetTyping); typing && !w.live() {
		o.finish(op, CommandResolved)
		return
	}
	op.Attempts++
	if !w.live() {
		o.fail(op, ErrNotConnected, true)
		return
	}
	data, err := encodeCommand(op.ID, op.Command, op.ClientMsgID)
	if err != nil {
		o.fail(op, err, false)
		return
	}
	if err := w.write(ctx, data); err != nil {
		o.fail(op, err, true)
		return
	}
	op.State = CommandSent
	op.SentAt = o.now()
	o.log.Debug("sent", zap.String("id", op.ID), zap.Int("attempt", op.Attempts))
}

// fail records a failed attempt and either schedules the next one or gives up.
func (o *outbox) fail(op *OutboxOp, err error, retryable bool) {
	op.LastError = err
	if _, typing := op.Command.(SetTyping); typing {
		o.finish(op, CommandResolved)
		return
	}
	if !retryable || op.Attempts > o.cfg.CommandMaxRetries {
		o.finish(op, CommandFailed)
		return
	}
	delay := o.delays.delay(op.Attempts)
	op.State = CommandRetryWait
	op.NextAttempt = o.now().Add(delay)
	o.log.Info("command will retry", zap.String("id", op.ID), zap.Int("attempt", op.Attempts),
		zap.Duration("delay", delay), zap.Error(err))
}

func (o *outbox) finish(op *OutboxOp, state CommandState) {
	op.State = state
	delete(o.byID, op.ID)
	for i, q := range o.queue {
		if q == op {
			o.queue = append(o.queue[:i:i], o.queue[i+1:]...)
			break
		}
	}
	o.remember(op.ID, state)
	if state != CommandFailed {
		return
	}

	if op.MessageID != "" {
		o.store.SetDeliveryState(op.MessageID, DeliveryFailed)
	}
	failure := &CommandFailure{
		CorrelationID: op.ID,
		Command:       op.Command,
		MessageID:     op.MessageID,
		Attempts:      op.Attempts,
		Err:           op.LastError,
	}
	o.log.Warn("command failed", zap.String("id", op.ID), zap.String("kind", string(op.Command.Kind())),
		zap.Int("attempts", op.Attempts), zap.Error(op.LastError))
	for _, fn := range o.onFailed {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("failure observer panicked", zap.Any("panic", r))
				}
			}()
			fn(failure)
		}()
	}
}

func (o *outbox) remember(id string, state CommandState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.history[id]; !ok {
		o.historyOrder = append(o.historyOrder, id)
	}
	o.history[id] = state
	if len(o.historyOrder) > outboxHistorySize {
		delete(o.history, o.historyOrder[0])
		o.historyOrder = o.historyOrder[1:]
	}
}

// ── Acknowledgements ─────────────────────────────────────

// resolve applies an ack. Acks for unknown or already resolved commands are
// ignored.
func (o *outbox) resolve(ev *AckEvent) bool {
	op, ok := o.byID[string(ev.ReplyTo)]
	if !ok {
		o.log.Debug("ack for unknown command", zap.String("reply_to", string(ev.ReplyTo)))
		return false
	}
	if ev.OK {
		o.complete(op, ev.TS)
		return true
	}
	if op.State != CommandSent {
		return false
	}
	apiErr := ev.Error
	if apiErr == nil {
		apiErr = &APIError{Code: "unknown_error"}
	}
	o.fail(op, apiErr, isRetryableCode(apiErr.Code))
	return true
}

// reconcileEcho matches an inbound message against local sends by
// client_msg_id. It reports whether the message was one of ours.
func (o *outbox) reconcileEcho(ev *MessageEvent) bool {
	if ev.ClientMsgID == "" || ev.TS == "" {
		return false
	}
	for _, op := range o.queue {
		if op.ClientMsgID == ev.ClientMsgID && op.MessageID != "" {
			o.complete(op, ev.TS)
			return true
		}
	}
	m, ok := o.store.FindByClientMsgID(ev.Channel, ev.ClientMsgID)
	if !ok {
		return false
	}
	if m.ID != ev.TS {
		// delivered after all, e.g. a failed message whose ack was lost
		o.store.ReconcileMessage(m.ID, ev.TS, parseTS(ev.TS))
	}
	return true
}

func (o *outbox) complete(op *OutboxOp, ts string) {
	if op.MessageID != "" {
		final := ts
		if final == "" {
			final = op.MessageID
		}
		o.store.ReconcileMessage(op.MessageID, final, parseTS(ts))
	}
	o.finish(op, CommandResolved)
}

// ── Timers and connection events ─────────────────────────

// checkTimeouts fails in-flight commands whose ack did not arrive in time.
func (o *outbox) checkTimeouts() {
	now := o.now()
	for _, op := range append([]*OutboxOp(nil), o.queue...) {
		if op.State == CommandSent && now.Sub(op.SentAt) >= o.cfg.AckTimeout {
			o.fail(op, ErrTimeout, true)
		}
	}
}

// connectionLost fails the in-flight attempts; their acks will not arrive.
func (o *outbox) connectionLost() {
	for _, op := range append([]*OutboxOp(nil), o.queue...) {
		if op.State == CommandSent {
			o.fail(op, ErrNotConnected, true)
		}
	}
}

// reconnected makes commands that only failed for lack of a connection due
// immediately.
func (o *outbox) reconnected() {
	now := o.now()
	for _, op := range o.queue {
		if op.State == CommandRetryWait && errors.Is(op.LastError, ErrNotConnected) {
			op.NextAttempt = now
		}
	}
}

// abandon fails everything still queued; used when the client stops.
func (o *outbox) abandon() {
	for _, op := range append([]*OutboxOp(nil), o.queue...) {
		op.LastError = ErrClosed
		if _, typing := op.Command.(SetTyping); typing {
			o.finish(op, CommandResolved)
			continue
		}
		o.finish(op, CommandFailed)
	}
	o.publish()
}

// ── Hand-over from other goroutines ──────────────────────

// offer puts a prepared command in the inbox. It reports false once the
// outbox is closed.
func (o *outbox) offer(op *OutboxOp) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.inbox = append(o.inbox, op)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// take empties the inbox. Event loop only.
func (o *outbox) take() []*OutboxOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	ops := o.inbox
	o.inbox = nil
	return ops
}

// close stops accepting commands and returns what is left in the inbox.
func (o *outbox) close() []*OutboxOp {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return o.take()
}

func (o *outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// discard undoes the pending state of a command that was prepared after
// close.
func (o *outbox) discard(op *OutboxOp) {
	if op.MessageID != "" {
		o.store.SetDeliveryState(op.MessageID, DeliveryFailed)
	}
	o.remember(op.ID, CommandFailed)
}

// publish snapshots the queue for status and pending. Event loop only.
func (o *outbox) publish() {
	view := make([]OutboxOp, 0, len(o.queue))
	for _, op := range o.queue {
		view = append(view, *op)
	}
	o.mu.Lock()
	o.view = view
	o.mu.Unlock()
}

func (o *outbox) status(id string) (CommandState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.history[id]; ok {
		return st, true
	}
	for _, op := range o.inbox {
		if op.ID == id {
			return CommandSubmitted, true
		}
	}
	for _, op := range o.view {
		if op.ID == id {
			return op.State, true
		}
	}
	return "", false
}

func (o *outbox) pending() []OutboxOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxOp, 0, len(o.view)+len(o.inbox))
	for _, op := range o.view {
		if _, done := o.history[op.ID]; !done {
			out = append(out, op)
		}
	}
	for _, op := range o.inbox {
		out = append(out, *op)
	}
	return out
}
