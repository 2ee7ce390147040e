package rtm

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Entities
// ============================================================================

// ChatKind is the kind of conversation.
type ChatKind string

const (
	ChatDirect  ChatKind = "dm"
	ChatChannel ChatKind = "channel"
	ChatGroup   ChatKind = "group"
)

// chatKindFor infers the kind from the id prefix used by the service.
func chatKindFor(id string) ChatKind {
	switch {
	case strings.HasPrefix(id, "D"):
		return ChatDirect
	case strings.HasPrefix(id, "G"):
		return ChatGroup
	default:
		return ChatChannel
	}
}

// Chat is the local view of a conversation.
type Chat struct {
	ID           string    `json:"id"`
	Kind         ChatKind  `json:"kind"`
	UnreadCount  int       `json:"unread_count"`
	DMCount      int       `json:"dm_count"`
	LastRead     string    `json:"last_read,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	// SelfTyping reflects the local user's own typing intent.
	SelfTyping bool `json:"-"`
	// NeedsResync is set when the stream resumed with a gap and the chat's
	// contents may be missing events.
	NeedsResync bool `json:"needs_resync,omitempty"`
}

// DeliveryState tracks a message through sending.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is a chat message. Local messages carry a temporary id with the
// "local-" prefix until the server confirms them.
type Message struct {
	ID            string        `json:"id"`
	ChatID        string        `json:"chat_id"`
	Author        string        `json:"author"`
	Text          string        `json:"text"`
	ThreadTS      string        `json:"thread_ts,omitempty"`
	SentAt        time.Time     `json:"sent_at"`
	DeliveryState DeliveryState `json:"delivery_state"`
	ClientMsgID   string        `json:"client_msg_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Edited        bool          `json:"edited,omitempty"`
}

// Retryable reports whether the UI should offer a retry for the message.
func (m Message) Retryable() bool { return m.DeliveryState == DeliveryFailed }

const tempIDPrefix = "local-"

// IsTemporaryID reports whether id was assigned locally.
func IsTemporaryID(id string) bool { return strings.HasPrefix(id, tempIDPrefix) }

// User is the presence state of a user.
type User struct {
	ID        string    `json:"id"`
	Presence  string    `json:"presence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TypingSignal is a user typing in a chat until ExpiresAt.
type TypingSignal struct {
	ChatID    string
	UserID    string
	ExpiresAt time.Time
}

// ============================================================================
// Change notifications
// ============================================================================

// EntityKind names a store collection.
type EntityKind string

const (
	EntityChat    EntityKind = "chat"
	EntityMessage EntityKind = "message"
	EntityUser    EntityKind = "user"
)

// EntityKey addresses one entity for subscriptions.
type EntityKey struct {
	Kind EntityKind
	ID   string
}

func ChatKey(id string) EntityKey    { return EntityKey{Kind: EntityChat, ID: id} }
func MessageKey(id string) EntityKey { return EntityKey{Kind: EntityMessage, ID: id} }
func UserKey(id string) EntityKey    { return EntityKey{Kind: EntityUser, ID: id} }

// ChangeOp describes what happened to an entity.
type ChangeOp string

const (
	ChangeUpsert  ChangeOp = "upsert"
	ChangeRemove  ChangeOp = "remove"
	ChangeReplace ChangeOp = "replace" // temporary message id swapped for the final one
)

// Change is delivered to subscribers after a mutation. Chat subscribers also
// receive the changes of the chat's messages and typing set.
type Change struct {
	Key     EntityKey
	Op      ChangeOp
	Chat    *Chat
	Message *Message
	User    *User
	// PreviousID is the temporary id for ChangeReplace.
	PreviousID string
}

// Subscription is a registered store observer.
type Subscription struct {
	store *Store
	key   EntityKey
	id    int
	once  sync.Once
}

// Close unregisters the subscription. It never affects the session.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		defer sub.store.mu.Unlock()
		if fns := sub.store.subs[sub.key]; fns != nil {
			delete(fns, sub.id)
			if len(fns) == 0 {
				delete(sub.store.subs, sub.key)
			}
		}
	})
}

// ============================================================================
// Store
// ============================================================================

// Store is the normalized entity store. It exclusively owns chats, messages
// and users; getters return copies. It is safe for concurrent readers, and
// the Client serializes all writers on its event loop.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	messages map[string]*Message
	order    map[string][]string // chat id → message ids in display order
	users    map[string]*User
	typing   map[string]map[string]time.Time // chat id → user id → expiry
	cursor   string

	subs    map[EntityKey]map[int]func(Change)
	nextSub int

	now func() time.Time
	log *zap.Logger
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		chats:    make(map[string]*Chat),
		messages: make(map[string]*Message),
		order:    make(map[string][]string),
		users:    make(map[string]*User),
		typing:   make(map[string]map[string]time.Time),
		subs:     make(map[EntityKey]map[int]func(Change)),
		now:      time.Now,
		log:      zap.NewNop(),
	}
}

// Subscribe registers fn for changes of key. Subscribing to a chat marks it
// open until every chat subscription is closed.
func (s *Store) Subscribe(key EntityKey, fn func(Change)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func(Change))
	}
	s.subs[key][s.nextSub] = fn
	return &Subscription{store: s, key: key, id: s.nextSub}
}

// OpenChats returns the ids of chats with at least one subscriber.
func (s *Store) OpenChats() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for key := range s.subs {
		if key.Kind == EntityChat {
			ids = append(ids, key.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) deliver(changes []Change) {
	for _, ch := range changes {
		s.mu.RLock()
		fns := make([]func(Change), 0, len(s.subs[ch.Key]))
		ids := make([]int, 0, len(s.subs[ch.Key]))
		for id := range s.subs[ch.Key] {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			fns = append(fns, s.subs[ch.Key][id])
		}
		s.mu.RUnlock()

		for _, fn := range fns {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("store subscriber panicked", zap.Any("panic", r), zap.String("entity", ch.Key.ID))
					}
				}()
				fn(ch)
			}()
		}
	}
}

// Changes are built under the lock and delivered after it is released.

func chatChange(c *Chat, op ChangeOp) Change {
	cp := *c
	return Change{Key: ChatKey(c.ID), Op: op, Chat: &cp}
}

func messageChanges(m *Message, op ChangeOp, previousID string) []Change {
	cp := *m
	key := MessageKey(m.ID)
	if op == ChangeReplace {
		key = MessageKey(previousID)
	}
	return []Change{
		{Key: key, Op: op, Message: &cp, PreviousID: previousID},
		{Key: ChatKey(m.ChatID), Op: op, Message: &cp, PreviousID: previousID},
	}
}

// ensureChat returns the chat, creating it on first reference. Callers hold mu.
func (s *Store) ensureChat(id string) (*Chat, bool) {
	if c, ok := s.chats[id]; ok {
		return c, false
	}
	c := &Chat{ID: id, Kind: chatKindFor(id)}
	s.chats[id] = c
	return c, true
}

// ── Chats ────────────────────────────────────────────────

// GetChat returns a copy of the chat.
func (s *Store) GetChat(id string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

// UpsertChat replaces the chat's fields, creating it if needed.
func (s *Store) UpsertChat(c Chat) {
	if c.Kind == "" {
		c.Kind = chatKindFor(c.ID)
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if c.DMCount < 0 {
		c.DMCount = 0
	}
	s.mu.Lock()
	cp := c
	s.chats[c.ID] = &cp
	changes := []Change{chatChange(&cp, ChangeUpsert)}
	s.mu.Unlock()
	s.deliver(changes)
}

// RemoveChat drops the chat with its messages and typing state. Used when
// the local user is no longer a member.
func (s *Store) RemoveChat(id string) bool {
	s.mu.Lock()
	c, ok := s.chats[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	for _, mid := range s.order[id] {
		delete(s.messages, mid)
	}
	delete(s.order, id)
	delete(s.typing, id)
	delete(s.chats, id)
	changes := []Change{chatChange(c, ChangeRemove)}
	s.mu.Unlock()
	s.deliver(changes)
	return true
}

// Chats returns all chats, most recently active first.
func (s *Store) Chats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastActivity.Equal(result[j].LastActivity) {
			return result[i].LastActivity.After(result[j].LastActivity)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ApplyReadMarker overwrites the chat's counters with the server's values.
func (s *Store) ApplyReadMarker(chatID string, unread, dmCount int, ts string) {
	s.mu.Lock()
	c, _ := s.ensureChat(chatID)
	c.UnreadCount = max(unread, 0)
	c.DMCount = max(dmCount, 0)
	if ts != "" {
		c.LastRead = ts
	}
	changes := []Change{chatChange(c, ChangeUpsert)}
	s.mu.Unlock()
	s.deliver(changes)
}

// MarkRead is the optimistic side of MarkSeen: counters drop to zero and the
// read marker moves to ts, or to the latest message when ts is empty.
func (s *Store) MarkRead(chatID, ts string) string {
	s.mu.Lock()
	c, _ := s.ensureChat(chatID)
	if ts == "" {
		for i := len(s.order[chatID]) - 1; i >= 0; i-- {
			if id := s.order[chatID][i]; !IsTemporaryID(id) {
				ts = id
				break
			}
		}
	}
	c.UnreadCount = 0
	c.DMCount = 0
	if ts != "" {
		c.LastRead = ts
	}
	changes := []Change{chatChange(c, ChangeUpsert)}
	s.mu.Unlock()
	s.deliver(changes)
	return ts
}

// SetSelfTyping records the local user's typing intent.
func (s *Store) SetSelfTyping(chatID string, typing bool) {
	s.mu.Lock()
	c, _ := s.ensureChat(chatID)
	if c.SelfTyping == typing {
		s.mu.Unlock()
		return
	}
	c.SelfTyping = typing
	changes := []Change{chatChange(c, ChangeUpsert)}
	s.mu.Unlock()
	s.deliver(changes)
}

// ── Typing ───────────────────────────────────────────────

// SetTyping records that userID is typing in chatID until expiresAt.
func (s *Store) SetTyping(chatID, userID string, expiresAt time.Time) {
	s.mu.Lock()
	c, _ := s.ensureChat(chatID)
	if s.typing[chatID] == nil {
		s.typing[chatID] = make(map[string]time.Time)
	}
	s.typing[chatID][userID] = expiresAt
	changes := []Change{chatChange(c, ChangeUpsert)}
	s.mu.Unlock()
	s.deliver(changes)
}

// ClearTyping removes a typing signal, e.g. when the user's message arrives.
func (s *Store) ClearTyping(chatID, userID string) {
	s.mu.Lock()
	users := s.typing[chatID]
	if _, ok := users[userID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.typing, chatID)
	}
	changes := []Change{chatChange(s.chats[chatID], ChangeUpsert)}
	s.mu.Unlock()
	s.deliver(changes)
}

// TypingUsers returns the users currently typing in a chat. Expired signals
// are absent whether or not they were swept.
func (s *Store) TypingUsers(chatID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var users []string
	for uid, exp := range s.typing[chatID] {
		if now.Before(exp) {
			users = append(users, uid)
		}
	}
	sort.Strings(users)
	return users
}

// Typing returns all live typing signals.
func (s *Store) Typing() []TypingSignal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []TypingSignal
	for chatID, users := range s.typing {
		for uid, exp := range users {
			if now.Before(exp) {
				out = append(out, TypingSignal{ChatID: chatID, UserID: uid, ExpiresAt: exp})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// SweepTyping drops expired signals and notifies the affected chats.
func (s *Store) SweepTyping() int {
	s.mu.Lock()
	now := s.now()
	removed := 0
	var changes []Change
	for chatID, users := range s.typing {
		before := len(users)
		for uid, exp := range users {
			if !now.Before(exp) {
				delete(users, uid)
			}
		}
		if len(users) == before {
			continue
		}
		removed += before - len(users)
		if len(users) == 0 {
			delete(s.typing, chatID)
		}
		if c, ok := s.chats[chatID]; ok {
			changes = append(changes, chatChange(c, ChangeUpsert))
		}
	}
	s.mu.Unlock()
	s.deliver(changes)
	return removed
}

// ── Messages ─────────────────────────────────────────────

// GetMessage returns a copy of the message.
func (s *Store) GetMessage(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Messages returns the chat's messages in display order.
func (s *Store) Messages(chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[chatID]
	result := make([]Message, 0, len(ids))
	for _, id := range ids {
		result = append(result, *s.messages[id])
	}
	return result
}

// FindByClientMsgID returns the local message carrying clientMsgID.
func (s *Store) FindByClientMsgID(chatID, clientMsgID string) (Message, bool) {
	if clientMsgID == "" {
		return Message{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order[chatID] {
		if m := s.messages[id]; m.ClientMsgID == clientMsgID {
			return *m, true
		}
	}
	return Message{}, false
}

// UpsertMessage inserts the message at the end of its chat, or replaces the
// stored fields when the id is known. The chat is created on first reference.
func (s *Store) UpsertMessage(m Message) {
	s.mu.Lock()
	changes := s.upsertMessageLocked(m)
	s.mu.Unlock()
	s.deliver(changes)
}

func (s *Store) upsertMessageLocked(m Message) []Change {
	var changes []Change
	c, created := s.ensureChat(m.ChatID)
	if created {
		changes = append(changes, chatChange(c, ChangeUpsert))
	}
	if existing, ok := s.messages[m.ID]; ok {
		if existing.ChatID != m.ChatID {
			s.order[existing.ChatID] = removeID(s.order[existing.ChatID], m.ID)
			s.order[m.ChatID] = append(s.order[m.ChatID], m.ID)
		}
	} else {
		s.order[m.ChatID] = append(s.order[m.ChatID], m.ID)
	}
	cp := m
	s.messages[m.ID] = &cp
	if m.SentAt.After(c.LastActivity) {
		c.LastActivity = m.SentAt
	}
	return append(changes, messageChanges(&cp, ChangeUpsert, "")...)
}

// AddInbound stores a message received from the stream. A message whose id
// is already known is left untouched, so replays after a resume are harmless.
func (s *Store) AddInbound(m Message) bool {
	s.mu.Lock()
	if _, ok := s.messages[m.ID]; ok {
		s.mu.Unlock()
		return false
	}
	m.DeliveryState = DeliverySent
	changes := s.upsertMessageLocked(m)
	if users := s.typing[m.ChatID]; users != nil {
		if _, typing := users[m.Author]; typing {
			delete(users, m.Author)
			changes = append(changes, chatChange(s.chats[m.ChatID], ChangeUpsert))
		}
	}
	s.mu.Unlock()
	s.deliver(changes)
	return true
}

// InsertPending appends an optimistic local message.
func (s *Store) InsertPending(m Message) {
	m.DeliveryState = DeliveryPending
	s.UpsertMessage(m)
}

// EditMessage replaces the text of a confirmed message. Unknown ids are
// ignored; the edit of a message we never saw arrives with the next resync.
func (s *Store) EditMessage(id, text string) bool {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok || (m.Text == text && m.Edited) {
		s.mu.Unlock()
		return false
	}
	m.Text = text
	m.Edited = true
	changes := messageChanges(m, ChangeUpsert, "")
	s.mu.Unlock()
	s.deliver(changes)
	return true
}

// RemoveMessage deletes a message.
func (s *Store) RemoveMessage(id string) bool {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.messages, id)
	s.order[m.ChatID] = removeID(s.order[m.ChatID], id)
	changes := messageChanges(m, ChangeRemove, "")
	s.mu.Unlock()
	s.deliver(changes)
	return true
}

// SetDeliveryState moves a local message between pending and failed. Sent
// messages are final and are not changed.
func (s *Store) SetDeliveryState(id string, state DeliveryState) bool {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok || m.DeliveryState == DeliverySent || m.DeliveryState == state {
		s.mu.Unlock()
		return false
	}
	m.DeliveryState = state
	changes := messageChanges(m, ChangeUpsert, "")
	s.mu.Unlock()
	s.deliver(changes)
	return true
}

// ReconcileMessage swaps a temporary id for the server-assigned one at the
// same position in the chat and marks the message sent. Readers never see
// both ids. When the final id is already stored (an echo without a
// client_msg_id won the race) the temporary entry is dropped instead.
func (s *Store) ReconcileMessage(tempID, finalID string, sentAt time.Time) bool {
	s.mu.Lock()
	m, ok := s.messages[tempID]
	if !ok || finalID == "" {
		s.mu.Unlock()
		return false
	}
	chatID := m.ChatID
	delete(s.messages, tempID)

	if existing, dup := s.messages[finalID]; dup {
		s.order[chatID] = removeID(s.order[chatID], tempID)
		changes := []Change{
			{Key: MessageKey(tempID), Op: ChangeRemove, Message: ptr(*m)},
			{Key: ChatKey(chatID), Op: ChangeReplace, Message: ptr(*existing), PreviousID: tempID},
		}
		s.mu.Unlock()
		s.deliver(changes)
		return true
	}

	for i, id := range s.order[chatID] {
		if id == tempID {
			s.order[chatID][i] = finalID
			break
		}
	}
	m.ID = finalID
	m.DeliveryState = DeliverySent
	if !sentAt.IsZero() {
		m.SentAt = sentAt
	}
	s.messages[finalID] = m
	if c := s.chats[chatID]; c != nil && m.SentAt.After(c.LastActivity) {
		c.LastActivity = m.SentAt
	}
	changes := messageChanges(m, ChangeReplace, tempID)
	s.mu.Unlock()
	s.deliver(changes)
	return true
}

// ── Users ────────────────────────────────────────────────

// GetUser returns a copy of the user.
func (s *Store) GetUser(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// UpsertUser replaces the user.
func (s *Store) UpsertUser(u User) {
	s.mu.Lock()
	cp := u
	s.users[u.ID] = &cp
	changes := []Change{{Key: UserKey(u.ID), Op: ChangeUpsert, User: ptr(cp)}}
	s.mu.Unlock()
	s.deliver(changes)
}

// RemoveUser deletes the user.
func (s *Store) RemoveUser(id string) bool {
	s.mu.Lock()
	u, ok := s.users[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.users, id)
	changes := []Change{{Key: UserKey(id), Op: ChangeRemove, User: ptr(*u)}}
	s.mu.Unlock()
	s.deliver(changes)
	return true
}

// ── Resync ───────────────────────────────────────────────

// MarkStale flags chats whose contents may have missed events.
func (s *Store) MarkStale(chatIDs []string) {
	s.mu.Lock()
	var changes []Change
	for _, id := range chatIDs {
		c, _ := s.ensureChat(id)
		c.NeedsResync = true
		changes = append(changes, chatChange(c, ChangeUpsert))
	}
	s.mu.Unlock()
	s.deliver(changes)
}

// ChatState is the server's view of a chat used by a resync.
type ChatState struct {
	UnreadCount int
	DMCount     int
	LastRead    string
}

// ApplyResync overwrites the chat's counters with the server's state, adds
// confirmed messages it did not know, keeps local pending and failed
// messages, and clears NeedsResync.
func (s *Store) ApplyResync(chatID string, state ChatState, msgs []Message) {
	s.mu.Lock()
	c, _ := s.ensureChat(chatID)
	c.UnreadCount = max(state.UnreadCount, 0)
	c.DMCount = max(state.DMCount, 0)
	if state.LastRead != "" {
		c.LastRead = state.LastRead
	}
	c.NeedsResync = false

	var changes []Change
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	for _, m := range msgs {
		if _, ok := s.messages[m.ID]; ok {
			continue
		}
		m.ChatID = chatID
		m.DeliveryState = DeliverySent
		changes = append(changes, s.upsertMessageLocked(m)...)
	}
	s.sortChatLocked(chatID)
	changes = append(changes, chatChange(c, ChangeUpsert))
	s.mu.Unlock()
	s.deliver(changes)
}

// sortChatLocked orders confirmed messages by server timestamp and keeps
// local messages after them in their existing relative order.
func (s *Store) sortChatLocked(chatID string) {
	ids := s.order[chatID]
	sort.SliceStable(ids, func(i, j int) bool {
		ti, tj := IsTemporaryID(ids[i]), IsTemporaryID(ids[j])
		if ti != tj {
			return !ti
		}
		if ti {
			return false
		}
		return s.messages[ids[i]].SentAt.Before(s.messages[ids[j]].SentAt)
	})
}

// ── Cursor ───────────────────────────────────────────────

// Cursor returns the last stream position applied to the store.
func (s *Store) Cursor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// SetCursor records the last applied stream position.
func (s *Store) SetCursor(cursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
}

// Len returns the number of chats and messages held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats) + len(s.messages)
}

// ============================================================================
// Helpers
// ============================================================================

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func ptr[T any](v T) *T { return &v }

// parseTS converts a service timestamp ("1700000000.000100") to a time.
func parseTS(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		if usec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}
		}
	}
	return time.Unix(sec, usec*int64(time.Microsecond)).UTC()
}
