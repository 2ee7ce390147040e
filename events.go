package rtm

// ============================================================================
// Event Kinds
// ============================================================================

// EventKind identifies the variant of a decoded inbound Event.
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindTyping     EventKind = "typing"
	KindReadMarker EventKind = "read-marker"
	KindPresence   EventKind = "presence"
	KindAck        EventKind = "ack"
	KindControl    EventKind = "control"
	KindIgnored    EventKind = "ignored"
)

// Event is a decoded inbound frame. The set of implementations is closed:
// *MessageEvent, *TypingEvent, *ReadMarkerEvent, *PresenceEvent, *AckEvent,
// *ControlEvent and *IgnoredEvent.
type Event interface {
	Kind() EventKind
	// Cursor is the stream position of the event, empty when the server did
	// not attach one.
	Cursor() string
	isEvent()
}

type header struct {
	Type     string `json:"type"`
	StreamAt string `json:"cursor,omitempty"`
}

func (h header) Cursor() string { return h.StreamAt }
func (header) isEvent() {}

// ============================================================================
// Event Payload Types
// ============================================================================

// Message subtypes that change an existing message instead of posting one.
const (
	SubtypeMessageChanged = "message_changed"
	SubtypeMessageDeleted = "message_deleted"
	SubtypeMessageReplied = "message_replied"
)

// MessageEvent is a message posted to a chat, or an edit or deletion of one
// when Subtype is set.
type MessageEvent struct {
	header
	Channel     string `json:"channel"`
	User        string `json:"user"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Subtype     string `json:"subtype,omitempty"`

	// Edited is the new version of the message for message_changed.
	Edited *EditedMessage `json:"message,omitempty"`
	// DeletedTS is the id of the removed message for message_deleted.
	DeletedTS string `json:"deleted_ts,omitempty"`
}

// EditedMessage is the payload of a message_changed event.
type EditedMessage struct {
	User     string `json:"user"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

func (*MessageEvent) Kind() EventKind { return KindMessage }

// TypingEvent reports that a user is typing in a chat.
type TypingEvent struct {
	header
	Channel string `json:"channel"`
	User    string `json:"user"`
}

func (*TypingEvent) Kind() EventKind { return KindTyping }

// ReadMarkerEvent carries the server's read position and counters for a chat.
type ReadMarkerEvent struct {
	header
	Channel     string `json:"channel"`
	TS          string `json:"ts,omitempty"`
	DMCount     int    `json:"dm_count"`
	UnreadCount int    `json:"unread_count_display"`
}

func (*ReadMarkerEvent) Kind() EventKind { return KindReadMarker }

// PresenceEvent reports a user's presence change.
type PresenceEvent struct {
	header
	User     string `json:"user"`
	Presence string `json:"presence"`
}

func (*PresenceEvent) Kind() EventKind { return KindPresence }

// AckEvent acknowledges an outbound command by its correlation id.
type AckEvent struct {
	header
	ReplyTo FrameID   `json:"reply_to"`
	OK      bool      `json:"ok"`
	TS      string    `json:"ts,omitempty"`
	Text    string    `json:"text,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

func (*AckEvent) Kind() EventKind { return KindAck }

// ControlAction is the server-initiated session control carried by a ControlEvent.
type ControlAction string

const (
	ControlHello        ControlAction = "hello"
	ControlGoodbye      ControlAction = "goodbye"
	ControlReconnectURL ControlAction = "reconnect_url"
	ControlPong         ControlAction = "pong"
	ControlError        ControlAction = "error"
)

// ControlEvent is session control: hello (authenticated), goodbye (forced
// reconnect), reconnect_url, pong (heartbeat ack) and error.
type ControlEvent struct {
	header
	Action  ControlAction `json:"-"`
	Resumed bool          `json:"resumed,omitempty"`
	URL     string        `json:"url,omitempty"`
	ReplyTo FrameID       `json:"reply_to,omitempty"`
	Error   *APIError     `json:"error,omitempty"`
}

func (*ControlEvent) Kind() EventKind { return KindControl }

// IgnoredEvent is a well-formed frame of a type this client does not handle.
type IgnoredEvent struct {
	header
}

func (*IgnoredEvent) Kind() EventKind { return KindIgnored }

// WireType returns the unrecognized wire type.
func (e *IgnoredEvent) WireType() string { return e.Type }
