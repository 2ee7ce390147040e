package rtm

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Commands
// ============================================================================

// CommandKind identifies a locally initiated action.
type CommandKind string

const (
	CommandSendMessage CommandKind = "send_message"
	CommandSetTyping   CommandKind = "set_typing"
	CommandMarkSeen    CommandKind = "mark_seen"
)

// Command is an action submitted through Client.Submit. The set of
// implementations is closed: SendMessage, SetTyping and MarkSeen.
type Command interface {
	Kind() CommandKind
	// Target is the chat the command applies to.
	Target() string
	isCommand()
}

// SendMessage posts Text to a chat, or to a thread when ThreadTS is set.
type SendMessage struct {
	ChatID   string
	Text     string
	ThreadTS string
}

func (SendMessage) Kind() CommandKind { return CommandSendMessage }
func (c SendMessage) Target() string  { return c.ChatID }
func (SendMessage) isCommand()        {}

// SetTyping announces that the local user started or stopped typing.
type SetTyping struct {
	ChatID   string
	IsTyping bool
}

func (SetTyping) Kind() CommandKind { return CommandSetTyping }
func (c SetTyping) Target() string  { return c.ChatID }
func (SetTyping) isCommand()        {}

// MarkSeen moves the read marker of a chat to TS, or to its latest message
// when TS is empty.
type MarkSeen struct {
	ChatID string
	TS     string
}

func (MarkSeen) Kind() CommandKind { return CommandMarkSeen }
func (c MarkSeen) Target() string  { return c.ChatID }
func (MarkSeen) isCommand()        {}

func validateCommand(cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("rtm: nil command")
	}
	if cmd.Target() == "" {
		return fmt.Errorf("rtm: %s without chat id", cmd.Kind())
	}
	if s, ok := cmd.(SendMessage); ok && s.Text == "" {
		return fmt.Errorf("rtm: empty message text")
	}
	return nil
}

// ============================================================================
// Outbound frames
// ============================================================================

// OutboundFrame is the client-to-server wire format.
type OutboundFrame struct {
	ID          FrameID `json:"id"`
	Type        string  `json:"type"`
	Channel     string  `json:"channel,omitempty"`
	Text        string  `json:"text,omitempty"`
	ThreadTS    string  `json:"thread_ts,omitempty"`
	ClientMsgID string  `json:"client_msg_id,omitempty"`
	TS          string  `json:"ts,omitempty"`
}

func encodeCommand(id string, cmd Command, clientMsgID string) ([]byte, error) {
	f := OutboundFrame{ID: FrameID(id), Channel: cmd.Target()}
	switch c := cmd.(type) {
	case SendMessage:
		f.Type = "message"
		f.Text = c.Text
		f.ThreadTS = c.ThreadTS
		f.ClientMsgID = clientMsgID
	case SetTyping:
		f.Type = "typing"
	case MarkSeen:
		f.Type = "mark"
		f.TS = c.TS
	default:
		return nil, fmt.Errorf("rtm: unsupported command %T", cmd)
	}
	return json.Marshal(f)
}

func encodePing(id string) ([]byte, error) {
	return json.Marshal(OutboundFrame{ID: FrameID(id), Type: "ping"})
}
