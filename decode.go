package rtm

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// FrameID is a correlation or ping id. Servers send it either as a JSON
// string or as a number; both decode to the same textual form.
type FrameID string

func (id *FrameID) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	switch r.Type {
	case gjson.String:
		*id = FrameID(r.Str)
	case gjson.Number:
		*id = FrameID(r.Raw)
	case gjson.Null:
		*id = ""
	default:
		return fmt.Errorf("frame id: unexpected %s", r.Type)
	}
	return nil
}

func (e *APIError) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	if r.Type == gjson.String {
		// Bare error string, e.g. {"ok":false,"error":"invalid_auth"}.
		e.Code = r.Str
		return nil
	}
	if !r.IsObject() {
		return fmt.Errorf("error payload: unexpected %s", r.Type)
	}
	e.Code = r.Get("code").String()
	e.Message = r.Get("msg").String()
	return nil
}

// Wire types that carry read markers.
var readMarkerTypes = map[string]bool{
	"chats_marked":   true,
	"channel_marked": true,
	"im_marked":      true,
	"group_marked":   true,
	"mpim_marked":    true,
}

// Decode parses a raw inbound frame into a typed Event. Well-formed frames of
// unknown type decode to *IgnoredEvent; malformed frames return *DecodeError.
func Decode(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &DecodeError{Reason: "invalid json", Raw: raw}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, &DecodeError{Reason: "frame is not an object", Raw: raw}
	}

	typ := root.Get("type")
	if !typ.Exists() {
		// Replies to outbound commands carry reply_to and no type.
		if root.Get("reply_to").Exists() {
			return decodeInto(raw, &AckEvent{}, "ack")
		}
		return nil, &DecodeError{Reason: "missing type", Raw: raw}
	}
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, &DecodeError{Reason: "type is not a string", Raw: raw}
	}

	switch t := typ.Str; {
	case t == "message":
		ev, err := decodeInto(raw, &MessageEvent{}, t)
		if err != nil {
			return nil, err
		}
		if ev.(*MessageEvent).Channel == "" {
			return nil, &DecodeError{Reason: "message without channel", Raw: raw}
		}
		return ev, nil
	case t == "user_typing" || t == "typing":
		ev, err := decodeInto(raw, &TypingEvent{}, t)
		if err != nil {
			return nil, err
		}
		if te := ev.(*TypingEvent); te.Channel == "" || te.User == "" {
			return nil, &DecodeError{Reason: "typing without channel or user", Raw: raw}
		}
		return ev, nil
	case readMarkerTypes[t]:
		ev, err := decodeInto(raw, &ReadMarkerEvent{}, t)
		if err != nil {
			return nil, err
		}
		rm := ev.(*ReadMarkerEvent)
		if rm.Channel == "" {
			return nil, &DecodeError{Reason: "read marker without channel", Raw: raw}
		}
		if rm.DMCount < 0 || rm.UnreadCount < 0 {
			return nil, &DecodeError{Reason: "negative counter", Raw: raw}
		}
		return ev, nil
	case t == "presence_change":
		ev, err := decodeInto(raw, &PresenceEvent{}, t)
		if err != nil {
			return nil, err
		}
		if ev.(*PresenceEvent).User == "" {
			return nil, &DecodeError{Reason: "presence without user", Raw: raw}
		}
		return ev, nil
	case t == "ack":
		return decodeInto(raw, &AckEvent{}, t)
	case t == string(ControlHello), t == string(ControlGoodbye), t == string(ControlReconnectURL),
		t == string(ControlPong), t == string(ControlError):
		ev, err := decodeInto(raw, &ControlEvent{}, t)
		if err != nil {
			return nil, err
		}
		ev.(*ControlEvent).Action = ControlAction(t)
		return ev, nil
	default:
		return &IgnoredEvent{header: header{
			Type:     t,
			StreamAt: root.Get("cursor").String(),
		}}, nil
	}
}

type eventPtr interface {
	Event
	setType(string)
}

func (h *header) setType(t string) { h.Type = t }

func decodeInto(raw []byte, ev eventPtr, typ string) (Event, error) {
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, &DecodeError{Reason: "bad " + strconv.Quote(typ) + " payload", Raw: raw, Err: err}
	}
	ev.setType(typ)
	return ev, nil
}
