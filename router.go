package rtm

import (
	"fmt"

	"go.uber.org/zap"
)

// ============================================================================
// Event Router
// ============================================================================

// Handlers receives routed events, one field per event kind. A nil handler
// drops its kind.
type Handlers struct {
	Message    func(*MessageEvent) error
	Typing     func(*TypingEvent) error
	ReadMarker func(*ReadMarkerEvent) error
	Presence   func(*PresenceEvent) error
	Ack        func(*AckEvent) error
	Control    func(*ControlEvent) error
	Ignored    func(*IgnoredEvent) error
}

// Router dispatches decoded events to exactly one handler each. A failing or
// panicking handler is logged and the stream continues.
type Router struct {
	h   Handlers
	log *zap.Logger
}

// NewRouter creates a router. A nil logger logs nothing.
func NewRouter(h Handlers, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{h: h, log: log}
}

// Route delivers ev to its handler and returns the handler's error, if any.
func (r *Router) Route(ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rtm: %s handler panicked: %v", ev.Kind(), p)
		}
		if err != nil {
			r.log.Error("handler failed", zap.String("kind", string(ev.Kind())), zap.Error(err))
		}
	}()

	switch e := ev.(type) {
	case *MessageEvent:
		if r.h.Message != nil {
			return r.h.Message(e)
		}
	case *TypingEvent:
		if r.h.Typing != nil {
			return r.h.Typing(e)
		}
	case *ReadMarkerEvent:
		if r.h.ReadMarker != nil {
			return r.h.ReadMarker(e)
		}
	case *PresenceEvent:
		if r.h.Presence != nil {
			return r.h.Presence(e)
		}
	case *AckEvent:
		if r.h.Ack != nil {
			return r.h.Ack(e)
		}
	case *ControlEvent:
		if r.h.Control != nil {
			return r.h.Control(e)
		}
	case *IgnoredEvent:
		if r.h.Ignored != nil {
			return r.h.Ignored(e)
		}
		r.log.Debug("ignored event", zap.String("type", e.WireType()))
	default:
		return fmt.Errorf("rtm: unroutable event %T", ev)
	}
	return nil
}
