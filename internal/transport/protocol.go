// Package transport implements the Transport Session: the websocket
// connection to the realtime channel. Wire format: one JSON frame per
// websocket text message.
package transport

import "encoding/json"

// FrameType constants for the wire protocol.
const (
	FrameTypeEvent   = "event"   // fire-and-forget, either direction
	FrameTypeRequest = "request" // client → server, expects a reply on the same id
	FrameTypeReply   = "reply"   // server → client, closes a request
)

// Frame is the wire type for everything that crosses the channel.
type Frame struct {
	Type    string          `json:"type"`              // "event" | "request" | "reply"
	ID      string          `json:"id,omitempty"`      // uuid4, set on request/reply
	Seq     int64           `json:"seq,omitempty"`     // monotonic counter per sender
	Event   string          `json:"event,omitempty"`   // wire event name
	Payload json.RawMessage `json:"payload,omitempty"` // event-specific JSON
}

// Event is an inbound channel event as delivered to subscribers.
// Payload stays raw here; normalization happens in internal/wire, once,
// in the session facade's dispatch.
type Event struct {
	Name    string
	Payload json.RawMessage
}
