package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Methods the gateway sends to connected clients.
const (
	// MethodDeliver is a server-to-worker request; the worker answers with a
	// response frame carrying the same ID.
	MethodDeliver = "agent.deliver"
	// EventPresence is the Method of presence event frames.
	EventPresence = "presence"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`     // request/response correlation ID
	Method  string          `json:"method,omitempty"` // RPC method or event name
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"` // response only
	Code    string          `json:"code,omitempty"`  // machine-readable error code
}
