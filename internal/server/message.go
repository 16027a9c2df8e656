package server

import (
	"bridge-controller/internal/core"
	"bridge-controller/internal/slave"
)

// Command represents an incoming JSON command from a WebSocket client or
// the REST endpoint.
type Command struct {
	Type    string                 `json:"type"`
	Command string                 `json:"command"`
	Payload map[string]interface{} `json:"payload"`
}

// Message represents an outgoing JSON message sent to WebSocket clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewMessage creates a new structured Message for broadcasting to clients.
func NewMessage(msgType string, payload interface{}) Message {
	return Message{Type: msgType, Payload: payload}
}

// ReplyPayload is the body of a "reply" message.
type ReplyPayload struct {
	Kind       string `json:"kind,omitempty"`
	Value      int    `json:"value"`
	SlaveState string `json:"slave_state,omitempty"`
}

func newReplyPayload(r core.Reply) ReplyPayload {
	if r.IsSlaveState {
		return ReplyPayload{Value: int(r.SlaveState), SlaveState: slave.State(r.SlaveState).String()}
	}
	return ReplyPayload{Kind: r.Kind.String(), Value: int(r.Kind)}
}
