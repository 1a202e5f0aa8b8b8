package message

import "encoding/json"

// ClientType discriminates frames received from a client connection.
type ClientType string

// Client frame types.
const (
	ClientMessage     ClientType = "message"
	ClientControl     ClientType = "control"
	ClientSubscribe   ClientType = "subscribe"
	ClientInteraction ClientType = "interaction_response"
)

// Control actions and targets.
const (
	ActionCancel = "cancel"

	TargetOutput = "output"
)

// Client is a frame sent by a connected client.
type Client struct {
	Type ClientType `json:"type"`

	SessionID string `json:"sessionId,omitempty"`

	// message frames.
	Text    string `json:"text,omitempty"`
	AgentID string `json:"agentId,omitempty"`

	// control frames.
	Action string `json:"action,omitempty"`
	Target string `json:"target,omitempty"`

	// AudioEndMs, when non-negative, marks where audio playback stopped so
	// the cancel handler can record the truncation point. -1 means unset.
	AudioEndMs float64 `json:"audioEndMs,omitempty"`

	// subscribe frames: resume delivery after this event id.
	AfterEventID string `json:"afterEventId,omitempty"`

	// interaction_response frames: the answer to a pending interaction
	// request.
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
