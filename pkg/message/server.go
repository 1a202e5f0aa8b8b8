// Package message defines the wire contract between the orchestrator and
// connected clients: the server-to-client message sum type and the frames
// clients send over a connection.
package message

import (
	"encoding/json"

	"github.com/aklemp/talon/internal/chat"
)

// ServerType discriminates the variant of a Server message.
type ServerType string

// Server message types.
const (
	TypeTextDelta       ServerType = "text_delta"
	TypeTextDone        ServerType = "text_done"
	TypeThinkingStart   ServerType = "thinking_start"
	TypeThinkingDelta   ServerType = "thinking_delta"
	TypeThinkingDone    ServerType = "thinking_done"
	TypeToolCallStart   ServerType = "tool_call_start"
	TypeToolResult      ServerType = "tool_result"
	TypeChatEvent       ServerType = "chat_event"
	TypeUserMessage     ServerType = "user_message"
	TypePanelEvent      ServerType = "panel_event"
	TypeQueued          ServerType = "queued"
	TypeOutputCancelled ServerType = "chat_output_cancelled"
	TypeError           ServerType = "error"
)

// Server is the server-to-client message. Exactly the fields relevant to
// Type are populated; everything else is omitted on the wire.
type Server struct {
	Type ServerType `json:"type"`

	SessionID       string `json:"sessionId,omitempty"`
	ResponseID      string `json:"responseId,omitempty"`
	AgentExchangeID string `json:"agentExchangeId,omitempty"`

	// Text streaming.
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`

	// Tool lifecycle.
	CallID    string          `json:"callId,omitempty"`
	Tool      string          `json:"toolName,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError *chat.ToolError `json:"error,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`

	// Persisted event mirror.
	Event *chat.Event `json:"event,omitempty"`

	// Cross-session user message attribution.
	FromSessionID    string `json:"fromSessionId,omitempty"`
	FromAgentID      string `json:"fromAgentId,omitempty"`
	AgentMessageType string `json:"agentMessageType,omitempty"`

	// Panel events are opaque to the orchestrator.
	Panel json.RawMessage `json:"panel,omitempty"`

	// Error frames.
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// NewTextDelta builds a text_delta broadcast for the given response.
func NewTextDelta(responseID, delta string) Server {
	return Server{Type: TypeTextDelta, ResponseID: responseID, Delta: delta}
}

// NewTextDone builds the terminal text_done broadcast carrying the full text.
func NewTextDone(responseID, text string) Server {
	return Server{Type: TypeTextDone, ResponseID: responseID, Text: text}
}

// NewToolCallStart builds a tool_call_start broadcast.
func NewToolCallStart(responseID, callID, tool, arguments string) Server {
	return Server{
		Type:       TypeToolCallStart,
		ResponseID: responseID,
		CallID:     callID,
		Tool:       tool,
		Arguments:  arguments,
	}
}

// NewToolResult builds a tool_result broadcast.
func NewToolResult(responseID, callID, tool string, outcome chat.ToolOutcome) Server {
	return Server{
		Type:       TypeToolResult,
		ResponseID: responseID,
		CallID:     callID,
		Tool:       tool,
		OK:         outcome.OK,
		Result:     outcome.Result,
		ToolError:  outcome.Error,
	}
}

// NewChatEvent wraps a persisted event for live delivery.
func NewChatEvent(ev chat.Event) Server {
	e := ev
	return Server{Type: TypeChatEvent, SessionID: ev.SessionID, Event: &e}
}

// NewError builds an error frame.
func NewError(responseID, code, msg string) Server {
	return Server{Type: TypeError, ResponseID: responseID, Code: code, Message: msg}
}

// NewErrorDetails builds an error frame carrying structured details.
// An unmarshalable details value degrades to a plain error frame.
func NewErrorDetails(responseID, code, msg string, details any) Server {
	s := NewError(responseID, code, msg)
	if b, err := json.Marshal(details); err == nil {
		s.Details = b
	}
	return s
}
