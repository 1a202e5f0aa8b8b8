package chat

import "encoding/json"

// Role identifies the author of a history message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall is a tool invocation issued by an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of a session's chat history. Assistant messages may
// carry a provider-native blob (Native) that preserves provider-specific
// continuity tokens needed on subsequent turns; the orchestrator treats it
// as opaque. Tool messages answer exactly one assistant tool call via
// ToolCallID.
type Message struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Native     json.RawMessage `json:"native,omitempty"`
}

// ToolError is a structured tool failure, serialized into tool messages
// and tool_result events.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface so a ToolError can travel as a
// regular Go error through the tool host.
func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// ToolOutcome is the {ok, result, error} body of a tool message.
type ToolOutcome struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ToolError      `json:"error,omitempty"`
}

// Encode serializes the outcome as the content of a tool history message.
// Marshal errors cannot occur for this shape; the fallback keeps history
// well-formed regardless.
func (o ToolOutcome) Encode() string {
	b, err := json.Marshal(o)
	if err != nil {
		return `{"ok":false,"error":{"code":"encode_error","message":"unencodable tool outcome"}}`
	}
	return string(b)
}

// NewToolMessage builds the tool history message answering callID.
func NewToolMessage(callID string, outcome ToolOutcome) Message {
	return Message{
		Role:       RoleTool,
		Content:    outcome.Encode(),
		ToolCallID: callID,
	}
}
