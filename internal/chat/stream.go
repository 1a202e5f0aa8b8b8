package chat

import "encoding/json"

// StreamKind discriminates the variant of a StreamEvent.
type StreamKind string

// Stream event kinds. Providers must emit StreamToolCallStart before any
// StreamToolInputDelta or StreamToolResult for the same call id, and a
// StreamToolResult terminates an active call.
const (
	StreamText            StreamKind = "text_delta"
	StreamThinkingStart   StreamKind = "thinking_start"
	StreamThinkingDelta   StreamKind = "thinking_delta"
	StreamThinkingDone    StreamKind = "thinking_done"
	StreamToolCallStart   StreamKind = "tool_call_start"
	StreamToolInputDelta  StreamKind = "tool_input_delta"
	StreamToolResult      StreamKind = "tool_result"
	StreamToolOutputDelta StreamKind = "tool_output_delta"
	StreamSessionInfo     StreamKind = "session_info"
	StreamError           StreamKind = "error"
)

// StreamEvent is the provider-agnostic shape yielded by stream readers.
// Which fields are meaningful depends on Kind:
//
//	StreamText            Delta, Cumulative
//	StreamThinkingDelta   Delta
//	StreamThinkingDone    Text
//	StreamToolCallStart   CallID, Tool, Args
//	StreamToolInputDelta  CallID, Delta, Cumulative
//	StreamToolResult      CallID, Tool, OK, Result, ToolErr
//	StreamToolOutputDelta CallID, Tool, Delta, Stream
//	StreamSessionInfo     SessionID, WorkDir
//	StreamError           Code, Message
type StreamEvent struct {
	Kind StreamKind

	Delta      string
	Cumulative string
	Text       string

	CallID  string
	Tool    string
	Args    string
	OK      bool
	Result  json.RawMessage
	ToolErr *ToolError
	Stream  string

	SessionID string
	WorkDir   string

	Code    string
	Message string
}

// InterruptedToolResult synthesizes the StreamToolResult emitted for a call
// that was still active when the turn was cancelled.
func InterruptedToolResult(callID, tool string) StreamEvent {
	return StreamEvent{
		Kind:   StreamToolResult,
		CallID: callID,
		Tool:   tool,
		OK:     false,
		ToolErr: &ToolError{
			Code:    "tool_interrupted",
			Message: "Tool call was interrupted by the user",
		},
	}
}

// ProviderKind selects the backend that drives a turn.
type ProviderKind string

// Supported providers: one in-process streaming HTTP client and three
// subprocess CLI agents.
const (
	ProviderOpenAI ProviderKind = "openai"
	ProviderClaude ProviderKind = "claude"
	ProviderCodex  ProviderKind = "codex"
	ProviderPi     ProviderKind = "pi"
)

// Subprocess reports whether the provider runs as an external CLI that owns
// its own transcript. Sessions driven by such providers skip local event
// persistence.
func (p ProviderKind) Subprocess() bool {
	switch p {
	case ProviderClaude, ProviderCodex, ProviderPi:
		return true
	default:
		return false
	}
}
