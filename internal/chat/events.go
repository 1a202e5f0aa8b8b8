// Package chat defines the shared vocabulary of the chat run orchestrator:
// persisted chat events, chat history messages, and the normalized stream
// events that providers emit while a turn is running.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the payload carried by an Event.
type EventType string

// Recognized event types. The set is fixed; unknown types read back from
// disk are logged and skipped.
const (
	EventTurnStart       EventType = "turn_start"
	EventUserMessage     EventType = "user_message"
	EventAssistantChunk  EventType = "assistant_chunk"
	EventAssistantDone   EventType = "assistant_done"
	EventThinkingChunk   EventType = "thinking_chunk"
	EventThinkingDone    EventType = "thinking_done"
	EventToolCall        EventType = "tool_call"
	EventToolResult      EventType = "tool_result"
	EventToolInputChunk  EventType = "tool_input_chunk"
	EventToolOutputChunk EventType = "tool_output_chunk"
	EventInterrupt       EventType = "interrupt"
	EventTurnEnd         EventType = "turn_end"
)

// Transient reports whether events of this type bypass persistence and are
// delivered to live connections only. High-volume chunk streams are never
// written to the log; clients that miss them reconcile from the terminal
// tool_result and assistant_done events.
func (t EventType) Transient() bool {
	return t == EventToolInputChunk || t == EventToolOutputChunk
}

// Event is the persisted, on-the-wire chat event record. Within a session,
// persisted events form a totally ordered sequence by append order.
type Event struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"ts"`
	SessionID  string          `json:"sessionId"`
	TurnID     string          `json:"turnId,omitempty"`
	ResponseID string          `json:"responseId,omitempty"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEvent creates an Event with a fresh id and timestamp. The payload is
// marshalled immediately; a marshal failure yields a null payload rather
// than an error, since event emission must never fail a running turn.
func NewEvent(sessionID, turnID, responseID string, t EventType, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	return Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		SessionID:  sessionID,
		TurnID:     turnID,
		ResponseID: responseID,
		Type:       t,
		Payload:    raw,
	}
}

// TurnTrigger identifies what started a turn.
type TurnTrigger string

// Turn triggers. Callback turns (tool follow-ups, webhook deliveries) skip
// the user_message event.
const (
	TriggerUser     TurnTrigger = "user"
	TriggerSystem   TurnTrigger = "system"
	TriggerCallback TurnTrigger = "callback"
)

// TurnStartPayload is the payload of a turn_start event.
type TurnStartPayload struct {
	Trigger TurnTrigger `json:"trigger"`
	AgentID string      `json:"agentId,omitempty"`
}

// UserMessagePayload is the payload of a user_message event.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// TextPayload is the payload of assistant_chunk, assistant_done,
// thinking_chunk, and thinking_done events.
type TextPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload is the payload of a tool_call event.
type ToolCallPayload struct {
	CallID    string `json:"toolCallId"`
	Tool      string `json:"toolName"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolResultPayload is the payload of a tool_result event.
type ToolResultPayload struct {
	CallID string          `json:"toolCallId"`
	Tool   string          `json:"toolName"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ToolError      `json:"error,omitempty"`
}

// ChunkPayload is the payload of the transient tool_input_chunk and
// tool_output_chunk events. Offset is the cumulative byte length of all
// previously emitted chunks for the call, so offsets for a given call are
// strictly increasing.
type ChunkPayload struct {
	CallID string `json:"toolCallId"`
	Tool   string `json:"toolName,omitempty"`
	Chunk  string `json:"chunk"`
	Offset int    `json:"offset"`
	Stream string `json:"stream,omitempty"`
}

// InterruptPayload is the payload of an interrupt event.
type InterruptPayload struct {
	Reason string `json:"reason"`
}
