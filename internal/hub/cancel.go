package hub

import (
	"math"

	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/pkg/message"
)

// HandleOutputCancel interrupts the session's running turn: it triggers
// the cancel handle, closes out partial output and in-flight tool calls
// with synthesized results, and tells clients to reconcile. Returns
// false when no turn was running or cancel already fired.
//
// audioEndMs marks where client audio playback stopped; pass a negative
// or non-finite value when unknown.
func (h *Hub) HandleOutputCancel(sink *Sink, sessionID string, audioEndMs float64) bool {
	run := h.ActiveRun(sessionID)
	if run == nil {
		return false
	}
	if !run.SetOutputCancelled() {
		return false
	}

	if !math.IsNaN(audioEndMs) && !math.IsInf(audioEndMs, 0) && audioEndMs >= 0 {
		run.SetAudioEndMs(audioEndMs)
	}

	run.Cancel()
	if s := run.TTS(); s != nil {
		s.Cancel()
	}

	// Close out partial assistant text. When tool calls are still active,
	// the partial text is not pushed as a standalone assistant history
	// message: the runner already pushed the assistant tool-call message,
	// and the synthesized tool messages below must directly follow it.
	hadActiveCalls := run.HasActiveToolCalls()
	if text := run.AccumulatedText(); text != "" {
		_ = sink.Append(sessionID, chat.NewEvent(
			sessionID, run.TurnID, run.ResponseID,
			chat.EventAssistantDone, chat.TextPayload{Text: text},
		))
		h.RecordActivity(sessionID, text)
		if !hadActiveCalls {
			h.AppendHistory(sessionID, chat.Message{Role: chat.RoleAssistant, Content: text})
		}
	}

	interrupted := &chat.ToolError{
		Code:    "tool_interrupted",
		Message: "Tool call was interrupted by the user",
	}
	for _, call := range run.DrainToolCalls() {
		outcome := chat.ToolOutcome{OK: false, Error: interrupted}
		h.AppendHistory(sessionID, chat.NewToolMessage(call.CallID, outcome))
		h.BroadcastToSession(sessionID,
			message.NewToolResult(run.ResponseID, call.CallID, call.Tool, outcome))
		_ = sink.Append(sessionID, chat.NewEvent(
			sessionID, run.TurnID, run.ResponseID,
			chat.EventToolResult, chat.ToolResultPayload{
				CallID: call.CallID,
				Tool:   call.Tool,
				OK:     false,
				Error:  interrupted,
			},
		))
	}

	// No interrupt marker when cancel landed before any stream activity.
	if run.Emitted() {
		_ = sink.Append(sessionID, chat.NewEvent(
			sessionID, run.TurnID, run.ResponseID,
			chat.EventInterrupt, chat.InterruptPayload{Reason: "user_cancel"},
		))
	}

	h.BroadcastToSession(sessionID, message.Server{
		Type:       message.TypeOutputCancelled,
		SessionID:  sessionID,
		ResponseID: run.ResponseID,
	})
	return true
}
