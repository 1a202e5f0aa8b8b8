package cliagent

import (
	"encoding/json"
	"fmt"

	"github.com/aklemp/talon/internal/chat"
)

// codexAdapter normalizes the codex CLI's exec --json vocabulary. Codex
// reports its own thread id at start, runs shell commands itself, and
// emits one completed item per command, reasoning block, or message.
type codexAdapter struct {
	text      string
	sessionID string
	active    map[string]bool
	order     []string
}

func newCodexAdapter() *codexAdapter {
	return &codexAdapter{active: make(map[string]bool)}
}

// args builds the codex invocation. --json must precede the resume
// subcommand; codex parses flags positionally before subcommands.
func (a *codexAdapter) args(inv Invocation) []string {
	argv := []string{"codex", "exec", "--json"}
	if inv.ResumeID != "" {
		argv = append(argv, "resume", inv.ResumeID)
	}
	return argv
}

func (a *codexAdapter) env(inv Invocation) map[string]string {
	return map[string]string{"ASSISTANT_SESSION_ID": inv.SessionID}
}

func (a *codexAdapter) promptArgs(text string) []string { return []string{text} }

type codexLine struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id"`
	Item     *codexItem `json:"item"`

	// session_configured / session_meta variants.
	SessionID string `json:"session_id"`
	Payload   *struct {
		ID string `json:"id"`
	} `json:"payload"`
}

type codexItem struct {
	ID               string `json:"id"`
	Type             string `json:"item_type"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
	ExitCode         *int   `json:"exit_code"`
	Text             string `json:"text"`
}

func (a *codexAdapter) handleLine(line []byte, emit emitFunc) error {
	var msg codexLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return newError(CodeUnexpectedNonJSON, "codex: %v", err)
	}

	switch msg.Type {
	case "thread.started":
		a.captureSession(msg.ThreadID, emit)
	case "session_configured", "session_meta":
		id := msg.SessionID
		if id == "" && msg.Payload != nil {
			id = msg.Payload.ID
		}
		a.captureSession(id, emit)

	case "item.started":
		if msg.Item == nil || msg.Item.Type != "command_execution" {
			return nil
		}
		args, _ := json.Marshal(map[string]string{"command": msg.Item.Command})
		a.active[msg.Item.ID] = true
		a.order = append(a.order, msg.Item.ID)
		emit(chat.StreamEvent{
			Kind:   chat.StreamToolCallStart,
			CallID: msg.Item.ID,
			Tool:   "shell",
			Args:   string(args),
		})

	case "item.completed":
		if msg.Item == nil {
			return nil
		}
		a.completeItem(msg.Item, emit)
	}
	return nil
}

func (a *codexAdapter) completeItem(item *codexItem, emit emitFunc) {
	switch item.Type {
	case "command_execution":
		exitCode := 0
		if item.ExitCode != nil {
			exitCode = *item.ExitCode
		}
		a.dropActive(item.ID)
		result, _ := json.Marshal(map[string]any{
			"output":   item.AggregatedOutput,
			"exitCode": exitCode,
		})
		ev := chat.StreamEvent{
			Kind:   chat.StreamToolResult,
			CallID: item.ID,
			Tool:   "shell",
			OK:     exitCode == 0,
			Result: result,
		}
		if exitCode != 0 {
			ev.ToolErr = &chat.ToolError{
				Code:    "tool_failed",
				Message: fmt.Sprintf("command exited with code %d", exitCode),
			}
		}
		emit(ev)

	case "reasoning":
		if item.Text != "" {
			emit(chat.StreamEvent{Kind: chat.StreamThinkingDelta, Delta: item.Text})
		}

	case "agent_message":
		if item.Text != "" {
			delta := item.Text + "\n\n"
			a.text += delta
			emit(chat.StreamEvent{
				Kind:       chat.StreamText,
				Delta:      delta,
				Cumulative: a.text,
			})
		}
	}
}

func (a *codexAdapter) captureSession(id string, emit emitFunc) {
	if id == "" || a.sessionID != "" {
		return
	}
	a.sessionID = id
	emit(chat.StreamEvent{Kind: chat.StreamSessionInfo, SessionID: id})
}

func (a *codexAdapter) dropActive(id string) {
	delete(a.active, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *codexAdapter) interrupt(emit emitFunc) {
	for _, id := range a.order {
		emit(chat.InterruptedToolResult(id, "shell"))
	}
	a.active = make(map[string]bool)
	a.order = nil
}

func (a *codexAdapter) result() Result {
	return Result{Text: a.text, SessionID: a.sessionID}
}
