package cliagent

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/aklemp/talon/internal/chat"
)

// maxOutputOverlap bounds the trailing-overlap search when diffing tool
// output snapshots against the previous cumulative value.
const maxOutputOverlap = 8 * 1024

// piAdapter normalizes the pi CLI's json-mode vocabulary. Assistant
// activity arrives as message_update records wrapping an
// assistantMessageEvent; tool output arrives as cumulative snapshots
// that must be diffed into deltas.
type piAdapter struct {
	text      string
	sessionID string
	workDir   string

	active map[string]*piCall
	order  []string
}

// piCall tracks one running tool execution.
type piCall struct {
	tool   string
	output string
}

func newPiAdapter() *piAdapter {
	return &piAdapter{active: make(map[string]*piCall)}
}

func (a *piAdapter) args(inv Invocation) []string {
	argv := []string{"pi", "--mode", "json"}
	switch {
	case inv.ResumeID == "":
		// Fresh session.
	case looksLikePath(inv.ResumeID):
		path := inv.ResumeID
		if inv.Wrapper != nil && inv.Wrapper.Path != "" && inv.WorkDir != "" {
			// The wrapper sees its own filesystem; hand it a path
			// relative to the workdir it mounts.
			if rel, err := filepath.Rel(inv.WorkDir, path); err == nil {
				path = rel
			}
		}
		argv = append(argv, "--session", path)
	default:
		argv = append(argv, "--session", inv.ResumeID, "--continue")
	}
	return argv
}

func (a *piAdapter) env(Invocation) map[string]string { return nil }

func (a *piAdapter) promptArgs(text string) []string { return []string{"-p", text} }

func looksLikePath(s string) bool {
	return strings.ContainsRune(s, filepath.Separator) || strings.HasSuffix(s, ".jsonl")
}

type piLine struct {
	Type                  string   `json:"type"`
	AssistantMessageEvent *piEvent `json:"assistantMessageEvent"`

	// session / session_header records.
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

type piEvent struct {
	Type       string          `json:"type"`
	Text       string          `json:"text"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
	Output     string          `json:"output"`
	IsError    bool            `json:"isError"`
	Result     *piResult       `json:"result"`
}

type piResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (a *piAdapter) handleLine(line []byte, emit emitFunc) error {
	var msg piLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return newError(CodeUnexpectedNonJSON, "pi: %v", err)
	}

	switch msg.Type {
	case "session", "session_header":
		if msg.SessionID != "" && a.sessionID == "" {
			a.sessionID = msg.SessionID
			a.workDir = msg.Cwd
			emit(chat.StreamEvent{
				Kind:      chat.StreamSessionInfo,
				SessionID: msg.SessionID,
				WorkDir:   msg.Cwd,
			})
		}

	case "message_update":
		if msg.AssistantMessageEvent != nil {
			a.handleAssistantEvent(msg.AssistantMessageEvent, emit)
		}
	}
	return nil
}

func (a *piAdapter) handleAssistantEvent(ev *piEvent, emit emitFunc) {
	switch ev.Type {
	case "text_delta":
		if ev.Text != "" {
			a.text += ev.Text
			emit(chat.StreamEvent{
				Kind:       chat.StreamText,
				Delta:      ev.Text,
				Cumulative: a.text,
			})
		}

	case "thinking_start":
		emit(chat.StreamEvent{Kind: chat.StreamThinkingStart})
	case "thinking_delta":
		if ev.Text != "" {
			emit(chat.StreamEvent{Kind: chat.StreamThinkingDelta, Delta: ev.Text})
		}
	case "thinking_end":
		emit(chat.StreamEvent{Kind: chat.StreamThinkingDone})

	case "tool_execution_start":
		if ev.ToolCallID == "" {
			return
		}
		a.active[ev.ToolCallID] = &piCall{tool: ev.ToolName}
		a.order = append(a.order, ev.ToolCallID)
		emit(chat.StreamEvent{
			Kind:   chat.StreamToolCallStart,
			CallID: ev.ToolCallID,
			Tool:   ev.ToolName,
			Args:   string(ev.Args),
		})

	case "tool_execution_update":
		call := a.active[ev.ToolCallID]
		if call == nil || ev.Output == "" {
			return
		}
		delta := outputDelta(call.output, ev.Output)
		call.output = ev.Output
		if delta != "" {
			emit(chat.StreamEvent{
				Kind:   chat.StreamToolOutputDelta,
				CallID: ev.ToolCallID,
				Tool:   call.tool,
				Delta:  delta,
				Stream: "stdout",
			})
		}

	case "tool_execution_end":
		call := a.active[ev.ToolCallID]
		tool := ev.ToolName
		if tool == "" && call != nil {
			tool = call.tool
		}
		a.dropActive(ev.ToolCallID)

		resultText := extractResultText(ev.Result)
		result, _ := json.Marshal(resultText)
		out := chat.StreamEvent{
			Kind:   chat.StreamToolResult,
			CallID: ev.ToolCallID,
			Tool:   tool,
			OK:     !ev.IsError,
			Result: result,
		}
		if ev.IsError {
			out.ToolErr = &chat.ToolError{Code: "tool_failed", Message: resultText}
		}
		emit(out)
	}
}

// outputDelta diffs a new cumulative tool output snapshot against the
// previous one. A strict prefix extension returns the suffix. Otherwise
// the snapshot may be a sliding window over the real output; search for
// the longest tail of prev (up to 8 KB) that prefixes next, and return
// what follows it. No overlap means the whole snapshot is new.
func outputDelta(prev, next string) string {
	if prev == "" {
		return next
	}
	if strings.HasPrefix(next, prev) {
		return next[len(prev):]
	}

	tail := prev
	if len(tail) > maxOutputOverlap {
		tail = tail[len(tail)-maxOutputOverlap:]
	}
	for i := 0; i < len(tail); i++ {
		if strings.HasPrefix(next, tail[i:]) {
			return next[len(tail)-i:]
		}
	}
	return next
}

// extractResultText pulls the textual content out of an MCP-style result.
func extractResultText(r *piResult) string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range r.Content {
		if c.Text != "" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

func (a *piAdapter) dropActive(id string) {
	delete(a.active, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *piAdapter) interrupt(emit emitFunc) {
	for _, id := range a.order {
		emit(chat.InterruptedToolResult(id, a.active[id].tool))
	}
	a.active = make(map[string]*piCall)
	a.order = nil
}

func (a *piAdapter) result() Result {
	return Result{Text: a.text, SessionID: a.sessionID, WorkDir: a.workDir}
}
