package cliagent

import (
	"encoding/json"
	"strings"

	"github.com/aklemp/talon/internal/chat"
)

// claudeAdapter normalizes the claude CLI's stream-json vocabulary.
//
// The stream interleaves three granularities: fine-grained stream_event
// deltas (text, thinking, tool input JSON), full assistant message
// snapshots repeating content seen so far, and user messages carrying
// tool results. Starts and results are deduplicated by the CLI's
// tool_use_id so the snapshot path and the delta path never double-emit.
type claudeAdapter struct {
	text      string
	sessionID string

	blocks      map[int]*claudeBlock
	started     map[string]bool
	resolved    map[string]bool
	active      map[string]string
	activeOrder []string
}

// claudeBlock tracks an open content block by stream index.
type claudeBlock struct {
	callID string
	tool   string
	args   strings.Builder
	isTool bool
}

func newClaudeAdapter() *claudeAdapter {
	return &claudeAdapter{
		blocks:   make(map[int]*claudeBlock),
		started:  make(map[string]bool),
		resolved: make(map[string]bool),
		active:   make(map[string]string),
	}
}

func (a *claudeAdapter) args(inv Invocation) []string {
	argv := []string{
		"claude",
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--include-partial-messages",
	}
	if inv.ResumeID != "" {
		argv = append(argv, "--resume", inv.ResumeID)
	} else if inv.SessionID != "" {
		argv = append(argv, "--session-id", inv.SessionID)
	}
	return argv
}

func (a *claudeAdapter) env(Invocation) map[string]string { return nil }

func (a *claudeAdapter) promptArgs(text string) []string { return []string{text} }

// Wire shapes. Only the fields the normalizer reads are declared.

type claudeLine struct {
	Type    string             `json:"type"`
	Event   *claudeStreamEvent `json:"event"`
	Message *claudeMessage     `json:"message"`
	Result  string             `json:"result"`
	IsError bool               `json:"is_error"`

	SessionID string `json:"session_id"`
}

type claudeStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type claudeMessage struct {
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (a *claudeAdapter) handleLine(line []byte, emit emitFunc) error {
	var msg claudeLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return newError(CodeUnexpectedNonJSON, "claude: %v", err)
	}

	switch msg.Type {
	case "system":
		if msg.SessionID != "" && a.sessionID == "" {
			a.sessionID = msg.SessionID
			emit(chat.StreamEvent{Kind: chat.StreamSessionInfo, SessionID: msg.SessionID})
		}

	case "stream_event":
		if msg.Event != nil {
			a.handleStreamEvent(msg.Event, emit)
		}

	case "assistant":
		if msg.Message != nil {
			a.handleAssistantSnapshot(msg.Message, emit)
		}

	case "user":
		if msg.Message != nil {
			a.handleUserMessage(msg.Message, emit)
		}

	case "result":
		// Terminal reconciliation: the result text is authoritative.
		if msg.Result != "" {
			a.text = msg.Result
		}
	}
	return nil
}

func (a *claudeAdapter) handleStreamEvent(ev *claudeStreamEvent, emit emitFunc) {
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock.Type != "tool_use" {
			a.blocks[ev.Index] = &claudeBlock{}
			return
		}
		block := &claudeBlock{
			callID: ev.ContentBlock.ID,
			tool:   ev.ContentBlock.Name,
			isTool: true,
		}
		a.blocks[ev.Index] = block
		a.emitToolStart(block.callID, block.tool, "", emit)

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				a.text += ev.Delta.Text
				emit(chat.StreamEvent{
					Kind:       chat.StreamText,
					Delta:      ev.Delta.Text,
					Cumulative: a.text,
				})
			}
		case "thinking_delta":
			if ev.Delta.Thinking != "" {
				emit(chat.StreamEvent{Kind: chat.StreamThinkingDelta, Delta: ev.Delta.Thinking})
			}
		case "input_json_delta":
			block := a.blocks[ev.Index]
			if block == nil || !block.isTool || ev.Delta.PartialJSON == "" {
				return
			}
			block.args.WriteString(ev.Delta.PartialJSON)
			emit(chat.StreamEvent{
				Kind:       chat.StreamToolInputDelta,
				CallID:     block.callID,
				Tool:       block.tool,
				Delta:      ev.Delta.PartialJSON,
				Cumulative: block.args.String(),
			})
		}

	case "content_block_stop":
		delete(a.blocks, ev.Index)
	}
}

// handleAssistantSnapshot processes a full assistant message. Text blocks
// carry the whole text so far; tool_use blocks may repeat calls already
// announced through stream_event.
func (a *claudeAdapter) handleAssistantSnapshot(msg *claudeMessage, emit emitFunc) {
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			a.reconcileText(block.Text, emit)
		case "tool_use":
			a.emitToolStart(block.ID, block.Name, string(block.Input), emit)
		}
	}
}

// reconcileText handles a "full text so far" snapshot. A strict prefix
// extension emits the suffix as a delta. A non-prefix rewrite (the CLI
// occasionally normalizes whitespace retroactively) is recorded silently;
// the terminal result carries the final value.
func (a *claudeAdapter) reconcileText(snapshot string, emit emitFunc) {
	if snapshot == "" || snapshot == a.text {
		return
	}
	if strings.HasPrefix(snapshot, a.text) {
		delta := snapshot[len(a.text):]
		a.text = snapshot
		emit(chat.StreamEvent{
			Kind:       chat.StreamText,
			Delta:      delta,
			Cumulative: a.text,
		})
		return
	}
	a.text = snapshot
}

// handleUserMessage processes tool_result blocks the CLI echoes back
// after running a tool itself.
func (a *claudeAdapter) handleUserMessage(msg *claudeMessage, emit emitFunc) {
	for _, block := range msg.Content {
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}
		if a.resolved[block.ToolUseID] {
			continue
		}
		a.resolved[block.ToolUseID] = true
		tool := a.active[block.ToolUseID]
		a.dropActive(block.ToolUseID)

		ev := chat.StreamEvent{
			Kind:   chat.StreamToolResult,
			CallID: block.ToolUseID,
			Tool:   tool,
			OK:     !block.IsError,
			Result: block.Content,
		}
		if block.IsError {
			ev.ToolErr = &chat.ToolError{Code: "tool_failed", Message: flattenResult(block.Content)}
		}
		emit(ev)
	}
}

// emitToolStart announces a tool call exactly once per tool_use_id.
func (a *claudeAdapter) emitToolStart(callID, tool, args string, emit emitFunc) {
	if callID == "" || a.started[callID] {
		return
	}
	a.started[callID] = true
	a.active[callID] = tool
	a.activeOrder = append(a.activeOrder, callID)
	emit(chat.StreamEvent{
		Kind:   chat.StreamToolCallStart,
		CallID: callID,
		Tool:   tool,
		Args:   args,
	})
}

func (a *claudeAdapter) dropActive(callID string) {
	delete(a.active, callID)
	for i, id := range a.activeOrder {
		if id == callID {
			a.activeOrder = append(a.activeOrder[:i], a.activeOrder[i+1:]...)
			break
		}
	}
}

func (a *claudeAdapter) interrupt(emit emitFunc) {
	for _, callID := range a.activeOrder {
		emit(chat.InterruptedToolResult(callID, a.active[callID]))
	}
	a.active = make(map[string]string)
	a.activeOrder = nil
}

func (a *claudeAdapter) result() Result {
	return Result{Text: a.text, SessionID: a.sessionID}
}

// flattenResult extracts a printable message from a tool_result content
// value, which may be a plain string or a content block array.
func flattenResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Text != "" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}
