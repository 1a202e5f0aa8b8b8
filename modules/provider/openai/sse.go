package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aklemp/talon/internal/chat"
)

// maxToolCallArgs is the maximum accumulated size in bytes for a single
// tool call's arguments during streaming. Protects against OOM from a
// malicious or broken upstream sending unbounded argument fragments.
const maxToolCallArgs = 1 * 1024 * 1024 // 1 MB

// scannerBufferSize is the max token size for the SSE line scanner.
// SSE data lines can be large (tool call arguments, long content).
// Default bufio.Scanner limit is ~64 KiB which is too small.
const scannerBufferSize = 1 * 1024 * 1024 // 1 MB

// streamChunk is the internal unit flowing from the SSE reader to
// StreamChat: either an incremental event, the terminal result, or an
// error.
type streamChunk struct {
	event  *chat.StreamEvent
	result *Result
	err    error
}

// toolCallState accumulates streaming tool call fragments for one index.
type toolCallState struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

// callID returns the upstream id, or a stable synthetic one for upstreams
// that never send ids.
func (t *toolCallState) callID(index int) string {
	if t.id != "" {
		return t.id
	}
	return fmt.Sprintf("call_%d", index)
}

// sendChunk sends a streamChunk on ch, respecting context cancellation.
// Returns false if the context was cancelled (caller should return).
func sendChunk(ctx context.Context, ch chan<- streamChunk, chunk streamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func sendEvent(ctx context.Context, ch chan<- streamChunk, ev chat.StreamEvent) bool {
	return sendChunk(ctx, ch, streamChunk{event: &ev})
}

// readStream reads an SSE stream from body and sends parsed chunks on ch.
// The channel is closed when the stream ends, either normally ([DONE]),
// on error, or when ctx is cancelled. body is always closed.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- streamChunk) {
	defer close(ch)
	defer func() { _ = body.Close() }()

	// Close body on context cancellation to unblock the scanner.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerBufferSize), scannerBufferSize)

	pending := make(map[int]*toolCallState)
	var text strings.Builder
	var usage Usage

	finish := func() {
		sendChunk(ctx, ch, streamChunk{result: &Result{
			Text:      text.String(),
			ToolCalls: assembleToolCalls(pending),
			Usage:     usage,
		}})
	}

	for scanner.Scan() {
		// Check context cancellation after unblocking.
		if ctx.Err() != nil {
			sendChunk(ctx, ch, streamChunk{err: ctx.Err()})
			return
		}

		line := scanner.Text()

		// SSE spec: lines starting with ":" are comments.
		if strings.HasPrefix(line, ":") {
			continue
		}

		// Only process "data:" lines.
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		// Terminal marker.
		if data == "[DONE]" {
			finish()
			return
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			sendChunk(ctx, ch, streamChunk{err: fmt.Errorf("openai: malformed stream chunk: %w", err)})
			return
		}

		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		// Accumulate tool call deltas keyed by stream index. A call is
		// announced only once its name is known; any argument fragments
		// buffered before that surface as the first cumulative delta.
		for _, tc := range choice.Delta.ToolCalls {
			state, ok := pending[tc.Index]
			if !ok {
				state = &toolCallState{}
				pending[tc.Index] = state
			}
			if tc.ID != "" {
				state.id = tc.ID
			}
			if tc.Function.Name != "" {
				state.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				if state.args.Len()+len(tc.Function.Arguments) > maxToolCallArgs {
					sendChunk(ctx, ch, streamChunk{
						err: fmt.Errorf("openai: tool call arguments exceeded %d bytes", maxToolCallArgs),
					})
					return
				}
				state.args.WriteString(tc.Function.Arguments)
			}

			if state.name == "" {
				continue
			}
			if !state.started {
				state.started = true
				if !sendEvent(ctx, ch, chat.StreamEvent{
					Kind:   chat.StreamToolCallStart,
					CallID: state.callID(tc.Index),
					Tool:   state.name,
				}) {
					return
				}
				if state.args.Len() > 0 {
					if !sendEvent(ctx, ch, chat.StreamEvent{
						Kind:       chat.StreamToolInputDelta,
						CallID:     state.callID(tc.Index),
						Tool:       state.name,
						Delta:      state.args.String(),
						Cumulative: state.args.String(),
					}) {
						return
					}
				}
			} else if tc.Function.Arguments != "" {
				if !sendEvent(ctx, ch, chat.StreamEvent{
					Kind:       chat.StreamToolInputDelta,
					CallID:     state.callID(tc.Index),
					Tool:       state.name,
					Delta:      tc.Function.Arguments,
					Cumulative: state.args.String(),
				}) {
					return
				}
			}
		}

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if !sendEvent(ctx, ch, chat.StreamEvent{
				Kind:       chat.StreamText,
				Delta:      choice.Delta.Content,
				Cumulative: text.String(),
			}) {
				return
			}
		}
	}

	// If scanner stopped due to context cancellation (body closed), report
	// the context error.
	if ctx.Err() != nil {
		sendChunk(ctx, ch, streamChunk{err: ctx.Err()})
		return
	}

	if err := scanner.Err(); err != nil {
		sendChunk(ctx, ch, streamChunk{err: mapConnectionError(err)})
		return
	}

	// Upstream closed without [DONE]; treat what we have as the result.
	finish()
}

// assembleToolCalls converts accumulated tool call states into chat
// ToolCalls, sorted by their stream index. Calls that never received a
// name are dropped.
func assembleToolCalls(pending map[int]*toolCallState) []chat.ToolCall {
	type indexed struct {
		idx  int
		call chat.ToolCall
	}
	items := make([]indexed, 0, len(pending))
	for idx, state := range pending {
		if state.name == "" {
			continue
		}
		items = append(items, indexed{
			idx: idx,
			call: chat.ToolCall{
				ID:        state.callID(idx),
				Name:      state.name,
				Arguments: json.RawMessage(state.args.String()),
			},
		})
	}
	slices.SortFunc(items, func(a, b indexed) int {
		return a.idx - b.idx
	})
	out := make([]chat.ToolCall, len(items))
	for i, item := range items {
		out[i] = item.call
	}
	return out
}
