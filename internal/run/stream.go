package run

import (
	"log/slog"

	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/hub"
	"github.com/aklemp/talon/pkg/message"
)

// streamHandler translates normalized stream events into client
// broadcasts and Event Sink appends, and maintains the per-turn
// accumulators. One instance serves one turn; the reader delivers
// events sequentially, so no locking is needed here beyond what the
// ActiveRun does internally.
type streamHandler struct {
	hub  *hub.Hub
	sink *hub.Sink
	run  *hub.ActiveRun

	sessionID       string
	turnID          string
	responseID      string
	agentExchangeID string

	// forwardChunksTo mirrors tool output chunks into another session,
	// used for agent-to-agent streaming.
	forwardChunksTo string

	// textPrefix is the turn text accumulated by previous iterations;
	// the reader's cumulative values are iteration-local.
	textPrefix string

	thinkingStarted bool
	thinkingDone    bool
	inputOffsets    map[string]int
	outputOffsets   map[string]int

	// onSessionInfo receives CLI-reported session identity as soon as it
	// appears on the stream.
	onSessionInfo func(sessionID, workDir string)

	logger *slog.Logger
}

func newStreamHandler(h *hub.Hub, sink *hub.Sink, run *hub.ActiveRun, logger *slog.Logger) *streamHandler {
	return &streamHandler{
		hub:             h,
		sink:            sink,
		run:             run,
		sessionID:       run.SessionID,
		turnID:          run.TurnID,
		responseID:      run.ResponseID,
		agentExchangeID: run.AgentExchangeID,
		forwardChunksTo: run.ForwardChunksTo,
		inputOffsets:    make(map[string]int),
		outputOffsets:   make(map[string]int),
		logger:          logger,
	}
}

// handle routes one normalized stream event.
func (sh *streamHandler) handle(ev chat.StreamEvent) {
	switch ev.Kind {
	case chat.StreamText:
		sh.emitTextDelta(ev.Delta, ev.Cumulative)
	case chat.StreamThinkingStart:
		sh.emitThinkingStart()
	case chat.StreamThinkingDelta:
		sh.emitThinkingDelta(ev.Delta)
	case chat.StreamThinkingDone:
		sh.emitThinkingDone()
	case chat.StreamToolCallStart:
		sh.emitToolCallStart(ev.CallID, ev.Tool, ev.Args)
	case chat.StreamToolInputDelta:
		sh.emitToolInputChunk(ev.CallID, ev.Tool, ev.Delta)
	case chat.StreamToolOutputDelta:
		sh.emitToolOutputChunk(ev.CallID, ev.Tool, ev.Delta, ev.Stream)
	case chat.StreamToolResult:
		outcome := chat.ToolOutcome{OK: ev.OK, Result: ev.Result, Error: ev.ToolErr}
		sh.emitToolResult(ev.CallID, ev.Tool, outcome)
	case chat.StreamSessionInfo:
		if sh.onSessionInfo != nil {
			sh.onSessionInfo(ev.SessionID, ev.WorkDir)
		}
	case chat.StreamError:
		sh.broadcast(message.NewError(sh.responseID, ev.Code, ev.Message))
	}
}

func (sh *streamHandler) broadcast(msg message.Server) {
	msg.SessionID = sh.sessionID
	msg.AgentExchangeID = sh.agentExchangeID
	sh.hub.BroadcastToSession(sh.sessionID, msg)
}

func (sh *streamHandler) append(t chat.EventType, payload any) {
	ev := chat.NewEvent(sh.sessionID, sh.turnID, sh.responseID, t, payload)
	if err := sh.sink.Append(sh.sessionID, ev); err != nil {
		sh.logger.Error("event append rejected",
			"session", sh.sessionID, "type", string(t), "error", err)
	}
}

// emitTextDelta broadcasts the delta, persists an assistant_chunk, and
// feeds any attached speech session. The cumulative value updates the
// run's accumulated text so the cancel handler always sees the latest.
func (sh *streamHandler) emitTextDelta(delta, cumulative string) {
	if delta == "" {
		return
	}
	sh.run.SetAccumulatedText(sh.textPrefix + cumulative)
	sh.broadcast(message.NewTextDelta(sh.responseID, delta))
	sh.append(chat.EventAssistantChunk, chat.TextPayload{Text: delta})
	if s := sh.run.TTS(); s != nil {
		if err := s.Feed(delta); err != nil {
			sh.logger.Debug("tts feed failed", "session", sh.sessionID, "error", err)
		}
	}
}

// emitThinkingStart latches so redundant starts are idempotent.
func (sh *streamHandler) emitThinkingStart() {
	if sh.thinkingStarted {
		return
	}
	sh.thinkingStarted = true
	sh.run.MarkEmitted()
	sh.broadcast(message.Server{Type: message.TypeThinkingStart, ResponseID: sh.responseID})
}

func (sh *streamHandler) emitThinkingDelta(delta string) {
	if delta == "" {
		return
	}
	sh.emitThinkingStart()
	sh.run.AppendThinking(delta)
	sh.append(chat.EventThinkingChunk, chat.TextPayload{Text: delta})
	sh.broadcast(message.Server{
		Type:       message.TypeThinkingDelta,
		ResponseID: sh.responseID,
		Delta:      delta,
	})
}

func (sh *streamHandler) emitThinkingDone() {
	if sh.thinkingDone || !sh.thinkingStarted {
		return
	}
	sh.thinkingDone = true
	text := sh.run.ThinkingText()
	sh.append(chat.EventThinkingDone, chat.TextPayload{Text: text})
	sh.broadcast(message.Server{
		Type:       message.TypeThinkingDone,
		ResponseID: sh.responseID,
		Text:       text,
	})
}

func (sh *streamHandler) emitToolCallStart(callID, tool, args string) {
	sh.run.AddToolCall(callID, tool)
	sh.inputOffsets[callID] = 0
	sh.outputOffsets[callID] = 0
	sh.append(chat.EventToolCall, chat.ToolCallPayload{
		CallID:    callID,
		Tool:      tool,
		Arguments: args,
	})
	sh.broadcast(message.NewToolCallStart(sh.responseID, callID, tool, args))
}

// emitToolInputChunk is broadcast-only. The offset field carries the
// byte length of all previously emitted chunks for the call, so offsets
// are strictly increasing.
func (sh *streamHandler) emitToolInputChunk(callID, tool, chunk string) {
	if chunk == "" {
		return
	}
	offset := sh.inputOffsets[callID]
	sh.inputOffsets[callID] = offset + len(chunk)
	sh.append(chat.EventToolInputChunk, chat.ChunkPayload{
		CallID: callID,
		Tool:   tool,
		Chunk:  chunk,
		Offset: offset,
	})
}

func (sh *streamHandler) emitToolOutputChunk(callID, tool, chunk, stream string) {
	if chunk == "" {
		return
	}
	offset := sh.outputOffsets[callID]
	sh.outputOffsets[callID] = offset + len(chunk)
	payload := chat.ChunkPayload{
		CallID: callID,
		Tool:   tool,
		Chunk:  chunk,
		Offset: offset,
		Stream: stream,
	}
	sh.append(chat.EventToolOutputChunk, payload)

	if sh.forwardChunksTo != "" {
		fwd := chat.NewEvent(sh.forwardChunksTo, sh.turnID, sh.responseID,
			chat.EventToolOutputChunk, payload)
		if err := sh.sink.Append(sh.forwardChunksTo, fwd); err != nil {
			sh.logger.Debug("chunk forward failed",
				"from", sh.sessionID, "to", sh.forwardChunksTo, "error", err)
		}
	}
}

func (sh *streamHandler) emitToolResult(callID, tool string, outcome chat.ToolOutcome) {
	sh.run.ResolveToolCall(callID)
	sh.append(chat.EventToolResult, chat.ToolResultPayload{
		CallID: callID,
		Tool:   tool,
		OK:     outcome.OK,
		Result: outcome.Result,
		Error:  outcome.Error,
	})
	sh.broadcast(message.NewToolResult(sh.responseID, callID, tool, outcome))
}
