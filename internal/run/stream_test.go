package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/eventlog"
	"github.com/aklemp/talon/internal/hub"
	"github.com/aklemp/talon/pkg/message"
)

// turnFixture builds a hub with one blocked turn so tests can exercise
// the stream handler against a live ActiveRun.
type turnFixture struct {
	hub  *hub.Hub
	sink *hub.Sink
	run  *hub.ActiveRun
	conn *hub.Conn
}

// holdRunner parks every turn until its context is cancelled.
type holdRunner struct {
	started chan *hub.ActiveRun
}

func (r *holdRunner) RunTurn(run *hub.ActiveRun, _ hub.TurnRequest) {
	r.started <- run
	<-run.Context().Done()
}

func newTurnFixture(t *testing.T) *turnFixture {
	t.Helper()
	h := hub.New(context.Background(), nil)
	runner := &holdRunner{started: make(chan *hub.ActiveRun, 1)}
	h.SetRunner(runner)
	sink := hub.NewSink(eventlog.NewStore(t.TempDir(), nil), h, nil, nil)

	conn := h.Attach("s1")
	if _, _, err := h.SubmitMessage("s1", "go", ""); err != nil {
		t.Fatal(err)
	}
	run := <-runner.started
	return &turnFixture{hub: h, sink: sink, run: run, conn: conn}
}

func (f *turnFixture) handler(t *testing.T) *streamHandler {
	t.Helper()
	return newStreamHandler(f.hub, f.sink, f.run, slog.Default())
}

// drain collects everything queued on the fixture connection.
func (f *turnFixture) drain() []message.Server {
	var out []message.Server
	for {
		select {
		case msg := <-f.conn.Outbound():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (f *turnFixture) persistedTypes(t *testing.T) []chat.EventType {
	t.Helper()
	events, err := f.sink.Events("s1")
	if err != nil {
		t.Fatal(err)
	}
	out := make([]chat.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestStreamHandlerTextDelta(t *testing.T) {
	f := newTurnFixture(t)
	sh := f.handler(t)

	sh.handle(chat.StreamEvent{Kind: chat.StreamText, Delta: "Hel", Cumulative: "Hel"})
	sh.handle(chat.StreamEvent{Kind: chat.StreamText, Delta: "lo", Cumulative: "Hello"})

	if got := f.run.AccumulatedText(); got != "Hello" {
		t.Errorf("accumulated = %q", got)
	}

	var deltas []string
	for _, msg := range f.drain() {
		if msg.Type == message.TypeTextDelta {
			deltas = append(deltas, msg.Delta)
		}
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}

	types := f.persistedTypes(t)
	if len(types) != 2 || types[0] != chat.EventAssistantChunk {
		t.Errorf("persisted = %v", types)
	}
}

func TestStreamHandlerTextPrefixAcrossIterations(t *testing.T) {
	f := newTurnFixture(t)
	sh := f.handler(t)

	sh.handle(chat.StreamEvent{Kind: chat.StreamText, Delta: "one", Cumulative: "one"})
	sh.textPrefix = "one"
	sh.handle(chat.StreamEvent{Kind: chat.StreamText, Delta: "two", Cumulative: "two"})

	if got := f.run.AccumulatedText(); got != "onetwo" {
		t.Errorf("accumulated = %q, want onetwo", got)
	}
}

func TestStreamHandlerThinkingLatches(t *testing.T) {
	f := newTurnFixture(t)
	sh := f.handler(t)

	sh.handle(chat.StreamEvent{Kind: chat.StreamThinkingStart})
	sh.handle(chat.StreamEvent{Kind: chat.StreamThinkingStart})
	sh.handle(chat.StreamEvent{Kind: chat.StreamThinkingDelta, Delta: "a"})
	sh.handle(chat.StreamEvent{Kind: chat.StreamThinkingDelta, Delta: "b"})
	sh.handle(chat.StreamEvent{Kind: chat.StreamThinkingDone})
	sh.handle(chat.StreamEvent{Kind: chat.StreamThinkingDone})

	starts, dones := 0, 0
	for _, msg := range f.drain() {
		switch msg.Type {
		case message.TypeThinkingStart:
			starts++
		case message.TypeThinkingDone:
			dones++
			if msg.Text != "ab" {
				t.Errorf("thinking done text = %q", msg.Text)
			}
		}
	}
	if starts != 1 || dones != 1 {
		t.Errorf("starts = %d, dones = %d, want 1 each", starts, dones)
	}
	if f.run.ThinkingText() != "ab" {
		t.Errorf("thinking text = %q", f.run.ThinkingText())
	}
}

func TestStreamHandlerToolLifecycleOffsets(t *testing.T) {
	f := newTurnFixture(t)
	sh := f.handler(t)

	sh.handle(chat.StreamEvent{
		Kind: chat.StreamToolCallStart, CallID: "c1", Tool: "shell", Args: "",
	})
	if !f.run.HasActiveToolCalls() {
		t.Fatal("call not tracked as active")
	}

	sh.handle(chat.StreamEvent{Kind: chat.StreamToolInputDelta, CallID: "c1", Tool: "shell", Delta: `{"cmd`})
	sh.handle(chat.StreamEvent{Kind: chat.StreamToolInputDelta, CallID: "c1", Tool: "shell", Delta: `":"ls"}`})
	sh.handle(chat.StreamEvent{Kind: chat.StreamToolOutputDelta, CallID: "c1", Tool: "shell", Delta: "out1", Stream: "stdout"})
	sh.handle(chat.StreamEvent{Kind: chat.StreamToolOutputDelta, CallID: "c1", Tool: "shell", Delta: "out22", Stream: "stdout"})
	sh.handle(chat.StreamEvent{
		Kind: chat.StreamToolResult, CallID: "c1", Tool: "shell",
		OK: true, Result: json.RawMessage(`"done"`),
	})

	if f.run.HasActiveToolCalls() {
		t.Error("call still active after result")
	}

	// Chunk offsets must be strictly increasing per call and stream.
	var inputOffsets, outputOffsets []int
	for _, msg := range f.drain() {
		if msg.Type != message.TypeChatEvent || msg.Event == nil {
			continue
		}
		var p chat.ChunkPayload
		switch msg.Event.Type {
		case chat.EventToolInputChunk:
			_ = json.Unmarshal(msg.Event.Payload, &p)
			inputOffsets = append(inputOffsets, p.Offset)
		case chat.EventToolOutputChunk:
			_ = json.Unmarshal(msg.Event.Payload, &p)
			outputOffsets = append(outputOffsets, p.Offset)
		}
	}
	if len(inputOffsets) != 2 || inputOffsets[0] != 0 || inputOffsets[1] != len(`{"cmd`) {
		t.Errorf("input offsets = %v", inputOffsets)
	}
	if len(outputOffsets) != 2 || outputOffsets[0] != 0 || outputOffsets[1] != 4 {
		t.Errorf("output offsets = %v", outputOffsets)
	}

	// Chunks are transient: only tool_call and tool_result persist.
	types := f.persistedTypes(t)
	want := []chat.EventType{chat.EventToolCall, chat.EventToolResult}
	if len(types) != len(want) || types[0] != want[0] || types[1] != want[1] {
		t.Errorf("persisted = %v, want %v", types, want)
	}
}

func TestStreamHandlerSessionInfoCallback(t *testing.T) {
	f := newTurnFixture(t)
	sh := f.handler(t)

	var gotID, gotDir string
	sh.onSessionInfo = func(id, dir string) { gotID, gotDir = id, dir }
	sh.handle(chat.StreamEvent{Kind: chat.StreamSessionInfo, SessionID: "cli-1", WorkDir: "/w"})

	if gotID != "cli-1" || gotDir != "/w" {
		t.Errorf("session info = %q, %q", gotID, gotDir)
	}
}
