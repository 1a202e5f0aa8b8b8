package run

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/eventlog"
	"github.com/aklemp/talon/internal/hub"
	"github.com/aklemp/talon/internal/security"
	"github.com/aklemp/talon/internal/tool"
	openai "github.com/aklemp/talon/modules/provider/openai"
	"github.com/aklemp/talon/pkg/message"
)

// scriptedStreamer plays back one scripted response per iteration and
// records the requests it saw.
type scriptedStreamer struct {
	mu     sync.Mutex
	reqs   []openai.ChatRequest
	script []func(emit func(chat.StreamEvent)) (*openai.Result, error)
}

func (s *scriptedStreamer) StreamChat(_ context.Context, req openai.ChatRequest, emit func(chat.StreamEvent)) (*openai.Result, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	n := len(s.reqs) - 1
	s.mu.Unlock()
	if n >= len(s.script) {
		return &openai.Result{}, nil
	}
	return s.script[n](emit)
}

func (s *scriptedStreamer) requests() []openai.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]openai.ChatRequest(nil), s.reqs...)
}

// echoTool returns its arguments back as the result.
type echoTool struct{}

func (echoTool) Name() string              { return "echo" }
func (echoTool) Description() string       { return "echoes its arguments" }
func (echoTool) Schema() json.RawMessage   { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Scopes() []tool.Scope      { return []tool.Scope{tool.ScopeReadOnly} }
func (echoTool) Execute(_ context.Context, args json.RawMessage, _ tool.ExecutionEnv) (tool.Output, error) {
	return tool.Output{Content: string(args)}, nil
}

func testAgents(t *testing.T, src string) *agent.Registry {
	t.Helper()
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(src), &raw); err != nil {
		t.Fatal(err)
	}
	reg, err := agent.NewRegistry(raw)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

type runnerFixture struct {
	hub      *hub.Hub
	sink     *hub.Sink
	streamer *scriptedStreamer
}

func newRunnerFixture(t *testing.T, agentsYAML string, streamer *scriptedStreamer) *runnerFixture {
	t.Helper()
	h := hub.New(context.Background(), nil)
	sink := hub.NewSink(eventlog.NewStore(t.TempDir(), nil), h, nil, nil)

	reg := tool.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}

	r := New(Config{
		Hub:    h,
		Sink:   sink,
		Agents: testAgents(t, agentsYAML),
		Tools:  tool.NewHost(reg, nil, time.Second, nil),
		OpenAI: streamer,
	})
	h.SetRunner(r)
	return &runnerFixture{hub: h, sink: sink, streamer: streamer}
}

func (f *runnerFixture) runAndWait(t *testing.T, text string) {
	t.Helper()
	if _, _, err := f.hub.SubmitMessage("s1", text, ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.hub.ActiveRun("s1") != nil {
		if time.Now().After(deadline) {
			t.Fatal("turn did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *runnerFixture) eventTypes(t *testing.T) []chat.EventType {
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

const openaiAgent = `
assistant:
  kind: openai
  model: gpt-test
  system_prompt: be brief
  default: true
`

func TestOpenAITurnPlainText(t *testing.T) {
	streamer := &scriptedStreamer{script: []func(func(chat.StreamEvent)) (*openai.Result, error){
		func(emit func(chat.StreamEvent)) (*openai.Result, error) {
			emit(chat.StreamEvent{Kind: chat.StreamText, Delta: "hi there", Cumulative: "hi there"})
			return &openai.Result{Text: "hi there"}, nil
		},
	}}
	f := newRunnerFixture(t, openaiAgent, streamer)
	f.runAndWait(t, "hello")

	types := f.eventTypes(t)
	want := []chat.EventType{
		chat.EventTurnStart,
		chat.EventUserMessage,
		chat.EventAssistantChunk,
		chat.EventAssistantDone,
		chat.EventTurnEnd,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	// System prompt seeds the request; history carries the user message.
	reqs := streamer.requests()
	if len(reqs) != 1 {
		t.Fatalf("iterations = %d", len(reqs))
	}
	msgs := reqs[0].Messages
	if len(msgs) != 2 || msgs[0].Role != chat.RoleSystem || msgs[1].Role != chat.RoleUser {
		t.Fatalf("seed messages = %+v", msgs)
	}

	hist := f.hub.History("s1")
	last := hist[len(hist)-1]
	if last.Role != chat.RoleAssistant || last.Content != "hi there" {
		t.Errorf("final history = %+v", last)
	}
}

func TestSystemTurnPersistsUserMessage(t *testing.T) {
	streamer := &scriptedStreamer{script: []func(func(chat.StreamEvent)) (*openai.Result, error){
		func(emit func(chat.StreamEvent)) (*openai.Result, error) {
			emit(chat.StreamEvent{Kind: chat.StreamText, Delta: "ack", Cumulative: "ack"})
			return &openai.Result{Text: "ack"}, nil
		},
	}}
	f := newRunnerFixture(t, openaiAgent, streamer)

	if _, _, err := f.hub.SubmitSystemMessage("s1", "build failed", ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.hub.ActiveRun("s1") != nil {
		if time.Now().After(deadline) {
			t.Fatal("turn did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events, err := f.sink.Events("s1")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, ev := range events {
		if ev.Type == chat.EventUserMessage {
			found = true
			var p chat.UserMessagePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				t.Fatal(err)
			}
			if p.Text != "build failed" {
				t.Errorf("user_message text = %q", p.Text)
			}
		}
	}
	if !found {
		t.Errorf("system-triggered turn persisted no user_message: %v", f.eventTypes(t))
	}
}

func TestOpenAIToolIterationLoop(t *testing.T) {
	toolCall := chat.ToolCall{
		ID:        "call_1",
		Name:      "echo",
		Arguments: json.RawMessage(`{"x":1}`),
	}
	streamer := &scriptedStreamer{script: []func(func(chat.StreamEvent)) (*openai.Result, error){
		func(emit func(chat.StreamEvent)) (*openai.Result, error) {
			emit(chat.StreamEvent{Kind: chat.StreamToolCallStart, CallID: "call_1", Tool: "echo"})
			return &openai.Result{ToolCalls: []chat.ToolCall{toolCall}}, nil
		},
		func(emit func(chat.StreamEvent)) (*openai.Result, error) {
			emit(chat.StreamEvent{Kind: chat.StreamText, Delta: "done", Cumulative: "done"})
			return &openai.Result{Text: "done"}, nil
		},
	}}
	f := newRunnerFixture(t, openaiAgent, streamer)
	f.runAndWait(t, "run the tool")

	reqs := streamer.requests()
	if len(reqs) != 2 {
		t.Fatalf("iterations = %d, want 2", len(reqs))
	}

	// The second request carries the assistant tool-call message and the
	// tool message answering it.
	msgs := reqs[1].Messages
	n := len(msgs)
	if n < 2 {
		t.Fatalf("second request messages = %+v", msgs)
	}
	asst, toolMsg := msgs[n-2], msgs[n-1]
	if asst.Role != chat.RoleAssistant || len(asst.ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", asst)
	}
	if toolMsg.Role != chat.RoleTool || toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	var outcome chat.ToolOutcome
	if err := json.Unmarshal([]byte(toolMsg.Content), &outcome); err != nil {
		t.Fatalf("tool message content: %v", err)
	}
	if !outcome.OK {
		t.Errorf("outcome = %+v", outcome)
	}

	types := f.eventTypes(t)
	var saw []chat.EventType
	for _, ty := range types {
		if ty == chat.EventToolCall || ty == chat.EventToolResult || ty == chat.EventTurnEnd {
			saw = append(saw, ty)
		}
	}
	want := []chat.EventType{chat.EventToolCall, chat.EventToolResult, chat.EventTurnEnd}
	if len(saw) != len(want) {
		t.Fatalf("tool events = %v, want %v", saw, want)
	}
	for i := range want {
		if saw[i] != want[i] {
			t.Fatalf("tool events = %v, want %v", saw, want)
		}
	}

	// Tools are advertised on every iteration.
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", reqs[0].Tools)
	}
}

func TestRateLimitedToolBroadcastsErrorFrame(t *testing.T) {
	streamer := &scriptedStreamer{script: []func(func(chat.StreamEvent)) (*openai.Result, error){
		func(emit func(chat.StreamEvent)) (*openai.Result, error) {
			return &openai.Result{ToolCalls: []chat.ToolCall{
				{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)},
				{ID: "c2", Name: "echo", Arguments: json.RawMessage(`{}`)},
			}}, nil
		},
		func(emit func(chat.StreamEvent)) (*openai.Result, error) {
			return &openai.Result{Text: "done"}, nil
		},
	}}

	h := hub.New(context.Background(), nil)
	sink := hub.NewSink(eventlog.NewStore(t.TempDir(), nil), h, nil, nil)
	reg := tool.NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}
	limiter := security.NewRateLimiter(security.RateLimiterConfig{Window: time.Minute, Limit: 1})
	r := New(Config{
		Hub:    h,
		Sink:   sink,
		Agents: testAgents(t, openaiAgent),
		Tools:  tool.NewHost(reg, limiter, time.Second, nil),
		OpenAI: streamer,
	})
	h.SetRunner(r)

	conn := h.Attach("s1")
	defer h.Detach(conn)

	if _, _, err := h.SubmitMessage("s1", "go", ""); err != nil {
		t.Fatal(err)
	}

	// The second call in the batch trips the limiter; the client must see
	// a rate_limit_tools error frame alongside the failed tool result.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-conn.Outbound():
			if frame.Type == message.TypeError {
				if frame.Code != tool.CodeRateLimited {
					t.Fatalf("error code = %q, want %q", frame.Code, tool.CodeRateLimited)
				}
				return
			}
		case <-deadline:
			t.Fatal("no rate_limit_tools error frame broadcast")
		}
	}
}

func TestOpenAIToolIterationLimit(t *testing.T) {
	agents := `
assistant:
  kind: openai
  model: gpt-test
  max_tool_iterations: 2
  default: true
`
	call := chat.ToolCall{ID: "c", Name: "echo", Arguments: json.RawMessage(`{}`)}
	loop := func(emit func(chat.StreamEvent)) (*openai.Result, error) {
		return &openai.Result{ToolCalls: []chat.ToolCall{call}}, nil
	}
	streamer := &scriptedStreamer{script: []func(func(chat.StreamEvent)) (*openai.Result, error){loop, loop, loop}}
	f := newRunnerFixture(t, agents, streamer)

	conn := f.hub.Attach("s1")
	f.runAndWait(t, "loop forever")

	if got := len(streamer.requests()); got != 2 {
		t.Errorf("iterations = %d, want 2", got)
	}

	sawLimit := false
	for {
		var done bool
		select {
		case msg := <-conn.Outbound():
			if msg.Code == "tool_iteration_limit" {
				sawLimit = true
				var details map[string]int
				if err := json.Unmarshal(msg.Details, &details); err != nil {
					t.Fatalf("details: %v", err)
				}
				if details["maxToolIterations"] != 2 || details["iterations"] != 2 {
					t.Errorf("details = %v", details)
				}
				done = true
			}
		default:
			done = true
		}
		if done {
			break
		}
	}
	if !sawLimit {
		t.Error("tool_iteration_limit error frame not broadcast")
	}

	// The error frame replaces turn_end.
	for _, ty := range f.eventTypes(t) {
		if ty == chat.EventTurnEnd {
			t.Error("turn_end emitted on fatal failure")
		}
	}
}

func TestProviderErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{openai.ErrAuth, "auth_failed"},
		{openai.ErrRateLimit, "rate_limited"},
		{openai.ErrContextLength, "context_length"},
		{openai.ErrUpstreamDown, "upstream_unavailable"},
		{errors.New("weird"), "provider_error"},
	}
	for _, tt := range tests {
		if got := providerError(tt.err); got.code != tt.code {
			t.Errorf("providerError(%v).code = %q, want %q", tt.err, got.code, tt.code)
		}
	}
}

func TestRepairCalls(t *testing.T) {
	tests := []struct {
		name string
		args string
		ok   func(json.RawMessage) bool
	}{
		{
			name: "valid passes through",
			args: `{"cmd":"ls"}`,
			ok:   func(r json.RawMessage) bool { return string(r) == `{"cmd":"ls"}` },
		},
		{
			name: "empty becomes object",
			args: "",
			ok:   func(r json.RawMessage) bool { return string(r) == `{}` },
		},
		{
			name: "truncated is repaired to valid JSON",
			args: `{"cmd":"ls`,
			ok:   func(r json.RawMessage) bool { return json.Valid(r) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := repairCalls([]chat.ToolCall{{
				ID: "c", Name: "echo", Arguments: json.RawMessage(tt.args),
			}})
			if !tt.ok(calls[0].Arguments) {
				t.Errorf("repaired args = %s", calls[0].Arguments)
			}
		})
	}
}

func TestUnknownAgentBroadcastsError(t *testing.T) {
	f := newRunnerFixture(t, openaiAgent, &scriptedStreamer{})
	conn := f.hub.Attach("s1")

	if _, _, err := f.hub.SubmitMessage("s1", "hello", "nope"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ActiveRun("s1") != nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	saw := false
	for !saw {
		select {
		case msg := <-conn.Outbound():
			if msg.Code == "unknown_agent" {
				saw = true
			}
		default:
			t.Fatal("unknown_agent error not broadcast")
		}
	}
}
