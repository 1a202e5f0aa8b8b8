package cliagent

import (
	"testing"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/chat"
)

// feed runs a sequence of stdout lines through an adapter and collects
// the emitted events.
func feed(t *testing.T, ad adapter, lines []string) []chat.StreamEvent {
	t.Helper()
	var events []chat.StreamEvent
	for _, line := range lines {
		if err := ad.handleLine([]byte(line), func(ev chat.StreamEvent) {
			events = append(events, ev)
		}); err != nil {
			t.Fatalf("handleLine(%q): %v", line, err)
		}
	}
	return events
}

func kinds(events []chat.StreamEvent) []chat.StreamKind {
	out := make([]chat.StreamKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestClaudeArgs(t *testing.T) {
	tests := []struct {
		name string
		inv  Invocation
		want []string
	}{
		{
			name: "fresh session pins the id",
			inv:  Invocation{SessionID: "sess-1"},
			want: []string{
				"claude", "-p", "--verbose", "--output-format", "stream-json",
				"--include-partial-messages", "--session-id", "sess-1",
			},
		},
		{
			name: "resume wins over session id",
			inv:  Invocation{SessionID: "sess-1", ResumeID: "cli-9"},
			want: []string{
				"claude", "-p", "--verbose", "--output-format", "stream-json",
				"--include-partial-messages", "--resume", "cli-9",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newClaudeAdapter().args(tt.inv)
			if len(got) != len(tt.want) {
				t.Fatalf("args = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("args[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestClaudeTextDeltas(t *testing.T) {
	ad := newClaudeAdapter()
	events := feed(t, ad, []string{
		`{"type":"system","session_id":"cli-abc"}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":", world"}}}`,
	})

	if len(events) != 3 {
		t.Fatalf("got %d events: %v", len(events), kinds(events))
	}
	if events[0].Kind != chat.StreamSessionInfo || events[0].SessionID != "cli-abc" {
		t.Errorf("session event = %+v", events[0])
	}
	if events[2].Delta != ", world" || events[2].Cumulative != "Hello, world" {
		t.Errorf("second delta = %+v", events[2])
	}
	if ad.result().Text != "Hello, world" {
		t.Errorf("result text = %q", ad.result().Text)
	}
}

func TestClaudeSnapshotPrefixExtension(t *testing.T) {
	ad := newClaudeAdapter()
	events := feed(t, ad, []string{
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello, world"}]}}`,
	})

	if len(events) != 2 {
		t.Fatalf("got %d events: %v", len(events), kinds(events))
	}
	if events[1].Delta != ", world" {
		t.Errorf("snapshot delta = %q, want %q", events[1].Delta, ", world")
	}
}

func TestClaudeSnapshotRewriteIsSilent(t *testing.T) {
	ad := newClaudeAdapter()
	events := feed(t, ad, []string{
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Helo"}}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}`,
	})

	if len(events) != 1 {
		t.Fatalf("rewrite should not emit, got %v", kinds(events))
	}
	if ad.result().Text != "Hello" {
		t.Errorf("result text = %q, want rewritten value", ad.result().Text)
	}
}

func TestClaudeToolCallDedup(t *testing.T) {
	ad := newClaudeAdapter()
	events := feed(t, ad, []string{
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"Bash"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\""}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":":\"ls\"}"}}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"cmd":"ls"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"file.txt"}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"file.txt"}]}}`,
	})

	want := []chat.StreamKind{
		chat.StreamToolCallStart,
		chat.StreamToolInputDelta,
		chat.StreamToolInputDelta,
		chat.StreamToolResult,
	}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	if events[2].Cumulative != `{"cmd":"ls"}` {
		t.Errorf("input cumulative = %q", events[2].Cumulative)
	}
	if !events[3].OK || events[3].Tool != "Bash" {
		t.Errorf("result event = %+v", events[3])
	}
}

func TestClaudeToolResultError(t *testing.T) {
	ad := newClaudeAdapter()
	events := feed(t, ad, []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_2","name":"Read","input":{}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_2","is_error":true,"content":[{"type":"text","text":"no such file"}]}]}}`,
	})

	if len(events) != 2 {
		t.Fatalf("got %v", kinds(events))
	}
	res := events[1]
	if res.OK {
		t.Error("error result reported OK")
	}
	if res.ToolErr == nil || res.ToolErr.Code != "tool_failed" || res.ToolErr.Message != "no such file" {
		t.Errorf("ToolErr = %+v", res.ToolErr)
	}
}

func TestClaudeResultLineIsAuthoritative(t *testing.T) {
	ad := newClaudeAdapter()
	feed(t, ad, []string{
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}}`,
		`{"type":"result","result":"final answer"}`,
	})
	if got := ad.result().Text; got != "final answer" {
		t.Errorf("result text = %q, want final answer", got)
	}
}

func TestClaudeInterruptSynthesizesResults(t *testing.T) {
	ad := newClaudeAdapter()
	feed(t, ad, []string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_a","name":"Bash","input":{}},{"type":"tool_use","id":"toolu_b","name":"Read","input":{}}]}}`,
	})

	var events []chat.StreamEvent
	ad.interrupt(func(ev chat.StreamEvent) { events = append(events, ev) })

	if len(events) != 2 {
		t.Fatalf("got %d synthesized results", len(events))
	}
	for i, id := range []string{"toolu_a", "toolu_b"} {
		ev := events[i]
		if ev.Kind != chat.StreamToolResult || ev.CallID != id || ev.OK {
			t.Errorf("event %d = %+v", i, ev)
		}
		if ev.ToolErr == nil || ev.ToolErr.Code != "tool_interrupted" {
			t.Errorf("event %d ToolErr = %+v", i, ev.ToolErr)
		}
	}

	// A second interrupt has nothing left to close.
	events = nil
	ad.interrupt(func(ev chat.StreamEvent) { events = append(events, ev) })
	if len(events) != 0 {
		t.Errorf("second interrupt emitted %d events", len(events))
	}
}

func TestClaudeNonJSONLine(t *testing.T) {
	err := newClaudeAdapter().handleLine([]byte("Error: something broke"), func(chat.StreamEvent) {})
	cliErr, ok := err.(*Error)
	if !ok || cliErr.Code != CodeUnexpectedNonJSON {
		t.Fatalf("err = %v, want %s", err, CodeUnexpectedNonJSON)
	}
}

func TestFlattenResult(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain string", `"just text"`, "just text"},
		{"content blocks", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw []byte
			if tt.raw != "" {
				raw = []byte(tt.raw)
			}
			if got := flattenResult(raw); got != tt.want {
				t.Errorf("flattenResult(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestClaudeWrapperPrependsOnly(t *testing.T) {
	// The wrapper affects argv assembly in Run, not adapter args.
	inv := Invocation{SessionID: "s", Wrapper: &agent.Wrapper{Path: "/usr/bin/sandbox"}}
	got := newClaudeAdapter().args(inv)
	if got[0] != "claude" {
		t.Errorf("adapter args should not include the wrapper, got %v", got)
	}
}
