package cliagent

import (
	"encoding/json"
	"testing"

	"github.com/aklemp/talon/internal/chat"
)

func TestCodexArgs(t *testing.T) {
	ad := newCodexAdapter()

	got := ad.args(Invocation{})
	want := []string{"codex", "exec", "--json"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args = %v, want %v", got, want)
		}
	}

	// --json must come before the resume subcommand.
	got = ad.args(Invocation{ResumeID: "thread-7"})
	want = []string{"codex", "exec", "--json", "resume", "thread-7"}
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args = %v, want %v", got, want)
		}
	}
}

func TestCodexEnvCarriesSessionID(t *testing.T) {
	env := newCodexAdapter().env(Invocation{SessionID: "sess-42"})
	if env["ASSISTANT_SESSION_ID"] != "sess-42" {
		t.Errorf("env = %v", env)
	}
}

func TestCodexSessionCapture(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"thread.started", `{"type":"thread.started","thread_id":"th-1"}`},
		{"session_configured", `{"type":"session_configured","session_id":"th-1"}`},
		{"session_meta payload", `{"type":"session_meta","payload":{"id":"th-1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ad := newCodexAdapter()
			events := feed(t, ad, []string{tt.line, tt.line})
			if len(events) != 1 {
				t.Fatalf("session info emitted %d times", len(events))
			}
			if events[0].Kind != chat.StreamSessionInfo || events[0].SessionID != "th-1" {
				t.Errorf("event = %+v", events[0])
			}
			if ad.result().SessionID != "th-1" {
				t.Errorf("result session = %q", ad.result().SessionID)
			}
		})
	}
}

func TestCodexCommandExecution(t *testing.T) {
	ad := newCodexAdapter()
	events := feed(t, ad, []string{
		`{"type":"item.started","item":{"id":"item_0","item_type":"command_execution","command":"ls -la"}}`,
		`{"type":"item.completed","item":{"id":"item_0","item_type":"command_execution","command":"ls -la","aggregated_output":"total 4\n","exit_code":0}}`,
	})

	if len(events) != 2 {
		t.Fatalf("got %v", kinds(events))
	}
	start := events[0]
	if start.Kind != chat.StreamToolCallStart || start.Tool != "shell" {
		t.Fatalf("start = %+v", start)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(start.Args), &args); err != nil {
		t.Fatalf("args not JSON: %v", err)
	}
	if args["command"] != "ls -la" {
		t.Errorf("args = %v", args)
	}

	res := events[1]
	if res.Kind != chat.StreamToolResult || !res.OK {
		t.Fatalf("result = %+v", res)
	}
	var payload struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exitCode"`
	}
	if err := json.Unmarshal(res.Result, &payload); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if payload.Output != "total 4\n" || payload.ExitCode != 0 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestCodexCommandFailure(t *testing.T) {
	ad := newCodexAdapter()
	events := feed(t, ad, []string{
		`{"type":"item.started","item":{"id":"item_1","item_type":"command_execution","command":"false"}}`,
		`{"type":"item.completed","item":{"id":"item_1","item_type":"command_execution","aggregated_output":"","exit_code":1}}`,
	})

	res := events[len(events)-1]
	if res.OK {
		t.Error("nonzero exit reported OK")
	}
	if res.ToolErr == nil || res.ToolErr.Code != "tool_failed" {
		t.Errorf("ToolErr = %+v", res.ToolErr)
	}
}

func TestCodexReasoningAndMessage(t *testing.T) {
	ad := newCodexAdapter()
	events := feed(t, ad, []string{
		`{"type":"item.completed","item":{"id":"r_0","item_type":"reasoning","text":"thinking about it"}}`,
		`{"type":"item.completed","item":{"id":"m_0","item_type":"agent_message","text":"First part."}}`,
		`{"type":"item.completed","item":{"id":"m_1","item_type":"agent_message","text":"Second part."}}`,
	})

	if len(events) != 3 {
		t.Fatalf("got %v", kinds(events))
	}
	if events[0].Kind != chat.StreamThinkingDelta || events[0].Delta != "thinking about it" {
		t.Errorf("thinking = %+v", events[0])
	}
	if events[1].Delta != "First part.\n\n" {
		t.Errorf("first message delta = %q", events[1].Delta)
	}
	if want := "First part.\n\nSecond part.\n\n"; events[2].Cumulative != want {
		t.Errorf("cumulative = %q, want %q", events[2].Cumulative, want)
	}
	if ad.result().Text != "First part.\n\nSecond part.\n\n" {
		t.Errorf("result text = %q", ad.result().Text)
	}
}

func TestCodexInterrupt(t *testing.T) {
	ad := newCodexAdapter()
	feed(t, ad, []string{
		`{"type":"item.started","item":{"id":"item_5","item_type":"command_execution","command":"sleep 60"}}`,
	})

	var events []chat.StreamEvent
	ad.interrupt(func(ev chat.StreamEvent) { events = append(events, ev) })

	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	ev := events[0]
	if ev.CallID != "item_5" || ev.Tool != "shell" || ev.OK {
		t.Errorf("event = %+v", ev)
	}
	if ev.ToolErr == nil || ev.ToolErr.Code != "tool_interrupted" {
		t.Errorf("ToolErr = %+v", ev.ToolErr)
	}
}
