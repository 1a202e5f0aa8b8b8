package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/security"
)

type stubTool struct {
	name    string
	scopes  []Scope
	execute func(ctx context.Context, args json.RawMessage, env ExecutionEnv) (Output, error)
}

func (t *stubTool) Name() string            { return t.name }
func (t *stubTool) Description() string     { return "stub" }
func (t *stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (t *stubTool) Scopes() []Scope {
	if t.scopes == nil {
		return []Scope{ScopeReadOnly}
	}
	return t.scopes
}

func (t *stubTool) Execute(ctx context.Context, args json.RawMessage, env ExecutionEnv) (Output, error) {
	return t.execute(ctx, args, env)
}

func newTestHost(t *testing.T, tools ...Tool) *Host {
	t.Helper()
	reg := NewRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return NewHost(reg, nil, time.Second, nil)
}

func call(name string) chat.ToolCall {
	return chat.ToolCall{ID: "call-1", Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestInvokeSuccess(t *testing.T) {
	h := newTestHost(t, &stubTool{
		name: "echo",
		execute: func(_ context.Context, _ json.RawMessage, _ ExecutionEnv) (Output, error) {
			return Output{Content: "hello"}, nil
		},
	})

	out := h.Invoke(context.Background(), call("echo"), agent.ToolPolicy{}, ExecutionEnv{SessionID: "s1"})
	if !out.OK || string(out.Result) != `"hello"` {
		t.Errorf("Invoke = %+v, want OK with hello", out)
	}
}

func TestInvokeErrorCodes(t *testing.T) {
	failing := &stubTool{
		name: "boom",
		execute: func(_ context.Context, _ json.RawMessage, _ ExecutionEnv) (Output, error) {
			return Output{}, context.DeadlineExceeded
		},
	}
	panicky := &stubTool{
		name: "panic",
		execute: func(_ context.Context, _ json.RawMessage, _ ExecutionEnv) (Output, error) {
			panic("oops")
		},
	}
	softFail := &stubTool{
		name: "soft",
		execute: func(_ context.Context, _ json.RawMessage, _ ExecutionEnv) (Output, error) {
			return Output{Content: "bad input", IsError: true}, nil
		},
	}
	h := newTestHost(t, failing, panicky, softFail)

	tests := []struct {
		name     string
		tool     string
		policy   agent.ToolPolicy
		wantCode string
	}{
		{"unknown tool", "missing", agent.ToolPolicy{}, CodeNotFound},
		{"denied tool", "boom", agent.ToolPolicy{Deny: []string{"boom"}}, CodeNotAllowed},
		{"timeout", "boom", agent.ToolPolicy{}, CodeTimeout},
		{"panic", "panic", agent.ToolPolicy{}, CodeFailed},
		{"tool-reported error", "soft", agent.ToolPolicy{}, CodeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.Invoke(context.Background(), call(tt.tool), tt.policy, ExecutionEnv{SessionID: "s1"})
			if out.OK {
				t.Fatalf("Invoke = %+v, want failure", out)
			}
			if out.Error == nil || out.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", out.Error, tt.wantCode)
			}
		})
	}
}

func TestInvokeInterrupted(t *testing.T) {
	h := newTestHost(t, &stubTool{
		name: "wait",
		execute: func(ctx context.Context, _ json.RawMessage, _ ExecutionEnv) (Output, error) {
			<-ctx.Done()
			return Output{}, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := h.Invoke(ctx, call("wait"), agent.ToolPolicy{}, ExecutionEnv{SessionID: "s1"})
	if out.OK || out.Error == nil || out.Error.Code != CodeInterrupted {
		t.Errorf("Invoke = %+v, want tool_interrupted", out)
	}
}

func TestInvokeRateLimited(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&stubTool{
		name: "echo",
		execute: func(_ context.Context, _ json.RawMessage, _ ExecutionEnv) (Output, error) {
			return Output{Content: "ok"}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	limiter := security.NewRateLimiter(security.RateLimiterConfig{Window: time.Minute, Limit: 2})
	h := NewHost(reg, limiter, time.Second, nil)

	env := ExecutionEnv{SessionID: "s1"}
	for i := 0; i < 2; i++ {
		if out := h.Invoke(context.Background(), call("echo"), agent.ToolPolicy{}, env); !out.OK {
			t.Fatalf("call %d unexpectedly failed: %+v", i, out)
		}
	}
	out := h.Invoke(context.Background(), call("echo"), agent.ToolPolicy{}, env)
	if out.OK || out.Error == nil || out.Error.Code != CodeRateLimited {
		t.Errorf("Invoke = %+v, want rate_limit_tools", out)
	}

	// A different session has its own bucket.
	other := h.Invoke(context.Background(), call("echo"), agent.ToolPolicy{}, ExecutionEnv{SessionID: "s2"})
	if !other.OK {
		t.Errorf("other session rate limited: %+v", other)
	}
}

func TestTruncateResult(t *testing.T) {
	long := strings.Repeat("é", maxResultLen)
	got := truncateResult(long)
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Error("expected truncation suffix")
	}
	trimmed := strings.TrimSuffix(got, "...(truncated)")
	if !strings.HasSuffix(trimmed, "é") {
		t.Error("truncation split a multi-byte rune")
	}

	short := "fits"
	if truncateResult(short) != short {
		t.Error("short string was modified")
	}
}

func TestSchemasFor(t *testing.T) {
	h := newTestHost(t,
		&stubTool{name: "shell", execute: nil, scopes: []Scope{ScopeExec}},
		&stubTool{name: "read_file", execute: nil},
	)

	schemas := h.SchemasFor(agent.ToolPolicy{Deny: []string{"shell"}})
	if len(schemas) != 1 || schemas[0].Name != "read_file" {
		t.Errorf("SchemasFor = %+v, want only read_file", schemas)
	}
}
