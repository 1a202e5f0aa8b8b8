package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/security"
)

// maxResultLen caps the tool result text carried on a tool_result event.
// Longer output is truncated at a rune boundary.
const maxResultLen = 32 * 1024

// defaultInvokeTimeout bounds a single tool execution when the host is
// created without an explicit timeout.
const defaultInvokeTimeout = 2 * time.Minute

// Host executes tool calls for agents. Every invocation goes through the
// agent's allow/deny policy and the per-session rate limiter, and every
// failure is normalized to a chat.ToolOutcome with a stable error code,
// so a misbehaving tool can never abort a turn.
type Host struct {
	registry *Registry
	limiter  *security.RateLimiter
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHost creates a Host around a registry. limiter may be nil to disable
// rate limiting; timeout <= 0 selects the default.
func NewHost(registry *Registry, limiter *security.RateLimiter, timeout time.Duration, logger *slog.Logger) *Host {
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		registry: registry,
		limiter:  limiter,
		timeout:  timeout,
		logger:   logger,
	}
}

// Registry returns the underlying tool registry.
func (h *Host) Registry() *Registry {
	return h.registry
}

// SchemasFor returns the tool schemas visible to an agent under its policy.
func (h *Host) SchemasFor(policy agent.ToolPolicy) []Schema {
	return h.registry.Schemas(policy.Allowed)
}

// Invoke executes one tool call and always returns an outcome; errors are
// folded into the outcome rather than returned. The context carries the
// turn's cancellation: a canceled context yields a tool_interrupted
// outcome.
func (h *Host) Invoke(ctx context.Context, call chat.ToolCall, policy agent.ToolPolicy, env ExecutionEnv) chat.ToolOutcome {
	t, err := h.registry.Get(call.Name)
	if err != nil {
		return failure(CodeNotFound, fmt.Sprintf("unknown tool %q", call.Name))
	}

	if !policy.Allowed(call.Name) {
		return failure(CodeNotAllowed, fmt.Sprintf("tool %q is not allowed for this agent", call.Name))
	}

	if h.limiter != nil {
		if err := h.limiter.Allow(env.SessionID); err != nil {
			return failure(CodeRateLimited, fmt.Sprintf("tool %q: %v", call.Name, err))
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	started := time.Now()
	output, err := h.execute(execCtx, t, call, env)
	elapsed := time.Since(started)

	if err != nil {
		code := CodeFailed
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
			code = CodeTimeout
		case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			code = CodeInterrupted
		}
		h.logger.Warn("tool execution failed",
			"tool", call.Name, "session", env.SessionID, "code", code,
			"elapsed", elapsed, "error", err)
		return failure(code, err.Error())
	}

	h.logger.Debug("tool executed",
		"tool", call.Name, "session", env.SessionID,
		"elapsed", elapsed, "is_error", output.IsError)

	if output.IsError {
		return failure(CodeFailed, truncateResult(output.Content))
	}
	return chat.ToolOutcome{OK: true, Result: encodeResult(truncateResult(output.Content))}
}

// encodeResult wraps tool output text as a JSON string for the outcome.
func encodeResult(content string) json.RawMessage {
	b, err := json.Marshal(content)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return b
}

// execute runs the tool, converting a panic into an error so one bad tool
// cannot take down the turn runner.
func (h *Host) execute(ctx context.Context, t Tool, call chat.ToolCall, env ExecutionEnv) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	return t.Execute(ctx, call.Arguments, env)
}

func failure(code, message string) chat.ToolOutcome {
	return chat.ToolOutcome{
		OK:    false,
		Error: &chat.ToolError{Code: code, Message: message},
	}
}

// truncateResult truncates a result string to maxResultLen, appending a
// truncation indicator. It walks back to a valid UTF-8 rune boundary to
// avoid splitting multi-byte characters when the cut falls mid-rune.
func truncateResult(s string) string {
	if len(s) <= maxResultLen {
		return s
	}
	i := maxResultLen
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + "...(truncated)"
}
