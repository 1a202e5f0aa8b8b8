// Package cliagent runs coding-CLI providers (claude, codex, pi) as
// streaming subprocesses. Each child writes newline-delimited JSON on
// stdout; the reader normalizes the three per-CLI vocabularies into
// chat.StreamEvent values, supervises the process group, and guarantees
// that cancellation terminates the whole subprocess tree and closes out
// every tool call the child had started.
package cliagent

import (
	"fmt"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/chat"
)

// Error codes fatal for a CLI-backed turn.
const (
	CodeSpawnFailed       = "spawn_failed"
	CodeExitNonzero       = "cli_exit_nonzero"
	CodeUnexpectedNonJSON = "unexpected_non_json"
)

// Error is a fatal CLI reader error with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Invocation describes one CLI run.
type Invocation struct {
	// Kind selects the CLI flavor (claude, codex, or pi).
	Kind chat.ProviderKind

	// SessionID is the orchestrator's session id (not the CLI's own).
	SessionID string

	// UserText is the prompt passed to the CLI.
	UserText string

	// ResumeID is the CLI's own session identifier from a previous run,
	// empty on the first turn.
	ResumeID string

	// WorkDir is the child's working directory.
	WorkDir string

	// Wrapper optionally prefixes the CLI binary with a sandbox command.
	Wrapper *agent.Wrapper

	// ExtraArgs are appended to the CLI invocation.
	ExtraArgs []string

	// ExtraEnv is merged into the child environment.
	ExtraEnv map[string]string
}

// Result is returned when the CLI run ends.
type Result struct {
	// Text is the total accumulated assistant text.
	Text string

	// SessionID is the CLI-reported session identifier, if any.
	SessionID string

	// WorkDir is the CLI-reported working directory, if any.
	WorkDir string

	// Aborted is true when the run ended because cancel fired.
	Aborted bool
}
