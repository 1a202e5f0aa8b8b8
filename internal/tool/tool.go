// Package tool defines the tool interface, registry, and the scoped host
// that executes tool calls on behalf of agents. Tools are the boundary
// between a conversation and the machine it runs on: every invocation
// passes through policy, rate limiting, and error normalization here.
package tool

import (
	"context"
	"encoding/json"
)

// Scope declares what kind of access a tool requires.
// Every tool must declare at least one scope.
type Scope string

// Scope values for tool access requirements.
const (
	ScopeReadOnly  Scope = "read_only"
	ScopeReadWrite Scope = "read_write"
	ScopeExec      Scope = "exec"
	ScopeNetwork   Scope = "network"
)

// Tool is the interface all talon tools implement.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what the tool does.
	Description() string

	// Schema returns a JSON Schema describing the tool's parameters.
	Schema() json.RawMessage

	// Scopes returns the access scopes this tool requires.
	// Must return at least one scope.
	Scopes() []Scope

	// Execute runs the tool with the given arguments and environment.
	Execute(ctx context.Context, args json.RawMessage, env ExecutionEnv) (Output, error)
}

// ExecutionEnv provides the runtime environment for tool execution.
// It intentionally does not expose secrets or os.Environ.
type ExecutionEnv struct {
	// WorkDir is the working directory for the current agent.
	WorkDir string

	// DataDir is the persistent data directory for the tool.
	DataDir string

	// SessionID identifies the session on whose behalf the tool runs.
	SessionID string

	// OnUpdate, when non-nil, receives incremental output chunks while the
	// tool runs. Chunks are transient progress, not part of the result.
	OnUpdate func(chunk string)

	// Interactions, when non-nil, lets a tool block on human input.
	Interactions InteractionRequester
}

// Update sends an incremental output chunk if a listener is attached.
func (env ExecutionEnv) Update(chunk string) {
	if env.OnUpdate != nil && chunk != "" {
		env.OnUpdate(chunk)
	}
}

// Output is the result of a tool execution.
type Output struct {
	// Content is the output text from the tool.
	Content string

	// IsError indicates whether the output represents an error condition.
	IsError bool
}
