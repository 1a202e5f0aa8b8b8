package tool

import "errors"

var (
	// ErrToolNotFound is returned when a tool is not found in the registry.
	ErrToolNotFound = errors.New("tool not found")

	// ErrNotAllowed is returned when the agent's policy forbids the tool.
	ErrNotAllowed = errors.New("tool not allowed by agent policy")

	// ErrNoScopes is returned when a tool declares no scopes.
	ErrNoScopes = errors.New("tool must declare at least one scope")

	// ErrEmptyToolName is returned when a tool name is empty.
	ErrEmptyToolName = errors.New("tool name must not be empty")

	// ErrDuplicateTool is returned when registering a tool with a name that
	// already exists in the registry.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Stable error codes carried on tool_result events so clients can react
// to failure classes without parsing messages.
const (
	CodeNotFound    = "tool_not_found"
	CodeNotAllowed  = "tool_not_allowed"
	CodeRateLimited = "rate_limit_tools"
	CodeTimeout     = "tool_timeout"
	CodeInterrupted = "tool_interrupted"
	CodeFailed      = "tool_failed"
)
