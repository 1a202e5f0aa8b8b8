// Package agent holds agent definitions: which backend an agent talks to
// (an OpenAI-style endpoint or a wrapped coding CLI), its credentials,
// and the limits applied to its turns.
package agent

import (
	"fmt"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aklemp/talon/internal/chat"
)

// DefaultMaxToolIterations bounds the provider round-trips within one turn
// for endpoint-backed agents.
const DefaultMaxToolIterations = 100

// Wrapper configures an optional wrapper executable placed in front of a
// CLI agent's binary (sandboxes, devcontainers, ssh shims).
type Wrapper struct {
	// Path is the wrapper executable. The agent binary and its arguments
	// are appended after it.
	Path string `yaml:"path"`

	// Env is merged into the child environment last, overriding both the
	// inherited environment and the agent's own env entries.
	Env map[string]string `yaml:"env,omitempty"`
}

// ToolPolicy restricts which tools an agent may invoke. An empty Allow
// list permits everything not denied; Deny wins over Allow.
type ToolPolicy struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// Agent types. A chat agent drives the model loop; an external agent
// posts the user text to an HTTP endpoint and returns immediately.
const (
	TypeChat     = "chat"
	TypeExternal = "external"
)

// Definition is one configured agent.
type Definition struct {
	// ID is the agent's name, taken from its key in the config map.
	ID string `yaml:"-"`

	// Type is "chat" (default) or "external".
	Type string `yaml:"type,omitempty"`

	// Kind selects the backend for chat agents: "openai", "claude",
	// "codex", or "pi".
	Kind chat.ProviderKind `yaml:"kind"`

	// Endpoint is the delivery URL for external agents.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Default marks this agent as the one used when a message names none.
	Default bool `yaml:"default,omitempty"`

	// Model is the model identifier sent to endpoint backends.
	Model string `yaml:"model,omitempty"`

	// SystemPrompt is prepended to the conversation for endpoint backends.
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// WorkDir is the working directory for CLI backends.
	WorkDir string `yaml:"workdir,omitempty"`

	// APIKey authenticates against endpoint backends. Registered with the
	// log redactor on load.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the endpoint base URL.
	BaseURL string `yaml:"base_url,omitempty"`

	// ReasoningEffort is passed through to endpoints that support it.
	ReasoningEffort string `yaml:"reasoning_effort,omitempty"`

	// Wrapper optionally wraps the CLI binary.
	Wrapper *Wrapper `yaml:"wrapper,omitempty"`

	// Args are extra arguments appended to the CLI invocation.
	Args []string `yaml:"args,omitempty"`

	// Env is merged into the CLI child environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Timeout bounds one turn. Zero means no per-turn deadline.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxToolIterations caps provider round-trips per turn for endpoint
	// backends. Zero means DefaultMaxToolIterations.
	MaxToolIterations int `yaml:"max_tool_iterations,omitempty"`

	// Tools restricts the tools available to this agent.
	Tools ToolPolicy `yaml:"tools,omitempty"`
}

// Registry holds the decoded agent definitions, keyed by ID.
type Registry struct {
	agents     map[string]*Definition
	defaultID  string
	orderedIDs []string
}

// NewRegistry decodes raw YAML agent definitions into a Registry.
func NewRegistry(raw map[string]yaml.Node) (*Registry, error) {
	r := &Registry{agents: make(map[string]*Definition, len(raw))}
	for id, node := range raw {
		def := &Definition{}
		if err := node.Decode(def); err != nil {
			return nil, fmt.Errorf("agent %q: %w", id, err)
		}
		def.ID = id
		if def.Type == "" {
			def.Type = TypeChat
		}
		if def.Type == TypeExternal && def.Endpoint == "" {
			return nil, fmt.Errorf("agent %q: external agents require an endpoint", id)
		}
		if def.MaxToolIterations <= 0 {
			def.MaxToolIterations = DefaultMaxToolIterations
		}
		r.agents[id] = def
		r.orderedIDs = append(r.orderedIDs, id)
		if def.Default {
			if r.defaultID != "" {
				return nil, fmt.Errorf("agents %q and %q both marked default", r.defaultID, id)
			}
			r.defaultID = id
		}
	}
	slices.Sort(r.orderedIDs)
	if r.defaultID == "" && len(r.orderedIDs) == 1 {
		r.defaultID = r.orderedIDs[0]
	}
	return r, nil
}

// Get returns the definition for id, or false if unknown.
func (r *Registry) Get(id string) (*Definition, bool) {
	def, ok := r.agents[id]
	return def, ok
}

// Default returns the default agent definition, or false when the config
// defines none (and has more than one agent).
func (r *Registry) Default() (*Definition, bool) {
	if r.defaultID == "" {
		return nil, false
	}
	return r.agents[r.defaultID], true
}

// Resolve returns the definition for id, falling back to the default
// agent when id is empty.
func (r *Registry) Resolve(id string) (*Definition, error) {
	if id == "" {
		def, ok := r.Default()
		if !ok {
			return nil, fmt.Errorf("no agent named and no default agent configured")
		}
		return def, nil
	}
	def, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", id)
	}
	return def, nil
}

// IDs returns all agent IDs, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.orderedIDs))
	copy(out, r.orderedIDs)
	return out
}

// Allowed reports whether the agent's tool policy permits the named tool.
func (p ToolPolicy) Allowed(tool string) bool {
	for _, d := range p.Deny {
		if d == tool {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, a := range p.Allow {
		if a == tool {
			return true
		}
	}
	return false
}
