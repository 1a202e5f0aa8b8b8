package config

import (
	"errors"
	"fmt"

	"github.com/aklemp/talon/internal/core"
)

// knownAgentKinds are the agent kinds the runtime understands. "openai"
// talks to a chat completions endpoint; the rest wrap coding CLIs.
var knownAgentKinds = map[string]bool{
	"openai": true,
	"claude": true,
	"codex":  true,
	"pi":     true,
}

// Validate checks the structural validity of a Config. It verifies the
// version field, ensures modules are present, and checks that all
// referenced module IDs exist in the registry. Agent definitions are
// validated at the structural level; full agent decoding happens in the
// agent registry.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if len(cfg.Modules) == 0 {
		errs = append(errs, errors.New("config: at least one module must be configured"))
	}

	for id := range cfg.Modules {
		if _, ok := core.GetModule(id); !ok {
			errs = append(errs, fmt.Errorf("config: unknown module %q", id))
		}
	}

	if len(cfg.Agents) > 0 {
		errs = append(errs, validateAgents(cfg)...)
	}

	return errors.Join(errs...)
}

// agentValidation decodes just enough of an agent definition to validate
// cross-references without importing the agent package.
type agentValidation struct {
	Type     string `yaml:"type"`
	Kind     string `yaml:"kind"`
	Model    string `yaml:"model"`
	Default  bool   `yaml:"default"`
	Endpoint string `yaml:"endpoint"`
}

// validateAgents checks agent-level constraints:
//   - the kind must be one the runtime knows,
//   - at most one agent may be marked default,
//   - openai agents need a model and the provider.openai module.
func validateAgents(cfg *Config) []error {
	var errs []error
	var defaultAgent string

	for name, node := range cfg.Agents {
		var av agentValidation
		if err := node.Decode(&av); err != nil {
			errs = append(errs, fmt.Errorf("config: agent %q: failed to decode: %w", name, err))
			continue
		}

		switch av.Type {
		case "external":
			if av.Endpoint == "" {
				errs = append(errs, fmt.Errorf("config: agent %q: external agents require an endpoint", name))
			}
		case "", "chat":
			if !knownAgentKinds[av.Kind] {
				errs = append(errs, fmt.Errorf("config: agent %q: unknown kind %q", name, av.Kind))
			}
		default:
			errs = append(errs, fmt.Errorf("config: agent %q: unknown type %q", name, av.Type))
		}

		if av.Default {
			if defaultAgent != "" {
				errs = append(errs, fmt.Errorf(
					"config: multiple agents marked as default: %q and %q",
					defaultAgent, name,
				))
			} else {
				defaultAgent = name
			}
		}

		if av.Kind == "openai" {
			if av.Model == "" {
				errs = append(errs, fmt.Errorf("config: agent %q: openai agents require a model", name))
			}
			if _, exists := cfg.Modules["provider.openai"]; !exists {
				errs = append(errs, fmt.Errorf(
					"config: agent %q requires the provider.openai module to be configured", name))
			}
		}
	}

	return errs
}
