// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for talon.
package config

import "gopkg.in/yaml.v3"

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// DataDir is the root directory for persistent data. Defaults to
	// "./data" when empty.
	DataDir string `yaml:"data_dir,omitempty"`

	// Modules maps module IDs to their raw YAML configuration.
	// Keys must match registered module IDs (e.g. "gateway").
	Modules map[string]yaml.Node `yaml:"modules"`

	// Agents maps agent IDs to their raw YAML definitions. Decoded by the
	// agent registry; kept raw here so config stays decoupled from agent
	// schema details.
	Agents map[string]yaml.Node `yaml:"agents,omitempty"`
}
