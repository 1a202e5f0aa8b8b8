// Package core provides the module system foundation for talon.
//
// Modules register themselves from init() via RegisterModule. The App
// instantiates them by ID, drives their lifecycle (Configure, Provision,
// Validate, Start, Stop), and gives them shared resources through an
// AppContext. Modules find each other through the AppContext service
// registry rather than importing each other directly.
package core

// ModuleID identifies a module, namespaced with dots
// (e.g. "gateway", "provider.openai", "agent.cli").
type ModuleID string

// Namespace returns the portion of the ID before the last dot, or the
// empty string when the ID has no namespace.
func (id ModuleID) Namespace() string {
	s := string(id)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[:i]
		}
	}
	return ""
}

// ModuleInfo describes a registered module: its ID and a constructor
// returning a fresh, unconfigured instance.
type ModuleInfo struct {
	ID  ModuleID
	New func() Module
}

// Module is the minimal interface every module implements. Lifecycle
// behavior is added by implementing the optional interfaces in this
// package (Configurable, Provisioner, Validator, Starter, Stopper).
type Module interface {
	ModuleInfo() ModuleInfo
}
