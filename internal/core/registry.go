package core

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]ModuleInfo)
)

// RegisterModule records a module in the global registry, reading its
// ModuleInfo from a throwaway instance. Called from init(), so invalid
// registrations panic: an empty ID or nil constructor is a programming
// error, not a runtime condition.
func RegisterModule(instance Module) {
	info := instance.ModuleInfo()
	if info.ID == "" {
		panic("module ID must not be empty")
	}
	if info.New == nil {
		panic(fmt.Sprintf("module %s: New function must not be nil", info.ID))
	}

	modulesMu.Lock()
	defer modulesMu.Unlock()

	id := string(info.ID)
	if _, exists := modules[id]; exists {
		panic(fmt.Sprintf("module already registered: %s", id))
	}
	modules[id] = info
}

// GetModule looks up a registered module by ID.
func GetModule(id string) (ModuleInfo, bool) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	info, ok := modules[id]
	return info, ok
}

// GetModules returns every registered module, sorted by ID.
func GetModules() []ModuleInfo {
	modulesMu.RLock()
	defer modulesMu.RUnlock()

	out := make([]ModuleInfo, 0, len(modules))
	for _, info := range modules {
		out = append(out, info)
	}
	return sortByID(out)
}

// GetModulesByNamespace returns the modules under a namespace prefix,
// sorted by ID ("provider" matches "provider.openai" but not
// "provider" itself).
func GetModulesByNamespace(namespace string) []ModuleInfo {
	prefix := namespace + "."

	modulesMu.RLock()
	defer modulesMu.RUnlock()

	var out []ModuleInfo
	for id, info := range modules {
		if strings.HasPrefix(id, prefix) {
			out = append(out, info)
		}
	}
	return sortByID(out)
}

func sortByID(infos []ModuleInfo) []ModuleInfo {
	slices.SortFunc(infos, func(a, b ModuleInfo) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return infos
}

// resetRegistry clears the registry. Only for testing.
func resetRegistry() {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	modules = make(map[string]ModuleInfo)
}
