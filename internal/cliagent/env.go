package cliagent

import (
	"os"
	"path/filepath"
	"strings"
)

// ChildEnv builds the environment for a CLI child. It starts from the
// process environment, drops keys injected by the host packaging tool
// (npm_* and INIT_CWD) and PATH entries pointing into a local
// node_modules/.bin, merges the agent's extra env, and applies wrapper
// overrides last.
func ChildEnv(extra, wrapper map[string]string) []string {
	merged := make(map[string]string)
	var order []string

	set := func(key, value string) {
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = value
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(key, "npm_") || key == "INIT_CWD" {
			continue
		}
		if key == "PATH" {
			value = scrubPath(value)
		}
		set(key, value)
	}

	for key, value := range extra {
		set(key, value)
	}
	for key, value := range wrapper {
		set(key, value)
	}

	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, key+"="+merged[key])
	}
	return out
}

// scrubPath removes PATH entries that point into a local node_modules/.bin.
func scrubPath(path string) string {
	parts := strings.Split(path, string(os.PathListSeparator))
	kept := parts[:0]
	for _, p := range parts {
		if strings.Contains(p, filepath.Join("node_modules", ".bin")) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, string(os.PathListSeparator))
}
