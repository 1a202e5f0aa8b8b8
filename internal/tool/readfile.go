package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadFileBytes caps the returned file content.
const maxReadFileBytes = 256 * 1024

// ReadFile returns the contents of a file under the agent's working
// directory. Paths outside the working directory are rejected.
type ReadFile struct{}

// NewReadFile returns the read_file builtin.
func NewReadFile() *ReadFile { return &ReadFile{} }

func (r *ReadFile) Name() string { return "read_file" }

func (r *ReadFile) Description() string {
	return "Read a file from the working directory."
}

func (r *ReadFile) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, relative to the working directory."}
		},
		"required": ["path"]
	}`)
}

func (r *ReadFile) Scopes() []Scope { return []Scope{ScopeReadOnly} }

type readFileArgs struct {
	Path string `json:"path"`
}

func (r *ReadFile) Execute(ctx context.Context, args json.RawMessage, env ExecutionEnv) (Output, error) {
	var a readFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return Output{}, fmt.Errorf("read_file: invalid arguments: %w", err)
	}
	if a.Path == "" {
		return Output{}, fmt.Errorf("read_file: path is required")
	}

	path, err := resolveInWorkDir(env.WorkDir, a.Path)
	if err != nil {
		return Output{Content: err.Error(), IsError: true}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Output{Content: err.Error(), IsError: true}, nil
	}
	if len(data) > maxReadFileBytes {
		data = data[:maxReadFileBytes]
	}
	return Output{Content: string(data)}, nil
}

// resolveInWorkDir joins path against workDir and rejects results that
// escape it. An empty workDir resolves against the process working
// directory with the same containment rule.
func resolveInWorkDir(workDir, path string) (string, error) {
	root := workDir
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("read_file: %w", err)
		}
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("read_file: path %q escapes the working directory", path)
	}
	return resolved, nil
}
