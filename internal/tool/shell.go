package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
)

// maxShellOutput caps the buffered output of one shell invocation.
const maxShellOutput = 256 * 1024

// Shell runs a command through /bin/sh in the agent's working directory.
// Output is streamed through ExecutionEnv.OnUpdate as it arrives and
// returned in full (capped) when the command exits.
type Shell struct{}

// NewShell returns the shell builtin.
func NewShell() *Shell { return &Shell{} }

func (s *Shell) Name() string { return "shell" }

func (s *Shell) Description() string {
	return "Run a shell command in the working directory and return its output."
}

func (s *Shell) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to run."}
		},
		"required": ["command"]
	}`)
}

func (s *Shell) Scopes() []Scope { return []Scope{ScopeExec} }

type shellArgs struct {
	Command string `json:"command"`
}

// Execute runs the command. A non-zero exit status is reported as an
// error output carrying the combined output plus the exit error, so the
// model sees what the command printed before it failed.
func (s *Shell) Execute(ctx context.Context, args json.RawMessage, env ExecutionEnv) (Output, error) {
	var a shellArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return Output{}, fmt.Errorf("shell: invalid arguments: %w", err)
	}
	if a.Command == "" {
		return Output{}, fmt.Errorf("shell: command is required")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", a.Command)
	cmd.Dir = env.WorkDir

	sink := &streamSink{env: env}
	cmd.Stdout = sink
	cmd.Stderr = sink

	err := cmd.Run()
	content := sink.String()

	if ctx.Err() != nil {
		return Output{}, ctx.Err()
	}
	if err != nil {
		return Output{
			Content: fmt.Sprintf("%s\n(command failed: %v)", content, err),
			IsError: true,
		}, nil
	}
	return Output{Content: content}, nil
}

// streamSink buffers command output and forwards each chunk to the
// environment's update listener. stdout and stderr write concurrently, so
// writes are serialized.
type streamSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
	env ExecutionEnv
}

func (w *streamSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.buf.Len() < maxShellOutput {
		remain := maxShellOutput - w.buf.Len()
		if len(p) > remain {
			w.buf.Write(p[:remain])
		} else {
			w.buf.Write(p)
		}
	}
	w.mu.Unlock()
	w.env.Update(string(p))
	return len(p), nil
}

func (w *streamSink) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
