package cliagent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/aklemp/talon/internal/chat"
)

// emitFunc receives normalized stream events as the CLI produces them.
type emitFunc func(chat.StreamEvent)

// adapter normalizes one CLI flavor's event vocabulary.
type adapter interface {
	// args builds the CLI-specific argument list (binary name included).
	args(inv Invocation) []string

	// promptArgs returns the trailing arguments that carry the user text,
	// placed after any extra args.
	promptArgs(text string) []string

	// env returns CLI-specific additions to the child environment.
	env(inv Invocation) map[string]string

	// handleLine processes one stdout JSON line, emitting normalized
	// events. A non-JSON line returns a CodeUnexpectedNonJSON error.
	handleLine(line []byte, emit emitFunc) error

	// interrupt synthesizes failed tool results for every call still
	// active, then clears the active set.
	interrupt(emit emitFunc)

	// result returns the accumulated text and CLI-reported session info.
	result() Result
}

// Runner spawns CLI children and supervises their lifecycle.
type Runner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRunner creates a Runner registering children in registry.
func NewRunner(registry *Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: registry, logger: logger}
}

// newAdapter selects the adapter for a CLI flavor.
func newAdapter(kind chat.ProviderKind) (adapter, error) {
	switch kind {
	case chat.ProviderClaude:
		return newClaudeAdapter(), nil
	case chat.ProviderCodex:
		return newCodexAdapter(), nil
	case chat.ProviderPi:
		return newPiAdapter(), nil
	default:
		return nil, fmt.Errorf("cliagent: not a CLI provider: %s", kind)
	}
}

// Run executes one CLI invocation, streaming normalized events to emit,
// and returns the accumulated result. Cancellation of ctx synthesizes
// interrupted tool results, then sends SIGTERM to the child's process
// group, escalating to SIGKILL after the grace window; the run then
// returns with Aborted set and no error.
func (r *Runner) Run(ctx context.Context, inv Invocation, emit emitFunc) (*Result, error) {
	ad, err := newAdapter(inv.Kind)
	if err != nil {
		return nil, err
	}

	argv := ad.args(inv)
	argv = append(argv, inv.ExtraArgs...)
	argv = append(argv, ad.promptArgs(inv.UserText)...)

	var wrapperEnv map[string]string
	if inv.Wrapper != nil && inv.Wrapper.Path != "" {
		argv = append([]string{inv.Wrapper.Path}, argv...)
		wrapperEnv = inv.Wrapper.Env
	}

	extra := make(map[string]string, len(inv.ExtraEnv)+2)
	for k, v := range inv.ExtraEnv {
		extra[k] = v
	}
	for k, v := range ad.env(inv) {
		extra[k] = v
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = inv.WorkDir
	cmd.Env = ChildEnv(extra, wrapperEnv)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, newError(CodeSpawnFailed, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, newError(CodeSpawnFailed, "stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, newError(CodeSpawnFailed, "%s: %v", argv[0], err)
	}
	r.registry.add(cmd)
	defer r.registry.remove(cmd)

	r.logger.Debug("cli child started",
		"provider", string(inv.Kind), "pid", cmd.Process.Pid,
		"session", inv.SessionID, "resume", inv.ResumeID != "")

	// Stderr is progress and diagnostics; log it, never parse it.
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			r.logger.Debug("cli stderr", "provider", string(inv.Kind), "line", sc.Text())
		}
	}()

	// The adapter is touched from the reader loop and, on cancel, from the
	// abort watcher; one mutex serializes adapter state and emissions.
	var mu sync.Mutex

	aborted := false
	watcherDone := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			aborted = true
			// Synthesize interrupted tool results before signalling, so
			// the transcript is consistent when the child dies.
			mu.Lock()
			ad.interrupt(emit)
			mu.Unlock()
			terminateGroup(cmd.Process.Pid)
		case <-readDone:
		}
	}()

	readErr := readLines(stdout, func(line []byte) error {
		mu.Lock()
		defer mu.Unlock()
		return ad.handleLine(line, emit)
	})
	close(readDone)
	<-watcherDone

	waitErr := cmd.Wait()

	res := ad.result()
	res.Aborted = aborted

	if aborted {
		return &res, nil
	}
	if readErr != nil {
		// Make sure a parse failure doesn't leave the child running.
		terminateGroup(cmd.Process.Pid)
		if cliErr, ok := readErr.(*Error); ok {
			return nil, cliErr
		}
		return nil, newError(CodeUnexpectedNonJSON, "reading %s output: %v", inv.Kind, readErr)
	}
	if waitErr != nil {
		return nil, newError(CodeExitNonzero, "%s: %v", inv.Kind, waitErr)
	}

	// Clean codex exits leave a transcript on disk; mark it CLI-driven.
	if inv.Kind == chat.ProviderCodex && res.SessionID != "" {
		go RewriteTranscriptSource(res.SessionID, r.logger)
	}
	return &res, nil
}
