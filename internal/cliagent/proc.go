package cliagent

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// termGrace is the window between SIGTERM and SIGKILL when terminating a
// CLI child's process group.
const termGrace = 2 * time.Second

// Registry tracks live CLI children so a global shutdown can kill every
// subprocess tree the orchestrator spawned.
type Registry struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[int]*exec.Cmd)}
}

func (r *Registry) add(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	r.mu.Lock()
	r.procs[cmd.Process.Pid] = cmd
	r.mu.Unlock()
}

func (r *Registry) remove(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	r.mu.Lock()
	delete(r.procs, cmd.Process.Pid)
	r.mu.Unlock()
}

// KillAll terminates every registered child's process group. Called on
// shutdown.
func (r *Registry) KillAll() {
	r.mu.Lock()
	pids := make([]int, 0, len(r.procs))
	for pid := range r.procs {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	for _, pid := range pids {
		terminateGroup(pid)
	}
}

// Len returns the number of live children.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// setProcessGroup configures cmd to start in its own process group, so a
// group signal reaches tool subprocesses the CLI spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the process group, then SIGKILL after
// the grace window. It returns immediately; the killer runs detached.
func terminateGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	go func(pid int) {
		time.Sleep(termGrace)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}(pid)
}
