package supervisor

import (
	"os/exec"
	"sync"
)

// Handle is the capture process handle. The supervisor is its single
// owner: it spawns the process, waits on it, and signals it. Everything
// else sees the handle only through stream.ProcessRef.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
	reason   string // set when the process is killed deliberately (e.g. stale heartbeat)
}

func newHandle(cmd *exec.Cmd) *Handle {
	return &Handle{cmd: cmd, done: make(chan struct{})}
}

// PID implements stream.ProcessRef.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// wait reaps the process and records its exit code. Must be called
// exactly once, by the supervisor's monitor goroutine.
func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exited = true
	h.exitCode = exitCode(h.cmd.ProcessState, err)
	h.mu.Unlock()
	close(h.done)
}

// ExitCode is valid after Done is closed. Signal deaths are reported as
// 128+signum, matching shell convention.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// setReason tags the handle with why it is being killed, so the exit
// path can attribute the failure (heartbeat timeout vs. plain crash).
func (h *Handle) setReason(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason == "" {
		h.reason = reason
	}
}

func (h *Handle) killReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}
