//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the capture process as the leader of a new
// process group, so that signalling -pid reaches ffmpeg and any helpers
// it forks. Without this a kill can orphan children.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup sends sig to the whole process group, falling back to the
// single pid if the group signal is rejected.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		if proc, ferr := os.FindProcess(pid); ferr == nil {
			return proc.Signal(sig)
		}
		return err
	}
	return nil
}

func terminateSignal(pid int) error { return signalGroup(pid, syscall.SIGTERM) }
func killSignal(pid int) error      { return signalGroup(pid, syscall.SIGKILL) }

// exitCode extracts the exit code, reporting signal deaths as
// 128+signum the way a shell would.
func exitCode(ps *os.ProcessState, waitErr error) int {
	if ps == nil {
		if waitErr != nil {
			return -1
		}
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
