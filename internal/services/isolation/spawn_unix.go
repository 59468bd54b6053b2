//go:build !windows

package isolation

import (
	"errors"
	"os/exec"
	"syscall"
)

// detach starts the worker in its own session so signals aimed at the
// orchestrator's process group do not reach it
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}

// processAlive probes pid with signal 0
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
