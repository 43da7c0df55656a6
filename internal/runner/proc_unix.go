//go:build !windows

package runner

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureDetached starts the child in a new session so it is detached from
// the controlling terminal and survives manager exit.
func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// pidAlive returns true if a process with the given pid exists (or EPERM,
// which still proves existence).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Signals target the process group: Setsid makes the runner its own group
// leader, so -pid reaches the launcher and anything it spawned.

func signalInterrupt(pid int) error { return signalGroup(pid, syscall.SIGINT) }
func signalTerminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }
func signalKill(pid int) error      { return signalGroup(pid, syscall.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Fall back to the single process when it is not a group leader.
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
