//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

// configureDetached creates the child in its own process group, detached
// from the manager console.
func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // DETACHED_PROCESS
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, _, _ := procOpenProcess.Call(processQueryInformation, 0, uintptr(pid))
	if h == 0 {
		return false
	}
	_, _, _ = procCloseHandle.Call(h)
	return true
}

// Windows has no graceful signal ladder; interrupt and terminate both map to
// TerminateProcess, preserving the escalation call order for callers.

func signalInterrupt(pid int) error { return terminateProcess(pid) }
func signalTerminate(pid int) error { return terminateProcess(pid) }
func signalKill(pid int) error      { return terminateProcess(pid) }

func terminateProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, _, _ := procOpenProcess.Call(processTerminate, 0, uintptr(pid))
	if h == 0 {
		return nil // already gone
	}
	defer func() { _, _, _ = procCloseHandle.Call(h) }()
	r, _, err := procTerminateProcess.Call(h, 1)
	if r == 0 {
		return err
	}
	return nil
}
