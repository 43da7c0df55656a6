package runner

import (
	"io"
	"os/exec"
	"sync"
	"time"
)

// Handle abstracts the OS process under supervision so that the stop
// escalation state machine can be exercised with fakes. The three signal
// operations escalate: Interrupt asks politely, Terminate insists, Kill is
// unconditional.
type Handle interface {
	PID() int
	Alive() bool
	Interrupt() error
	Terminate() error
	Kill() error
	// Done is closed once the process is observed to have exited.
	Done() <-chan struct{}
}

// childHandle owns a process this invocation spawned. The exit status is
// observed through Wait in a dedicated goroutine.
type childHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
	exited  bool
}

// spawnChild starts the launcher as a detached child: its own session, no
// parent-lifetime linkage, stdio captured by w. The manager exiting must not
// take the runner with it.
func spawnChild(launcher, workDir string, w io.Writer) (*childHandle, error) {
	cmd := exec.Command(launcher)
	cmd.Dir = workDir
	cmd.Stdout = w
	cmd.Stderr = w
	configureDetached(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &childHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.exited = true
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

func (h *childHandle) PID() int { return h.cmd.Process.Pid }

func (h *childHandle) Alive() bool {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	return !exited
}

func (h *childHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *childHandle) Interrupt() error      { return signalInterrupt(h.PID()) }
func (h *childHandle) Terminate() error      { return signalTerminate(h.PID()) }
func (h *childHandle) Kill() error           { return signalKill(h.PID()) }
func (h *childHandle) Done() <-chan struct{} { return h.done }

// adoptedHandle supervises a process started by a previous invocation and
// re-discovered through its pidfile. There is no wait channel from the OS, so
// exit is observed by polling liveness.
type adoptedHandle struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func adoptPID(pid int) *adoptedHandle {
	h := &adoptedHandle{pid: pid, done: make(chan struct{})}
	go h.poll()
	return h
}

func (h *adoptedHandle) poll() {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for range t.C {
		if !pidAlive(h.pid) {
			h.once.Do(func() { close(h.done) })
			return
		}
	}
}

func (h *adoptedHandle) PID() int              { return h.pid }
func (h *adoptedHandle) Alive() bool           { return pidAlive(h.pid) }
func (h *adoptedHandle) Interrupt() error      { return signalInterrupt(h.pid) }
func (h *adoptedHandle) Terminate() error      { return signalTerminate(h.pid) }
func (h *adoptedHandle) Kill() error           { return signalKill(h.pid) }
func (h *adoptedHandle) Done() <-chan struct{} { return h.done }

// PIDAlive probes liveness of an arbitrary pid with a zero-effect signal.
func PIDAlive(pid int) bool { return pidAlive(pid) }
