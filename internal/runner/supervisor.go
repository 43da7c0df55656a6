package runner

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/runfleet/runfleet/internal/logger"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateConfigured   State = "configured"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// StopPolicy bounds each stage of the graceful shutdown escalation.
type StopPolicy struct {
	GracefulTimeout  time.Duration // wait after interrupt
	TerminateTimeout time.Duration // wait after terminate
	KillTimeout      time.Duration // wait after kill
}

// DefaultStopPolicy returns the production timeouts.
func DefaultStopPolicy() StopPolicy {
	return StopPolicy{
		GracefulTimeout:  30 * time.Second,
		TerminateTimeout: 5 * time.Second,
		KillTimeout:      5 * time.Second,
	}
}

func (p StopPolicy) withDefaults() StopPolicy {
	d := DefaultStopPolicy()
	if p.GracefulTimeout <= 0 {
		p.GracefulTimeout = d.GracefulTimeout
	}
	if p.TerminateTimeout <= 0 {
		p.TerminateTimeout = d.TerminateTimeout
	}
	if p.KillTimeout <= 0 {
		p.KillTimeout = d.KillTimeout
	}
	return p
}

// Supervisor owns a single runner process for the lifetime of one command
// invocation. It is single-shot: after a stop, a fresh Supervisor is created
// for any subsequent start.
//
// All pidfile writes and removals for a worker happen from inside its own
// Supervisor; neither siblings nor the fleet manager touch the file.
type Supervisor struct {
	spec   Spec
	logCfg logger.Config
	policy StopPolicy
	lg     *slog.Logger

	mu     sync.Mutex
	state  State
	handle Handle
	logW   io.WriteCloser
}

// NewSupervisor creates an unconfigured supervisor for the given worker slot.
func NewSupervisor(spec Spec, logCfg logger.Config, policy StopPolicy, lg *slog.Logger) *Supervisor {
	if lg == nil {
		lg = slog.Default()
	}
	return &Supervisor{
		spec:   spec,
		logCfg: logCfg,
		policy: policy.withDefaults(),
		lg:     lg.With("group", spec.GroupKey, "runner", spec.ID),
		state:  StateUnconfigured,
	}
}

// ID returns the worker id.
func (s *Supervisor) ID() string { return s.spec.ID }

// Spec returns the worker slot identity.
func (s *Supervisor) Spec() Spec { return s.spec }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether this supervisor holds a process handle. It is a
// local view only; cross-invocation liveness comes from pidfile discovery.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Alive reports whether the supervised process is currently alive.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	return h != nil && h.Alive()
}

// PID returns the supervised pid, or 0 when no process is held.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}

// Setup verifies that the worker slot is provisioned: directory, marker file
// and launcher script must all exist. It never provisions; a missing launcher
// is a terminal "not found" condition.
func (s *Supervisor) Setup() error {
	if _, err := os.Stat(s.spec.Dir); err != nil {
		return fmt.Errorf("runner %s: worker directory %s: %w", s.spec.ID, s.spec.Dir, err)
	}
	if _, err := os.Stat(s.spec.MarkerPath()); err != nil {
		return fmt.Errorf("runner %s: marker file missing, slot not provisioned: %w", s.spec.ID, err)
	}
	if _, err := os.Stat(s.spec.LauncherPath()); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("runner %s: launcher %s not found; re-provision the worker: %w",
				s.spec.ID, LauncherName(), fs.ErrNotExist)
		}
		return fmt.Errorf("runner %s: launcher: %w", s.spec.ID, err)
	}
	s.mu.Lock()
	if s.state == StateUnconfigured {
		s.state = StateConfigured
	}
	s.mu.Unlock()
	return nil
}

// Start spawns the launcher as a detached child, records its pid to the
// pidfile and begins watching for exit. The supervisor must be configured.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state != StateConfigured {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("runner %s: cannot start from state %s", s.spec.ID, st)
	}
	if s.handle != nil {
		s.mu.Unlock()
		return fmt.Errorf("runner %s: already started", s.spec.ID)
	}
	s.mu.Unlock()

	w := s.logCfg.RunnerWriter(s.spec.LogPath(time.Now()))
	h, err := spawnChild(s.spec.LauncherPath(), s.spec.Dir, w)
	if err != nil {
		_ = w.Close()
		s.lg.Error("spawn failed", "error", err)
		return fmt.Errorf("runner %s: spawn: %w", s.spec.ID, err)
	}

	// Re-check under the lock: a racing Start or Stop may have won while the
	// child was being spawned. The loser's child is killed, not adopted.
	s.mu.Lock()
	if s.handle != nil || s.state != StateConfigured {
		s.mu.Unlock()
		_ = h.Kill()
		_ = w.Close()
		return fmt.Errorf("runner %s: already started", s.spec.ID)
	}
	s.handle = h
	s.logW = w
	s.state = StateRunning
	s.mu.Unlock()

	// The process is already running; a pidfile write failure only costs
	// rediscovery, so it is logged rather than propagated.
	if err := WritePIDFile(s.spec.PIDFile, h.PID()); err != nil {
		s.lg.Error("pidfile write failed", "pid", h.PID(), "error", err)
	}
	s.lg.Info("runner started", "pid", h.PID())

	go s.watchExit(h)
	return nil
}

// Adopt attaches this supervisor to a process started by a previous
// invocation and re-discovered from its pidfile.
func (s *Supervisor) Adopt(pid int) error {
	if !pidAlive(pid) {
		return fmt.Errorf("runner %s: pid %d is not alive", s.spec.ID, pid)
	}
	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		return fmt.Errorf("runner %s: already holds a process", s.spec.ID)
	}
	h := adoptPID(pid)
	s.handle = h
	s.state = StateRunning
	s.mu.Unlock()
	s.lg.Info("runner adopted", "pid", pid)
	go s.watchExit(h)
	return nil
}

// watchExit runs once per started handle: it logs the exit, closes the log
// stream and removes the pidfile so liveness probing cannot rediscover a
// dead process as a ghost.
func (s *Supervisor) watchExit(h Handle) {
	<-h.Done()

	s.mu.Lock()
	owned := s.handle == h
	if owned {
		s.handle = nil
		if s.state == StateRunning {
			s.state = StateStopped
		}
		if s.logW != nil {
			_ = s.logW.Close()
			s.logW = nil
		}
	}
	s.mu.Unlock()
	if !owned {
		return
	}

	if ch, ok := h.(*childHandle); ok && ch.ExitErr() != nil {
		s.lg.Warn("runner exited", "pid", h.PID(), "error", ch.ExitErr())
	} else {
		s.lg.Info("runner exited", "pid", h.PID())
	}
	RemovePIDFile(s.spec.PIDFile)
}

// Stop performs the graceful shutdown escalation: interrupt, then terminate,
// then kill, each with a bounded wait. Whatever the outcome, the pidfile is
// removed; a process that survives kill is logged as an error but does not
// fail the stop.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	h := s.handle
	if h == nil {
		s.state = StateStopped
		s.mu.Unlock()
		RemovePIDFile(s.spec.PIDFile)
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	stages := []struct {
		name   string
		signal func() error
		wait   time.Duration
	}{
		{"interrupt", h.Interrupt, s.policy.GracefulTimeout},
		{"terminate", h.Terminate, s.policy.TerminateTimeout},
		{"kill", h.Kill, s.policy.KillTimeout},
	}

	exited := false
	for i, st := range stages {
		if err := st.signal(); err != nil {
			s.lg.Warn("signal failed", "stage", st.name, "error", err)
		}
		select {
		case <-h.Done():
			exited = true
		case <-time.After(st.wait):
			if i < len(stages)-1 {
				s.lg.Warn("runner did not exit in time, escalating",
					"stage", st.name, "timeout", st.wait)
			}
		}
		if exited {
			break
		}
	}
	if !exited {
		s.lg.Error("runner survived kill, giving up", "pid", h.PID())
	}

	// Unconditional: a dead (or abandoned) process must not be rediscovered.
	RemovePIDFile(s.spec.PIDFile)

	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
		if s.logW != nil {
			_ = s.logW.Close()
			s.logW = nil
		}
	}
	s.state = StateStopped
	s.mu.Unlock()
	return nil
}

// StopAndRemove stops the runner and, when the slot had been configured,
// invokes the supplied de-registration step. De-registration failures are
// logged and swallowed since the process is already stopped.
func (s *Supervisor) StopAndRemove(deregister func() error) error {
	s.mu.Lock()
	wasConfigured := s.state != StateUnconfigured
	s.mu.Unlock()

	if err := s.Stop(); err != nil {
		return err
	}
	if wasConfigured && deregister != nil {
		if err := deregister(); err != nil {
			s.lg.Warn("de-registration failed", "error", err)
		}
	}
	s.mu.Lock()
	s.state = StateUnconfigured
	s.mu.Unlock()
	return nil
}

// Dispose is the emergency teardown: one kill, error swallowed, log closed.
// Not part of the normal stop path.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	w := s.logW
	s.logW = nil
	s.mu.Unlock()

	if h != nil {
		_ = h.Kill()
	}
	if w != nil {
		_ = w.Close()
	}
}
