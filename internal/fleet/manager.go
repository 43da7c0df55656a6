package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/runfleet/runfleet/internal/discovery"
	"github.com/runfleet/runfleet/internal/history"
	"github.com/runfleet/runfleet/internal/logger"
	"github.com/runfleet/runfleet/internal/metrics"
	"github.com/runfleet/runfleet/internal/runner"
)

// ControlPlane is the remote API surface the manager consumes. All methods
// are expected to retry transient failures internally (see internal/api).
type ControlPlane interface {
	ValidateGroup(ctx context.Context, slug string) (bool, error)
	RegistrationToken(ctx context.Context, slug string) (string, error)
	RemovalToken(ctx context.Context, slug string) (string, error)
}

// Runner state as reported by Report, derived from disk on every call.
const (
	StateRunning = "RUNNING"
	StateStopped = "STOPPED"
	StateGhost   = "GHOST"
)

// RunnerStatus is one entry of the in-memory point-in-time snapshot.
type RunnerStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"` // idle or offline
}

// GroupStatus is the snapshot for one group.
type GroupStatus struct {
	Target  int            `json:"target"`
	Runners []RunnerStatus `json:"runners"`
}

// ReportEntry is one row of the disk-derived group report.
type ReportEntry struct {
	ID        string    `json:"id"`
	State     string    `json:"state"` // RUNNING, STOPPED or GHOST
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"` // running entries, best-effort
}

// Options configures a Manager.
type Options struct {
	BaseDir      string
	Log          logger.Config
	StopPolicy   runner.StopPolicy
	ControlPlane ControlPlane
	Provisioner  Provisioner
	Logger       *slog.Logger
	Sinks        []history.Sink
}

type groupState struct {
	group  Group
	target int
	// supervisors in add order; the remove-path stops from the tail
	sups []*runner.Supervisor
}

// Manager is the scaling coordinator. It owns the in-memory worker registry
// for one command invocation and serializes all reconciliation per group
// through a FIFO keyed lock. Fleet state across invocations lives on disk
// and is re-probed, never trusted from cache.
type Manager struct {
	baseDir string
	logCfg  logger.Config
	policy  runner.StopPolicy
	cp      ControlPlane
	prov    Provisioner
	lg      *slog.Logger
	sinks   []history.Sink

	locks *KeyedLock

	mu     sync.RWMutex
	groups map[string]*groupState
}

// NewManager creates a Manager. ControlPlane and Provisioner are required
// for scale-up; a Manager without them can still stop, report and purge.
func NewManager(opts Options) *Manager {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Manager{
		baseDir: opts.BaseDir,
		logCfg:  opts.Log,
		policy:  opts.StopPolicy,
		cp:      opts.ControlPlane,
		prov:    opts.Provisioner,
		lg:      lg,
		sinks:   opts.Sinks,
		locks:   NewKeyedLock(),
		groups:  make(map[string]*groupState),
	}
}

func (m *Manager) groupDir(key string) string { return filepath.Join(m.baseDir, key) }

// InitializeGroup validates the group against the control plane, registers
// it in the in-memory group table and adopts runners that a previous
// invocation left running, re-probing liveness from their pidfiles.
func (m *Manager) InitializeGroup(ctx context.Context, g Group) error {
	if m.cp != nil {
		ok, err := m.cp.ValidateGroup(ctx, g.Slug())
		if err != nil {
			return fmt.Errorf("initialize %s: %w", g.Slug(), err)
		}
		if !ok {
			return fmt.Errorf("initialize %s: group not found or not accessible", g.Slug())
		}
	}

	key := g.Key()
	unlock := m.locks.Lock(key)
	defer unlock()

	m.mu.Lock()
	gs, exists := m.groups[key]
	if !exists {
		gs = &groupState{group: g}
		m.groups[key] = gs
	} else {
		gs.group.Labels = g.Labels
	}
	m.mu.Unlock()

	live, _, err := discovery.LiveRunners(m.groupDir(key), m.lg)
	if err != nil {
		return fmt.Errorf("initialize %s: discover live runners: %w", g.Slug(), err)
	}
	for _, lv := range live {
		if m.tracked(gs, lv.ID) != nil {
			continue
		}
		spec := runner.NewSpec(m.baseDir, key, lv.ID)
		sup := runner.NewSupervisor(spec, m.logCfg, m.policy, m.lg)
		if err := sup.Setup(); err != nil {
			m.lg.Warn("adopting runner with incomplete slot", "runner", lv.ID, "error", err)
		}
		if err := sup.Adopt(lv.PID); err != nil {
			m.lg.Warn("adoption failed", "runner", lv.ID, "pid", lv.PID, "error", err)
			continue
		}
		m.mu.Lock()
		gs.sups = append(gs.sups, sup)
		m.mu.Unlock()
	}
	return nil
}

// Scale reconciles the group to target replicas. Calls for the same key are
// executed strictly in submission order; different keys proceed in parallel.
// A failed add-path keeps already-started supervisors tracked and returns
// the aggregated error once every parallel attempt has settled.
func (m *Manager) Scale(ctx context.Context, key string, target int) error {
	if target < 0 {
		return fmt.Errorf("scale %s: negative target %d", key, target)
	}
	gs := m.lookup(key)
	if gs == nil {
		return fmt.Errorf("scale %s: group not initialized", key)
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	current := m.runningSups(gs)
	var err error
	switch {
	case target > len(current):
		metrics.IncScaleOp(key, "up")
		err = m.addRunners(ctx, gs, target-len(current))
	case target < len(current):
		metrics.IncScaleOp(key, "down")
		m.removeRunners(gs, current, len(current)-target)
	}

	m.mu.Lock()
	gs.target = target
	running := 0
	for _, s := range gs.sups {
		if s.IsRunning() {
			running++
		}
	}
	m.mu.Unlock()
	metrics.SetRunningRunners(key, running)
	m.record(history.Event{Type: history.EventScale, GroupKey: key, Target: target})
	return err
}

// addRunners starts delta workers, reusing provisioned-but-stopped slots
// before provisioning new ones. All starts run in parallel; the result is
// the join of every failure after all attempts settled, not fail-fast.
func (m *Manager) addRunners(ctx context.Context, gs *groupState, delta int) error {
	prov, err := discovery.ProvisionedRunners(m.groupDir(gs.group.Key()), m.lg)
	if err != nil {
		return fmt.Errorf("discover provisioned runners: %w", err)
	}

	var reusable []string
	for _, p := range prov {
		if m.tracked(gs, p.ID) == nil {
			reusable = append(reusable, p.ID)
		}
	}
	if len(reusable) > delta {
		reusable = reusable[:delta]
	}

	specs := make([]runner.Spec, 0, delta)
	fresh := make([]bool, 0, delta)
	for _, id := range reusable {
		specs = append(specs, runner.NewSpec(m.baseDir, gs.group.Key(), id))
		fresh = append(fresh, false)
	}
	for i := len(reusable); i < delta; i++ {
		specs = append(specs, runner.NewSpec(m.baseDir, gs.group.Key(), runner.NewID()))
		fresh = append(fresh, true)
	}

	errs := make([]error, len(specs))
	var wg sync.WaitGroup
	for i := range specs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.startWorker(ctx, gs, specs[i], fresh[i])
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// startWorker obtains a fresh registration credential, provisions the slot
// when it is brand new, then verifies and starts it under a new supervisor.
// Only a fully started worker becomes tracked.
func (m *Manager) startWorker(ctx context.Context, gs *groupState, spec runner.Spec, fresh bool) error {
	key := gs.group.Key()
	fail := func(stage string, err error) error {
		m.lg.Error("runner start failed",
			"group", key, "runner", spec.ID, "stage", stage, "error", err)
		return fmt.Errorf("start %s: %s: %w", spec.ID, stage, err)
	}

	if m.cp == nil {
		return fail("token", errors.New("no control plane configured"))
	}
	token, err := m.cp.RegistrationToken(ctx, gs.group.Slug())
	if err != nil {
		return fail("token", err)
	}
	if fresh {
		if m.prov == nil {
			return fail("provision", errors.New("no provisioner configured"))
		}
		if err := m.prov.Provision(ctx, gs.group, spec, token); err != nil {
			return fail("provision", err)
		}
	}

	sup := runner.NewSupervisor(spec, m.logCfg, m.policy, m.lg)
	if err := sup.Setup(); err != nil {
		return fail("setup", err)
	}
	if err := sup.Start(); err != nil {
		return fail("start", err)
	}

	m.mu.Lock()
	gs.sups = append(gs.sups, sup)
	m.mu.Unlock()
	metrics.IncRunnerStart(key)
	m.record(history.Event{
		Type: history.EventRunnerStart, GroupKey: key, RunnerID: spec.ID, PID: sup.PID(),
	})
	return nil
}

// removeRunners stops the n most recently added running supervisors in
// parallel. Stopping is best-effort: per-worker failures are logged, never
// propagated. Stopped supervisors leave the tracked set.
func (m *Manager) removeRunners(gs *groupState, current []*runner.Supervisor, n int) {
	victims := current[len(current)-n:]
	var wg sync.WaitGroup
	for _, sup := range victims {
		wg.Add(1)
		go func(sup *runner.Supervisor) {
			defer wg.Done()
			if err := sup.Stop(); err != nil {
				m.lg.Warn("runner stop failed",
					"group", gs.group.Key(), "runner", sup.ID(), "error", err)
			}
			metrics.IncRunnerStop(gs.group.Key())
			m.record(history.Event{
				Type: history.EventRunnerStop, GroupKey: gs.group.Key(), RunnerID: sup.ID(),
			})
		}(sup)
	}
	wg.Wait()
	m.untrackStopped(gs)
}

// Status returns the in-memory point-in-time snapshot: idle when the
// supervisor's process is alive, offline otherwise. The active/idle
// distinction requires the control plane and is not derived here.
func (m *Manager) Status() map[string]GroupStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]GroupStatus, len(m.groups))
	for key, gs := range m.groups {
		st := GroupStatus{Target: gs.target}
		for _, sup := range gs.sups {
			status := "offline"
			if sup.Alive() {
				status = "idle"
			}
			st.Runners = append(st.Runners, RunnerStatus{ID: sup.ID(), Status: status})
		}
		out[key] = st
	}
	return out
}

// Report derives the group's runner states from disk: RUNNING for live
// pidfiles, GHOST for stale ones, STOPPED for provisioned slots with no
// pidfile at all.
func (m *Manager) Report(key string) ([]ReportEntry, error) {
	dir := m.groupDir(key)
	live, ghosts, err := discovery.LiveRunners(dir, m.lg)
	if err != nil {
		return nil, err
	}
	prov, err := discovery.ProvisionedRunners(dir, m.lg)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []ReportEntry
	for _, lv := range live {
		out = append(out, ReportEntry{ID: lv.ID, State: StateRunning, PID: lv.PID, StartedAt: lv.StartedAt})
		seen[lv.ID] = true
	}
	for _, gh := range ghosts {
		out = append(out, ReportEntry{ID: gh.ID, State: StateGhost, PID: gh.PID})
		seen[gh.ID] = true
	}
	for _, p := range prov {
		if !seen[p.ID] {
			out = append(out, ReportEntry{ID: p.ID, State: StateStopped})
		}
	}
	return out, nil
}

// PurgeGhosts removes stale pidfiles for the group and returns what was
// purged. Detection is idempotent: a second call with no process changes
// finds nothing new.
func (m *Manager) PurgeGhosts(key string) ([]discovery.Ghost, error) {
	unlock := m.locks.Lock(key)
	defer unlock()

	_, ghosts, err := discovery.LiveRunners(m.groupDir(key), m.lg)
	if err != nil {
		return nil, err
	}
	for _, gh := range ghosts {
		runner.RemovePIDFile(gh.PIDFile)
		m.lg.Info("purged ghost runner", "group", key, "runner", gh.ID, "pid", gh.PID)
		metrics.IncGhostPurged(key)
		m.record(history.Event{
			Type: history.EventGhostPurged, GroupKey: key, RunnerID: gh.ID, PID: gh.PID,
		})
	}
	return ghosts, nil
}

// StopGroup stops every tracked supervisor of the group in parallel,
// best-effort.
func (m *Manager) StopGroup(key string) error {
	gs := m.lookup(key)
	if gs == nil {
		return fmt.Errorf("stop %s: group not initialized", key)
	}
	unlock := m.locks.Lock(key)
	defer unlock()

	m.stopSups(gs, m.allSups(gs))
	m.untrackStopped(gs)
	metrics.SetRunningRunners(key, 0)
	return nil
}

// StopAll stops every group in parallel.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.groups))
	for key := range m.groups {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(keys))
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			errs[i] = m.StopGroup(key)
		}(i, key)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RemoveGroup stops and de-registers every worker of the group, then deletes
// its directory tree and drops it from the registry. De-registration
// failures are logged and swallowed; the processes are already stopped.
func (m *Manager) RemoveGroup(ctx context.Context, key string) error {
	gs := m.lookup(key)
	if gs == nil {
		return fmt.Errorf("remove %s: group not initialized", key)
	}
	unlock := m.locks.Lock(key)
	defer unlock()

	sups := m.allSups(gs)
	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup *runner.Supervisor) {
			defer wg.Done()
			err := sup.StopAndRemove(func() error { return m.deregister(ctx, gs.group, sup.Spec()) })
			if err != nil {
				m.lg.Warn("stop-and-remove failed",
					"group", key, "runner", sup.ID(), "error", err)
			}
			metrics.IncRunnerStop(key)
		}(sup)
	}
	wg.Wait()

	// Provisioned-but-untracked slots still carry registrations.
	if prov, err := discovery.ProvisionedRunners(m.groupDir(key), m.lg); err == nil {
		tracked := make(map[string]bool, len(sups))
		for _, sup := range sups {
			tracked[sup.ID()] = true
		}
		for _, p := range prov {
			if tracked[p.ID] {
				continue
			}
			spec := runner.NewSpec(m.baseDir, key, p.ID)
			if err := m.deregister(ctx, gs.group, spec); err != nil {
				m.lg.Warn("de-registration failed", "group", key, "runner", p.ID, "error", err)
			}
		}
	}

	if err := os.RemoveAll(m.groupDir(key)); err != nil {
		return fmt.Errorf("remove %s: delete group directory: %w", key, err)
	}
	m.mu.Lock()
	delete(m.groups, key)
	m.mu.Unlock()
	metrics.SetRunningRunners(key, 0)
	return nil
}

// Dispose is the emergency teardown for abnormal manager shutdown: one kill
// per held process, logs closed, nothing de-registered.
func (m *Manager) Dispose() {
	m.mu.RLock()
	var sups []*runner.Supervisor
	for _, gs := range m.groups {
		sups = append(sups, gs.sups...)
	}
	m.mu.RUnlock()
	for _, sup := range sups {
		sup.Dispose()
	}
}

// Groups returns the keys of all registered groups.
func (m *Manager) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.groups))
	for key := range m.groups {
		keys = append(keys, key)
	}
	return keys
}

func (m *Manager) deregister(ctx context.Context, g Group, spec runner.Spec) error {
	if m.cp == nil || m.prov == nil {
		return nil
	}
	token, err := m.cp.RemovalToken(ctx, g.Slug())
	if err != nil {
		return err
	}
	return m.prov.Deregister(ctx, g, spec, token)
}

func (m *Manager) lookup(key string) *groupState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[key]
}

func (m *Manager) tracked(gs *groupState, id string) *runner.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sup := range gs.sups {
		if sup.ID() == id {
			return sup
		}
	}
	return nil
}

func (m *Manager) runningSups(gs *groupState) []*runner.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*runner.Supervisor, 0, len(gs.sups))
	for _, sup := range gs.sups {
		if sup.IsRunning() {
			out = append(out, sup)
		}
	}
	return out
}

func (m *Manager) allSups(gs *groupState) []*runner.Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*runner.Supervisor(nil), gs.sups...)
}

func (m *Manager) stopSups(gs *groupState, sups []*runner.Supervisor) {
	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup *runner.Supervisor) {
			defer wg.Done()
			if err := sup.Stop(); err != nil {
				m.lg.Warn("runner stop failed",
					"group", gs.group.Key(), "runner", sup.ID(), "error", err)
			}
		}(sup)
	}
	wg.Wait()
}

func (m *Manager) untrackStopped(gs *groupState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := gs.sups[:0]
	for _, sup := range gs.sups {
		if sup.IsRunning() {
			kept = append(kept, sup)
		}
	}
	gs.sups = kept
}

func (m *Manager) record(e history.Event) {
	if len(m.sinks) == 0 {
		return
	}
	e.OccurredAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range m.sinks {
		if err := s.Send(ctx, e); err != nil {
			m.lg.Warn("history sink write failed", "type", e.Type, "error", err)
		}
	}
}
