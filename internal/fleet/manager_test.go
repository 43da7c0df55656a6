package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/runfleet/runfleet/internal/history"
	"github.com/runfleet/runfleet/internal/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires unix launcher scripts")
	}
}

type fakeControlPlane struct {
	mu            sync.Mutex
	valid         bool
	regCalls      int
	removalCalls  int
	validateCalls int
}

func (f *fakeControlPlane) ValidateGroup(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	return f.valid, nil
}

func (f *fakeControlPlane) RegistrationToken(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regCalls++
	return "REG-TOKEN", nil
}

func (f *fakeControlPlane) RemovalToken(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removalCalls++
	return "RM-TOKEN", nil
}

// fakeProvisioner lays out real worker slots on disk. failAfter, when
// positive, makes every provision call past that count fail.
type fakeProvisioner struct {
	mu         sync.Mutex
	script     string
	failAfter  int
	provCalls  int
	deregCalls int
	deregIDs   []string
}

func (f *fakeProvisioner) Provision(_ context.Context, _ Group, spec runner.Spec, _ string) error {
	f.mu.Lock()
	f.provCalls++
	n := f.provCalls
	f.mu.Unlock()
	if f.failAfter > 0 && n > f.failAfter {
		return errors.New("download failed")
	}
	if err := os.MkdirAll(spec.Dir, 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(spec.MarkerPath(), nil, 0o600); err != nil {
		return err
	}
	return os.WriteFile(spec.LauncherPath(), []byte(f.script), 0o755)
}

func (f *fakeProvisioner) Deregister(_ context.Context, _ Group, spec runner.Spec, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregCalls++
	f.deregIDs = append(f.deregIDs, spec.ID)
	return nil
}

func fastStopPolicy() runner.StopPolicy {
	return runner.StopPolicy{
		GracefulTimeout:  500 * time.Millisecond,
		TerminateTimeout: 500 * time.Millisecond,
		KillTimeout:      500 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, prov Provisioner) (*Manager, *fakeControlPlane, Group) {
	t.Helper()
	cp := &fakeControlPlane{valid: true}
	m := NewManager(Options{
		BaseDir:      t.TempDir(),
		StopPolicy:   fastStopPolicy(),
		ControlPlane: cp,
		Provisioner:  prov,
		Logger:       testLogger(),
	})
	g := Group{Owner: "acme", Repo: "widgets"}
	if err := m.InitializeGroup(context.Background(), g); err != nil {
		t.Fatalf("InitializeGroup: %v", err)
	}
	t.Cleanup(func() { _ = m.StopAll() })
	return m, cp, g
}

func countPidfiles(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "runner-*.pid"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return len(matches)
}

func TestScaleUpFromZero(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m, cp, g := newTestManager(t, prov)

	if err := m.Scale(context.Background(), g.Key(), 3); err != nil {
		t.Fatalf("Scale: %v", err)
	}

	st := m.Status()[g.Key()]
	if st.Target != 3 || len(st.Runners) != 3 {
		t.Fatalf("status = %+v, want 3 runners at target 3", st)
	}
	for _, r := range st.Runners {
		if r.Status != "idle" {
			t.Fatalf("runner %s status = %s, want idle", r.ID, r.Status)
		}
	}
	if n := countPidfiles(t, filepath.Join(m.baseDir, g.Key())); n != 3 {
		t.Fatalf("%d pidfiles on disk, want 3", n)
	}
	if prov.provCalls != 3 {
		t.Fatalf("provision called %d times, want 3", prov.provCalls)
	}
	// One registration credential per worker.
	if cp.regCalls != 3 {
		t.Fatalf("registration token requested %d times, want 3", cp.regCalls)
	}
}

func TestScaleToCurrentCountIsNoOp(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m, cp, g := newTestManager(t, prov)

	if err := m.Scale(context.Background(), g.Key(), 2); err != nil {
		t.Fatalf("Scale: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range m.Status()[g.Key()].Runners {
		ids[r.ID] = true
	}

	if err := m.Scale(context.Background(), g.Key(), 2); err != nil {
		t.Fatalf("repeat Scale: %v", err)
	}
	if prov.provCalls != 2 || cp.regCalls != 2 {
		t.Fatalf("no-op scale touched workers: prov=%d reg=%d", prov.provCalls, cp.regCalls)
	}
	for _, r := range m.Status()[g.Key()].Runners {
		if !ids[r.ID] {
			t.Fatalf("runner %s replaced by a no-op scale", r.ID)
		}
	}
}

func TestScaleDownStopsNewestFirst(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m, _, g := newTestManager(t, prov)

	if err := m.Scale(context.Background(), g.Key(), 3); err != nil {
		t.Fatalf("Scale up: %v", err)
	}
	if err := m.Scale(context.Background(), g.Key(), 1); err != nil {
		t.Fatalf("Scale down: %v", err)
	}

	st := m.Status()[g.Key()]
	if st.Target != 1 || len(st.Runners) != 1 {
		t.Fatalf("status = %+v, want exactly 1 tracked runner", st)
	}
	if n := countPidfiles(t, filepath.Join(m.baseDir, g.Key())); n != 1 {
		t.Fatalf("%d pidfiles on disk after scale-down, want 1", n)
	}
}

func TestScaleReusesProvisionedSlots(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m, _, g := newTestManager(t, prov)

	if err := m.Scale(context.Background(), g.Key(), 2); err != nil {
		t.Fatalf("Scale up: %v", err)
	}
	if err := m.Scale(context.Background(), g.Key(), 0); err != nil {
		t.Fatalf("Scale to zero: %v", err)
	}
	// Slots stay provisioned on disk; the next scale-up must reuse them.
	if err := m.Scale(context.Background(), g.Key(), 2); err != nil {
		t.Fatalf("Scale back up: %v", err)
	}
	if prov.provCalls != 2 {
		t.Fatalf("provision called %d times, want 2 (reuse, not re-provision)", prov.provCalls)
	}
	if len(m.Status()[g.Key()].Runners) != 2 {
		t.Fatalf("expected 2 runners after reuse")
	}
}

func TestScalePartialFailureKeepsSuccesses(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n", failAfter: 2}
	m, _, g := newTestManager(t, prov)

	err := m.Scale(context.Background(), g.Key(), 3)
	if err == nil {
		t.Fatal("Scale succeeded despite a failing provision")
	}
	st := m.Status()[g.Key()]
	if len(st.Runners) != 2 {
		t.Fatalf("tracked %d runners, want the 2 that started", len(st.Runners))
	}
	for _, r := range st.Runners {
		if r.Status != "idle" {
			t.Fatalf("surviving runner %s not idle", r.ID)
		}
	}
	// The desired count is still recorded even though it was not reached.
	if st.Target != 3 {
		t.Fatalf("target = %d, want 3", st.Target)
	}
}

func TestConcurrentScalesApplyInSubmissionOrder(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m, _, g := newTestManager(t, prov)

	// Hold the group's gate so all three calls queue up, then release it:
	// they must reconcile in submission order, leaving the last target.
	gate := m.locks.Lock(g.Key())
	targets := []int{3, 1, 2}
	var wg sync.WaitGroup
	for _, n := range targets {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := m.Scale(context.Background(), g.Key(), n); err != nil {
				t.Errorf("Scale(%d): %v", n, err)
			}
		}(n)
		time.Sleep(25 * time.Millisecond)
	}
	gate()
	wg.Wait()

	st := m.Status()[g.Key()]
	if st.Target != 2 || len(st.Runners) != 2 {
		t.Fatalf("status = %+v, want the last submitted target 2", st)
	}
	if n := countPidfiles(t, filepath.Join(m.baseDir, g.Key())); n != 2 {
		t.Fatalf("%d pidfiles on disk, want 2", n)
	}
}

func TestScaleUninitializedGroup(t *testing.T) {
	m := NewManager(Options{BaseDir: t.TempDir(), Logger: testLogger()})
	if err := m.Scale(context.Background(), "nobody-nothing", 1); err == nil {
		t.Fatal("Scale on unknown group succeeded")
	}
}

func TestScaleNegativeTarget(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m, _, g := newTestManager(t, prov)
	if err := m.Scale(context.Background(), g.Key(), -1); err == nil {
		t.Fatal("negative target accepted")
	}
}

func TestInitializeGroupRejectsUnknownGroup(t *testing.T) {
	cp := &fakeControlPlane{valid: false}
	m := NewManager(Options{
		BaseDir:      t.TempDir(),
		ControlPlane: cp,
		Logger:       testLogger(),
	})
	err := m.InitializeGroup(context.Background(), Group{Owner: "acme", Repo: "gone"})
	if err == nil {
		t.Fatal("InitializeGroup accepted a group the control plane rejected")
	}
	if len(m.Groups()) != 0 {
		t.Fatal("rejected group was registered anyway")
	}
}

func TestInitializeGroupAdoptsLiveRunners(t *testing.T) {
	requireUnix(t)
	baseDir := t.TempDir()
	g := Group{Owner: "acme", Repo: "widgets"}

	// A previous invocation left a provisioned slot with a live process.
	spec := runner.NewSpec(baseDir, g.Key(), "runner-prio0001")
	if err := os.MkdirAll(spec.Dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(spec.MarkerPath(), nil, 0o600); err != nil {
		t.Fatalf("marker: %v", err)
	}
	if err := os.WriteFile(spec.LauncherPath(), []byte("#!/bin/sh\nexec sleep 60\n"), 0o755); err != nil {
		t.Fatalf("launcher: %v", err)
	}
	child := exec.Command("sleep", "60")
	if err := child.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	t.Cleanup(func() { _ = child.Process.Kill(); _, _ = child.Process.Wait() })
	if err := runner.WritePIDFile(spec.PIDFile, child.Process.Pid); err != nil {
		t.Fatalf("pidfile: %v", err)
	}

	m := NewManager(Options{
		BaseDir:      baseDir,
		StopPolicy:   fastStopPolicy(),
		ControlPlane: &fakeControlPlane{valid: true},
		Logger:       testLogger(),
	})
	if err := m.InitializeGroup(context.Background(), g); err != nil {
		t.Fatalf("InitializeGroup: %v", err)
	}

	st := m.Status()[g.Key()]
	if len(st.Runners) != 1 || st.Runners[0].ID != "runner-prio0001" || st.Runners[0].Status != "idle" {
		t.Fatalf("status = %+v, want the adopted runner idle", st)
	}

	// Scaling to zero must stop the adopted process like any other.
	if err := m.Scale(context.Background(), g.Key(), 0); err != nil {
		t.Fatalf("Scale: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && runner.PIDAlive(child.Process.Pid) {
		time.Sleep(20 * time.Millisecond)
	}
	if runner.PIDAlive(child.Process.Pid) {
		t.Fatal("adopted process still alive after scale to zero")
	}
}

func TestReportStates(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m, _, g := newTestManager(t, prov)

	if err := m.Scale(context.Background(), g.Key(), 1); err != nil {
		t.Fatalf("Scale: %v", err)
	}
	groupDir := filepath.Join(m.baseDir, g.Key())

	// A provisioned slot with no process at all.
	stopped := runner.NewSpec(m.baseDir, g.Key(), "runner-stop0001")
	if err := os.MkdirAll(stopped.Dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stopped.MarkerPath(), nil, 0o600); err != nil {
		t.Fatalf("marker: %v", err)
	}
	if err := os.WriteFile(stopped.LauncherPath(), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("launcher: %v", err)
	}
	// A pidfile with no live process behind it.
	if err := os.WriteFile(filepath.Join(groupDir, "runner-ghos0001.pid"), []byte("junk"), 0o600); err != nil {
		t.Fatalf("pidfile: %v", err)
	}

	entries, err := m.Report(g.Key())
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	states := map[string]string{}
	for _, e := range entries {
		states[e.ID] = e.State
	}
	if len(entries) != 3 {
		t.Fatalf("report = %+v, want 3 entries", entries)
	}
	if states["runner-stop0001"] != StateStopped {
		t.Fatalf("stopped slot reported as %s", states["runner-stop0001"])
	}
	if states["runner-ghos0001"] != StateGhost {
		t.Fatalf("ghost reported as %s", states["runner-ghos0001"])
	}
	running := 0
	for _, e := range entries {
		if e.State != StateRunning {
			continue
		}
		running++
		if e.StartedAt.IsZero() || e.StartedAt.After(time.Now().Add(time.Minute)) {
			t.Fatalf("running entry %s has StartedAt %v, want process creation time", e.ID, e.StartedAt)
		}
	}
	if running != 1 {
		t.Fatalf("report shows %d running, want 1", running)
	}
}

func TestPurgeGhostsIdempotent(t *testing.T) {
	requireUnix(t)
	m := NewManager(Options{BaseDir: t.TempDir(), Logger: testLogger()})
	g := Group{Owner: "acme", Repo: "widgets"}
	groupDir := filepath.Join(m.baseDir, g.Key())
	if err := os.MkdirAll(groupDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(groupDir, "runner-ghos0001.pid"), []byte("junk"), 0o600); err != nil {
		t.Fatalf("pidfile: %v", err)
	}
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadPID := cmd.Process.Pid
	_ = cmd.Wait()
	if err := runner.WritePIDFile(filepath.Join(groupDir, "runner-ghos0002.pid"), deadPID); err != nil {
		t.Fatalf("pidfile: %v", err)
	}

	purged, err := m.PurgeGhosts(g.Key())
	if err != nil {
		t.Fatalf("PurgeGhosts: %v", err)
	}
	if len(purged) != 2 {
		t.Fatalf("purged %d ghosts, want 2", len(purged))
	}
	if n := countPidfiles(t, groupDir); n != 0 {
		t.Fatalf("%d pidfiles left after purge", n)
	}

	again, err := m.PurgeGhosts(g.Key())
	if err != nil {
		t.Fatalf("second PurgeGhosts: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second purge found %d ghosts, want none", len(again))
	}
}

func TestStopGroup(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m, _, g := newTestManager(t, prov)

	if err := m.Scale(context.Background(), g.Key(), 2); err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if err := m.StopGroup(g.Key()); err != nil {
		t.Fatalf("StopGroup: %v", err)
	}
	st := m.Status()[g.Key()]
	if len(st.Runners) != 0 {
		t.Fatalf("still tracking %d runners after stop", len(st.Runners))
	}
	if n := countPidfiles(t, filepath.Join(m.baseDir, g.Key())); n != 0 {
		t.Fatalf("%d pidfiles left after stop", n)
	}
}

func TestRemoveGroupDeregistersAndDeletes(t *testing.T) {
	requireUnix(t)
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m, cp, g := newTestManager(t, prov)

	if err := m.Scale(context.Background(), g.Key(), 2); err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if err := m.RemoveGroup(context.Background(), g.Key()); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	if prov.deregCalls != 2 {
		t.Fatalf("deregister called %d times, want 2", prov.deregCalls)
	}
	if cp.removalCalls != 2 {
		t.Fatalf("removal token requested %d times, want 2", cp.removalCalls)
	}
	if _, err := os.Stat(filepath.Join(m.baseDir, g.Key())); !os.IsNotExist(err) {
		t.Fatal("group directory still exists after removal")
	}
	if len(m.Groups()) != 0 {
		t.Fatal("group still registered after removal")
	}
}

// memorySink records fleet events for assertions.
type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memorySink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) byType(t history.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func TestHistoryEventsRecorded(t *testing.T) {
	requireUnix(t)
	sink := &memorySink{}
	cp := &fakeControlPlane{valid: true}
	prov := &fakeProvisioner{script: "#!/bin/sh\nexec sleep 60\n"}
	m := NewManager(Options{
		BaseDir:      t.TempDir(),
		StopPolicy:   fastStopPolicy(),
		ControlPlane: cp,
		Provisioner:  prov,
		Logger:       testLogger(),
		Sinks:        []history.Sink{sink},
	})
	g := Group{Owner: "acme", Repo: "widgets"}
	if err := m.InitializeGroup(context.Background(), g); err != nil {
		t.Fatalf("InitializeGroup: %v", err)
	}
	t.Cleanup(func() { _ = m.StopAll() })

	if err := m.Scale(context.Background(), g.Key(), 2); err != nil {
		t.Fatalf("Scale up: %v", err)
	}
	if err := m.Scale(context.Background(), g.Key(), 1); err != nil {
		t.Fatalf("Scale down: %v", err)
	}

	if n := sink.byType(history.EventScale); n != 2 {
		t.Fatalf("%d scale events, want 2", n)
	}
	if n := sink.byType(history.EventRunnerStart); n != 2 {
		t.Fatalf("%d start events, want 2", n)
	}
	if n := sink.byType(history.EventRunnerStop); n != 1 {
		t.Fatalf("%d stop events, want 1", n)
	}
}
