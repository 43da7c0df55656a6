// Package discovery reconstructs fleet state from the on-disk layout. It
// answers two independent questions which are never conflated: which worker
// slots are provisioned, and which workers are alive right now. Both are
// re-derived on every call; nothing is cached between invocations.
package discovery

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/runfleet/runfleet/internal/runner"
)

// Provisioned is a worker slot whose directory, marker file and launcher all
// exist. It may or may not be running.
type Provisioned struct {
	ID  string
	Dir string
}

// Live is a worker whose pidfile names a currently alive process.
type Live struct {
	ID        string
	PID       int
	PIDFile   string
	StartedAt time.Time // best-effort, zero when unavailable
}

// Ghost is a worker whose pidfile exists but whose process is not alive. It
// is an invalid state the caller must choose to purge; it is never silently
// dropped into the live set.
type Ghost struct {
	ID      string
	PID     int
	PIDFile string
}

// ProvisionedRunners scans the group directory for provisioned worker slots.
// Entries that do not follow the naming convention or lack the marker or
// launcher are skipped with a warning. A missing group directory is an empty
// result, not an error.
func ProvisionedRunners(groupDir string, lg *slog.Logger) ([]Provisioned, error) {
	if lg == nil {
		lg = slog.Default()
	}
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Provisioned
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !runner.IsWorkerID(name) {
			lg.Warn("skipping directory outside worker naming convention",
				"dir", filepath.Join(groupDir, name))
			continue
		}
		dir := filepath.Join(groupDir, name)
		if _, err := os.Stat(filepath.Join(dir, runner.MarkerFile)); err != nil {
			lg.Warn("skipping worker directory without marker file", "dir", dir)
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, runner.LauncherName())); err != nil {
			lg.Warn("skipping worker directory without launcher", "dir", dir)
			continue
		}
		out = append(out, Provisioned{ID: name, Dir: dir})
	}
	return out, nil
}

// pidReuseSkew absorbs clock slop between a process starting and its pidfile
// being written. A legitimate runner always starts before the write.
const pidReuseSkew = 2 * time.Second

// LiveRunners scans the group's pidfiles, probes each recorded pid and splits
// the result into live workers and ghosts. Unreadable or non-numeric pidfiles
// are reported as ghosts with pid 0, as is a pid whose process started after
// the pidfile was written: the pid has been recycled by an unrelated process.
// A missing directory is an empty result.
func LiveRunners(groupDir string, lg *slog.Logger) ([]Live, []Ghost, error) {
	if lg == nil {
		lg = slog.Default()
	}
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var live []Live
	var ghosts []Ghost
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, runner.PIDFileSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, runner.PIDFileSuffix)
		if !runner.IsWorkerID(id) {
			lg.Warn("skipping pidfile outside worker naming convention",
				"file", filepath.Join(groupDir, name))
			continue
		}
		path := filepath.Join(groupDir, name)
		pid, ok, err := runner.ReadPIDFile(path)
		if err != nil {
			lg.Warn("unreadable pidfile", "file", path, "error", err)
			continue
		}
		if !ok || !runner.PIDAlive(pid) {
			ghosts = append(ghosts, Ghost{ID: id, PID: pid, PIDFile: path})
			continue
		}
		started := procStartTime(pid)
		if fi, err := e.Info(); err == nil && !started.IsZero() &&
			started.After(fi.ModTime().Add(pidReuseSkew)) {
			lg.Warn("pidfile names a recycled pid",
				"file", path, "pid", pid, "process_started", started)
			ghosts = append(ghosts, Ghost{ID: id, PID: pid, PIDFile: path})
			continue
		}
		live = append(live, Live{ID: id, PID: pid, PIDFile: path, StartedAt: started})
	}
	return live, ghosts, nil
}

// procStartTime returns the process creation time, zero on any failure.
func procStartTime(pid int) time.Time {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
