package runner

import (
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// IDPrefix is the fixed prefix of every worker directory and pidfile stem.
	IDPrefix = "runner-"
	// MarkerFile marks a worker directory as fully provisioned.
	MarkerFile = ".runner"
	// PIDFileSuffix is appended to the worker id to form the pidfile name.
	PIDFileSuffix = ".pid"
)

// Spec identifies one provisioned runner slot on disk. The id doubles as the
// worker directory name and the stem of its pidfile and log files.
type Spec struct {
	ID       string // runner-<token>
	GroupKey string // owner-repo
	Dir      string // <baseDir>/<groupKey>/<id>
	PIDFile  string // <baseDir>/<groupKey>/<id>.pid
}

// NewID generates a fresh worker id with the fixed runner- prefix.
func NewID() string {
	u := uuid.New()
	return IDPrefix + strings.ReplaceAll(u.String(), "-", "")[:8]
}

// IsWorkerID reports whether name follows the worker-id naming convention.
func IsWorkerID(name string) bool {
	return strings.HasPrefix(name, IDPrefix) && len(name) > len(IDPrefix)
}

// NewSpec derives the on-disk paths for a worker of the given group.
func NewSpec(baseDir, groupKey, id string) Spec {
	groupDir := filepath.Join(baseDir, groupKey)
	return Spec{
		ID:       id,
		GroupKey: groupKey,
		Dir:      filepath.Join(groupDir, id),
		PIDFile:  filepath.Join(groupDir, id+PIDFileSuffix),
	}
}

// LauncherName returns the platform launcher script file name.
func LauncherName() string {
	if runtime.GOOS == "windows" {
		return "run.cmd"
	}
	return "run.sh"
}

// LauncherPath returns the absolute path of the worker's launcher script.
func (s Spec) LauncherPath() string { return filepath.Join(s.Dir, LauncherName()) }

// MarkerPath returns the absolute path of the worker's provisioning marker.
func (s Spec) MarkerPath() string { return filepath.Join(s.Dir, MarkerFile) }

// LogPath returns a timestamped log file path inside the worker directory.
func (s Spec) LogPath(now time.Time) string {
	return filepath.Join(s.Dir, s.ID+"-"+now.UTC().Format("20060102T150405Z")+".log")
}
