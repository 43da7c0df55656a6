package runner

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePIDFile writes the pid as plain decimal text. The format is a
// cross-invocation contract: decimal digits only, no trailing metadata.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600)
}

// ReadPIDFile reads a pidfile written by WritePIDFile. A missing file or a
// file with non-numeric content yields ok=false rather than an error; err is
// reserved for genuine I/O failures.
func ReadPIDFile(path string) (pid int, ok bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	s := strings.TrimSpace(string(b))
	pid, convErr := strconv.Atoi(s)
	if convErr != nil || pid <= 0 {
		return 0, false, nil
	}
	return pid, true, nil
}

// RemovePIDFile removes the pidfile, best-effort.
func RemovePIDFile(path string) { _ = os.Remove(path) }
