package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFilePath returns the daemon PID file location under the data
// directory.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kirana.pid")
}

// WritePIDFile records the current process ID. It fails if another
// live daemon already holds the file.
func WritePIDFile(dataDir string) error {
	path := PIDFilePath(dataDir)
	if pid, ok := ReadPIDFile(dataDir); ok && ProcessAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReadPIDFile parses the recorded PID. ok is false when the file is
// missing or malformed.
func ReadPIDFile(dataDir string) (pid int, ok bool) {
	data, err := os.ReadFile(PIDFilePath(dataDir))
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// RemovePIDFile deletes the PID file. A missing file is not an error.
func RemovePIDFile(dataDir string) error {
	err := os.Remove(PIDFilePath(dataDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ProcessAlive reports whether the process still exists, using a
// zero signal probe.
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
