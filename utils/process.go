package utils

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// terminatePollInterval paces the liveness checks during a graceful
// termination.
const terminatePollInterval = 100 * time.Millisecond

// WritePIDFile records pid at path so crash recovery and GC can find
// the process later.
func WritePIDFile(path string, pid int) error {
	return AtomicWriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile parses the pid recorded by WritePIDFile.
func ReadPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // managed runtime path
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%s does not hold a pid: %q", path, strings.TrimSpace(string(raw)))
	}
	return pid, nil
}

// IsProcessAlive probes pid with signal 0; nothing is delivered.
func IsProcessAlive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

// TerminateProcess stops pid gracefully: SIGTERM, a bounded wait for it
// to exit, then SIGKILL. A pid that is already gone is not an error.
func TerminateProcess(pid int, gracePeriod time.Duration) error {
	if !IsProcessAlive(pid) {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if !IsProcessAlive(pid) {
			return nil
		}
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}

	err := WaitFor(context.Background(), gracePeriod, terminatePollInterval, func() (bool, error) {
		return !IsProcessAlive(pid), nil
	})
	if err == nil {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && IsProcessAlive(pid) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
