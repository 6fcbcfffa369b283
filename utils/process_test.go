package utils

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hypervisor.pid")
	require.NoError(t, WritePIDFile(path, 4242))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hypervisor.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o600))

	_, err := ReadPIDFile(path)
	assert.Error(t, err)
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(-1))
	assert.False(t, IsProcessAlive(0))
}

func TestTerminateProcessStopsAChild(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	reaped := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(reaped)
	}()

	require.NoError(t, TerminateProcess(pid, 5*time.Second))
	<-reaped
	assert.False(t, IsProcessAlive(pid))
}

func TestTerminateProcessOnDeadPID(t *testing.T) {
	// A pid that cannot exist: nothing to do, no error.
	assert.NoError(t, TerminateProcess(-1, time.Second))
}
