package hypervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/seamlessvm/seamless/config"
	"github.com/seamlessvm/seamless/types"
	"github.com/seamlessvm/seamless/utils"
)

const (
	socketWaitTimeout    = 5 * time.Second
	socketPollInterval   = 100 * time.Millisecond
	stopPollInterval     = 500 * time.Millisecond
	terminateGracePeriod = 5 * time.Second
)

// compile-time interface checks.
var (
	_ Machine         = (*ProcessMachine)(nil)
	_ ConsoleProvider = (*ProcessMachine)(nil)
)

// ProcessMachine drives a hypervisor child process through its REST API
// on a Unix socket. The child stays attached so its exit code
// distinguishes an orderly guest shutdown from a crash.
type ProcessMachine struct {
	conf   *config.Config
	vmConf *types.VMConfiguration

	// ControlSocketPath is where the guest's channel device surfaces on
	// the host; SharedMemoryPath backs the frame region. Both are set
	// by the controller before Start.
	ControlSocketPath string
	SharedMemoryPath  string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopping bool
	events   chan Event
}

// NewProcessMachine creates a process-backed machine.
func NewProcessMachine(conf *config.Config, vmConf *types.VMConfiguration) *ProcessMachine {
	return &ProcessMachine{
		conf:   conf,
		vmConf: vmConf,
		events: make(chan Event, eventBufferSize),
	}
}

func (m *ProcessMachine) Events() <-chan Event { return m.events }

// ProvisionStreaming records the streaming device paths for the next
// Start or RestoreState.
func (m *ProcessMachine) ProvisionStreaming(controlSocket, sharedMemoryPath string) {
	m.ControlSocketPath = controlSocket
	m.SharedMemoryPath = sharedMemoryPath
}

// Start launches the hypervisor process, waits for its API socket, then
// creates and boots the guest.
func (m *ProcessMachine) Start(ctx context.Context) error {
	if err := m.launch(ctx); err != nil {
		return err
	}
	socketPath := m.conf.HypervisorSocket()
	if err := doPUT(ctx, socketPath, "/api/v1/vm.create", m.vmSpec()); err != nil {
		m.kill()
		return fmt.Errorf("vm.create: %w", err)
	}
	if err := doPUT(ctx, socketPath, "/api/v1/vm.boot", nil); err != nil {
		m.kill()
		return fmt.Errorf("vm.boot: %w", err)
	}
	return nil
}

// Stop asks the guest to power off via ACPI, then escalates to
// SIGTERM/SIGKILL when it does not comply in time.
func (m *ProcessMachine) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	cmd := m.cmd
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid

	socketPath := m.conf.HypervisorSocket()
	if err := doPUT(ctx, socketPath, "/api/v1/vm.power-button", nil); err != nil {
		log.WithFunc("hypervisor.Stop").Warnf(ctx, "power-button: %v — escalating", err)
		return utils.TerminateProcess(pid, terminateGracePeriod)
	}
	stopTimeout := time.Duration(m.conf.StartTimeoutSeconds) * time.Second
	if err := utils.WaitFor(ctx, stopTimeout, stopPollInterval, func() (bool, error) {
		return !utils.IsProcessAlive(pid), nil
	}); err != nil {
		log.WithFunc("hypervisor.Stop").Warnf(ctx, "guest ignored power-button: %v — escalating", err)
		return utils.TerminateProcess(pid, terminateGracePeriod)
	}
	return nil
}

func (m *ProcessMachine) Pause(ctx context.Context) error {
	return doPUT(ctx, m.conf.HypervisorSocket(), "/api/v1/vm.pause", nil)
}

func (m *ProcessMachine) Resume(ctx context.Context) error {
	return doPUT(ctx, m.conf.HypervisorSocket(), "/api/v1/vm.resume", nil)
}

// SaveState snapshots the paused guest to path.
func (m *ProcessMachine) SaveState(ctx context.Context, path string) error {
	body := map[string]string{"destination_url": "file://" + path}
	return doPUT(ctx, m.conf.HypervisorSocket(), "/api/v1/vm.snapshot", body)
}

// RestoreState boots the guest from a saved state file: a fresh
// hypervisor process restores and resumes instead of a cold boot.
func (m *ProcessMachine) RestoreState(ctx context.Context, path string) error {
	if err := m.launch(ctx); err != nil {
		return err
	}
	socketPath := m.conf.HypervisorSocket()
	body := map[string]string{"source_url": "file://" + path}
	if err := doPUT(ctx, socketPath, "/api/v1/vm.restore", body); err != nil {
		m.kill()
		return fmt.Errorf("vm.restore: %w", err)
	}
	if err := doPUT(ctx, socketPath, "/api/v1/vm.resume", nil); err != nil {
		m.kill()
		return fmt.Errorf("vm.resume: %w", err)
	}
	return nil
}

// ConsolePath asks the hypervisor where the guest's serial PTY landed.
func (m *ProcessMachine) ConsolePath(ctx context.Context) (string, error) {
	var info struct {
		Config struct {
			Serial struct {
				File string `json:"file"`
			} `json:"serial"`
		} `json:"config"`
	}
	if err := doGET(ctx, m.conf.HypervisorSocket(), "/api/v1/vm.info", &info); err != nil {
		return "", fmt.Errorf("vm.info: %w", err)
	}
	if info.Config.Serial.File == "" {
		return "", fmt.Errorf("guest has no serial PTY")
	}
	return info.Config.Serial.File, nil
}

// Close releases the handle and the event channel. The machine must be
// stopped first.
func (m *ProcessMachine) Close() error {
	m.kill()
	close(m.events)
	return nil
}

// launch starts the hypervisor child and waits for its API socket.
func (m *ProcessMachine) launch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return fmt.Errorf("hypervisor process already running (pid %d)", m.cmd.Process.Pid)
	}
	m.stopping = false

	socketPath := m.conf.HypervisorSocket()
	_ = os.Remove(socketPath)
	_ = os.Remove(m.conf.HypervisorPIDFile())

	logFile, _ := os.Create(m.conf.HypervisorLog()) //nolint:gosec // managed path
	cmd := exec.Command(m.conf.HypervisorBinary, "--api-socket", socketPath) //nolint:gosec
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec %s: %w", m.conf.HypervisorBinary, err)
	}
	pid := cmd.Process.Pid
	_ = utils.WritePIDFile(m.conf.HypervisorPIDFile(), pid)

	if err := utils.WaitFor(ctx, socketWaitTimeout, socketPollInterval, func() (bool, error) {
		if !utils.IsProcessAlive(pid) {
			return false, fmt.Errorf("hypervisor exited before its socket was ready")
		}
		return checkSocket(socketPath) == nil, nil
	}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("wait for hypervisor socket: %w", err)
	}

	m.cmd = cmd
	go m.watch(cmd, logFile)
	return nil
}

// watch waits on the child and translates an unexpected exit into a
// native event: code 0 is an orderly guest shutdown, anything else a
// crash. Expected exits (Stop in flight) produce no event.
func (m *ProcessMachine) watch(cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	if logFile != nil {
		_ = logFile.Close()
	}

	m.mu.Lock()
	stopping := m.stopping
	if m.cmd == cmd {
		m.cmd = nil
	}
	m.mu.Unlock()
	_ = os.Remove(m.conf.HypervisorPIDFile())

	if stopping {
		return
	}
	ev := Event{Kind: EventGuestStopped}
	if err != nil {
		ev = Event{Kind: EventCrashed, Err: fmt.Errorf("hypervisor exited: %w", err)}
	}
	select {
	case m.events <- ev:
	default:
		// Event buffer full during teardown; the stop is already being
		// handled.
	}
}

// kill force-terminates the child without an event.
func (m *ProcessMachine) kill() {
	m.mu.Lock()
	m.stopping = true
	cmd := m.cmd
	m.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = utils.TerminateProcess(cmd.Process.Pid, terminateGracePeriod)
	}
}

// vmSpec is the vm.create request derived from the configuration: the
// guest resources plus the two streaming devices (vsock control channel
// and the shared-memory frame region).
func (m *ProcessMachine) vmSpec() map[string]any {
	spec := map[string]any{
		"cpus":    map[string]any{"boot_vcpus": m.vmConf.CPUCount, "max_vcpus": m.vmConf.CPUCount},
		"memory":  map[string]any{"size": int64(m.vmConf.MemorySizeGB) << 30, "shared": true},
		"disks":   []map[string]any{{"path": m.vmConf.Disk.Path}},
		"serial":  map[string]any{"mode": "Pty"},
		"console": map[string]any{"mode": "Off"},
	}
	if m.vmConf.Network.Mode == types.NetworkModeBridged {
		net := map[string]any{"tap": m.vmConf.Network.Interface}
		if m.vmConf.Network.MACAddress != "" {
			net["mac"] = m.vmConf.Network.MACAddress
		}
		spec["net"] = []map[string]any{net}
	}
	if m.vmConf.Streaming.Enabled && m.ControlSocketPath != "" {
		spec["vsock"] = map[string]any{
			"cid":    3,
			"socket": m.ControlSocketPath,
		}
	}
	if m.vmConf.Streaming.SharedMemoryEnabled && m.SharedMemoryPath != "" {
		spec["pmem"] = []map[string]any{{
			"file":          m.SharedMemoryPath,
			"discard_writes": false,
		}}
	}
	return spec
}
