package config

import (
	"path/filepath"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global seamless daemon/CLI configuration.
type Config struct {
	// RootDir is the base directory for persistent data: the VM
	// configuration document, snapshots, and the shared-memory backing
	// files.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// RunDir holds runtime state: daemon socket, PID files.
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// HypervisorBinary is the native hypervisor to launch. When it is
	// not found, the controller degrades to the simulated backend.
	HypervisorBinary string `json:"hypervisor_binary" mapstructure:"hypervisor_binary"`
	// StartTimeoutSeconds bounds waiting for boot readiness.
	StartTimeoutSeconds int `json:"start_timeout_seconds" mapstructure:"start_timeout_seconds"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:             "/var/lib/seamless",
		RunDir:              "/run/seamless",
		HypervisorBinary:    "cloud-hypervisor",
		StartTimeoutSeconds: 60,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// VMConfigFile is the persisted, schema-versioned VM configuration document.
func (c *Config) VMConfigFile() string { return filepath.Join(c.RootDir, "vm.json") }

// VMConfigLock guards the VM configuration document across processes.
func (c *Config) VMConfigLock() string { return filepath.Join(c.RootDir, "vm.json.lock") }

// DefaultDiskImage is where a provisioned guest disk lands.
func (c *Config) DefaultDiskImage() string { return filepath.Join(c.RootDir, "disk", "guest.img") }

// SharedMemoryDir holds the mmap backing files for frame buffers.
func (c *Config) SharedMemoryDir() string { return filepath.Join(c.RunDir, "shm") }

// SnapshotDir holds VM snapshot files.
func (c *Config) SnapshotDir() string { return filepath.Join(c.RootDir, "snapshots") }

// SnapshotIndexFile records known snapshots.
func (c *Config) SnapshotIndexFile() string { return filepath.Join(c.SnapshotDir(), "index.json") }

// SnapshotIndexLock guards the snapshot index across processes.
func (c *Config) SnapshotIndexLock() string { return filepath.Join(c.SnapshotDir(), "index.json.lock") }

// DaemonSocket is the unix socket serving the lifecycle API.
func (c *Config) DaemonSocket() string { return filepath.Join(c.RunDir, "seamlessd.sock") }

// HypervisorSocket is the native hypervisor's API socket.
func (c *Config) HypervisorSocket() string { return filepath.Join(c.RunDir, "hypervisor.sock") }

// HypervisorPIDFile tracks the native hypervisor process.
func (c *Config) HypervisorPIDFile() string { return filepath.Join(c.RunDir, "hypervisor.pid") }

// HypervisorLog captures native hypervisor stdout/stderr.
func (c *Config) HypervisorLog() string { return filepath.Join(c.RootDir, "logs", "hypervisor.log") }

// Dirs lists every directory the daemon needs on disk, for one-shot
// creation at startup.
func (c *Config) Dirs() []string {
	return []string{
		c.RootDir,
		c.RunDir,
		filepath.Dir(c.DefaultDiskImage()),
		c.SharedMemoryDir(),
		c.SnapshotDir(),
		filepath.Dir(c.HypervisorLog()),
	}
}
