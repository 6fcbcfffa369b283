package types

import (
	"time"
)

// VMStatus represents the lifecycle state of the managed VM.
type VMStatus string

const (
	VMStatusStopped    VMStatus = "stopped"    // no native process, cold boot required
	VMStatusStarting   VMStatus = "starting"   // boot or resume in flight
	VMStatusRunning    VMStatus = "running"    // guest is up, streaming may be active
	VMStatusSuspending VMStatus = "suspending" // snapshot in flight
	VMStatusSuspended  VMStatus = "suspended"  // snapshot on disk, fast resume possible
	VMStatusStopping   VMStatus = "stopping"   // shutdown in flight
)

// Terminal reports whether the status is a resting state — one that a
// caller waiting on an in-flight transition can act on.
func (s VMStatus) Terminal() bool {
	switch s {
	case VMStatusStopped, VMStatusRunning, VMStatusSuspended:
		return true
	}
	return false
}

// VMState is the externally visible snapshot of the controller.
// Uptime counts from the most recent transition into running and is
// frozen at its last value while not running.
type VMState struct {
	Status         VMStatus      `json:"status"`
	Uptime         time.Duration `json:"uptime"`
	ActiveSessions int           `json:"active_sessions"`
}

// NetworkMode selects how the guest reaches the outside world.
type NetworkMode string

const (
	NetworkModeNAT     NetworkMode = "nat"
	NetworkModeBridged NetworkMode = "bridged"
)

// NetworkConfiguration describes guest networking. Interface and
// MACAddress apply to bridged mode only.
type NetworkConfiguration struct {
	Mode       NetworkMode `json:"mode"`
	Interface  string      `json:"interface,omitempty"`
	MACAddress string      `json:"mac_address,omitempty"`
}

// DiskConfiguration locates the guest disk image.
type DiskConfiguration struct {
	Path   string `json:"path"`
	SizeGB int    `json:"size_gb"`
}

// VMConfiguration describes the resources and behavior of the managed
// VM. It is immutable per controller instance and validated exactly
// once before the first boot.
type VMConfiguration struct {
	CPUCount     int                         `json:"cpu_count"`
	MemorySizeGB int                         `json:"memory_size_gb"`
	Disk         DiskConfiguration           `json:"disk"`
	Network      NetworkConfiguration        `json:"network"`
	Streaming    FrameStreamingConfiguration `json:"frame_streaming"`

	// SuspendOnIdleAfterSeconds is the idle window after the last
	// session closes before the VM is snapshotted and suspended.
	// Zero disables idle suspend.
	SuspendOnIdleAfterSeconds int `json:"suspend_on_idle_after_seconds"`
}

// Supported resource bounds for a guest.
const (
	MinCPUCount     = 1
	MaxCPUCount     = 64
	MinMemorySizeGB = 1
	MaxMemorySizeGB = 512
)

// DefaultVMConfiguration returns the stock configuration: a 4-CPU, 4 GB
// guest on a 64 GB NAT-networked disk with streaming enabled.
func DefaultVMConfiguration(diskPath string) *VMConfiguration {
	return &VMConfiguration{
		CPUCount:     4,
		MemorySizeGB: 4,
		Disk:         DiskConfiguration{Path: diskPath, SizeGB: 64},
		Network:      NetworkConfiguration{Mode: NetworkModeNAT},
		Streaming:    DefaultFrameStreamingConfiguration(),

		SuspendOnIdleAfterSeconds: 300,
	}
}
