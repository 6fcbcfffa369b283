package types

// AllocationMode selects the sizing policy for per-window frame buffers.
type AllocationMode string

const (
	// AllocationModeUncompressed sizes each ring slot at exactly
	// width*height*4 bytes and reallocates only on window resize.
	AllocationModeUncompressed AllocationMode = "uncompressed"
	// AllocationModeCompressed sizes slots in fixed tranches and
	// reallocates only when a frame outgrows the current tranche.
	AllocationModeCompressed AllocationMode = "compressed"
)

// FrameStreamingConfiguration controls the host↔guest streaming path.
type FrameStreamingConfiguration struct {
	// Enabled turns the control channel on. Without it the VM still
	// runs but no windows are streamed.
	Enabled bool `json:"enabled"`
	// ControlPort is the guest-side port of the control channel device.
	ControlPort int `json:"control_port"`
	// SharedMemoryEnabled turns the zero-copy frame path on. When off,
	// the protocol still negotiates but no buffers are allocated.
	SharedMemoryEnabled bool `json:"shared_memory_enabled"`
	// SharedMemorySizeMB is the size of the mapped region backing all
	// window frame buffers.
	SharedMemorySizeMB int `json:"shared_memory_size_mb"`
	// AllocationMode selects uncompressed or compressed slot sizing.
	AllocationMode AllocationMode `json:"allocation_mode"`
}

// DefaultFrameStreamingConfiguration returns streaming defaults:
// enabled, 256 MB shared region, uncompressed slots.
func DefaultFrameStreamingConfiguration() FrameStreamingConfiguration {
	return FrameStreamingConfiguration{
		Enabled:             true,
		ControlPort:         5901,
		SharedMemoryEnabled: true,
		SharedMemorySizeMB:  256,
		AllocationMode:      AllocationModeUncompressed,
	}
}
