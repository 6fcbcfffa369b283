package hypervisor

import (
	"context"
	"os"
	"os/exec"
)

// EventKind classifies unsolicited native events.
type EventKind string

const (
	// EventGuestStopped: the guest shut itself down (orderly).
	EventGuestStopped EventKind = "guest_stopped"
	// EventCrashed: the native process died without being asked.
	EventCrashed EventKind = "crashed"
)

// Event is an unsolicited native completion delivered to the
// controller. Events flow through a bounded channel and are applied by
// the controller's single consumer, preserving order.
type Event struct {
	Kind EventKind
	Err  error
}

// Machine is the native VM handle owned by the lifecycle controller.
// All methods may block on native completions; callers bound them with
// the context. Implementations deliver unsolicited stops on Events.
type Machine interface {
	// Start boots the guest and returns once it is ready.
	Start(ctx context.Context) error
	// Stop terminates the guest.
	Stop(ctx context.Context) error
	// Pause freezes guest execution so state can be captured.
	Pause(ctx context.Context) error
	// Resume unfreezes a paused guest.
	Resume(ctx context.Context) error
	// SaveState serializes the paused guest to path.
	SaveState(ctx context.Context, path string) error
	// RestoreState boots from a previously saved state file.
	RestoreState(ctx context.Context, path string) error
	// Events delivers unsolicited native stops. Closed by Close.
	Events() <-chan Event
	// Close releases the handle. The machine must already be stopped.
	Close() error
}

// ConsoleProvider is implemented by machines that expose the guest's
// serial console as a host PTY.
type ConsoleProvider interface {
	// ConsolePath returns the host PTY path of the running guest's
	// serial console.
	ConsolePath(ctx context.Context) (string, error)
}

// eventBufferSize bounds the native event channel. Stops are rare;
// the buffer only needs to absorb a burst during teardown.
const eventBufferSize = 8

// Support is the result of the one-time capability probe.
type Support struct {
	// Native is true when the host can run hardware virtualization.
	Native bool
	// Reason explains a false Native.
	Reason string
}

// Detect probes the host once at startup: the hypervisor binary must be
// on PATH and KVM must be usable. When unsupported the controller
// degrades to the simulated backend instead of branching per call.
func Detect(binary string) Support {
	if _, err := exec.LookPath(binary); err != nil {
		return Support{Reason: "hypervisor binary not found: " + binary}
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return Support{Reason: "/dev/kvm not available"}
	}
	return Support{Native: true}
}
