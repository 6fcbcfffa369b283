package types

import (
	"errors"
	"fmt"
	"time"
)

// ConfigErrorKind identifies which validation rule a configuration broke.
type ConfigErrorKind string

const (
	ConfigErrDiskImageMissing      ConfigErrorKind = "disk_image_missing"
	ConfigErrCPUOutOfRange         ConfigErrorKind = "cpu_out_of_range"
	ConfigErrMemoryOutOfRange      ConfigErrorKind = "memory_out_of_range"
	ConfigErrInterfaceUnresolvable ConfigErrorKind = "bridged_interface_unresolvable"
	ConfigErrInvalidMAC            ConfigErrorKind = "invalid_mac_address"
)

// ConfigError is a configuration validation failure. It is raised
// synchronously during the one-time validation pass and never partially
// applies.
type ConfigError struct {
	Kind   ConfigErrorKind
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s (%s): %s", e.Field, e.Kind, e.Detail)
}

// IsConfigError reports whether err is a ConfigError of the given kind.
func IsConfigError(err error, kind ConfigErrorKind) bool {
	var ce *ConfigError
	return errors.As(err, &ce) && ce.Kind == kind
}

// Lifecycle errors: violated state-machine preconditions and native
// failures. The controller always lands in a well-defined state when
// one of these surfaces.
var (
	// ErrAlreadyStopped is returned by shutdown on a stopped controller.
	ErrAlreadyStopped = errors.New("VM already stopped")
	// ErrInvalidSnapshot is returned when a snapshot is requested
	// outside the running state.
	ErrInvalidSnapshot = errors.New("snapshot requires a running VM")
)

// StartTimeoutError is returned when a caller's bounded wait for a
// terminal state elapses while a transition is still in flight.
type StartTimeoutError struct {
	Waited time.Duration
	Status VMStatus
}

func (e *StartTimeoutError) Error() string {
	return fmt.Sprintf("VM still %s after %s", e.Status, e.Waited)
}

// VirtualizationUnavailableError is returned when the host cannot run
// the VM at all: failed configuration validation or missing native
// virtualization support.
type VirtualizationUnavailableError struct {
	Reason string
	Cause  error
}

func (e *VirtualizationUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("virtualization unavailable: %s: %v", e.Reason, e.Cause)
	}
	return "virtualization unavailable: " + e.Reason
}

func (e *VirtualizationUnavailableError) Unwrap() error { return e.Cause }
