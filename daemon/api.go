package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/seamlessvm/seamless/types"
	"github.com/seamlessvm/seamless/vm"
)

// Wire types for the lifecycle API served on the daemon socket.

// StateResponse is the VM state as reported over the API.
type StateResponse struct {
	Status         types.VMStatus `json:"status"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	ActiveSessions int            `json:"active_sessions"`
	// StreamingError is set when the control channel failed permanently
	// while the VM keeps running.
	StreamingError string `json:"streaming_error,omitempty"`
	// StreamingDegraded is set while the guest is missing heartbeats on
	// a channel that is still connected.
	StreamingDegraded bool `json:"streaming_degraded,omitempty"`
}

func stateResponse(state types.VMState, streamErr error, degraded bool) StateResponse {
	resp := StateResponse{
		Status:            state.Status,
		UptimeSeconds:     state.Uptime.Seconds(),
		ActiveSessions:    state.ActiveSessions,
		StreamingDegraded: degraded,
	}
	if streamErr != nil {
		resp.StreamingError = streamErr.Error()
	}
	return resp
}

// Uptime converts the reported seconds back to a duration.
func (r StateResponse) Uptime() time.Duration {
	return time.Duration(r.UptimeSeconds * float64(time.Second))
}

// SessionRequest adjusts the active session count.
type SessionRequest struct {
	Delta int `json:"delta"`
}

// SessionResponse reports the count after the adjustment.
type SessionResponse struct {
	ActiveSessions int `json:"active_sessions"`
}

// LaunchRequest asks the guest agent to start a program.
type LaunchRequest struct {
	Path       string   `json:"path"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
}

// GuestShutdownRequest asks the guest agent for an in-guest shutdown.
type GuestShutdownRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

// ConsoleResponse names the guest's serial PTY on the host.
type ConsoleResponse struct {
	PTYPath string `json:"pty_path"`
}

// SnapshotListResponse lists recorded snapshots.
type SnapshotListResponse struct {
	Snapshots []*vm.SnapshotRecord `json:"snapshots"`
}

// ErrorResponse is the JSON error body. Kind round-trips the typed
// errors the controller produces so the client can rebuild them.
type ErrorResponse struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

const (
	errKindAlreadyStopped  = "already_stopped"
	errKindInvalidSnapshot = "invalid_snapshot"
	errKindStartTimeout    = "start_timeout"
	errKindUnavailable     = "virtualization_unavailable"
)

// classifyError maps a controller error to its HTTP status and wire kind.
func classifyError(err error) (int, ErrorResponse) {
	var startTimeout *types.StartTimeoutError
	var unavailable *types.VirtualizationUnavailableError
	switch {
	case errors.Is(err, types.ErrAlreadyStopped):
		return http.StatusConflict, ErrorResponse{Kind: errKindAlreadyStopped, Message: err.Error()}
	case errors.Is(err, types.ErrInvalidSnapshot):
		return http.StatusConflict, ErrorResponse{Kind: errKindInvalidSnapshot, Message: err.Error()}
	case errors.As(err, &startTimeout):
		return http.StatusGatewayTimeout, ErrorResponse{Kind: errKindStartTimeout, Message: err.Error()}
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Kind: errKindUnavailable, Message: err.Error()}
	}
	return http.StatusInternalServerError, ErrorResponse{Message: err.Error()}
}

// restoreError rebuilds a client-side error from the wire kind, so
// errors.Is checks work on both sides of the socket.
func restoreError(status int, resp ErrorResponse) error {
	switch resp.Kind {
	case errKindAlreadyStopped:
		return fmt.Errorf("%s: %w", resp.Message, types.ErrAlreadyStopped)
	case errKindInvalidSnapshot:
		return fmt.Errorf("%s: %w", resp.Message, types.ErrInvalidSnapshot)
	}
	return fmt.Errorf("daemon returned %d: %s", status, resp.Message)
}
