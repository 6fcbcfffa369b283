package protocol

// MessageType is the one-byte type tag of an envelope. The type space is
// partitioned by direction: 0x00–0x7F host→guest, 0x80–0xFF guest→host.
type MessageType byte

// Host → guest.
const (
	MsgLaunchProgram MessageType = 0x01 // run a program inside the guest
	MsgShutdown      MessageType = 0x02 // ask the guest agent to shut down
	MsgHostAck       MessageType = 0x7F // host acknowledgment of a guest message
)

// Guest → host.
const (
	MsgCapabilityFlags       MessageType = 0x80 // handshake: version + capability bitmask
	MsgWindowBufferAllocated MessageType = 0x81 // per-window ring buffer placement
	MsgFrameReady            MessageType = 0x82 // a ring slot holds a new frame
	MsgHeartbeat             MessageType = 0x83 // periodic guest liveness report
	MsgError                 MessageType = 0x84 // guest-side failure report
	MsgGuestAck              MessageType = 0xFF // guest acknowledgment of a host message
)

// Direction is the side of the channel a message originates from.
type Direction int

const (
	HostToGuest Direction = iota
	GuestToHost
)

func (d Direction) String() string {
	if d == HostToGuest {
		return "host→guest"
	}
	return "guest→host"
}

// Direction returns which side is allowed to send this type.
func (t MessageType) Direction() Direction {
	if t < 0x80 {
		return HostToGuest
	}
	return GuestToHost
}

// Known reports whether t is part of the catalog.
func (t MessageType) Known() bool {
	switch t {
	case MsgLaunchProgram, MsgShutdown, MsgHostAck,
		MsgCapabilityFlags, MsgWindowBufferAllocated, MsgFrameReady,
		MsgHeartbeat, MsgError, MsgGuestAck:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case MsgLaunchProgram:
		return "LaunchProgram"
	case MsgShutdown:
		return "Shutdown"
	case MsgHostAck:
		return "HostAck"
	case MsgCapabilityFlags:
		return "CapabilityFlags"
	case MsgWindowBufferAllocated:
		return "WindowBufferAllocated"
	case MsgFrameReady:
		return "FrameReady"
	case MsgHeartbeat:
		return "Heartbeat"
	case MsgError:
		return "Error"
	case MsgGuestAck:
		return "GuestAck"
	}
	return "Unknown"
}

// LaunchProgram asks the guest agent to start an application whose
// windows will then be streamed back.
type LaunchProgram struct {
	MessageID  string   `json:"message_id"`
	Path       string   `json:"path"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
}

// Shutdown asks the guest OS to shut down within the timeout.
type Shutdown struct {
	MessageID      string `json:"message_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Ack echoes the message id of the request it answers. Sent in either
// direction under the direction-appropriate type tag.
type Ack struct {
	MessageID string `json:"message_id"`
}

// WindowBufferAllocated announces where in the shared region a window's
// ring buffer lives. Reallocation replaces a prior buffer for the same
// window id.
type WindowBufferAllocated struct {
	WindowID     uint32 `json:"window_id"`
	Offset       int64  `json:"offset"`
	TotalSize    int64  `json:"total_size"`
	SlotSize     int64  `json:"slot_size"`
	SlotCount    int    `json:"slot_count"`
	Compressed   bool   `json:"compressed"`
	Reallocation bool   `json:"reallocation"`
}

// Heartbeat is the guest's periodic liveness report.
type Heartbeat struct {
	WindowCount      int    `json:"window_count"`
	ResidentSetBytes uint64 `json:"resident_set_bytes"`
}

// ErrorReport is a guest-side failure forwarded to the host.
type ErrorReport struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
