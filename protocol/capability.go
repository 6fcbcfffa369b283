package protocol

import "fmt"

// Version is the protocol version advertised in the handshake.
type Version struct {
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// CurrentVersion is the host's protocol version.
var CurrentVersion = Version{Major: 1, Minor: 3}

// Capability is the guest feature bitmask advertised at connect time.
type Capability uint32

const (
	CapWindowTracking Capability = 1 << iota
	CapCapture
	CapClipboardSync
	CapDragDrop
	CapIconExtraction
	CapShortcutDetection
	CapHighDPI
	CapMultiMonitor
)

// Has reports whether all bits of want are set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// CapabilityFlags is the guest's first message after connecting.
type CapabilityFlags struct {
	Version      Version    `json:"version"`
	Capabilities Capability `json:"capabilities"`
}

// Negotiate applies the compatibility rule to a guest handshake: major
// must match the host exactly, and the guest minor must not be newer
// than the host's. A violation is a permanent protocol error — the
// channel must not schedule a reconnect for it.
func Negotiate(host Version, guest CapabilityFlags) error {
	if guest.Version.Major != host.Major {
		return &ProtocolError{
			Kind:   ErrVersionMismatch,
			Type:   MsgCapabilityFlags,
			Detail: fmt.Sprintf("guest major %d, host major %d", guest.Version.Major, host.Major),
		}
	}
	if guest.Version.Minor > host.Minor {
		return &ProtocolError{
			Kind:   ErrVersionMismatch,
			Type:   MsgCapabilityFlags,
			Detail: fmt.Sprintf("guest minor %d newer than host %s", guest.Version.Minor, host),
		}
	}
	return nil
}
