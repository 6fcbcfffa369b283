package channel

import (
	"errors"
	"fmt"

	"github.com/seamlessvm/seamless/protocol"
)

// Permanent failure sentinels. These are never retried; they surface to
// the channel's owner immediately.
var (
	ErrAuthenticationFailed    = errors.New("control channel authentication failed")
	ErrSharedMemoryUnavailable = errors.New("shared memory unavailable to the guest")
)

// PermanentError marks a failure the reconnect loop must not retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// AsPermanent wraps err as permanent unless it already is.
func AsPermanent(err error) error {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return err
	}
	return &PermanentError{Err: err}
}

// IsPermanent classifies a failure. Protocol violations (including the
// version handshake), authentication failures, and shared-memory
// unavailability are permanent; everything else — generic I/O
// disconnects — is transient and goes through the reconnect policy.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var proto *protocol.ProtocolError
	if errors.As(err, &proto) {
		return true
	}
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrSharedMemoryUnavailable)
}

// ExhaustedError reports a transient failure streak that used up the
// reconnect budget. It is permanent by construction.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d reconnect attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
