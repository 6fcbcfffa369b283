package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxPayloadSize caps a single message payload. A declared length above
// this is a protocol error, not a large message.
const MaxPayloadSize = 16 << 20

// headerSize is the fixed envelope prefix: [type:1][length:4 BE].
const headerSize = 5

// ProtocolErrorKind classifies envelope violations. All protocol errors
// are permanent: the connection is closed, never retried.
type ProtocolErrorKind string

const (
	ErrUnknownType       ProtocolErrorKind = "unknown_type"
	ErrOversizedPayload  ProtocolErrorKind = "oversized_payload"
	ErrDirectionMismatch ProtocolErrorKind = "direction_mismatch"
	ErrVersionMismatch   ProtocolErrorKind = "version_mismatch"
)

// ProtocolError is a violation of the wire contract by the peer.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Type   MessageType
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s) on %s: %s", e.Kind, e.Type, e.Detail)
}

// Message is a decoded envelope: a type tag and its raw payload.
type Message struct {
	Type    MessageType
	Payload []byte
}

// WriteMessage frames and writes m. The payload is written as-is; it
// must already be encoded.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxPayloadSize {
		return &ProtocolError{
			Kind:   ErrOversizedPayload,
			Type:   m.Type,
			Detail: fmt.Sprintf("%d bytes exceeds %d", len(m.Payload), MaxPayloadSize),
		}
	}
	hdr := make([]byte, headerSize, headerSize+len(m.Payload))
	hdr[0] = byte(m.Type)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(m.Payload)))
	if _, err := w.Write(append(hdr, m.Payload...)); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

// ReadMessage reads one envelope from r. from is the side the peer
// speaks for: a message whose type belongs to the other direction is a
// protocol error. Unknown types and oversized declared lengths are
// rejected before any payload is read.
func ReadMessage(r io.Reader, from Direction) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	typ := MessageType(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:])

	if !typ.Known() {
		return Message{}, &ProtocolError{
			Kind:   ErrUnknownType,
			Type:   typ,
			Detail: fmt.Sprintf("type 0x%02x not in catalog", byte(typ)),
		}
	}
	if typ.Direction() != from {
		return Message{}, &ProtocolError{
			Kind:   ErrDirectionMismatch,
			Type:   typ,
			Detail: fmt.Sprintf("%s message received from the %s side", typ.Direction(), from),
		}
	}
	if length > MaxPayloadSize {
		return Message{}, &ProtocolError{
			Kind:   ErrOversizedPayload,
			Type:   typ,
			Detail: fmt.Sprintf("declared %d bytes exceeds %d", length, MaxPayloadSize),
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("read %s payload: %w", typ, err)
	}
	return Message{Type: typ, Payload: payload}, nil
}

// EncodeJSON builds a message whose payload is the JSON encoding of v.
// Used for everything except the FrameReady hot path.
func EncodeJSON(typ MessageType, v any) (Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Message{Type: typ, Payload: payload}, nil
}

// DecodeJSON unmarshals a JSON payload into v.
func DecodeJSON(m Message, v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// FrameReady is the per-frame notification. It names the slot, never
// carries pixels — the host reads those straight from the mapped slot.
type FrameReady struct {
	WindowID    uint32
	SlotIndex   uint32
	FrameNumber uint64
	KeyFrame    bool
}

// frameReadySize is the fixed binary payload:
// [windowID:4][slotIndex:4][frameNumber:8][keyFrame:1], big-endian.
const frameReadySize = 17

// EncodeFrameReady builds the fixed-size binary FrameReady message.
// This path runs once per streamed frame, so it avoids JSON.
func EncodeFrameReady(fr FrameReady) Message {
	payload := make([]byte, frameReadySize)
	binary.BigEndian.PutUint32(payload[0:], fr.WindowID)
	binary.BigEndian.PutUint32(payload[4:], fr.SlotIndex)
	binary.BigEndian.PutUint64(payload[8:], fr.FrameNumber)
	if fr.KeyFrame {
		payload[16] = 1
	}
	return Message{Type: MsgFrameReady, Payload: payload}
}

// DecodeFrameReady parses a FrameReady payload.
func DecodeFrameReady(m Message) (FrameReady, error) {
	if m.Type != MsgFrameReady || len(m.Payload) != frameReadySize {
		return FrameReady{}, fmt.Errorf("malformed FrameReady: type %s, %d bytes", m.Type, len(m.Payload))
	}
	return FrameReady{
		WindowID:    binary.BigEndian.Uint32(m.Payload[0:]),
		SlotIndex:   binary.BigEndian.Uint32(m.Payload[4:]),
		FrameNumber: binary.BigEndian.Uint64(m.Payload[8:]),
		KeyFrame:    m.Payload[16] == 1,
	}, nil
}
