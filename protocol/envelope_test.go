package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	msg, err := EncodeJSON(MsgHeartbeat, Heartbeat{WindowCount: 2, ResidentSetBytes: 1 << 20})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(&buf, GuestToHost)
	require.NoError(t, err)
	assert.Equal(t, MsgHeartbeat, got.Type)

	var hb Heartbeat
	require.NoError(t, DecodeJSON(got, &hb))
	assert.Equal(t, 2, hb.WindowCount)
	assert.Equal(t, uint64(1<<20), hb.ResidentSetBytes)
}

func TestReadMessageRejectsUnknownType(t *testing.T) {
	raw := []byte{0x42, 0, 0, 0, 0}
	_, err := ReadMessage(bytes.NewReader(raw), HostToGuest)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrUnknownType, perr.Kind)
}

func TestReadMessageRejectsWrongDirection(t *testing.T) {
	// A host→guest Shutdown arriving from the guest side.
	var buf bytes.Buffer
	msg, err := EncodeJSON(MsgShutdown, Shutdown{MessageID: "m1"})
	require.NoError(t, err)
	require.NoError(t, WriteMessage(&buf, msg))

	_, err = ReadMessage(&buf, GuestToHost)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrDirectionMismatch, perr.Kind)
}

func TestReadMessageRejectsOversizedDeclaredLength(t *testing.T) {
	// The declared length is checked before any payload is read, so no
	// payload bytes are needed here.
	hdr := make([]byte, 5)
	hdr[0] = byte(MsgFrameReady)
	binary.BigEndian.PutUint32(hdr[1:], MaxPayloadSize+1)

	_, err := ReadMessage(bytes.NewReader(hdr), GuestToHost)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrOversizedPayload, perr.Kind)
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	msg := Message{Type: MsgFrameReady, Payload: make([]byte, MaxPayloadSize+1)}
	err := WriteMessage(&bytes.Buffer{}, msg)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrOversizedPayload, perr.Kind)
}

func TestFrameReadyBinaryRoundTrip(t *testing.T) {
	fr := FrameReady{WindowID: 7, SlotIndex: 2, FrameNumber: 900, KeyFrame: true}
	msg := EncodeFrameReady(fr)
	assert.Len(t, msg.Payload, 17)

	got, err := DecodeFrameReady(msg)
	require.NoError(t, err)
	assert.Equal(t, fr, got)
}

func TestDecodeFrameReadyRejectsShortPayload(t *testing.T) {
	_, err := DecodeFrameReady(Message{Type: MsgFrameReady, Payload: make([]byte, 3)})
	assert.Error(t, err)
}
