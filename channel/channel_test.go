package channel

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/seamlessvm/seamless/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chanHandler forwards received messages to a channel the test reads.
type chanHandler struct {
	handshakes atomic.Int32
	msgs       chan protocol.Message
}

func newChanHandler() *chanHandler {
	return &chanHandler{msgs: make(chan protocol.Message, 16)}
}

func (h *chanHandler) HandshakeComplete(context.Context, protocol.CapabilityFlags) {
	h.handshakes.Add(1)
}

func (h *chanHandler) HandleMessage(_ context.Context, msg protocol.Message) error {
	h.msgs <- msg
	return nil
}

func guestHello(t *testing.T, conn net.Conn, version protocol.Version) {
	t.Helper()
	msg, err := protocol.EncodeJSON(protocol.MsgCapabilityFlags, protocol.CapabilityFlags{
		Version:      version,
		Capabilities: protocol.CapWindowTracking | protocol.CapCapture,
	})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(conn, msg))
}

func TestChannelHandshakeAndDispatch(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	dialed := atomic.Int32{}
	dial := func(context.Context) (net.Conn, error) {
		if dialed.Add(1) > 1 {
			return nil, AsPermanent(assert.AnError) // single connection per test
		}
		return hostConn, nil
	}

	handler := newChanHandler()
	ch := New(dial, DefaultReconnectPolicy(), handler)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- ch.Run(ctx) }()

	guestHello(t, guestConn, protocol.CurrentVersion)

	hb, err := protocol.EncodeJSON(protocol.MsgHeartbeat, protocol.Heartbeat{WindowCount: 1})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(guestConn, hb))

	select {
	case msg := <-handler.msgs:
		assert.Equal(t, protocol.MsgHeartbeat, msg.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat never dispatched")
	}
	assert.EqualValues(t, 1, handler.handshakes.Load())

	caps, ok := ch.Capabilities()
	require.True(t, ok)
	assert.True(t, caps.Capabilities.Has(protocol.CapWindowTracking))

	cancel()
	_ = guestConn.Close()
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on cancellation")
	}
}

func TestChannelVersionMismatchIsPermanent(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer guestConn.Close() //nolint:errcheck
	dialed := atomic.Int32{}
	dial := func(context.Context) (net.Conn, error) {
		dialed.Add(1)
		return hostConn, nil
	}

	ch := New(dial, DefaultReconnectPolicy(), newChanHandler())
	runDone := make(chan error, 1)
	go func() { runDone <- ch.Run(context.Background()) }()

	incompatible := protocol.Version{Major: protocol.CurrentVersion.Major + 1}
	guestHello(t, guestConn, incompatible)

	select {
	case err := <-runDone:
		assert.True(t, IsPermanent(err), "version mismatch must not reconnect: %v", err)
		var perr *protocol.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, protocol.ErrVersionMismatch, perr.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on version mismatch")
	}
	assert.EqualValues(t, 1, dialed.Load(), "no reconnect after a permanent failure")
}

func TestChannelExhaustionIsPermanent(t *testing.T) {
	dial := func(context.Context) (net.Conn, error) {
		return nil, assert.AnError // transient every time
	}
	policy := ReconnectPolicy{
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  3,
	}

	ch := New(dial, policy, newChanHandler())
	err := ch.Run(context.Background())

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, IsPermanent(err))
}

func TestDegradedTracksHeartbeatAge(t *testing.T) {
	ch := New(nil, DefaultReconnectPolicy(), newChanHandler())
	assert.False(t, ch.Degraded(), "disconnected channel is not degraded")

	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()  //nolint:errcheck
	defer guestConn.Close() //nolint:errcheck

	ch.mu.Lock()
	ch.conn = hostConn
	ch.mu.Unlock()
	assert.False(t, ch.Degraded(), "no heartbeat seen yet")

	ch.mu.Lock()
	ch.lastHeartbeat = time.Now()
	ch.mu.Unlock()
	assert.False(t, ch.Degraded())

	ch.mu.Lock()
	ch.lastHeartbeat = time.Now().Add(-(missedHeartbeatsMax + 1) * heartbeatInterval)
	ch.mu.Unlock()
	assert.True(t, ch.Degraded(), "stale heartbeat marks the channel degraded")
}

func TestSendChecksDirectionAndConnection(t *testing.T) {
	ch := New(nil, DefaultReconnectPolicy(), newChanHandler())

	// Guest→host types cannot be sent from the host.
	err := ch.Send(protocol.Message{Type: protocol.MsgHeartbeat})
	var perr *protocol.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrDirectionMismatch, perr.Kind)

	// Disconnected channel refuses valid messages.
	msg, err := protocol.EncodeJSON(protocol.MsgShutdown, protocol.Shutdown{MessageID: "m1"})
	require.NoError(t, err)
	assert.Error(t, ch.Send(msg))
}
