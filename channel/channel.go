package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/seamlessvm/seamless/protocol"
)

const (
	// handshakeTimeout bounds the wait for the guest's capability
	// message after a connection comes up.
	handshakeTimeout = 10 * time.Second
	// heartbeatInterval is the guest's advertised reporting period;
	// missing three in a row marks the channel degraded.
	heartbeatInterval   = 5 * time.Second
	missedHeartbeatsMax = 3
)

// Handler consumes guest messages. Both methods are called from the
// channel's single read loop, so implementations see messages in wire
// order.
type Handler interface {
	// HandshakeComplete runs once per connection after the capability
	// negotiation succeeds.
	HandshakeComplete(ctx context.Context, caps protocol.CapabilityFlags)
	// HandleMessage receives every post-handshake guest message. A
	// returned error tears the connection down and is classified by
	// the resilience policy.
	HandleMessage(ctx context.Context, msg protocol.Message) error
}

// Dialer opens one control channel connection. Bindings.Dial satisfies it.
type Dialer func(ctx context.Context) (net.Conn, error)

// Channel is the host end of the control channel: it dials the guest's
// channel device, runs the capability handshake, pumps inbound messages
// to the handler, and reconnects with backoff on transient failures.
// Reads happen on the Run goroutine; Send may be called concurrently
// from others — ordering holds within each direction independently.
type Channel struct {
	dial    Dialer
	policy  ReconnectPolicy
	handler Handler

	mu            sync.Mutex
	conn          net.Conn
	caps          protocol.CapabilityFlags
	negotiated    bool
	lastHeartbeat time.Time
}

// New creates a Channel. Run must be called to connect.
func New(dial Dialer, policy ReconnectPolicy, handler Handler) *Channel {
	return &Channel{dial: dial, policy: policy, handler: handler}
}

// Capabilities returns the negotiated guest capabilities.
// ok is false before the first successful handshake.
func (c *Channel) Capabilities() (protocol.CapabilityFlags, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps, c.negotiated
}

// Degraded reports whether the guest has missed enough heartbeats that
// the streaming side should be considered unhealthy.
func (c *Channel) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.lastHeartbeat.IsZero() {
		return false
	}
	return time.Since(c.lastHeartbeat) > missedHeartbeatsMax*heartbeatInterval
}

// Send frames and writes a host→guest message on the current
// connection. Fails when disconnected; the caller decides whether to
// retry after the channel reconnects.
func (c *Channel) Send(msg protocol.Message) error {
	if msg.Type.Direction() != protocol.HostToGuest {
		return &protocol.ProtocolError{
			Kind:   protocol.ErrDirectionMismatch,
			Type:   msg.Type,
			Detail: "host attempted to send a guest→host message",
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("control channel not connected")
	}
	return protocol.WriteMessage(c.conn, msg)
}

// Run connects and serves until ctx is cancelled or a permanent failure
// occurs. Transient failures reconnect per the policy; the consecutive
// failure count resets on every successful connection.
func (c *Channel) Run(ctx context.Context) error {
	logger := log.WithFunc("channel.Run")
	failures := 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err == nil {
			failures = 0
			err = c.serve(ctx, conn)
		}

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case IsPermanent(err):
			logger.Errorf(ctx, err, "control channel failed permanently")
			return AsPermanent(err)
		}

		failures++
		lastErr = err
		if c.policy.Exhausted(failures) {
			exhausted := &ExhaustedError{Attempts: failures, Last: lastErr}
			logger.Errorf(ctx, exhausted, "control channel")
			return AsPermanent(exhausted)
		}

		delay := c.policy.Delay(failures)
		logger.Warnf(ctx, "control channel lost (%v), reconnect %d/%d in %s", err, failures, c.policy.MaxAttempts, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// serve runs the handshake and read loop for one connection.
func (c *Channel) serve(ctx context.Context, conn net.Conn) error {
	defer c.teardown(conn)

	caps, err := c.handshake(conn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.caps = caps
	c.negotiated = true
	c.lastHeartbeat = time.Time{}
	c.mu.Unlock()

	log.WithFunc("channel.serve").Infof(ctx, "guest connected: protocol %s, capabilities %#x",
		caps.Version, caps.Capabilities)
	c.handler.HandshakeComplete(ctx, caps)

	// Unblock the read loop on cancellation by closing the conn.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		msg, err := protocol.ReadMessage(conn, protocol.GuestToHost)
		if err != nil {
			return err
		}
		if msg.Type == protocol.MsgHeartbeat {
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()
		}
		if err := c.handler.HandleMessage(ctx, msg); err != nil {
			return fmt.Errorf("handle %s: %w", msg.Type, err)
		}
	}
}

// handshake expects the guest's CapabilityFlags as the first message
// and applies the version compatibility rule. A mismatch is permanent.
func (c *Channel) handshake(conn net.Conn) (protocol.CapabilityFlags, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	msg, err := protocol.ReadMessage(conn, protocol.GuestToHost)
	if err != nil {
		return protocol.CapabilityFlags{}, fmt.Errorf("handshake: %w", err)
	}
	if msg.Type != protocol.MsgCapabilityFlags {
		return protocol.CapabilityFlags{}, &protocol.ProtocolError{
			Kind:   protocol.ErrUnknownType,
			Type:   msg.Type,
			Detail: "expected CapabilityFlags as the first message",
		}
	}
	var caps protocol.CapabilityFlags
	if err := protocol.DecodeJSON(msg, &caps); err != nil {
		return protocol.CapabilityFlags{}, err
	}
	if err := protocol.Negotiate(protocol.CurrentVersion, caps); err != nil {
		return protocol.CapabilityFlags{}, err
	}
	return caps, nil
}

func (c *Channel) teardown(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}
