package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/seamlessvm/seamless/protocol"
)

// ackTimeout bounds waiting for the guest agent to acknowledge a
// host request.
const ackTimeout = 10 * time.Second

// streamHandler is the controller's channel.Handler: it turns guest
// messages into frame deliveries, correlates acknowledgments, and logs
// guest health reports. All message handling runs on the channel's read
// loop; only the ack map is shared with request senders.
type streamHandler struct {
	readers *protocol.ReaderRegistry
	sink    FrameSink
	send    func(protocol.Message) error

	mu      sync.Mutex
	pending map[string]chan struct{}
}

func newStreamHandler(region protocol.RegionView, sink FrameSink) *streamHandler {
	h := &streamHandler{
		sink:    sink,
		pending: make(map[string]chan struct{}),
	}
	if region != nil {
		h.readers = protocol.NewReaderRegistry(region)
	}
	return h
}

func (h *streamHandler) HandshakeComplete(ctx context.Context, caps protocol.CapabilityFlags) {
	log.WithFunc("vm.streamHandler").Infof(ctx, "guest agent ready: protocol %s", caps.Version)
}

func (h *streamHandler) HandleMessage(ctx context.Context, msg protocol.Message) error {
	logger := log.WithFunc("vm.streamHandler")
	switch msg.Type {
	case protocol.MsgWindowBufferAllocated:
		var alloc protocol.WindowBufferAllocated
		if err := protocol.DecodeJSON(msg, &alloc); err != nil {
			return err
		}
		if h.readers == nil {
			logger.Warnf(ctx, "window %d allocated but shared memory is disabled, ignoring", alloc.WindowID)
			return nil
		}
		if err := h.readers.HandleAllocation(alloc); err != nil {
			return err
		}
		logger.Infof(ctx, "window %d: %d×%d bytes at offset %d (compressed=%v realloc=%v)",
			alloc.WindowID, alloc.SlotCount, alloc.SlotSize, alloc.Offset, alloc.Compressed, alloc.Reallocation)

	case protocol.MsgFrameReady:
		fr, err := protocol.DecodeFrameReady(msg)
		if err != nil {
			return err
		}
		if h.readers == nil {
			return nil
		}
		if frame, ok := h.readers.HandleFrameReady(fr); ok && h.sink != nil {
			h.sink.HandleFrame(ctx, frame)
		}

	case protocol.MsgHeartbeat:
		var hb protocol.Heartbeat
		if err := protocol.DecodeJSON(msg, &hb); err != nil {
			return err
		}
		logger.Debugf(ctx, "guest heartbeat: %d windows, rss %d", hb.WindowCount, hb.ResidentSetBytes)

	case protocol.MsgError:
		var report protocol.ErrorReport
		if err := protocol.DecodeJSON(msg, &report); err != nil {
			return err
		}
		logger.Errorf(ctx, nil, "guest reported error %d: %s", report.Code, report.Message)

	case protocol.MsgGuestAck:
		var ack protocol.Ack
		if err := protocol.DecodeJSON(msg, &ack); err != nil {
			return err
		}
		h.resolve(ack.MessageID)

	default:
		// CapabilityFlags after the handshake, or anything the catalog
		// grows that this host does not handle.
		return &protocol.ProtocolError{
			Kind:   protocol.ErrUnknownType,
			Type:   msg.Type,
			Detail: "unexpected message after handshake",
		}
	}
	return nil
}

// request sends a host→guest message and waits for the matching guest
// acknowledgment.
func (h *streamHandler) request(ctx context.Context, messageID string, msg protocol.Message) error {
	done := make(chan struct{})
	h.mu.Lock()
	h.pending[messageID] = done
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, messageID)
		h.mu.Unlock()
	}()

	if err := h.send(msg); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(ackTimeout):
		return fmt.Errorf("guest did not acknowledge %s within %s", msg.Type, ackTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *streamHandler) resolve(messageID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if done, ok := h.pending[messageID]; ok {
		close(done)
		delete(h.pending, messageID)
	}
}

// LaunchProgram asks the guest agent to start a program whose windows
// will be streamed back. Requires a connected control channel.
func (c *Controller) LaunchProgram(ctx context.Context, path string, args []string, workingDir string) error {
	h, err := c.activeStream()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	msg, err := protocol.EncodeJSON(protocol.MsgLaunchProgram, protocol.LaunchProgram{
		MessageID:  id,
		Path:       path,
		Args:       args,
		WorkingDir: workingDir,
	})
	if err != nil {
		return err
	}
	return h.request(ctx, id, msg)
}

// RequestGuestShutdown asks the guest agent for an in-guest orderly
// shutdown, as opposed to the ACPI path the lifecycle Shutdown uses.
func (c *Controller) RequestGuestShutdown(ctx context.Context, timeoutSeconds int) error {
	h, err := c.activeStream()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	msg, err := protocol.EncodeJSON(protocol.MsgShutdown, protocol.Shutdown{
		MessageID:      id,
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		return err
	}
	return h.request(ctx, id, msg)
}

func (c *Controller) activeStream() (*streamHandler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil || c.stream.send == nil {
		return nil, errors.New("control channel is not up")
	}
	return c.stream, nil
}
