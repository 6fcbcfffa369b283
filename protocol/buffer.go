package protocol

import (
	"fmt"

	"github.com/seamlessvm/seamless/types"
)

// DefaultSlotCount is the ring depth of a window frame buffer.
const DefaultSlotCount = 3

// bytesPerPixel is BGRA32, the only uncompressed pixel layout carried.
const bytesPerPixel = 4

// Tranches are the fixed slot sizes used in compressed mode, smallest
// first. A buffer is reallocated only when a frame outgrows its tranche.
var Tranches = []int64{3 << 20, 8 << 20, 20 << 20, 50 << 20}

// UncompressedSlotSize is the exact slot size for a window in
// uncompressed mode.
func UncompressedSlotSize(width, height int) int64 {
	return int64(width) * int64(height) * bytesPerPixel
}

// TrancheFor returns the smallest tranche holding a compressed frame of
// the given size.
func TrancheFor(frameSize int64) (int64, error) {
	for _, t := range Tranches {
		if frameSize <= t {
			return t, nil
		}
	}
	return 0, fmt.Errorf("compressed frame of %d bytes exceeds the largest tranche (%d)", frameSize, Tranches[len(Tranches)-1])
}

// WindowFrameBuffer is the guest-side writer state for one window's
// ring: where the ring lives in the shared region and which slot is
// written next. The writer owns a slot until it publishes the
// FrameReady notification for it; overwrite protection beyond the ring
// depth is a protocol invariant, not a handshake (sustained consumer
// lag loses frames).
type WindowFrameBuffer struct {
	WindowID  uint32
	Offset    int64
	SlotSize  int64
	SlotCount int
	Mode      types.AllocationMode

	writeSlot   int
	frameNumber uint64
}

// NewWindowFrameBuffer describes a freshly allocated ring.
func NewWindowFrameBuffer(windowID uint32, offset, slotSize int64, mode types.AllocationMode) *WindowFrameBuffer {
	return &WindowFrameBuffer{
		WindowID:  windowID,
		Offset:    offset,
		SlotSize:  slotSize,
		SlotCount: DefaultSlotCount,
		Mode:      mode,
	}
}

// TotalSize is the byte span the ring occupies in the shared region.
func (b *WindowFrameBuffer) TotalSize() int64 {
	return b.SlotSize * int64(b.SlotCount)
}

// SlotOffset returns the region offset of the given slot.
func (b *WindowFrameBuffer) SlotOffset(slot int) int64 {
	return b.Offset + int64(slot)*b.SlotSize
}

// NextSlot returns the slot the writer should fill next.
func (b *WindowFrameBuffer) NextSlot() int { return b.writeSlot }

// Publish advances the ring and returns the FrameReady notification for
// the slot just written. Frame numbers are strictly monotonically
// increasing per window.
func (b *WindowFrameBuffer) Publish(keyFrame bool) FrameReady {
	b.frameNumber++
	fr := FrameReady{
		WindowID:    b.WindowID,
		SlotIndex:   uint32(b.writeSlot),
		FrameNumber: b.frameNumber,
		KeyFrame:    keyFrame,
	}
	b.writeSlot = (b.writeSlot + 1) % b.SlotCount
	return fr
}

// NeedsRealloc reports whether a frame of the given dimensions (or
// compressed size) no longer fits this buffer's slots.
//   - uncompressed: any change of exact size forces reallocation.
//   - compressed: only growth past the current tranche does.
func (b *WindowFrameBuffer) NeedsRealloc(width, height int, compressedSize int64) bool {
	switch b.Mode {
	case types.AllocationModeCompressed:
		return compressedSize > b.SlotSize
	default:
		return UncompressedSlotSize(width, height) != b.SlotSize
	}
}

// SlotSizeFor computes the slot size for a window under the given mode.
func SlotSizeFor(mode types.AllocationMode, width, height int, compressedSize int64) (int64, error) {
	if mode == types.AllocationModeCompressed {
		return TrancheFor(compressedSize)
	}
	size := UncompressedSlotSize(width, height)
	if size <= 0 {
		return 0, fmt.Errorf("invalid window dimensions %dx%d", width, height)
	}
	return size, nil
}

// AllocationMessage builds the WindowBufferAllocated announcement for
// this buffer.
func (b *WindowFrameBuffer) AllocationMessage(realloc bool) WindowBufferAllocated {
	return WindowBufferAllocated{
		WindowID:     b.WindowID,
		Offset:       b.Offset,
		TotalSize:    b.TotalSize(),
		SlotSize:     b.SlotSize,
		SlotCount:    b.SlotCount,
		Compressed:   b.Mode == types.AllocationModeCompressed,
		Reallocation: realloc,
	}
}
