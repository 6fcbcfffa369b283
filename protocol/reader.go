package protocol

import (
	"fmt"
	"sync"
)

// RegionView maps byte windows of the shared region. Implemented by
// shmem.Region; narrowed here so the host reader can be tested against
// a plain byte slice.
type RegionView interface {
	Slice(offset, length int64) ([]byte, error)
}

// FrameReader is the host-side consumer of one window's ring buffer.
// It holds the mapped span and the last frame number it accepted.
type FrameReader struct {
	windowID  uint32
	buf       []byte
	slotSize  int64
	slotCount int
	lastFrame uint64
}

// Frame is a published frame as seen by the host: a window into the
// mapped slot plus its metadata. Pixels points at shared memory and is
// valid until the writer cycles back to the slot.
type Frame struct {
	WindowID    uint32
	FrameNumber uint64
	KeyFrame    bool
	Pixels      []byte
}

// ReaderRegistry tracks the per-window frame readers for one
// connection. It applies the ordering guarantee: a notification whose
// frame number is not beyond the last processed one for that window is
// discarded, which defends against reordering across transport hiccups.
type ReaderRegistry struct {
	mu      sync.Mutex
	region  RegionView
	readers map[uint32]*FrameReader
}

// NewReaderRegistry creates a registry over the given region view.
func NewReaderRegistry(region RegionView) *ReaderRegistry {
	return &ReaderRegistry{
		region:  region,
		readers: make(map[uint32]*FrameReader),
	}
}

// HandleAllocation maps a window's ring into the host view and installs
// its reader. A reallocation for a known window id atomically replaces
// the prior reader; its frame counter restarts with the new buffer.
func (r *ReaderRegistry) HandleAllocation(msg WindowBufferAllocated) error {
	if msg.SlotCount <= 0 || msg.SlotSize <= 0 {
		return fmt.Errorf("window %d: invalid ring geometry %d×%d", msg.WindowID, msg.SlotCount, msg.SlotSize)
	}
	if msg.TotalSize != msg.SlotSize*int64(msg.SlotCount) {
		return fmt.Errorf("window %d: total %d does not match %d slots of %d",
			msg.WindowID, msg.TotalSize, msg.SlotCount, msg.SlotSize)
	}
	buf, err := r.region.Slice(msg.Offset, msg.TotalSize)
	if err != nil {
		return fmt.Errorf("window %d: %w", msg.WindowID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[msg.WindowID] = &FrameReader{
		windowID:  msg.WindowID,
		buf:       buf,
		slotSize:  msg.SlotSize,
		slotCount: msg.SlotCount,
	}
	return nil
}

// HandleFrameReady resolves a notification to the mapped slot. It
// returns ok=false for an unknown window, an out-of-range slot, or a
// frame number at or below the last accepted one (stale or reordered —
// silently dropped per the ordering guarantee).
func (r *ReaderRegistry) HandleFrameReady(fr FrameReady) (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reader, ok := r.readers[fr.WindowID]
	if !ok {
		return Frame{}, false
	}
	if int(fr.SlotIndex) >= reader.slotCount {
		return Frame{}, false
	}
	if fr.FrameNumber <= reader.lastFrame {
		return Frame{}, false
	}
	reader.lastFrame = fr.FrameNumber

	start := int64(fr.SlotIndex) * reader.slotSize
	return Frame{
		WindowID:    fr.WindowID,
		FrameNumber: fr.FrameNumber,
		KeyFrame:    fr.KeyFrame,
		Pixels:      reader.buf[start : start+reader.slotSize],
	}, true
}

// Remove drops the reader for a closed window. Unknown ids are ignored.
func (r *ReaderRegistry) Remove(windowID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.readers, windowID)
}

// Windows returns the ids with active readers.
func (r *ReaderRegistry) Windows() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint32, 0, len(r.readers))
	for id := range r.readers {
		ids = append(ids, id)
	}
	return ids
}
