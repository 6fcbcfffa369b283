package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceRegion backs a registry with a plain byte slice.
type sliceRegion []byte

func (r sliceRegion) Slice(offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 || offset+length > int64(len(r)) {
		return nil, assert.AnError
	}
	return r[offset : offset+length], nil
}

func testAllocation(windowID uint32, offset, slotSize int64) WindowBufferAllocated {
	return WindowBufferAllocated{
		WindowID:  windowID,
		Offset:    offset,
		TotalSize: slotSize * DefaultSlotCount,
		SlotSize:  slotSize,
		SlotCount: DefaultSlotCount,
	}
}

func TestRegistryResolvesFrames(t *testing.T) {
	region := make(sliceRegion, 4096*DefaultSlotCount)
	copy(region[4096:], "frame-one")

	reg := NewReaderRegistry(region)
	require.NoError(t, reg.HandleAllocation(testAllocation(1, 0, 4096)))

	frame, ok := reg.HandleFrameReady(FrameReady{WindowID: 1, SlotIndex: 1, FrameNumber: 1, KeyFrame: true})
	require.True(t, ok)
	assert.Equal(t, uint32(1), frame.WindowID)
	assert.True(t, frame.KeyFrame)
	assert.Equal(t, "frame-one", string(frame.Pixels[:9]))
}

func TestRegistryDiscardsStaleFrames(t *testing.T) {
	reg := NewReaderRegistry(make(sliceRegion, 4096*DefaultSlotCount))
	require.NoError(t, reg.HandleAllocation(testAllocation(1, 0, 4096)))

	_, ok := reg.HandleFrameReady(FrameReady{WindowID: 1, SlotIndex: 0, FrameNumber: 5})
	require.True(t, ok)

	// At or below the last processed number: dropped.
	_, ok = reg.HandleFrameReady(FrameReady{WindowID: 1, SlotIndex: 1, FrameNumber: 5})
	assert.False(t, ok)
	_, ok = reg.HandleFrameReady(FrameReady{WindowID: 1, SlotIndex: 1, FrameNumber: 3})
	assert.False(t, ok)

	// The next number is accepted.
	_, ok = reg.HandleFrameReady(FrameReady{WindowID: 1, SlotIndex: 1, FrameNumber: 6})
	assert.True(t, ok)
}

func TestRegistryRejectsUnknownWindowAndBadSlot(t *testing.T) {
	reg := NewReaderRegistry(make(sliceRegion, 4096*DefaultSlotCount))
	require.NoError(t, reg.HandleAllocation(testAllocation(1, 0, 4096)))

	_, ok := reg.HandleFrameReady(FrameReady{WindowID: 99, SlotIndex: 0, FrameNumber: 1})
	assert.False(t, ok, "unknown window")

	_, ok = reg.HandleFrameReady(FrameReady{WindowID: 1, SlotIndex: DefaultSlotCount, FrameNumber: 1})
	assert.False(t, ok, "slot out of range")
}

func TestRegistryReallocationResetsFrameCounter(t *testing.T) {
	region := make(sliceRegion, 64<<10)
	reg := NewReaderRegistry(region)
	require.NoError(t, reg.HandleAllocation(testAllocation(1, 0, 4096)))

	_, ok := reg.HandleFrameReady(FrameReady{WindowID: 1, SlotIndex: 0, FrameNumber: 100})
	require.True(t, ok)

	// Reallocation replaces the reader; the new buffer's numbering
	// starts over.
	realloc := testAllocation(1, 16384, 8192)
	realloc.Reallocation = true
	require.NoError(t, reg.HandleAllocation(realloc))

	frame, ok := reg.HandleFrameReady(FrameReady{WindowID: 1, SlotIndex: 0, FrameNumber: 1})
	require.True(t, ok)
	assert.Len(t, frame.Pixels, 8192)
}

func TestRegistryRejectsBadGeometry(t *testing.T) {
	reg := NewReaderRegistry(make(sliceRegion, 4096))

	bad := testAllocation(1, 0, 1024)
	bad.TotalSize = 999 // does not match slots × size
	assert.Error(t, reg.HandleAllocation(bad))

	bad = testAllocation(1, 0, 0)
	assert.Error(t, reg.HandleAllocation(bad))

	// Ring extends past the region.
	assert.Error(t, reg.HandleAllocation(testAllocation(1, 0, 4096)))
}

func TestRegistryRemove(t *testing.T) {
	reg := NewReaderRegistry(make(sliceRegion, 4096*DefaultSlotCount))
	require.NoError(t, reg.HandleAllocation(testAllocation(1, 0, 4096)))
	assert.Equal(t, []uint32{1}, reg.Windows())

	reg.Remove(1)
	assert.Empty(t, reg.Windows())

	_, ok := reg.HandleFrameReady(FrameReady{WindowID: 1, SlotIndex: 0, FrameNumber: 1})
	assert.False(t, ok)
}
