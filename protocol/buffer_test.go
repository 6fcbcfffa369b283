package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamlessvm/seamless/types"
)

func TestUncompressedSlotSize(t *testing.T) {
	// 1920×1080 BGRA32
	assert.Equal(t, int64(1920*1080*4), UncompressedSlotSize(1920, 1080))
}

func TestTrancheFor(t *testing.T) {
	tests := []struct {
		size int64
		want int64
	}{
		{1, 3 << 20},
		{3 << 20, 3 << 20},
		{3<<20 + 1, 8 << 20},
		{15 << 20, 20 << 20},
		{50 << 20, 50 << 20},
	}
	for _, tt := range tests {
		got, err := TrancheFor(tt.size)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "size %d", tt.size)
	}

	_, err := TrancheFor(50<<20 + 1)
	assert.Error(t, err)
}

func TestPublishMonotonicAndCycling(t *testing.T) {
	buf := NewWindowFrameBuffer(1, 0, 4096, types.AllocationModeUncompressed)
	require.Equal(t, DefaultSlotCount, buf.SlotCount)

	var lastFrame uint64
	for i := 0; i < 7; i++ {
		wantSlot := uint32(i % DefaultSlotCount)
		fr := buf.Publish(i == 0)
		assert.Equal(t, wantSlot, fr.SlotIndex)
		assert.Greater(t, fr.FrameNumber, lastFrame)
		lastFrame = fr.FrameNumber
	}
}

func TestNeedsRealloc(t *testing.T) {
	uncompressed := NewWindowFrameBuffer(1, 0, UncompressedSlotSize(800, 600), types.AllocationModeUncompressed)
	assert.False(t, uncompressed.NeedsRealloc(800, 600, 0))
	assert.True(t, uncompressed.NeedsRealloc(800, 601, 0), "grow")
	assert.True(t, uncompressed.NeedsRealloc(640, 480, 0), "shrink also reallocates")

	compressed := NewWindowFrameBuffer(2, 0, 8<<20, types.AllocationModeCompressed)
	assert.False(t, compressed.NeedsRealloc(0, 0, 1<<20), "smaller frame keeps the tranche")
	assert.False(t, compressed.NeedsRealloc(0, 0, 8<<20))
	assert.True(t, compressed.NeedsRealloc(0, 0, 8<<20+1))
}

func TestAllocationMessage(t *testing.T) {
	buf := NewWindowFrameBuffer(9, 12288, 4096, types.AllocationModeCompressed)
	msg := buf.AllocationMessage(true)

	assert.Equal(t, uint32(9), msg.WindowID)
	assert.Equal(t, int64(12288), msg.Offset)
	assert.Equal(t, int64(4096*DefaultSlotCount), msg.TotalSize)
	assert.True(t, msg.Compressed)
	assert.True(t, msg.Reallocation)
}
