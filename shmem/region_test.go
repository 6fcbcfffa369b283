package shmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamlessvm/seamless/utils"
)

func TestCreateRegionExactSize(t *testing.T) {
	m := NewManager(t.TempDir() + "/shm")

	region, err := m.CreateRegion(16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Cleanup() })

	assert.Equal(t, 16<<20, region.Size(), "regions are exactly sizeMB × 1024 × 1024")
	assert.True(t, utils.FileExists(region.Path()))
}

func TestCreateRegionRetiresPrevious(t *testing.T) {
	m := NewManager(t.TempDir() + "/shm")

	first, err := m.CreateRegion(1)
	require.NoError(t, err)
	firstPath := first.Path()

	second, err := m.CreateRegion(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Cleanup() })

	assert.NotEqual(t, firstPath, second.Path())
	assert.False(t, utils.FileExists(firstPath), "old backing file removed")
	assert.Same(t, second, m.Active())
}

func TestRegionSliceBounds(t *testing.T) {
	m := NewManager(t.TempDir() + "/shm")
	region, err := m.CreateRegion(1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Cleanup() })

	window, err := region.Slice(1024, 4096)
	require.NoError(t, err)
	assert.Len(t, window, 4096)

	// Writes through the slice land in the mapping.
	copy(window, "shared")
	assert.Equal(t, "shared", string(region.Bytes()[1024:1030]))

	_, err = region.Slice(-1, 10)
	assert.Error(t, err)
	_, err = region.Slice(0, 0)
	assert.Error(t, err)
	_, err = region.Slice(1<<20-10, 11)
	assert.Error(t, err)
}

func TestCleanupIdempotent(t *testing.T) {
	m := NewManager(t.TempDir() + "/shm")
	region, err := m.CreateRegion(1)
	require.NoError(t, err)
	path := region.Path()

	require.NoError(t, m.Cleanup())
	assert.False(t, utils.FileExists(path))
	assert.Nil(t, m.Active())

	require.NoError(t, m.Cleanup(), "second cleanup is a no-op")
}
