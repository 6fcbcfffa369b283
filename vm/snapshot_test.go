package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamlessvm/seamless/types"
	"github.com/seamlessvm/seamless/utils"
)

func TestSaveSnapshotRequiresRunning(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.controller.SaveSnapshot(ctx)
	assert.ErrorIs(t, err, types.ErrInvalidSnapshot)
	assert.Equal(t, types.VMStatusStopped, rig.controller.CurrentState().Status)
}

func TestSaveSnapshotRecordsAndKeepsRunning(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)

	record, err := rig.controller.SaveSnapshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.True(t, utils.FileExists(record.Path))
	assert.Equal(t, types.VMStatusRunning, rig.controller.CurrentState().Status,
		"the guest resumes after the capture")

	records, err := rig.controller.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)
}

func TestSaveSnapshotWhileSuspendedFails(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)
	_, err = rig.controller.SuspendIfIdle(ctx)
	require.NoError(t, err)

	_, err = rig.controller.SaveSnapshot(ctx)
	assert.ErrorIs(t, err, types.ErrInvalidSnapshot)
}
