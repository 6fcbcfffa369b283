package vm

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/seamlessvm/seamless/types"
)

// SnapshotRecord describes one saved snapshot in the index.
type SnapshotRecord struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	TakenAt       time.Time `json:"taken_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// SnapshotIndex is the persisted snapshot catalog.
type SnapshotIndex struct {
	Snapshots map[string]*SnapshotRecord `json:"snapshots"`
}

// Init implements storage.Initer.
func (i *SnapshotIndex) Init() {
	if i.Snapshots == nil {
		i.Snapshots = map[string]*SnapshotRecord{}
	}
}

// SaveSnapshot captures the running guest's full state to a new file in
// the snapshot directory and records it in the index. Only a running VM
// can be snapshotted; any other state fails with ErrInvalidSnapshot and
// changes nothing. The guest is paused for the duration of the capture
// and resumed afterwards, so the externally visible status stays
// running throughout.
func (c *Controller) SaveSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	c.mu.Lock()
	if c.status != types.VMStatusRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot snapshot a %s VM: %w", c.status, types.ErrInvalidSnapshot)
	}
	uptime := time.Since(c.startedAt)
	c.mu.Unlock()

	record := &SnapshotRecord{
		ID:            uuid.NewString(),
		TakenAt:       time.Now(),
		UptimeSeconds: uptime.Seconds(),
	}
	record.Path = filepath.Join(c.conf.SnapshotDir(), record.ID+".state")

	if err := c.machine.Pause(ctx); err != nil {
		return nil, fmt.Errorf("pause for snapshot: %w", err)
	}
	saveErr := c.machine.SaveState(ctx, record.Path)
	if err := c.machine.Resume(ctx); err != nil {
		// The guest stays paused; treat it as a suspend-like failure and
		// let the native stop event force the state machine down.
		log.WithFunc("vm.SaveSnapshot").Errorf(ctx, err, "resume after snapshot failed")
		_ = c.machine.Stop(ctx)
		return nil, fmt.Errorf("resume after snapshot: %w", err)
	}
	if saveErr != nil {
		return nil, fmt.Errorf("save snapshot: %w", saveErr)
	}

	if err := c.snapshots.Update(ctx, func(idx *SnapshotIndex) error {
		idx.Snapshots[record.ID] = record
		return nil
	}); err != nil {
		return nil, fmt.Errorf("record snapshot %s: %w", record.ID, err)
	}
	log.WithFunc("vm.SaveSnapshot").Infof(ctx, "snapshot %s saved to %s", record.ID, record.Path)
	return record, nil
}

// ListSnapshots returns the recorded snapshots, unordered.
func (c *Controller) ListSnapshots(ctx context.Context) ([]*SnapshotRecord, error) {
	var records []*SnapshotRecord
	err := c.snapshots.With(ctx, func(idx *SnapshotIndex) error {
		for _, rec := range idx.Snapshots {
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}
