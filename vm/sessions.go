package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/seamlessvm/seamless/types"
)

// RegisterSession adjusts the active session count by delta. The count
// never goes below zero regardless of how unbalanced the deltas are. A
// positive delta cancels any pending idle-suspend; a delta that lands
// the count on zero arms the idle timer when the configuration enables
// it. Returns the new count.
func (c *Controller) RegisterSession(ctx context.Context, delta int) int {
	c.mu.Lock()
	prev := c.activeSessions
	next := prev + delta
	if next < 0 {
		log.WithFunc("vm.RegisterSession").Warnf(ctx, "session count would go negative (%d%+d), clamping", prev, delta)
		next = 0
	}
	c.activeSessions = next
	if delta > 0 {
		c.totalSessions += delta
		c.cancelIdleTimerLocked()
	}
	if next == 0 && prev > 0 {
		c.armIdleTimerLocked(ctx)
	}
	c.mu.Unlock()

	switch {
	case delta > 0:
		c.emit(ctx, types.MetricSessionOpened)
	case delta < 0:
		c.emit(ctx, types.MetricSessionClosed)
	}
	return next
}

// SuspendIfIdle suspends the running VM when no sessions remain. Any
// other condition is a no-op, which makes a stale idle-timer fire
// harmless: a session opened after the timer was armed simply wins.
func (c *Controller) SuspendIfIdle(ctx context.Context) (types.VMState, error) {
	c.mu.Lock()
	if c.status != types.VMStatusRunning || c.activeSessions != 0 {
		state := c.stateLocked()
		c.mu.Unlock()
		return state, nil
	}
	c.cancelIdleTimerLocked()
	c.freezeUptimeLocked()
	c.stopStreamingLocked()
	c.status = types.VMStatusSuspending
	c.mu.Unlock()

	snapshot := c.conf.SnapshotDir() + "/idle.state"
	if err := c.suspendNative(ctx, snapshot); err != nil {
		// A failed suspend leaves no safe state to return to: the guest
		// may be half-paused. Force it down.
		log.WithFunc("vm.SuspendIfIdle").Errorf(ctx, err, "suspend failed, forcing stop")
		_ = c.machine.Stop(ctx)
		_ = c.shm.Cleanup()
		c.mu.Lock()
		c.status = types.VMStatusStopped
		state := c.stateLocked()
		c.mu.Unlock()
		c.emit(ctx, types.MetricVMUnexpectedStop)
		return state, err
	}

	c.mu.Lock()
	if c.status != types.VMStatusSuspending {
		// A forced stop landed while guest state was being captured;
		// the stop wins over the suspend.
		state := c.stateLocked()
		c.mu.Unlock()
		return state, nil
	}
	c.status = types.VMStatusSuspended
	c.suspendCount++
	c.idleSnapshot = snapshot
	state := c.stateLocked()
	c.mu.Unlock()
	c.emit(ctx, types.MetricVMSuspended)
	return state, nil
}

// suspendNative captures guest state and releases the native resources:
// pause, serialize to the idle snapshot, stop.
func (c *Controller) suspendNative(ctx context.Context, snapshot string) error {
	if err := c.machine.Pause(ctx); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	if err := c.machine.SaveState(ctx, snapshot); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := c.machine.Stop(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if err := c.shm.Cleanup(); err != nil {
		log.WithFunc("vm.suspendNative").Warnf(ctx, "release shared memory: %v", err)
	}
	return nil
}

// armIdleTimerLocked schedules the idle suspend. A non-positive
// configured timeout disables it.
func (c *Controller) armIdleTimerLocked(ctx context.Context) {
	idle := c.vmConf.SuspendOnIdleAfterSeconds
	if idle <= 0 {
		return
	}
	c.cancelIdleTimerLocked()
	d := time.Duration(idle) * time.Second
	log.WithFunc("vm.RegisterSession").Infof(ctx, "no sessions left, suspending in %s", d)
	c.idleTimer = time.AfterFunc(d, func() {
		_, _ = c.SuspendIfIdle(context.Background())
	})
}

func (c *Controller) cancelIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}
