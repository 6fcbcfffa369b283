package vm

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/seamlessvm/seamless/config"
	"github.com/seamlessvm/seamless/hypervisor"
	"github.com/seamlessvm/seamless/types"
	"github.com/seamlessvm/seamless/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// metricsRecorder captures emitted snapshots for assertions.
type metricsRecorder struct {
	mu    sync.Mutex
	snaps []types.VMMetricsSnapshot
}

func (r *metricsRecorder) sink(snap types.VMMetricsSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *metricsRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]string, len(r.snaps))
	for i, s := range r.snaps {
		events[i] = s.Event
	}
	return events
}

func (r *metricsRecorder) count(event string) int {
	n := 0
	for _, e := range r.events() {
		if e == event {
			n++
		}
	}
	return n
}

type testRig struct {
	controller *Controller
	machine    *hypervisor.SimulatedMachine
	metrics    *metricsRecorder
	conf       *config.Config
	vmConf     *types.VMConfiguration
}

func newTestRig(t *testing.T, mutate func(*types.VMConfiguration)) *testRig {
	t.Helper()

	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.RunDir = t.TempDir()
	conf.StartTimeoutSeconds = 5
	require.NoError(t, utils.EnsureDirs(conf.Dirs()))

	diskPath := conf.DefaultDiskImage()
	require.NoError(t, os.WriteFile(diskPath, []byte("disk"), 0o600))

	vmConf := types.DefaultVMConfiguration(diskPath)
	vmConf.Streaming.Enabled = false
	vmConf.SuspendOnIdleAfterSeconds = 0
	if mutate != nil {
		mutate(vmConf)
	}

	machine := hypervisor.NewSimulatedMachine()
	metrics := &metricsRecorder{}
	controller := NewController(conf, vmConf, machine)
	controller.Metrics = metrics.sink

	t.Cleanup(func() {
		require.NoError(t, controller.Close(context.Background()))
	})
	return &testRig{
		controller: controller,
		machine:    machine,
		metrics:    metrics,
		conf:       conf,
		vmConf:     vmConf,
	}
}

func TestEnsureRunningBootsFromStopped(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	state, err := rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, state.Status)
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMStarted))

	// Already running: no second boot.
	state, err = rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, state.Status)
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMStarted))
}

func TestEnsureRunningConcurrentWaiters(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.machine.BootDelay = 200 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]types.VMStatus, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state, err := rig.controller.EnsureRunning(ctx)
			require.NoError(t, err)
			results[i] = state.Status
		}(i)
	}
	wg.Wait()

	for _, status := range results {
		assert.Equal(t, types.VMStatusRunning, status)
	}
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMStarted), "exactly one boot")
}

func TestStartFailsWhenNotStopped(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.controller.Start(ctx)
	require.NoError(t, err)

	_, err = rig.controller.Start(ctx)
	assert.Error(t, err)
}

func TestShutdownAlreadyStopped(t *testing.T) {
	rig := newTestRig(t, nil)

	_, err := rig.controller.Shutdown(context.Background())
	assert.ErrorIs(t, err, types.ErrAlreadyStopped)
	assert.Empty(t, rig.metrics.events(), "a failed shutdown mutates nothing")
}

func TestShutdownReleasesAndEmits(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)

	state, err := rig.controller.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusStopped, state.Status)
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMShutdown))

	// Stopped again: AlreadyStopped.
	_, err = rig.controller.Shutdown(ctx)
	assert.ErrorIs(t, err, types.ErrAlreadyStopped)
}

func TestSuspendResumeCycle(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)

	state, err := rig.controller.SuspendIfIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusSuspended, state.Status)
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMSuspended))
	assert.True(t, utils.FileExists(rig.conf.SnapshotDir()+"/idle.state"))

	// EnsureRunning resumes instead of cold-booting.
	state, err = rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, state.Status)
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMResumed))
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMStarted), "no second cold boot")
	assert.Less(t, state.Uptime, time.Second, "uptime restarts on resume")
}

func TestSuspendIfIdleNoops(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	// Stopped: no-op.
	state, err := rig.controller.SuspendIfIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusStopped, state.Status)

	// Running with active sessions: no-op.
	_, err = rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)
	rig.controller.RegisterSession(ctx, 1)

	state, err = rig.controller.SuspendIfIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, state.Status)
	assert.Zero(t, rig.metrics.count(types.MetricVMSuspended))
}

func TestUnexpectedStopForcesStopped(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)

	rig.machine.TriggerGuestStop(errors.New("hypervisor died"))
	require.Eventually(t, func() bool {
		return rig.controller.CurrentState().Status == types.VMStatusStopped
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMUnexpectedStop))
}

func TestGuestInitiatedStop(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)

	rig.machine.TriggerGuestStop(nil)
	require.Eventually(t, func() bool {
		return rig.controller.CurrentState().Status == types.VMStatusStopped
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMGuestStopped))
	assert.Zero(t, rig.metrics.count(types.MetricVMUnexpectedStop))
}

func TestValidationFailureIsLatchedAndMutatesNothing(t *testing.T) {
	rig := newTestRig(t, func(conf *types.VMConfiguration) {
		conf.CPUCount = 0
	})
	ctx := context.Background()

	_, err := rig.controller.EnsureRunning(ctx)
	var unavailable *types.VirtualizationUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, types.VMStatusStopped, rig.controller.CurrentState().Status)

	// Same failure on every retry, still no state change.
	_, err = rig.controller.EnsureRunning(ctx)
	require.ErrorAs(t, err, &unavailable)
	assert.Empty(t, rig.metrics.events())
}

func TestShutdownWaitsForInFlightSuspend(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.machine.StopDelay = 300 * time.Millisecond
	ctx := context.Background()

	_, err := rig.controller.EnsureRunning(ctx)
	require.NoError(t, err)

	suspendDone := make(chan error, 1)
	go func() {
		_, err := rig.controller.SuspendIfIdle(ctx)
		suspendDone <- err
	}()
	require.Eventually(t, func() bool {
		return rig.controller.CurrentState().Status == types.VMStatusSuspending
	}, 5*time.Second, 5*time.Millisecond)

	state, err := rig.controller.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusStopped, state.Status)
	require.NoError(t, <-suspendDone)

	// The suspend that was in flight must not revive the controller
	// after shutdown returned.
	assert.Equal(t, types.VMStatusStopped, rig.controller.CurrentState().Status)
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMSuspended))
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMShutdown))
}

func TestShutdownWaitsForInFlightBoot(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.machine.BootDelay = 300 * time.Millisecond
	ctx := context.Background()

	bootDone := make(chan error, 1)
	go func() {
		_, err := rig.controller.EnsureRunning(ctx)
		bootDone <- err
	}()
	require.Eventually(t, func() bool {
		return rig.controller.CurrentState().Status == types.VMStatusStarting
	}, 5*time.Second, 5*time.Millisecond)

	state, err := rig.controller.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusStopped, state.Status)
	require.NoError(t, <-bootDone)

	assert.Equal(t, types.VMStatusStopped, rig.controller.CurrentState().Status)
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMStarted))
	assert.Equal(t, 1, rig.metrics.count(types.MetricVMShutdown))
}

func TestEnsureRunningReportsCancellation(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.machine.BootDelay = 500 * time.Millisecond

	bootDone := make(chan struct{})
	go func() {
		defer close(bootDone)
		_, _ = rig.controller.EnsureRunning(context.Background())
	}()
	require.Eventually(t, func() bool {
		return rig.controller.CurrentState().Status == types.VMStatusStarting
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rig.controller.EnsureRunning(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	var timeout *types.StartTimeoutError
	assert.False(t, errors.As(err, &timeout), "cancellation is not a timeout")

	<-bootDone
}

func TestBootTimeoutLandsStopped(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.machine.BootDelay = 10 * time.Second
	rig.controller.startTimeout = 100 * time.Millisecond

	_, err := rig.controller.EnsureRunning(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.VMStatusStopped, rig.controller.CurrentState().Status)
}
