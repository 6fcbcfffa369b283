package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/seamlessvm/seamless/channel"
	"github.com/seamlessvm/seamless/config"
	"github.com/seamlessvm/seamless/hypervisor"
	"github.com/seamlessvm/seamless/protocol"
	"github.com/seamlessvm/seamless/shmem"
	storejson "github.com/seamlessvm/seamless/storage/json"
	"github.com/seamlessvm/seamless/types"
	"github.com/seamlessvm/seamless/utils"
)

// statusPollInterval paces bounded waits on in-flight transitions.
const statusPollInterval = 50 * time.Millisecond

// StreamProvisioner is implemented by machines that accept the
// streaming device paths before boot.
type StreamProvisioner interface {
	ProvisionStreaming(controlSocket, sharedMemoryPath string)
}

// FrameSink receives published frames resolved from shared memory. The
// window shell implements it; a nil sink drops frames.
type FrameSink interface {
	HandleFrame(ctx context.Context, frame protocol.Frame)
}

// MetricsSink receives lifecycle metric snapshots. Nil routes them to
// the log.
type MetricsSink func(types.VMMetricsSnapshot)

// Controller is the single logical owner of one VM: the native machine
// handle, the shared-memory region, and the control channel. All
// lifecycle operations serialize on its mutex; blocking native calls
// run with a transitional status published so concurrent callers wait
// with a bounded deadline instead of racing the handle. Native
// completions re-enter through the event loop, the mutex's only other
// writer.
type Controller struct {
	conf   *config.Config
	vmConf *types.VMConfiguration

	machine      hypervisor.Machine
	shm          *shmem.Manager
	snapshots    *storejson.Store[SnapshotIndex]
	startTimeout time.Duration

	// Sink and Metrics may be set before the first operation.
	Sink    FrameSink
	Metrics MetricsSink

	mu             sync.Mutex
	status         types.VMStatus
	startedAt      time.Time
	frozenUptime   time.Duration
	activeSessions int
	totalSessions  int
	bootCount      int
	suspendCount   int
	idleTimer      *time.Timer
	validated      bool
	validateErr    error
	idleSnapshot   string
	streamCancel   context.CancelFunc
	streamErr      error
	stream         *streamHandler
	control        *channel.Channel

	eventsDone chan struct{}
}

// NewController wires a controller around a machine. The event loop
// consuming unsolicited native stops starts immediately.
func NewController(conf *config.Config, vmConf *types.VMConfiguration, machine hypervisor.Machine) *Controller {
	c := &Controller{
		conf:         conf,
		vmConf:       vmConf,
		machine:      machine,
		shm:          shmem.NewManager(conf.SharedMemoryDir()),
		snapshots:    storejson.New[SnapshotIndex](conf.SnapshotIndexLock(), conf.SnapshotIndexFile()),
		startTimeout: time.Duration(conf.StartTimeoutSeconds) * time.Second,
		status:       types.VMStatusStopped,
		eventsDone:   make(chan struct{}),
	}
	go c.eventLoop()
	return c
}

// CurrentState returns the externally visible controller state.
func (c *Controller) CurrentState() types.VMState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// StreamingError reports a permanent streaming failure, if any. The VM
// keeps running when streaming degrades; callers surface this
// separately.
func (c *Controller) StreamingError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamErr
}

// StreamingDegraded reports whether the guest has gone quiet on the
// control channel while the VM keeps running.
func (c *Controller) StreamingDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control != nil && c.control.Degraded()
}

// EnsureRunning drives the VM to running from whatever state it is in:
// an immediate return when already running, a bounded wait while a
// transition is in flight, a resume from suspended, and a cold boot
// from stopped. The wait deadline elapsing surfaces StartTimeoutError.
func (c *Controller) EnsureRunning(ctx context.Context) (types.VMState, error) {
	for {
		c.mu.Lock()
		switch c.status {
		case types.VMStatusRunning:
			state := c.stateLocked()
			c.mu.Unlock()
			return state, nil

		case types.VMStatusStarting, types.VMStatusSuspending, types.VMStatusStopping:
			waiting := c.status
			c.mu.Unlock()
			if err := c.waitTerminal(ctx); err != nil {
				if ctx.Err() != nil {
					return types.VMState{}, err
				}
				return types.VMState{}, &types.StartTimeoutError{Waited: c.startTimeout, Status: waiting}
			}

		case types.VMStatusSuspended:
			return c.resumeLocked(ctx)

		default: // stopped
			return c.bootLocked(ctx)
		}
	}
}

// Start cold-boots the VM. Fails when not stopped.
func (c *Controller) Start(ctx context.Context) (types.VMState, error) {
	c.mu.Lock()
	if c.status != types.VMStatusStopped {
		status := c.status
		c.mu.Unlock()
		return types.VMState{}, fmt.Errorf("start: VM is %s", status)
	}
	return c.bootLocked(ctx)
}

// Shutdown stops the VM and releases shared memory. An in-flight boot
// or suspend is waited out first, so a finished transition can never
// overwrite the stop after it returns. Fails with ErrAlreadyStopped on
// a stopped controller, without touching uptime or session counts.
func (c *Controller) Shutdown(ctx context.Context) (types.VMState, error) {
	for {
		c.mu.Lock()
		switch c.status {
		case types.VMStatusStopped:
			c.mu.Unlock()
			return types.VMState{}, types.ErrAlreadyStopped

		case types.VMStatusStarting, types.VMStatusSuspending, types.VMStatusStopping:
			waiting := c.status
			c.mu.Unlock()
			if err := c.waitTerminal(ctx); err != nil {
				return types.VMState{}, fmt.Errorf("shutdown: VM still %s: %w", waiting, err)
			}

		default: // running, suspended
			return c.shutdownLocked(ctx)
		}
	}
}

// shutdownLocked performs the stop from a settled state. Called with
// the mutex held; releases it.
func (c *Controller) shutdownLocked(ctx context.Context) (types.VMState, error) {
	wasLive := c.status == types.VMStatusRunning
	c.cancelIdleTimerLocked()
	c.freezeUptimeLocked()
	c.stopStreamingLocked()
	c.status = types.VMStatusStopping
	c.mu.Unlock()

	if wasLive {
		if err := c.machine.Stop(ctx); err != nil {
			log.WithFunc("vm.Shutdown").Warnf(ctx, "native stop: %v", err)
		}
	}
	if err := c.shm.Cleanup(); err != nil {
		log.WithFunc("vm.Shutdown").Warnf(ctx, "release shared memory: %v", err)
	}

	c.mu.Lock()
	c.status = types.VMStatusStopped
	state := c.stateLocked()
	c.mu.Unlock()
	c.emit(ctx, types.MetricVMShutdown)
	return state, nil
}

// Close releases the controller for process exit: the machine handle is
// closed and the event loop drained. The VM is shut down first when
// still up.
func (c *Controller) Close(ctx context.Context) error {
	if _, err := c.Shutdown(ctx); err != nil && !errors.Is(err, types.ErrAlreadyStopped) {
		return err
	}
	if err := c.machine.Close(); err != nil {
		return err
	}
	<-c.eventsDone
	return nil
}

// ConsolePath returns the running guest's serial PTY path. Fails when
// the VM is not running or the backend has no console.
func (c *Controller) ConsolePath(ctx context.Context) (string, error) {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status != types.VMStatusRunning {
		return "", fmt.Errorf("console: VM is %s", status)
	}
	provider, ok := c.machine.(hypervisor.ConsoleProvider)
	if !ok {
		return "", errors.New("console: backend exposes no serial console")
	}
	return provider.ConsolePath(ctx)
}

// bootLocked cold-boots. Called with the mutex held; releases it.
func (c *Controller) bootLocked(ctx context.Context) (types.VMState, error) {
	if err := c.validateLocked(); err != nil {
		c.mu.Unlock()
		return types.VMState{}, err
	}
	c.status = types.VMStatusStarting
	c.mu.Unlock()

	if err := c.provisionStreaming(ctx); err != nil {
		return types.VMState{}, c.failBoot(ctx, err)
	}
	bootCtx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()
	if err := c.machine.Start(bootCtx); err != nil {
		return types.VMState{}, c.failBoot(ctx, fmt.Errorf("native boot: %w", err))
	}
	return c.enterRunning(ctx, types.MetricVMStarted), nil
}

// resumeLocked resumes from the idle snapshot when one exists, falling
// back to a cold boot of the machine. Called with the mutex held;
// releases it.
func (c *Controller) resumeLocked(ctx context.Context) (types.VMState, error) {
	snapshot := c.idleSnapshot
	c.status = types.VMStatusStarting
	c.mu.Unlock()

	if err := c.provisionStreaming(ctx); err != nil {
		return types.VMState{}, c.failBoot(ctx, err)
	}
	resumeCtx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	var err error
	if snapshot != "" && utils.FileExists(snapshot) {
		err = c.machine.RestoreState(resumeCtx, snapshot)
	} else {
		err = c.machine.Start(resumeCtx)
	}
	if err != nil {
		return types.VMState{}, c.failBoot(ctx, fmt.Errorf("native resume: %w", err))
	}
	return c.enterRunning(ctx, types.MetricVMResumed), nil
}

// enterRunning finalizes a successful boot or resume: uptime restarts
// from zero on every transition into running from a non-running state.
func (c *Controller) enterRunning(ctx context.Context, event string) types.VMState {
	c.mu.Lock()
	if c.status != types.VMStatusStarting {
		// An unsolicited native stop landed while the boot finished;
		// the stop wins.
		state := c.stateLocked()
		c.mu.Unlock()
		return state
	}
	c.status = types.VMStatusRunning
	c.startedAt = time.Now()
	c.frozenUptime = 0
	c.bootCount++
	c.startStreamingLocked()
	state := c.stateLocked()
	c.mu.Unlock()
	c.emit(ctx, event)
	return state
}

// failBoot lands the controller back in stopped after a failed boot or
// resume and translates the native failure.
func (c *Controller) failBoot(ctx context.Context, err error) error {
	_ = c.shm.Cleanup()
	c.mu.Lock()
	c.stopStreamingLocked()
	c.status = types.VMStatusStopped
	c.mu.Unlock()
	log.WithFunc("vm.boot").Errorf(ctx, err, "boot failed")
	return err
}

// validateLocked runs the one-time configuration validation. The result
// is latched: a failed configuration fails every subsequent boot the
// same way and never mutates state.
func (c *Controller) validateLocked() error {
	if !c.validated {
		c.validated = true
		if err := c.vmConf.Validate(); err != nil {
			c.validateErr = &types.VirtualizationUnavailableError{Reason: "configuration rejected", Cause: err}
		}
	}
	return c.validateErr
}

// waitTerminal polls until the status settles, bounded by the
// configured start timeout.
func (c *Controller) waitTerminal(ctx context.Context) error {
	return utils.WaitFor(ctx, c.startTimeout, statusPollInterval, func() (bool, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.status.Terminal(), nil
	})
}

// eventLoop is the single consumer of unsolicited native stops. It is
// the only writer of controller state besides the lifecycle methods,
// and it applies events in delivery order.
func (c *Controller) eventLoop() {
	defer close(c.eventsDone)
	ctx := context.Background()
	for ev := range c.machine.Events() {
		c.handleNativeStop(ctx, ev)
	}
}

// handleNativeStop forces the controller to stopped, releasing
// everything, regardless of what callers are doing. This is the one
// transition not triggered by a controller method.
func (c *Controller) handleNativeStop(ctx context.Context, ev hypervisor.Event) {
	c.mu.Lock()
	if c.status == types.VMStatusStopped {
		c.mu.Unlock()
		return
	}
	c.cancelIdleTimerLocked()
	c.freezeUptimeLocked()
	c.stopStreamingLocked()
	c.status = types.VMStatusStopped
	c.mu.Unlock()
	_ = c.shm.Cleanup()

	if ev.Kind == hypervisor.EventGuestStopped {
		log.WithFunc("vm.eventLoop").Infof(ctx, "guest shut itself down")
		c.emit(ctx, types.MetricVMGuestStopped)
		return
	}
	log.WithFunc("vm.eventLoop").Errorf(ctx, ev.Err, "VM stopped unexpectedly")
	c.emit(ctx, types.MetricVMUnexpectedStop)
}

// provisionStreaming creates the shared region and hands the device
// paths to the machine. Disabled streaming is not an error.
func (c *Controller) provisionStreaming(ctx context.Context) error {
	if !c.vmConf.Streaming.Enabled {
		return nil
	}
	var shmPath string
	if c.vmConf.Streaming.SharedMemoryEnabled {
		region, err := c.shm.CreateRegion(c.vmConf.Streaming.SharedMemorySizeMB)
		if err != nil {
			return err
		}
		shmPath = region.Path()
	}
	if p, ok := c.machine.(StreamProvisioner); ok {
		p.ProvisionStreaming(c.controlSocketPath(), shmPath)
	}
	log.WithFunc("vm.provisionStreaming").Infof(ctx, "streaming provisioned: control=%s shm=%s",
		c.controlSocketPath(), shmPath)
	return nil
}

// stateLocked snapshots the externally visible state.
func (c *Controller) stateLocked() types.VMState {
	uptime := c.frozenUptime
	if c.status == types.VMStatusRunning {
		uptime = time.Since(c.startedAt)
	}
	return types.VMState{
		Status:         c.status,
		Uptime:         uptime,
		ActiveSessions: c.activeSessions,
	}
}

// freezeUptimeLocked latches uptime when leaving running.
func (c *Controller) freezeUptimeLocked() {
	if c.status == types.VMStatusRunning {
		c.frozenUptime = time.Since(c.startedAt)
	}
}

// controlSocketPath is where the guest's channel device surfaces.
func (c *Controller) controlSocketPath() string {
	return c.conf.RunDir + "/control.sock"
}

// emit publishes a metrics snapshot for a state-changing operation.
func (c *Controller) emit(ctx context.Context, event string) {
	c.mu.Lock()
	snap := types.VMMetricsSnapshot{
		Event:          event,
		UptimeSeconds:  c.stateLocked().Uptime.Seconds(),
		ActiveSessions: c.activeSessions,
		TotalSessions:  c.totalSessions,
		BootCount:      c.bootCount,
		SuspendCount:   c.suspendCount,
	}
	sink := c.Metrics
	c.mu.Unlock()

	if sink != nil {
		sink(snap)
		return
	}
	log.WithFunc("vm.metrics").Infof(ctx, "event=%s uptime=%.1fs sessions=%d total=%d boots=%d suspends=%d",
		snap.Event, snap.UptimeSeconds, snap.ActiveSessions, snap.TotalSessions, snap.BootCount, snap.SuspendCount)
}

// startStreamingLocked spins up the control channel for the new run.
func (c *Controller) startStreamingLocked() {
	if !c.vmConf.Streaming.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.streamCancel = cancel
	c.streamErr = nil

	// Environment bindings override the provisioned socket, so a
	// development host can point at a TCP-exposed guest channel.
	bindings, err := channel.BindingsFromEnvironment()
	if err != nil {
		log.WithFunc("vm.startStreaming").Warnf(ctx, "ignoring malformed channel bindings: %v", err)
		bindings = channel.Bindings{}
	}
	if bindings.SocketPath == "" && bindings.Host == "" {
		bindings.SocketPath = c.controlSocketPath()
	}

	var view protocol.RegionView
	if region := c.shm.Active(); region != nil {
		view = region
	}
	handler := newStreamHandler(view, c.Sink)
	ch := channel.New(bindings.Dial, channel.DefaultReconnectPolicy(), handler)
	handler.send = ch.Send
	c.stream = handler
	c.control = ch

	go func() {
		err := ch.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.mu.Lock()
			c.streamErr = err
			c.mu.Unlock()
		}
	}()
}

// stopStreamingLocked tears the control channel down with the run.
func (c *Controller) stopStreamingLocked() {
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	c.stream = nil
	c.control = nil
}
