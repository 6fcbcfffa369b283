package hypervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/seamlessvm/seamless/utils"
)

// compile-time interface check.
var _ Machine = (*SimulatedMachine)(nil)

// SimulatedMachine is the documented fallback when native
// virtualization is unavailable, and the backend the controller tests
// run against. It models boot/suspend latency with configurable delays
// and writes snapshot files so save/restore round-trips work.
type SimulatedMachine struct {
	// BootDelay and StopDelay model native operation latency.
	// Zero values make operations immediate.
	BootDelay time.Duration
	StopDelay time.Duration

	mu      sync.Mutex
	running bool
	paused  bool
	events  chan Event
}

// NewSimulatedMachine creates a simulated machine.
func NewSimulatedMachine() *SimulatedMachine {
	return &SimulatedMachine{events: make(chan Event, eventBufferSize)}
}

func (m *SimulatedMachine) Events() <-chan Event { return m.events }

func (m *SimulatedMachine) Start(ctx context.Context) error {
	if err := m.sleep(ctx, m.BootDelay); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("simulated machine already running")
	}
	m.running = true
	m.paused = false
	return nil
}

func (m *SimulatedMachine) Stop(ctx context.Context) error {
	if err := m.sleep(ctx, m.StopDelay); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *SimulatedMachine) Pause(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("pause: machine not running")
	}
	m.paused = true
	return nil
}

func (m *SimulatedMachine) Resume(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("resume: machine not running")
	}
	m.paused = false
	return nil
}

func (m *SimulatedMachine) SaveState(_ context.Context, path string) error {
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if !paused {
		return fmt.Errorf("save state: machine must be paused")
	}
	return utils.AtomicWriteFile(path, []byte("simulated-state\n"), 0o600)
}

func (m *SimulatedMachine) RestoreState(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	return m.Start(ctx)
}

func (m *SimulatedMachine) Close() error {
	close(m.events)
	return nil
}

// TriggerGuestStop injects an unsolicited native stop, as a guest-
// initiated shutdown (err == nil) or a crash.
func (m *SimulatedMachine) TriggerGuestStop(err error) {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	ev := Event{Kind: EventGuestStopped}
	if err != nil {
		ev = Event{Kind: EventCrashed, Err: err}
	}
	m.events <- ev
}

func (m *SimulatedMachine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
