package gc

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
)

// Orchestrator runs one GC cycle across all registered modules.
type Orchestrator struct {
	modules []runner
}

// New creates an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds a typed Module to the Orchestrator. Package-level
// because Go methods cannot have type parameters.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Run executes one GC cycle: lock every module, snapshot them, resolve
// deletion targets with the full cross-module view, collect, unlock.
// All locks are held for the entire cycle so the three phases see a
// consistent view; GC runs rarely and finishes fast.
//
// Fail-closed: a module whose lock is busy aborts the whole cycle.
// Collecting without a complete snapshot risks deleting data another
// module still references.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.WithFunc("gc.Run")

	var locked []runner
	var skipped []string
	for _, m := range o.modules {
		ok, err := m.getLocker().TryLock(ctx)
		if err != nil {
			logger.Warnf(ctx, "skip %s: TryLock error: %v", m.getName(), err)
			skipped = append(skipped, m.getName())
			continue
		}
		if !ok {
			logger.Warnf(ctx, "skip %s: lock held by another operation", m.getName())
			skipped = append(skipped, m.getName())
			continue
		}
		locked = append(locked, m)
	}
	defer func() {
		for _, m := range locked {
			m.getLocker().Unlock(ctx) //nolint:errcheck,gosec
		}
	}()

	if len(skipped) > 0 {
		return fmt.Errorf("gc aborted: modules busy: %s", strings.Join(skipped, ", "))
	}

	snapshots := make(map[string]any, len(locked))
	for _, m := range locked {
		snap, err := m.readSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("gc aborted: snapshot %s: %w", m.getName(), err)
		}
		snapshots[m.getName()] = snap
	}

	targets := make(map[string][]string)
	for _, m := range locked {
		if paths := m.resolveTargets(snapshots[m.getName()], snapshots); len(paths) > 0 {
			targets[m.getName()] = paths
		}
	}

	var errs []string
	for _, m := range locked {
		paths := targets[m.getName()]
		if len(paths) == 0 {
			continue
		}
		logger.Infof(ctx, "%s: collecting %d orphaned files", m.getName(), len(paths))
		if err := m.collect(ctx, paths); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", m.getName(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("gc errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
