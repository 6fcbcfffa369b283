package gc

import (
	"context"

	"github.com/seamlessvm/seamless/lock"
)

// Module describes one storage area that participates in garbage
// collection. S is the module's snapshot type; other modules see it as
// any during cross-module resolution.
type Module[S any] struct {
	Name string

	// Locker coordinates with live operations on the same data. A busy
	// lock skips the whole cycle rather than collecting from a partial
	// view.
	Locker lock.Locker

	// ReadDB captures the module's current on-disk state. Called with
	// the lock held; must not re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve returns the paths to delete, given this module's snapshot
	// and every other module's (keyed by name, typed as any).
	Resolve func(snap S, others map[string]any) []string

	// Collect removes the given paths. Called with the lock held.
	Collect func(ctx context.Context, paths []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	typed, ok := snap.(S)
	if !ok {
		return nil
	}
	return m.Resolve(typed, others)
}

func (m Module[S]) collect(ctx context.Context, paths []string) error {
	return m.Collect(ctx, paths)
}
