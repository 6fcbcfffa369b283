package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/seamlessvm/seamless/config"
	"github.com/seamlessvm/seamless/gc"
	"github.com/seamlessvm/seamless/lock/flock"
)

// staleRegionAge protects shared-memory backing files of a possibly
// live daemon: only files untouched this long are collectable.
const staleRegionAge = time.Hour

// snapshotGCState pairs the indexed snapshot paths with what is on disk.
type snapshotGCState struct {
	referenced map[string]bool
	onDisk     []string
}

// shmGCState lists the shared-memory backing files and their ages.
type shmGCState struct {
	files map[string]time.Time
}

// RegisterGC adds the controller's storage areas to a GC cycle:
// snapshot files no index entry references, and shared-memory backing
// files left behind by a crashed daemon.
func RegisterGC(o *gc.Orchestrator, conf *config.Config) {
	gc.Register(o, snapshotGCModule(conf))
	gc.Register(o, shmGCModule(conf))
}

func snapshotGCModule(conf *config.Config) gc.Module[snapshotGCState] {
	dir := conf.SnapshotDir()
	return gc.Module[snapshotGCState]{
		Name:   "snapshots",
		Locker: flock.New(conf.SnapshotIndexLock()),
		ReadDB: func(context.Context) (snapshotGCState, error) {
			state := snapshotGCState{referenced: map[string]bool{}}
			// The idle-suspend snapshot is never indexed but is live
			// whenever the VM is suspended.
			state.referenced[filepath.Join(dir, "idle.state")] = true

			raw, err := os.ReadFile(conf.SnapshotIndexFile()) //nolint:gosec // managed path
			if err != nil && !os.IsNotExist(err) {
				return state, fmt.Errorf("read snapshot index: %w", err)
			}
			if err == nil {
				var idx SnapshotIndex
				if err := json.Unmarshal(raw, &idx); err != nil {
					return state, fmt.Errorf("parse snapshot index: %w", err)
				}
				for _, rec := range idx.Snapshots {
					state.referenced[rec.Path] = true
				}
			}

			entries, err := os.ReadDir(dir)
			if err != nil && !os.IsNotExist(err) {
				return state, fmt.Errorf("scan %s: %w", dir, err)
			}
			for _, e := range entries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".state") {
					state.onDisk = append(state.onDisk, filepath.Join(dir, e.Name()))
				}
			}
			return state, nil
		},
		Resolve: func(state snapshotGCState, _ map[string]any) []string {
			var orphans []string
			for _, path := range state.onDisk {
				if !state.referenced[path] {
					orphans = append(orphans, path)
				}
			}
			return orphans
		},
		Collect: removePaths,
	}
}

func shmGCModule(conf *config.Config) gc.Module[shmGCState] {
	dir := conf.SharedMemoryDir()
	return gc.Module[shmGCState]{
		Name:   "shared-memory",
		Locker: flock.New(filepath.Join(conf.RunDir, "shm-gc.lock")),
		ReadDB: func(context.Context) (shmGCState, error) {
			state := shmGCState{files: map[string]time.Time{}}
			entries, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					return state, nil
				}
				return state, fmt.Errorf("scan %s: %w", dir, err)
			}
			for _, e := range entries {
				info, err := e.Info()
				if err != nil {
					continue
				}
				if strings.HasPrefix(e.Name(), "frames-") && strings.HasSuffix(e.Name(), ".mem") {
					state.files[filepath.Join(dir, e.Name())] = info.ModTime()
				}
			}
			return state, nil
		},
		Resolve: func(state shmGCState, _ map[string]any) []string {
			var stale []string
			for path, mtime := range state.files {
				if time.Since(mtime) > staleRegionAge {
					stale = append(stale, path)
				}
			}
			return stale
		},
		Collect: removePaths,
	}
}

func removePaths(_ context.Context, paths []string) error {
	var errs []string
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove: %s", strings.Join(errs, "; "))
	}
	return nil
}
