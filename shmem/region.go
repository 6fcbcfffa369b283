package shmem

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// RegionOp identifies which step of region setup or teardown failed.
type RegionOp string

const (
	OpCreateDir RegionOp = "create_dir"
	OpCreate    RegionOp = "create_file"
	OpTruncate  RegionOp = "truncate"
	OpMap       RegionOp = "mmap"
	OpUnmap     RegionOp = "munmap"
	OpRemove    RegionOp = "remove"
)

// RegionError wraps the OS error from a failed region operation. It is
// fatal to the operation that requested the region but never corrupts a
// previously active one.
type RegionError struct {
	Op   RegionOp
	Path string
	Err  error
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("shared memory %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RegionError) Unwrap() error { return e.Err }

// Region is a file-backed, memory-mapped span of bytes shared with the
// guest. It owns the backing file and its mapping.
type Region struct {
	path string
	data []byte
}

// Path returns the backing file path, handed to the guest device.
func (r *Region) Path() string { return r.path }

// Size returns the mapped length in bytes.
func (r *Region) Size() int { return len(r.data) }

// Bytes exposes the mapped span. Slices taken from it stay valid until
// the region is retired.
func (r *Region) Bytes() []byte { return r.data }

// Slice returns the [offset, offset+length) window of the region.
func (r *Region) Slice(offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 || offset+length > int64(len(r.data)) {
		return nil, fmt.Errorf("slice [%d, %d) outside region of %d bytes", offset, offset+length, len(r.data))
	}
	return r.data[offset : offset+length], nil
}

// retire unmaps the region and removes its backing file.
func (r *Region) retire() error {
	var firstErr error
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			firstErr = &RegionError{Op: OpUnmap, Path: r.path, Err: err}
		}
		r.data = nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = &RegionError{Op: OpRemove, Path: r.path, Err: err}
	}
	return firstErr
}

// Manager owns the single active shared-memory region for one
// controller. Creating a new region retires the previous one. Safe for
// concurrent use: the lifecycle paths and the native-event consumer may
// both reach Cleanup.
type Manager struct {
	mu     sync.Mutex
	dir    string
	active *Region
}

// NewManager creates a Manager that places backing files under dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Active returns the current region, or nil when none exists.
func (m *Manager) Active() *Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// CreateRegion allocates a sizeMB backing file, maps it read/write, and
// makes it the active region. Any previously active region is retired
// first so exactly one region exists at a time.
func (m *Manager) CreateRegion(sizeMB int) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return nil, &RegionError{Op: OpCreateDir, Path: m.dir, Err: err}
	}

	path := filepath.Join(m.dir, fmt.Sprintf("frames-%s.mem", uuid.NewString()))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // managed dir
	if err != nil {
		return nil, &RegionError{Op: OpCreate, Path: path, Err: err}
	}
	defer f.Close() //nolint:errcheck

	size := int64(sizeMB) << 20
	if err := f.Truncate(size); err != nil {
		_ = os.Remove(path)
		return nil, &RegionError{Op: OpTruncate, Path: path, Err: err}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path)
		return nil, &RegionError{Op: OpMap, Path: path, Err: err}
	}

	// Retire the previous region only after the new one is fully up, so
	// a failure above leaves the old mapping intact.
	if m.active != nil {
		_ = m.active.retire()
	}
	m.active = &Region{path: path, data: data}
	return m.active, nil
}

// Cleanup retires the active region. Idempotent.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	err := m.active.retire()
	m.active = nil
	return err
}
