// Package mmap manages stacked memory mappings of a single growing file,
// the way mustela's original DB class does: a file never shrinks while
// open, so growing it means pushing a new, larger mapping on top of a
// stack rather than remapping in place. Older mappings stay valid (and
// mapped) for as long as something still references pages inside them.
//
// Grounded on original_source/include/mustela/db.cpp (Mapping,
// grow_c_mappings, grow_wr_mappings) for the algorithm, and
// Giulio2002-gdbx/mmap/mmap_linux.go and mmap_unix.go for the Go
// mmap/munmap/msync syscall wiring via golang.org/x/sys/unix.
package mmap

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Region is one mapped extent of the file, from byte 0 to End.
type Region struct {
	Data []byte
	End  int64

	mu       sync.Mutex
	refCount int
}

func (r *Region) ref() {
	r.mu.Lock()
	r.refCount++
	r.mu.Unlock()
}

// Unref releases one reference to the region. When the last reference
// drops and the region is not the stack's newest, it is unmapped.
func (r *Region) unref(m *Manager) {
	r.mu.Lock()
	r.refCount--
	n := r.refCount
	r.mu.Unlock()
	if n == 0 {
		m.reap(r)
	}
}

// Manager owns the stacks of read-only and read-write mappings backing one
// open file descriptor.
type Manager struct {
	fd               int
	pageSize         int
	physicalPageSize int

	mu   sync.Mutex
	ro   []*Region // read-only stack, oldest first, newest last
	rw   []*Region // read-write stack, same ordering
}

func New(fd int, pageSize, physicalPageSize int) *Manager {
	return &Manager{fd: fd, pageSize: pageSize, physicalPageSize: physicalPageSize}
}

// roundGrowth rounds want up to a multiple of the larger of the page size
// and the physical page size (both powers of two, so this is also their
// lcm), so mapping boundaries always land on a page boundary. No further
// growth granularity is applied.
func (m *Manager) roundGrowth(want int64) int64 {
	gran := int64(m.pageSize)
	if int64(m.physicalPageSize) > gran {
		gran = int64(m.physicalPageSize)
	}
	return ((want + gran - 1) / gran) * gran
}

// Current returns the newest read-only region, or nil if none yet.
func (m *Manager) Current() *Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ro) == 0 {
		return nil
	}
	return m.ro[len(m.ro)-1]
}

// CurrentWritable returns the newest read-write region, or nil if none
// yet.
func (m *Manager) CurrentWritable() *Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rw) == 0 {
		return nil
	}
	return m.rw[len(m.rw)-1]
}

// GrowReadOnly maps the file read-only up to at least minSize bytes,
// replacing Current(). Growth factor matches DB::grow_c_mappings (96/64,
// i.e. 1.5x) to amortize remapping cost across many small extensions.
//
// The stack itself holds one reference on whichever region is newest; that
// reference moves to the new region here, dropping the superseded region's
// share immediately. A superseded region only stays mapped past this call
// if some other caller (Ref, typically a transaction still reading through
// it) is also holding a reference — otherwise it is reaped on the spot.
func (m *Manager) GrowReadOnly(minSize int64) (*Region, error) {
	m.mu.Lock()
	var prev *Region
	if len(m.ro) > 0 {
		prev = m.ro[len(m.ro)-1]
	}
	base := int64(0)
	if prev != nil {
		base = prev.End
	}
	size := minSize
	if grown := base * 96 / 64; grown > size {
		size = grown
	}
	size = m.roundGrowth(size)

	data, err := unix.Mmap(m.fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("mmap read-only region of %d bytes: %w", size, err)
	}
	r := &Region{Data: data, End: size, refCount: 1}
	m.ro = append(m.ro, r)
	m.mu.Unlock()

	if prev != nil {
		prev.unref(m)
	}
	return r, nil
}

// GrowReadWrite extends the file to at least minSize bytes via ftruncate
// and maps it read-write, replacing CurrentWritable(). Growth factor
// matches DB::grow_wr_mappings (77/64, i.e. ~1.2x) — write mappings grow
// more conservatively since they back in-progress mutations, not just
// read traffic. Reference-transfer semantics on supersession match
// GrowReadOnly.
func (m *Manager) GrowReadWrite(minSize int64) (*Region, error) {
	m.mu.Lock()
	var prev *Region
	if len(m.rw) > 0 {
		prev = m.rw[len(m.rw)-1]
	}
	base := int64(0)
	if prev != nil {
		base = prev.End
	}
	size := minSize
	if grown := base * 77 / 64; grown > size {
		size = grown
	}
	size = m.roundGrowth(size)

	if err := unix.Ftruncate(m.fd, size); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("ftruncate to %d bytes: %w", size, err)
	}
	data, err := unix.Mmap(m.fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("mmap read-write region of %d bytes: %w", size, err)
	}
	r := &Region{Data: data, End: size, refCount: 1}
	m.rw = append(m.rw, r)
	m.mu.Unlock()

	if prev != nil {
		prev.unref(m)
	}
	return r, nil
}

// reap unmaps r if it is no longer the newest mapping in either stack
// (the newest mapping is kept even at zero references, since it will be
// reused by the next Current()/CurrentWritable() caller).
func (m *Manager) reap(r *Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cand := range m.ro {
		if cand == r && i != len(m.ro)-1 {
			_ = unix.Munmap(r.Data)
			m.ro = append(m.ro[:i], m.ro[i+1:]...)
			return
		}
	}
	for i, cand := range m.rw {
		if cand == r && i != len(m.rw)-1 {
			_ = unix.Munmap(r.Data)
			m.rw = append(m.rw[:i], m.rw[i+1:]...)
			return
		}
	}
}

// Ref increments r's reference count; pair with Unref.
func Ref(r *Region) { r.ref() }

// Unref decrements r's reference count, reaping the mapping if it has
// dropped out of use and is not the newest in its stack.
func (m *Manager) Unref(r *Region) { r.unref(m) }

// Msync flushes dirty pages of r covering [0, length) to the backing
// file. async selects MS_ASYNC over MS_SYNC, matching the meta_sync
// option's two msync call sites in DB::commit_transaction.
func Msync(r *Region, length int64, async bool) error {
	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}
	if length > r.End {
		length = r.End
	}
	return unix.Msync(r.Data[:length], flags)
}

// Close unmaps every region in both stacks. Callers must ensure no
// reference is outstanding.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, r := range m.ro {
		if err := unix.Munmap(r.Data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range m.rw {
		if err := unix.Munmap(r.Data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.ro = nil
	m.rw = nil
	return firstErr
}
