package mustela

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// readerSlotSize is the encoded size of one reader-table slot: the
// snapshot tid the reader is pinning (0 when the slot is free) and the
// owning process id, used to detect and reclaim slots left behind by a
// process that died without calling Close.
const readerSlotSize = 16

const maxReaderSlots = 126

// lockFile is the side ".lock" file: it carries an advisory exclusive
// lock used for brief critical sections (claiming a reader slot,
// discovering the newest meta page) and, memory-mapped, the reader-slot
// table itself.
//
// Grounded on original_source/include/mustela/db.cpp (FileLock and the
// ReaderTable usage inside start_transaction/finish_transaction) for the
// locking discipline, and Giulio2002-gdbx/lock.go (readerSlot,
// acquireReaderSlot, oldestReader) for the Go reader-slot-table shape.
type lockFile struct {
	f    *os.File
	data []byte
}

func openLockFile(path string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapError(KindLock, "open lock file", err)
	}
	size := int64(maxReaderSlots * readerSlotSize)
	if fi, err := f.Stat(); err == nil && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, wrapError(KindLock, "grow lock file", err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, wrapError(KindLock, "mmap lock file", err)
	}
	return &lockFile{f: f, data: data}, nil
}

func (l *lockFile) close() error {
	_ = unix.Munmap(l.data)
	return l.f.Close()
}

// lockExclusive takes the brief, whole-file advisory lock protecting the
// reader table and meta-page discovery. It blocks until available.
func (l *lockFile) lockExclusive() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX); err != nil {
		return wrapError(KindLock, "lock side file", err)
	}
	return nil
}

func (l *lockFile) unlockExclusive() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

func (l *lockFile) slot(i int) (t tid, pid uint32) {
	off := i * readerSlotSize
	return tid(binary.LittleEndian.Uint64(l.data[off : off+8])), binary.LittleEndian.Uint32(l.data[off+8:off+12])
}

func (l *lockFile) setSlot(i int, t tid, pid uint32) {
	off := i * readerSlotSize
	binary.LittleEndian.PutUint64(l.data[off:off+8], uint64(t))
	binary.LittleEndian.PutUint32(l.data[off+8:off+12], pid)
}

// processAlive reports whether pid still exists, used to reclaim slots
// abandoned by a process that exited without releasing them.
func processAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}

// acquireReaderSlot claims a free (or abandoned) slot for a reader
// pinning snapshot t, returning the slot index so the caller can release
// it later. Takes the exclusive lock briefly.
func (l *lockFile) acquireReaderSlot(t tid) (int, error) {
	if err := l.lockExclusive(); err != nil {
		return -1, err
	}
	defer l.unlockExclusive()

	mypid := uint32(os.Getpid())
	for i := 0; i < maxReaderSlots; i++ {
		slotTid, slotPid := l.slot(i)
		if slotTid == invalidReaderTid || !processAlive(slotPid) {
			l.setSlot(i, t, mypid)
			return i, nil
		}
	}
	return -1, newError(KindLock, "reader slot table full")
}

func (l *lockFile) releaseReaderSlot(i int) {
	if i < 0 {
		return
	}
	l.setSlot(i, invalidReaderTid, 0)
}

// oldestReaderTid scans the table for the minimum pinned tid among live
// readers. Returns ok=false when no reader holds a slot.
func (l *lockFile) oldestReaderTid() (t tid, ok bool) {
	for i := 0; i < maxReaderSlots; i++ {
		slotTid, slotPid := l.slot(i)
		if slotTid == invalidReaderTid || !processAlive(slotPid) {
			continue
		}
		if !ok || slotTid < t {
			t = slotTid
			ok = true
		}
	}
	return t, ok
}
