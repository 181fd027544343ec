package mustela

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flyingmutant/mustela/internal/mmap"
	"golang.org/x/sys/unix"
)

// Logger is the minimal logging surface Options accepts. The default is
// silent. No code path in this package emits messages through it; events
// such as reader-slot reclamation or a fallback past a corrupted meta
// slot are not reported.
type Logger interface {
	Printf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...interface{}) {}

// Options configures Open. Grounded on original_source/include/mustela/
// db.hpp's DBOptions, renamed to the Go convention used throughout the
// example pack (alpoloz-leafdb's OpenWithOptions).
type Options struct {
	ReadOnly bool

	// MetaSync additionally fsyncs the database file on commit, right
	// after the new meta page is written, beyond the data msync every
	// commit already does.
	MetaSync bool

	// NewDBPageSize is the page size used when creating a new database.
	// Zero selects goodPageSize. Ignored when opening an existing file,
	// whose page size is read from its meta pages.
	NewDBPageSize int

	// MinimalMappingSize is the smallest size the first mmap region is
	// grown to, letting a caller avoid repeated remapping for a database
	// expected to grow large immediately.
	MinimalMappingSize int64

	Logger Logger
}

func (o Options) logger() Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return noopLogger{}
}

// DB is an open mustela database file: the memory-mapped file itself, its
// mapping manager, the side lock file, and the single-writer mutex.
//
// Grounded 1:1 on original_source/include/mustela/db.cpp (DB::DB,
// create_db, commit_transaction, finish_transaction) for lifecycle and
// commit mechanics; Giulio2002-gdbx's env.go for the Go field shape
// (atomic meta pointer, mapping stacks, wait group style dropped in favor
// of a simpler single-process writer mutex).
type DB struct {
	path     string
	opts     Options
	f        *os.File
	lock     *lockFile
	mappings *mmap.Manager

	pageSize         int
	physicalPageSize int

	wrMu sync.Mutex // serializes write transactions in this process

	mu        sync.Mutex // protects meta/pageCount below
	meta      MetaPage
	metaIndex int
	pageCount uint64

	closed bool
}

const defaultMinimalMappingSize = 1 << 20 // 1 MiB

// Open opens or creates a mustela database at path.
func Open(path string, opts Options) (*DB, error) {
	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, wrapError(KindOpen, "open database file", err)
	}

	lock, err := openLockFile(path + lockFileSuffix)
	if err != nil {
		f.Close()
		return nil, err
	}

	db := &DB{
		path:             path,
		opts:             opts,
		f:                f,
		lock:             lock,
		physicalPageSize: os.Getpagesize(),
	}

	if err := db.open(); err != nil {
		lock.close()
		f.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) open() error {
	if err := db.lock.lockExclusive(); err != nil {
		return err
	}
	defer db.lock.unlockExclusive()

	fi, err := db.f.Stat()
	if err != nil {
		return wrapError(KindIO, "stat database file", err)
	}

	if fi.Size() == 0 {
		if db.opts.ReadOnly {
			return newError(KindOpen, "cannot create database in read-only mode")
		}
		pageSize := db.opts.NewDBPageSize
		if pageSize == 0 {
			pageSize = goodPageSize
		}
		if pageSize < minPageSize || pageSize > maxPageSize {
			return newError(KindUsage, fmt.Sprintf("page size %d out of range [%d, %d]", pageSize, minPageSize, maxPageSize))
		}
		if err := db.createDB(pageSize); err != nil {
			return err
		}
	} else {
		pageSize, err := discoverPageSize(db.f, fi.Size())
		if err != nil {
			return err
		}
		db.pageSize = pageSize
	}

	minMapping := db.opts.MinimalMappingSize
	if minMapping == 0 {
		minMapping = defaultMinimalMappingSize
	}
	db.mappings = mmap.New(int(db.f.Fd()), db.pageSize, db.physicalPageSize)
	if !db.opts.ReadOnly {
		if _, err := db.mappings.GrowReadWrite(minMapping); err != nil {
			return wrapError(KindIO, "map database file for writing", err)
		}
	}
	if _, err := db.mappings.GrowReadOnly(minMapping); err != nil {
		return wrapError(KindIO, "map database file", err)
	}

	return db.loadNewestMeta()
}

// createDB lays down the three meta slots and one empty meta-bucket leaf
// page, matching DB::create_db.
func (db *DB) createDB(pageSize int) error {
	db.pageSize = pageSize
	rootPage := minPageNo
	totalPages := uint64(minPageNo) + 1

	buf := make([]byte, int(totalPages)*pageSize)
	for i := 0; i < metaPagesCount; i++ {
		m := MetaPage{
			Magic:     metaMagic,
			Version:   ourVersion,
			PageSize:  uint32(pageSize),
			PidSize:   nodePidSize,
			PageCount: totalPages,
			Pid:       uint64(i),
		}
		if i == 0 {
			m.Tid = minTid
			m.MetaBucket = BucketDesc{RootPage: rootPage, Height: 0, LeafPageCount: 1}
		} else {
			m.Tid = invalidReaderTid
			m.MetaBucket = BucketDesc{RootPage: invalidPgno}
		}
		marshalMeta(buf[i*pageSize:(i+1)*pageSize], &m)
	}
	rootBuf := buf[int(rootPage)*pageSize : (int(rootPage)+1)*pageSize]
	rootPg := &page{buf: rootBuf}
	rootPg.initDirty(rootPage, minTid, pageFlagLeaf)

	if _, err := db.f.WriteAt(buf, 0); err != nil {
		return wrapError(KindIO, "write initial database image", err)
	}
	if err := db.f.Sync(); err != nil {
		return wrapError(KindIO, "sync initial database image", err)
	}
	return nil
}

// discoverPageSize sweeps candidate page sizes, looking for one at which
// at least one of the metaPagesCount leading slots validates. Grounded on
// DB::DB's page-size discovery sweep in db.cpp.
func discoverPageSize(f *os.File, fileSize int64) (int, error) {
	for pageSize := minPageSize; pageSize <= maxPageSize; pageSize *= 2 {
		if int64(metaPagesCount)*int64(pageSize) > fileSize {
			break
		}
		buf := make([]byte, metaPagesCount*pageSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			return 0, wrapError(KindIO, "read candidate meta pages", err)
		}
		var slots [metaPagesCount][]byte
		ok := false
		for i := 0; i < metaPagesCount; i++ {
			slots[i] = buf[i*pageSize : (i+1)*pageSize]
			if validMeta(i, slots[i], pageSize, fileSize) {
				ok = true
			}
		}
		if ok {
			return pageSize, nil
		}
	}
	return 0, newError(KindFormat, "no page size produced a valid meta page")
}

// loadNewestMeta re-reads and validates the meta triple under the side
// file's exclusive lock, keeping the newest valid snapshot as db.meta.
// Called at open and at the start of every transaction (so a reader sees
// whatever the newest committer — in this process or another — has
// published). A commit in this process updates db.meta itself, through
// writeMeta.
func (db *DB) loadNewestMeta() error {
	if err := db.lock.lockExclusive(); err != nil {
		return err
	}
	defer db.lock.unlockExclusive()

	fi, err := db.f.Stat()
	if err != nil {
		return wrapError(KindIO, "stat database file", err)
	}
	var slots [metaPagesCount][]byte
	buf := make([]byte, metaPagesCount*db.pageSize)
	if _, err := db.f.ReadAt(buf, 0); err != nil {
		return wrapError(KindIO, "read meta pages", err)
	}
	for i := 0; i < metaPagesCount; i++ {
		slots[i] = buf[i*db.pageSize : (i+1)*db.pageSize]
	}
	res := scanMetaPages(slots, db.pageSize, fi.Size(), true)
	if !res.found {
		for i := 0; i < metaPagesCount; i++ {
			if validMeta(i, slots[i], db.pageSize, fi.Size()) && unmarshalMeta(slots[i]).PidSize != nodePidSize {
				return newError(KindFormat, "incompatible pid size")
			}
		}
		return newError(KindCorruption, "no valid meta page found")
	}
	db.mu.Lock()
	db.meta = res.newest
	db.metaIndex = res.overwriteIndex
	db.pageCount = res.newest.PageCount
	db.mu.Unlock()
	return nil
}

// ensureMapped grows both mapping stacks, if needed, to cover at least
// pageCount pages.
func (db *DB) ensureMapped(pageCount uint64) error {
	need := int64(pageCount) * int64(db.pageSize)
	// Grow the write mapping (which ftruncates the file) before the read
	// mapping: a read-only mmap extended past the file's actual size
	// would fault on access to the new range until the file catches up.
	if !db.opts.ReadOnly {
		if cur := db.mappings.CurrentWritable(); cur == nil || cur.End < need {
			if _, err := db.mappings.GrowReadWrite(need); err != nil {
				return wrapError(KindIO, "grow write mapping", err)
			}
		}
	}
	if cur := db.mappings.Current(); cur == nil || cur.End < need {
		if _, err := db.mappings.GrowReadOnly(need); err != nil {
			return wrapError(KindIO, "grow read mapping", err)
		}
	}
	return nil
}

// pageAt returns a read-only view of page p from the current read
// mapping.
func (db *DB) pageAt(p pgno) *page {
	r := db.mappings.Current()
	off := int(p) * db.pageSize
	return &page{buf: r.Data[off : off+db.pageSize]}
}

// writablePageAt returns a writable view of page p from the current write
// mapping. Callers must only do this for pages already owned by the
// in-progress write transaction (freshly allocated or copy-on-write
// duplicated) — writing to any other page corrupts pages a concurrent
// reader may still be traversing.
func (db *DB) writablePageAt(p pgno) *page {
	r := db.mappings.CurrentWritable()
	off := int(p) * db.pageSize
	return &page{buf: r.Data[off : off+db.pageSize]}
}

// writeMeta writes a new meta snapshot into the given slot (the oldest or
// a corrupted one) and, when Options.MetaSync is set, fsyncs the file.
func (db *DB) writeMeta(m MetaPage, index int) error {
	buf := make([]byte, db.pageSize)
	marshalMeta(buf, &m)
	if _, err := db.f.WriteAt(buf, int64(index)*int64(db.pageSize)); err != nil {
		return wrapError(KindIO, "write meta page", err)
	}
	if db.opts.MetaSync {
		if err := db.f.Sync(); err != nil {
			return wrapError(KindIO, "sync meta page", err)
		}
	}
	db.mu.Lock()
	db.meta = m
	db.metaIndex = index
	db.pageCount = m.PageCount
	db.mu.Unlock()
	return nil
}

// msyncData flushes the write mapping's dirty pages before the meta page
// that references them is written, preserving crash-consistency ordering.
func (db *DB) msyncData() error {
	r := db.mappings.CurrentWritable()
	if r == nil {
		return nil
	}
	return mmap.Msync(r, r.End, false)
}

// Close releases the write lock (if held) and unmaps the file. It is
// the caller's responsibility to ensure no transaction is in flight.
func (db *DB) Close() error {
	db.wrMu.Lock()
	defer db.wrMu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	var firstErr error
	if db.mappings != nil {
		if err := db.mappings.Close(); err != nil {
			firstErr = err
		}
	}
	if err := db.lock.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Remove deletes a mustela database file and its side lock file.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return wrapError(KindIO, "remove database file", err)
	}
	if err := os.Remove(path + lockFileSuffix); err != nil && !os.IsNotExist(err) {
		return wrapError(KindIO, "remove lock file", err)
	}
	return nil
}

// MaxKeySize is the largest key this page size can ever hold a leaf entry
// for, leaving room for a minimal branch fan-out of four children.
func (db *DB) MaxKeySize() int { return db.pageSize/4 - 32 }

// MaxBucketNameSize mirrors MaxKeySize: bucket names are stored as meta-
// bucket keys under the bucket_prefix byte.
func (db *DB) MaxBucketNameSize() int { return db.MaxKeySize() - 1 }

// lockFilePath is exposed for tests that want to assert on the side file
// without hardcoding the suffix in two places.
func lockFilePath(path string) string { return filepath.Clean(path) + lockFileSuffix }

// unixFlockMain and unixFunlockMain take and release the main data
// file's advisory exclusive lock, giving a write transaction exclusivity
// across processes (the wrMu mutex only covers this one process).
func unixFlockMain(db *DB) error {
	if err := unix.Flock(int(db.f.Fd()), unix.LOCK_EX); err != nil {
		return wrapError(KindLock, "lock database file for writing", err)
	}
	return nil
}

func unixFunlockMain(db *DB) {
	_ = unix.Flock(int(db.f.Fd()), unix.LOCK_UN)
}
