package mustela

import "github.com/flyingmutant/mustela/internal/mmap"

// Txn is a single transaction: a read-only snapshot, or the one live
// write transaction a DB allows at a time. All tree mutation methods
// (tree.go) and cursor navigation (cursor.go) hang off Txn, since every
// page access needs to know which mapping (and which tid) is in play.
//
// Grounded on original_source/include/mustela/tx.cpp (TX::start_transaction,
// TX::make_pages_writable, TX::commit) for lifecycle and copy-on-write
// discipline.
type Txn struct {
	db       *DB
	writable bool
	tid      tid
	meta     MetaPage

	readerSlot      int // -1 when writable
	oldestReaderTid tid

	// pinnedRO/pinnedRW hold a reference on the mapping regions this
	// transaction reads through, taken at Begin and released at
	// Commit/Abort, so a concurrent writer growing the file past this
	// transaction's snapshot can never reap a region this transaction is
	// still reading out of.
	pinnedRO *mmap.Region
	pinnedRW *mmap.Region

	freelist freelist
	buckets  map[string]*BucketDesc // dirty bucket descriptors, keyed by name
	done     bool
}

// unpin releases whichever mapping regions Begin pinned for tx.
func (tx *Txn) unpin() {
	if tx.pinnedRO != nil {
		tx.db.mappings.Unref(tx.pinnedRO)
		tx.pinnedRO = nil
	}
	if tx.pinnedRW != nil {
		tx.db.mappings.Unref(tx.pinnedRW)
		tx.pinnedRW = nil
	}
}

func (tx *Txn) pageSize() int { return tx.db.pageSize }

// getPage returns a page for reading. If the page was already copy-on-
// write owned by this transaction it is fetched from the write mapping;
// otherwise it comes from the stable read mapping.
func (tx *Txn) getPage(p pgno) *page {
	if tx.writable {
		wp := tx.db.writablePageAt(p)
		if wp.txid() == tx.tid {
			return wp
		}
	}
	return tx.db.pageAt(p)
}

// allocPage hands a write transaction a fresh, dirty page: either reused
// from the free list (a page freed by some transaction older than every
// live reader) or grown at the end of the file.
func (tx *Txn) allocPage(flags pageFlags) (pgno, *page, error) {
	if !tx.writable {
		invariant(false, "allocPage called on a read-only transaction")
	}
	store := metaBucketStore{tx: tx}
	if pid, ok, err := getFreePage(store, tx.oldestReaderTid); err != nil {
		return invalidPgno, nil, err
	} else if ok {
		if err := tx.db.ensureMapped(uint64(pid) + 1); err != nil {
			return invalidPgno, nil, err
		}
		p := tx.db.writablePageAt(pid)
		p.initDirty(pid, tx.tid, flags)
		return pid, p, nil
	}
	pid := pgno(tx.meta.PageCount)
	tx.meta.PageCount++
	if err := tx.db.ensureMapped(tx.meta.PageCount); err != nil {
		return invalidPgno, nil, err
	}
	p := tx.db.writablePageAt(pid)
	p.initDirty(pid, tx.tid, flags)
	return pid, p, nil
}

// cowRoot returns bucket's root page in writable form, copying it to a
// fresh pid (and freeing the old one) if it was not already owned by
// this transaction.
func (tx *Txn) cowRoot(bucket *BucketDesc) (pgno, *page, error) {
	old := bucket.RootPage
	p := tx.getPage(old)
	if p.txid() == tx.tid {
		return old, p, nil
	}
	newPid, newPage, err := tx.allocPage(p.flags())
	if err != nil {
		return invalidPgno, nil, err
	}
	copy(newPage.buf, p.buf)
	newPage.setPid(newPid)
	newPage.setTid(tx.tid)
	tx.freelist.markFree(old)
	bucket.RootPage = newPid
	return newPid, newPage, nil
}

// cowChild is cowRoot's analogue for a non-root page reached through a
// parent branch page: it additionally patches the parent's child pointer
// in place, since the parent is already known to be writable.
func (tx *Txn) cowChild(parent nodeView, idx pageIndex, old pgno) (pgno, *page, error) {
	p := tx.getPage(old)
	if p.txid() == tx.tid {
		return old, p, nil
	}
	newPid, newPage, err := tx.allocPage(p.flags())
	if err != nil {
		return invalidPgno, nil, err
	}
	copy(newPage.buf, p.buf)
	newPage.setPid(newPid)
	newPage.setTid(tx.tid)
	tx.freelist.markFree(old)
	parent.setValue(idx, newPid)
	return newPid, newPage, nil
}

// metaBucketStore adapts the meta-bucket's tree to the metaStore
// interface the free list and bucket registry use, so neither of them
// needs to know they are walking an ordinary bucket tree.
type metaBucketStore struct{ tx *Txn }

func (s metaBucketStore) get(key []byte) ([]byte, bool) {
	return s.tx.treeGet(&s.tx.meta.MetaBucket, key)
}

func (s metaBucketStore) put(key, value []byte) {
	if err := s.tx.treeInsert(&s.tx.meta.MetaBucket, key, value); err != nil {
		panic(&InvariantError{Message: "meta-bucket insert failed: " + err.Error()})
	}
}

func (s metaBucketStore) del(key []byte) {
	if _, err := s.tx.treeDelete(&s.tx.meta.MetaBucket, key); err != nil {
		panic(&InvariantError{Message: "meta-bucket delete failed: " + err.Error()})
	}
}

func (s metaBucketStore) ascend(start []byte, fn func(key, value []byte) bool) {
	c := newCursor(s.tx, &s.tx.meta.MetaBucket)
	for k, v, ok := c.Seek(start); ok; k, v, ok = c.Next() {
		if !fn(k, v) {
			return
		}
	}
}

// Begin starts a transaction. A writable transaction serializes with
// every other writer in this process (wrMu) and across processes (the
// main file's advisory exclusive lock): one writer, many concurrent
// readers.
func (db *DB) Begin(writable bool) (*Txn, error) {
	if writable && db.opts.ReadOnly {
		return nil, newError(KindUsage, "cannot start a write transaction on a read-only database")
	}

	if writable {
		db.wrMu.Lock()
		if err := unixFlockMain(db); err != nil {
			db.wrMu.Unlock()
			return nil, err
		}
		if err := db.loadNewestMeta(); err != nil {
			unixFunlockMain(db)
			db.wrMu.Unlock()
			return nil, err
		}
		db.mu.Lock()
		meta := db.meta
		db.mu.Unlock()

		oldest, ok := db.lock.oldestReaderTid()
		if !ok {
			oldest = meta.Tid + 1
		}
		ro, rw := pinCurrentMappings(db, true)
		return &Txn{
			db:              db,
			writable:        true,
			tid:             meta.Tid + 1,
			meta:            meta,
			readerSlot:      -1,
			oldestReaderTid: oldest,
			pinnedRO:        ro,
			pinnedRW:        rw,
		}, nil
	}

	if err := db.loadNewestMeta(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	meta := db.meta
	db.mu.Unlock()
	slot, err := db.lock.acquireReaderSlot(meta.Tid)
	if err != nil {
		return nil, err
	}
	ro, _ := pinCurrentMappings(db, false)
	return &Txn{db: db, writable: false, tid: meta.Tid, meta: meta, readerSlot: slot, pinnedRO: ro}, nil
}

// pinCurrentMappings refs whichever mapping regions a transaction beginning
// right now will read pages through, so a concurrent writer's later growth
// cannot reap them out from under it. rw is only requested (and only
// non-nil) for a writable transaction.
func pinCurrentMappings(db *DB, writable bool) (ro, rw *mmap.Region) {
	if ro = db.mappings.Current(); ro != nil {
		mmap.Ref(ro)
	}
	if writable {
		if rw = db.mappings.CurrentWritable(); rw != nil {
			mmap.Ref(rw)
		}
	}
	return ro, rw
}

// Commit persists a write transaction's changes: flush dirty pages, fold
// pending free-page records into the meta-bucket, and rotate the meta
// page. Grounded on DB::commit_transaction / TX::commit.
func (tx *Txn) Commit() error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	if !tx.writable {
		tx.db.lock.releaseReaderSlot(tx.readerSlot)
		tx.unpin()
		return nil
	}
	defer tx.unpin()
	defer tx.db.wrMu.Unlock()
	defer unixFunlockMain(tx.db)

	store := metaBucketStore{tx: tx}
	for name, d := range tx.buckets {
		store.put(bucketKey(name), encodeBucketDescBuf(*d))
	}

	if err := tx.freelist.commit(store, tx.tid); err != nil {
		return err
	}

	if err := tx.db.msyncData(); err != nil {
		return err
	}

	newMeta := tx.meta
	newMeta.Magic = metaMagic
	newMeta.Version = ourVersion
	newMeta.PageSize = uint32(tx.db.pageSize)
	newMeta.PidSize = nodePidSize
	newMeta.Tid = tx.tid

	tx.db.mu.Lock()
	idx := tx.db.metaIndex
	tx.db.mu.Unlock()
	newMeta.Pid = uint64(idx)

	return tx.db.writeMeta(newMeta, idx)
}

// Abort discards a transaction's changes (for a writer, simply never
// rotating the meta page that would have published them) and releases
// whatever resources the transaction held.
func (tx *Txn) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if !tx.writable {
		tx.db.lock.releaseReaderSlot(tx.readerSlot)
		tx.unpin()
		return nil
	}
	tx.unpin()
	tx.db.wrMu.Unlock()
	unixFunlockMain(tx.db)
	return nil
}

// View runs fn in a read-only transaction, always releasing it afterward.
func (db *DB) View(fn func(tx *Txn) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Abort()
	return fn(tx)
}

// Update runs fn in a write transaction, committing on a nil return and
// aborting otherwise.
func (db *DB) Update(fn func(tx *Txn) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}
