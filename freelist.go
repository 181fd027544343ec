package mustela

import (
	"encoding/binary"
	"fmt"
)

// metaStore is the subset of meta-bucket access the free list needs. It is
// satisfied by a Txn's meta-bucket cursor operations (tree.go/txn.go); kept
// as a narrow interface so freelist.go does not need to know about the
// B+tree mutation core's page-level details.
type metaStore interface {
	get(key []byte) ([]byte, bool)
	put(key []byte, value []byte)
	del(key []byte)
	// ascend calls fn for every key >= start in ascending order, stopping
	// early if fn returns false.
	ascend(start []byte, fn func(key, value []byte) bool)
}

// freeListKey builds the meta-bucket key for the free-page record written
// by the transaction that committed as tid t.
func freeListKey(t tid) []byte {
	k := make([]byte, 9)
	k[0] = freelistPrefix
	binary.BigEndian.PutUint64(k[1:], uint64(t))
	return k
}

func decodeFreeListKeyTid(key []byte) (tid, bool) {
	if len(key) != 9 || key[0] != freelistPrefix {
		return 0, false
	}
	return tid(binary.BigEndian.Uint64(key[1:])), true
}

func encodePgnoList(pages []pgno) []byte {
	buf := make([]byte, 4+4*len(pages))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(pages)))
	for i, p := range pages {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], uint32(p))
	}
	return buf
}

// decodePgnoList decodes a free-list record written by encodePgnoList,
// returning a KindCorruption error if buf is truncated or its length
// header does not match buf's actual size rather than silently treating
// a malformed record as an empty page list.
func decodePgnoList(buf []byte) ([]pgno, error) {
	if len(buf) < 4 {
		return nil, newError(KindCorruption, "free-list record truncated before its length header")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if want := 4 + 4*n; len(buf) != want {
		return nil, newError(KindCorruption, fmt.Sprintf(
			"free-list record length mismatch: header declares %d pages (%d bytes), have %d bytes", n, want, len(buf)))
	}
	pages := make([]pgno, n)
	for i := 0; i < n; i++ {
		pages[i] = pgno(binary.LittleEndian.Uint32(buf[4+4*i : 8+4*i]))
	}
	return pages, nil
}

// freelist tracks, for one write transaction, pages that became free
// during the transaction (mark_free_in_future_page) and hands out reusable
// pages from older free-list records (get_free_page). It breaks the
// bootstrapping cycle of storing the free list inside the very tree it
// serves the way the original source does: a record is only
// a candidate for reuse once its tid is strictly less than every open
// reader's tid, and allocation that can't find such a record simply grows
// the file instead of recursing into the tree.
//
// Grounded on original_source/include/mustela/tx.cpp
// (TX::mark_free_in_future_page, TX::get_free_page).
type freelist struct {
	pending []pgno
}

// markFree records pid as free as of the transaction that calls this. The
// page is not reusable until a future transaction commits this record and
// the oldest reader has moved past the freeing transaction's tid.
func (f *freelist) markFree(pid pgno) {
	f.pending = append(f.pending, pid)
}

// commit writes the pending free pages into the meta-bucket under the
// current transaction's tid, merging with whatever that tid's record
// already holds (a transaction may free pages across several growth
// rounds before it finally commits).
func (f *freelist) commit(store metaStore, t tid) error {
	// Writing the record can itself copy-on-write pages inside the tree
	// that holds it, freeing more pages in the process; loop until a
	// round produces nothing new to record.
	key := freeListKey(t)
	for len(f.pending) > 0 {
		pages := f.pending
		f.pending = nil
		if existing, ok := store.get(key); ok {
			existingPages, err := decodePgnoList(existing)
			if err != nil {
				return err
			}
			pages = append(existingPages, pages...)
		}
		store.put(key, encodePgnoList(pages))
	}
	return nil
}

// getFreePage returns a page free for reuse by a transaction that has not
// yet committed: a page freed by some earlier transaction whose tid is
// strictly less than oldestReaderTid, so no live reader can still be
// looking at its previous contents. Returns ok=false when no such record
// exists (caller must grow the file instead). Returns a non-nil error,
// ok=false, if a candidate record fails to decode.
func getFreePage(store metaStore, oldestReaderTid tid) (pgno, bool, error) {
	var (
		foundKey  []byte
		foundTid  tid
		pages     []pgno
		decodeErr error
	)
	store.ascend([]byte{freelistPrefix}, func(key, value []byte) bool {
		t, ok := decodeFreeListKeyTid(key)
		if !ok {
			return false // past the freelist key range
		}
		if t >= oldestReaderTid {
			return false // this and all later records are too recent
		}
		p, err := decodePgnoList(value)
		if err != nil {
			decodeErr = err
			return false
		}
		foundKey = append([]byte(nil), key...)
		foundTid = t
		pages = p
		return false
	})
	if decodeErr != nil {
		return invalidPgno, false, decodeErr
	}
	if foundKey == nil || len(pages) == 0 {
		return invalidPgno, false, nil
	}
	p := pages[0]
	rest := pages[1:]
	if len(rest) == 0 {
		store.del(foundKey)
	} else {
		store.put(freeListKey(foundTid), encodePgnoList(rest))
	}
	return p, true, nil
}
