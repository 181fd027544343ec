package mustela

import (
	"bytes"
	"sort"
	"testing"
)

// memStore is a trivial in-memory metaStore used to test freelist.go in
// isolation from the real B+tree.
type memStore map[string][]byte

func (s memStore) get(key []byte) ([]byte, bool) { v, ok := s[string(key)]; return v, ok }
func (s memStore) put(key, value []byte)         { s[string(key)] = append([]byte(nil), value...) }
func (s memStore) del(key []byte)                { delete(s, string(key)) }
func (s memStore) ascend(start []byte, fn func(key, value []byte) bool) {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k < string(start) {
			continue
		}
		if !fn([]byte(k), s[k]) {
			return
		}
	}
}

func TestFreelistCommitAndReuse(t *testing.T) {
	store := memStore{}

	var fl freelist
	fl.markFree(10)
	fl.markFree(11)
	if err := fl.commit(store, 5); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(fl.pending) != 0 {
		t.Fatalf("pending not cleared after commit")
	}

	key := freeListKey(5)
	buf, ok := store.get(key)
	if !ok {
		t.Fatalf("expected free list record at tid 5")
	}
	pages, err := decodePgnoList(buf)
	if err != nil {
		t.Fatalf("decodePgnoList: %v", err)
	}
	if len(pages) != 2 || pages[0] != 10 || pages[1] != 11 {
		t.Fatalf("unexpected pages: %v", pages)
	}

	// No reader is older than tid 5, so nothing should be reusable yet.
	if _, ok, err := getFreePage(store, 5); ok || err != nil {
		t.Fatalf("expected no reusable page when oldestReaderTid == record tid, got (ok=%v, err=%v)", ok, err)
	}

	p, ok, err := getFreePage(store, 6)
	if !ok || err != nil || p != 10 {
		t.Fatalf("getFreePage = (%d, %v, %v), want (10, true, nil)", p, ok, err)
	}
	p2, ok, err := getFreePage(store, 6)
	if !ok || err != nil || p2 != 11 {
		t.Fatalf("getFreePage = (%d, %v, %v), want (11, true, nil)", p2, ok, err)
	}
	if _, ok := store.get(key); ok {
		t.Fatalf("expected free list record to be deleted once drained")
	}
}

// TestGetFreePageCorruptRecord checks that a free-list record whose length
// header disagrees with its actual size surfaces a corruption error rather
// than being silently treated as an empty page list.
func TestGetFreePageCorruptRecord(t *testing.T) {
	store := memStore{}
	store.put(freeListKey(1), []byte{0x02, 0x00, 0x00, 0x00}) // header says 2 pages, body missing

	if _, _, err := getFreePage(store, 5); !IsCorruption(err) {
		t.Fatalf("getFreePage error = %v, want a corruption error", err)
	}

	if _, err := decodePgnoList([]byte{0x01}); !IsCorruption(err) {
		t.Fatalf("decodePgnoList error = %v, want a corruption error", err)
	}
}

func TestFreeListKeyRoundTrip(t *testing.T) {
	key := freeListKey(12345)
	got, ok := decodeFreeListKeyTid(key)
	if !ok || got != 12345 {
		t.Fatalf("decodeFreeListKeyTid = (%d, %v), want (12345, true)", got, ok)
	}
	if !bytes.HasPrefix(key, []byte{freelistPrefix}) {
		t.Fatalf("key missing freelist prefix: %x", key)
	}
}

func TestGetFreePageNoRecords(t *testing.T) {
	store := memStore{}
	if _, ok, err := getFreePage(store, 100); ok || err != nil {
		t.Fatalf("expected no free page in an empty store, got (ok=%v, err=%v)", ok, err)
	}
}
