package mustela

import (
	"bytes"
	"testing"
)

func TestLeafViewInsertAndRebuild(t *testing.T) {
	buf := make([]byte, goodPageSize)
	p := &page{buf: buf}
	lv := newLeafView(p, goodPageSize)
	lv.initDirty(1, 1)

	lv.insertAt(0, []byte("b"), []byte("2"), false, 0)
	lv.insertAt(0, []byte("a"), []byte("1"), false, 0)
	lv.insertAt(2, []byte("c"), []byte("3"), false, 0)

	items := lv.items()
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if !bytes.Equal(items[i].key, []byte(w)) {
			t.Fatalf("items[%d].key = %q, want %q", i, items[i].key, w)
		}
	}
	if lv.size() != 3 {
		t.Fatalf("size() = %d, want 3", lv.size())
	}
}

func TestLeafViewEraseRange(t *testing.T) {
	buf := make([]byte, goodPageSize)
	p := &page{buf: buf}
	lv := newLeafView(p, goodPageSize)
	lv.initDirty(1, 1)
	lv.rebuild([]leafItem{
		{key: []byte("a"), value: []byte("1"), valueLen: 1},
		{key: []byte("b"), value: []byte("2"), valueLen: 1},
		{key: []byte("c"), value: []byte("3"), valueLen: 1},
	})

	lv.erase(1)
	items := lv.items()
	if len(items) != 2 || !bytes.Equal(items[0].key, []byte("a")) || !bytes.Equal(items[1].key, []byte("c")) {
		t.Fatalf("unexpected items after erase: %+v", items)
	}
}

func TestLeafViewOverflowEncoding(t *testing.T) {
	buf := make([]byte, goodPageSize)
	p := &page{buf: buf}
	lv := newLeafView(p, goodPageSize)
	lv.initDirty(1, 1)
	lv.rebuild([]leafItem{{key: []byte("k"), overflow: true, overflowPid: 5, valueLen: 9000}})

	items := lv.items()
	if len(items) != 1 || !items[0].overflow || items[0].overflowPid != 5 || items[0].valueLen != 9000 {
		t.Fatalf("overflow item round-trip failed: %+v", items[0])
	}
}

func TestNodeViewInsertAndSpecial(t *testing.T) {
	buf := make([]byte, goodPageSize)
	p := &page{buf: buf}
	nv := newNodeView(p, goodPageSize)
	nv.initDirty(1, 1)
	nv.p.setSpecial(10)

	nv.append_([]byte("m"), 20)
	nv.append_([]byte("z"), 30)

	if got := nv.getValue(leftChildIndex); got != 10 {
		t.Fatalf("getValue(left) = %d, want 10", got)
	}
	if got := nv.getValue(0); got != 20 {
		t.Fatalf("getValue(0) = %d, want 20", got)
	}
	if got := nv.getValue(1); got != 30 {
		t.Fatalf("getValue(1) = %d, want 30", got)
	}

	nv.setValue(0, 21)
	if got := nv.getValue(0); got != 21 {
		t.Fatalf("setValue did not stick: got %d", got)
	}
}
