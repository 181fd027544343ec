package mustela

import (
	"encoding/binary"
)

// pageIndex is an item position within a page. -1 denotes a node page's
// left-of-first-key child pointer.
type pageIndex = int

const leftChildIndex pageIndex = -1

// leafItem is the decoded form of one leaf entry. Large values are stored
// out-of-line in a run of overflow pages; the leaf keeps only the run's
// starting pid and the value's byte length.
type leafItem struct {
	key         []byte
	value       []byte // nil when overflow is true
	overflow    bool
	overflowPid pgno
	valueLen    uint32
}

// nodeItem is the decoded form of one branch entry: a separator key and
// the child subtree holding keys >= it (and < the next separator).
type nodeItem struct {
	key   []byte
	child pgno
}

// leafView is a decode/encode helper over a leaf page. mustela keeps pages
// in an always-packed representation: every mutation decodes the full item
// list, edits the slice, and re-encodes the page in one pass. This trades
// a little CPU for an implementation with no slot/offset bookkeeping to
// get wrong — page counts are small enough (thousands of items at most)
// that this is not a meaningful cost.
type leafView struct {
	p        *page
	pageSize int
}

func newLeafView(p *page, pageSize int) leafView { return leafView{p: p, pageSize: pageSize} }

func (lv leafView) capacity() int { return lv.pageSize - pageHeaderSize }

func (lv leafView) size() int { return lv.p.count() }

// items decodes every entry on the page.
func (lv leafView) items() []leafItem {
	n := lv.p.count()
	items := make([]leafItem, n)
	off := pageHeaderSize
	buf := lv.p.buf
	for i := 0; i < n; i++ {
		it, next := decodeLeafItem(buf, off)
		items[i] = it
		off = next
	}
	return items
}

func decodeLeafItem(buf []byte, off int) (leafItem, int) {
	keyLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	key := append([]byte(nil), buf[off:off+keyLen]...)
	off += keyLen
	flag := buf[off]
	off++
	if flag&1 != 0 {
		opid := pgno(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		vlen := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		return leafItem{key: key, overflow: true, overflowPid: opid, valueLen: vlen}, off
	}
	vlen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	value := append([]byte(nil), buf[off:off+vlen]...)
	off += vlen
	return leafItem{key: key, value: value, valueLen: uint32(vlen)}, off
}

// leafItemEncodedSize returns the byte cost charged for storing it: its
// encoded bytes plus 2 bytes of reserve. Items are packed back to back
// with no slot directory, so those 2 bytes are never written.
func leafItemEncodedSize(it leafItem) int {
	n := 2 + len(it.key) + 1
	if it.overflow {
		n += 4 + 4
	} else {
		n += 4 + len(it.value)
	}
	return n + 2
}

// getItemSize returns the byte cost a (key, value) insertion would have,
// deciding overflow the same way insertAt would.
func (lv leafView) getItemSize(key []byte, valueLen int, overflow bool) int {
	it := leafItem{key: key, valueLen: uint32(valueLen)}
	if overflow {
		it.overflow = true
	} else {
		it.value = make([]byte, valueLen)
	}
	return leafItemEncodedSize(it)
}

// maxInlineValue is the largest value this page size stores inline.
// Values above this spill to overflow pages.
func maxInlineValue(pageSize int) int {
	return (pageSize - pageHeaderSize) / 4
}

func (lv leafView) dataSize() int {
	total := 0
	for _, it := range lv.items() {
		total += leafItemEncodedSize(it)
	}
	return total
}

func (lv leafView) freeCapacity() int { return lv.capacity() - lv.dataSize() }

func (lv leafView) getKV(i int) leafItem { return lv.items()[i] }

func (lv leafView) getKey(i int) []byte { return lv.items()[i].key }

func (lv leafView) clear() {
	lv.p.setCount(0)
}

func (lv leafView) initDirty(pid pgno, t tid) {
	lv.p.initDirty(pid, t, pageFlagLeaf)
}

// rebuild re-encodes the page from items, in order.
func (lv leafView) rebuild(items []leafItem) {
	buf := lv.p.buf
	off := pageHeaderSize
	for _, it := range items {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(it.key)))
		off += 2
		copy(buf[off:off+len(it.key)], it.key)
		off += len(it.key)
		if it.overflow {
			buf[off] = 1
			off++
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(it.overflowPid))
			off += 4
			binary.LittleEndian.PutUint32(buf[off:off+4], it.valueLen)
			off += 4
		} else {
			buf[off] = 0
			off++
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(it.value)))
			off += 4
			copy(buf[off:off+len(it.value)], it.value)
			off += len(it.value)
		}
	}
	lv.p.setCount(len(items))
}

func (lv leafView) insertAt(i int, key []byte, value []byte, overflow bool, overflowPid pgno) {
	items := lv.items()
	it := leafItem{key: append([]byte(nil), key...)}
	if overflow {
		it.overflow = true
		it.overflowPid = overflowPid
		it.valueLen = uint32(len(value))
	} else {
		it.value = append([]byte(nil), value...)
		it.valueLen = uint32(len(value))
	}
	items = append(items, leafItem{})
	copy(items[i+1:], items[i:])
	items[i] = it
	lv.rebuild(items)
}

func (lv leafView) eraseRange(from, to int) {
	items := lv.items()
	items = append(items[:from], items[to:]...)
	lv.rebuild(items)
}

func (lv leafView) erase(i int) { lv.eraseRange(i, i+1) }

func (lv leafView) append_(it leafItem) {
	items := lv.items()
	items = append(items, it)
	lv.rebuild(items)
}

func (lv leafView) appendRange(src leafView, from, to int) {
	items := lv.items()
	srcItems := src.items()
	items = append(items, srcItems[from:to]...)
	lv.rebuild(items)
}

func (lv leafView) insertRange(dst int, src leafView, from, to int) {
	items := lv.items()
	srcItems := src.items()[from:to]
	tail := append([]leafItem(nil), items[dst:]...)
	items = append(items[:dst], srcItems...)
	items = append(items, tail...)
	lv.rebuild(items)
}

// nodeView is the branch-page analogue of leafView.
type nodeView struct {
	p        *page
	pageSize int
}

func newNodeView(p *page, pageSize int) nodeView { return nodeView{p: p, pageSize: pageSize} }

func (nv nodeView) capacity() int { return nv.pageSize - pageHeaderSize }
func (nv nodeView) size() int     { return nv.p.count() }

func (nv nodeView) items() []nodeItem {
	n := nv.p.count()
	items := make([]nodeItem, n)
	off := pageHeaderSize
	buf := nv.p.buf
	for i := 0; i < n; i++ {
		keyLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		key := append([]byte(nil), buf[off:off+keyLen]...)
		off += keyLen
		child := pgno(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		items[i] = nodeItem{key: key, child: child}
	}
	return items
}

func nodeItemEncodedSize(it nodeItem) int { return 2 + len(it.key) + 4 + 2 }

func (nv nodeView) getItemSize(key []byte, child pgno) int {
	return nodeItemEncodedSize(nodeItem{key: key, child: child})
}

func (nv nodeView) dataSize() int {
	total := 0
	for _, it := range nv.items() {
		total += nodeItemEncodedSize(it)
	}
	return total
}

func (nv nodeView) freeCapacity() int { return nv.capacity() - nv.dataSize() }

func (nv nodeView) getKV(i int) nodeItem { return nv.items()[i] }
func (nv nodeView) getKey(i int) []byte  { return nv.items()[i].key }

// getValue returns the child pgno at index i, or the left-of-first-key
// child when i == leftChildIndex.
func (nv nodeView) getValue(i int) pgno {
	if i == leftChildIndex {
		return nv.p.special()
	}
	return nv.items()[i].child
}

func (nv nodeView) setValue(i int, p pgno) {
	if i == leftChildIndex {
		nv.p.setSpecial(p)
		return
	}
	items := nv.items()
	items[i].child = p
	nv.rebuild(items)
}

func (nv nodeView) clear() { nv.p.setCount(0) }

func (nv nodeView) initDirty(pid pgno, t tid) {
	nv.p.initDirty(pid, t, pageFlagBranch)
}

func (nv nodeView) rebuild(items []nodeItem) {
	buf := nv.p.buf
	off := pageHeaderSize
	for _, it := range items {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(it.key)))
		off += 2
		copy(buf[off:off+len(it.key)], it.key)
		off += len(it.key)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(it.child))
		off += 4
	}
	nv.p.setCount(len(items))
}

func (nv nodeView) insertAt(i int, key []byte, child pgno) {
	items := nv.items()
	items = append(items, nodeItem{})
	copy(items[i+1:], items[i:])
	items[i] = nodeItem{key: append([]byte(nil), key...), child: child}
	nv.rebuild(items)
}

func (nv nodeView) append_(key []byte, child pgno) {
	items := nv.items()
	items = append(items, nodeItem{key: append([]byte(nil), key...), child: child})
	nv.rebuild(items)
}

func (nv nodeView) appendKV(it nodeItem) {
	items := nv.items()
	items = append(items, it)
	nv.rebuild(items)
}

func (nv nodeView) erase(i int) {
	items := nv.items()
	items = append(items[:i], items[i+1:]...)
	nv.rebuild(items)
}

func (nv nodeView) appendRange(src nodeView, from, to int) {
	items := nv.items()
	srcItems := src.items()
	items = append(items, srcItems[from:to]...)
	nv.rebuild(items)
}

func (nv nodeView) insertRange(dst int, src nodeView, from, to int) {
	items := nv.items()
	srcItems := src.items()[from:to]
	tail := append([]nodeItem(nil), items[dst:]...)
	items = append(items[:dst], srcItems...)
	items = append(items, tail...)
	nv.rebuild(items)
}
