package mustela

// pathEntry is one step of a descent from a bucket's root to a leaf: the
// page visited and the slot used to get there. For a branch page, idx is
// leftChildIndex or an items() index (the child slot descended into); for
// a leaf page, idx is the item index.
type pathEntry struct {
	pid pgno
	idx pageIndex
}

// Cursor walks a bucket's key space in order. It is positioned by Seek,
// First, or Last, and advanced by Next/Prev.
//
// Grounded on Giulio2002-gdbx/cursor.go for the Go cursor-stack idiom (push/pop
// page frames, search-within-page). Unlike the original C++ tree, pages
// here carry no parent backlink, so a cursor's path is rebuilt by
// descent rather than patched in place when a structural change (split,
// merge) happens elsewhere in the same transaction; using a cursor across
// an intervening write from a different cursor requires re-seeking.
type Cursor struct {
	tx     *Txn
	bucket *BucketDesc
	path   []pathEntry
}

func newCursor(tx *Txn, bucket *BucketDesc) *Cursor {
	return &Cursor{tx: tx, bucket: bucket}
}

func (c *Cursor) current() (key, value []byte, ok bool) {
	if len(c.path) == 0 {
		return nil, nil, false
	}
	last := c.path[len(c.path)-1]
	p := c.tx.getPage(last.pid)
	lv := newLeafView(p, c.tx.pageSize())
	if last.idx < 0 || last.idx >= lv.size() {
		return nil, nil, false
	}
	it := lv.getKV(last.idx)
	if it.overflow {
		return it.key, c.tx.readOverflow(it.overflowPid, it.valueLen), true
	}
	return it.key, it.value, true
}

// Seek positions the cursor at the first key >= key.
func (c *Cursor) Seek(key []byte) (k, v []byte, ok bool) {
	c.path = c.tx.seek(c.bucket, key)
	if k, v, ok = c.current(); ok || len(c.path) == 0 {
		return k, v, ok
	}
	// key sorts after every item of the leaf it descends to; the first
	// key >= key, if any, starts the next leaf.
	c.path = c.tx.advance(c.path)
	return c.current()
}

// First positions the cursor at the smallest key in the bucket.
func (c *Cursor) First() (k, v []byte, ok bool) {
	c.path = c.tx.seekFirst(c.bucket)
	return c.current()
}

// Last positions the cursor at the greatest key in the bucket.
func (c *Cursor) Last() (k, v []byte, ok bool) {
	c.path = c.tx.seekLast(c.bucket)
	return c.current()
}

// Next advances to the next key in order.
func (c *Cursor) Next() (k, v []byte, ok bool) {
	c.path = c.tx.advance(c.path)
	return c.current()
}

// Prev retreats to the previous key in order.
func (c *Cursor) Prev() (k, v []byte, ok bool) {
	c.path = c.tx.retreat(c.path)
	return c.current()
}

func (tx *Txn) seek(bucket *BucketDesc, key []byte) []pathEntry {
	if bucket.RootPage == invalidPgno {
		return nil
	}
	var path []pathEntry
	pid := bucket.RootPage
	for {
		p := tx.getPage(pid)
		if p.isLeaf() {
			lv := newLeafView(p, tx.pageSize())
			at, _ := searchLeaf(lv.items(), key)
			path = append(path, pathEntry{pid, at})
			return path
		}
		nv := newNodeView(p, tx.pageSize())
		idx := searchNode(nv.items(), key)
		path = append(path, pathEntry{pid, idx})
		pid = nv.getValue(idx)
	}
}

func (tx *Txn) seekFirst(bucket *BucketDesc) []pathEntry {
	if bucket.RootPage == invalidPgno {
		return nil
	}
	var path []pathEntry
	pid := bucket.RootPage
	for {
		p := tx.getPage(pid)
		if p.isLeaf() {
			path = append(path, pathEntry{pid, 0})
			return path
		}
		nv := newNodeView(p, tx.pageSize())
		path = append(path, pathEntry{pid, leftChildIndex})
		pid = nv.getValue(leftChildIndex)
	}
}

func (tx *Txn) seekLast(bucket *BucketDesc) []pathEntry {
	if bucket.RootPage == invalidPgno {
		return nil
	}
	var path []pathEntry
	pid := bucket.RootPage
	for {
		p := tx.getPage(pid)
		if p.isLeaf() {
			lv := newLeafView(p, tx.pageSize())
			path = append(path, pathEntry{pid, lv.size() - 1})
			return path
		}
		nv := newNodeView(p, tx.pageSize())
		idx := nv.size() - 1
		path = append(path, pathEntry{pid, idx})
		pid = nv.getValue(idx)
	}
}

// advance moves path to the next leaf item, popping and re-descending
// through ancestor pages as needed. Returns nil once the end of the
// bucket is reached.
func (tx *Txn) advance(path []pathEntry) []pathEntry {
	if len(path) == 0 {
		return nil
	}
	path = append([]pathEntry(nil), path...)
	for len(path) > 0 {
		last := &path[len(path)-1]
		p := tx.getPage(last.pid)
		if p.isLeaf() {
			last.idx++
			lv := newLeafView(p, tx.pageSize())
			if last.idx < lv.size() {
				return path
			}
			path = path[:len(path)-1]
			continue
		}
		nv := newNodeView(p, tx.pageSize())
		nextIdx := last.idx + 1
		if nextIdx < nv.size() {
			last.idx = nextIdx
			pid := nv.getValue(nextIdx)
			path = descendLeftmost(tx, path, pid)
			return path
		}
		path = path[:len(path)-1]
	}
	return nil
}

// retreat is the mirror of advance, moving to the previous leaf item.
func (tx *Txn) retreat(path []pathEntry) []pathEntry {
	if len(path) == 0 {
		return nil
	}
	path = append([]pathEntry(nil), path...)
	for len(path) > 0 {
		last := &path[len(path)-1]
		p := tx.getPage(last.pid)
		if p.isLeaf() {
			last.idx--
			if last.idx >= 0 {
				return path
			}
			path = path[:len(path)-1]
			continue
		}
		nv := newNodeView(p, tx.pageSize())
		if last.idx > leftChildIndex {
			prevIdx := last.idx - 1
			last.idx = prevIdx
			pid := nv.getValue(prevIdx)
			path = descendRightmost(tx, path, pid)
			return path
		}
		path = path[:len(path)-1]
	}
	return nil
}

func descendLeftmost(tx *Txn, path []pathEntry, pid pgno) []pathEntry {
	for {
		p := tx.getPage(pid)
		if p.isLeaf() {
			return append(path, pathEntry{pid, 0})
		}
		nv := newNodeView(p, tx.pageSize())
		path = append(path, pathEntry{pid, leftChildIndex})
		pid = nv.getValue(leftChildIndex)
	}
}

func descendRightmost(tx *Txn, path []pathEntry, pid pgno) []pathEntry {
	for {
		p := tx.getPage(pid)
		if p.isLeaf() {
			lv := newLeafView(p, tx.pageSize())
			return append(path, pathEntry{pid, lv.size() - 1})
		}
		nv := newNodeView(p, tx.pageSize())
		idx := nv.size() - 1
		path = append(path, pathEntry{pid, idx})
		pid = nv.getValue(idx)
	}
}
