package mustela

// tree.go is the B+tree mutation core: copy-on-write insert and delete,
// page splits, removal of pages that become empty, and the
// height-adjustment operations. newInsert2Leaf, newInsert2Node and
// newIncreaseHeight mirror the C++ identifiers new_insert2leaf,
// new_insert2node and new_increase_height in
// original_source/include/mustela/tx.cpp. There is no counterpart of
// new_merge_leaf/new_merge_node: a delete frees only pages that become
// empty (deleteFrom, mergeEmptyChild) and shrinks height only at the root
// (collapseRoot). The control flow here is top-down copy-on-write
// (a page is copied to a fresh pid, and its parent's pointer patched,
// before we ever descend into it) rather than the original's bottom-up
// make_pages_writable pass, which suits Go's lack of raw parent-pointer
// backlinks better while producing the same invariant: every page a
// write transaction touches carries that transaction's tid.

// findLeafSplit sums the encoded sizes of items from the left and stops
// at the first item at which the running total reaches half of the whole.
// Returns the index of the first item that belongs on the right page.
func findLeafSplit(items []leafItem) int {
	n := len(items)
	if n <= 1 {
		return n
	}
	sizes := make([]int, n)
	total := 0
	for i, it := range items {
		sizes[i] = leafItemEncodedSize(it)
		total += sizes[i]
	}
	half := total / 2
	acc := 0
	for i := 0; i < n; i++ {
		acc += sizes[i]
		if acc >= half {
			if i+1 >= n {
				return n - 1
			}
			return i + 1
		}
	}
	return n / 2
}

func findNodeSplit(items []nodeItem) int {
	n := len(items)
	if n <= 1 {
		return n
	}
	sizes := make([]int, n)
	total := 0
	for i, it := range items {
		sizes[i] = nodeItemEncodedSize(it)
		total += sizes[i]
	}
	half := total / 2
	acc := 0
	for i := 0; i < n; i++ {
		acc += sizes[i]
		if acc >= half {
			if i+1 >= n {
				return n - 1
			}
			return i + 1
		}
	}
	return n / 2
}

// newInsert2Leaf inserts (key, value) into the (already copy-on-write
// owned) leaf page lv. If the page overflows, it allocates a new sibling,
// splits the combined item set across the two pages, and returns the
// separator key for the sibling along with its pgno. rightmost must only
// be true when lv has no right sibling at its level (the common
// ascending-key workload descends the tree's rightmost path), since the
// bulk-loading fast path below hands the new item a page of its own
// instead of splitting evenly — correct only at the tree's right edge,
// where there's no fill-factor invariant to violate.
func (tx *Txn) newInsert2Leaf(lv leafView, at int, it leafItem, rightmost bool) (splitKey []byte, sibling pgno, split bool, err error) {
	items := lv.items()
	items = append(items, leafItem{})
	copy(items[at+1:], items[at:])
	items[at] = it

	size := pageHeaderSize
	for _, x := range items {
		size += leafItemEncodedSize(x)
	}
	if size <= lv.pageSize {
		lv.rebuild(items)
		return nil, invalidPgno, false, nil
	}

	// Bulk-loading optimization: an append at the very end of the tree's
	// rightmost leaf is the common case for monotonically increasing
	// keys, so hand the new item its own page instead of splitting the
	// existing one evenly. An insertion that merely lands at the local
	// end of some interior leaf's own key range does not qualify: that
	// leaf still has a right sibling to keep balanced against.
	if rightmost && at == len(items)-1 {
		sib, sp, err := tx.allocPage(pageFlagLeaf)
		if err != nil {
			return nil, invalidPgno, false, err
		}
		sv := newLeafView(sp, tx.pageSize())
		sv.rebuild([]leafItem{it})
		lv.rebuild(items[:len(items)-1])
		return it.key, sib, true, nil
	}

	sp := findLeafSplit(items)
	if sp == 0 {
		sp = 1
	}
	sib, sibPage, err := tx.allocPage(pageFlagLeaf)
	if err != nil {
		return nil, invalidPgno, false, err
	}
	sv := newLeafView(sibPage, tx.pageSize())
	sv.rebuild(append([]leafItem(nil), items[sp:]...))
	lv.rebuild(items[:sp])
	return items[sp].key, sib, true, nil
}

// newInsert2Node inserts a (separatorKey, child) pair into branch page
// nv at slot at (at == leftChildIndex is not a valid insertion target;
// callers always insert at a non-negative slot, since the left-of-first
// pointer is set once when the node is created). Splits and returns the
// new sibling the same way newInsert2Leaf does; rightmost carries the
// same "no right sibling at this level" restriction on the bulk-loading
// fast path.
func (tx *Txn) newInsert2Node(nv nodeView, at int, key []byte, child pgno, rightmost bool) (splitKey []byte, sibling pgno, split bool, err error) {
	items := nv.items()
	items = append(items, nodeItem{})
	copy(items[at+1:], items[at:])
	items[at] = nodeItem{key: append([]byte(nil), key...), child: child}

	size := pageHeaderSize
	for _, x := range items {
		size += nodeItemEncodedSize(x)
	}
	if size <= nv.pageSize {
		nv.rebuild(items)
		return nil, invalidPgno, false, nil
	}

	if rightmost && at == len(items)-1 {
		sib, sp, err := tx.allocPage(pageFlagBranch)
		if err != nil {
			return nil, invalidPgno, false, err
		}
		sv := newNodeView(sp, tx.pageSize())
		sv.p.setSpecial(child)
		sv.rebuild(nil)
		promoted := items[len(items)-1].key
		nv.rebuild(items[:len(items)-1])
		return promoted, sib, true, nil
	}

	sp := findNodeSplit(items)
	if sp == 0 {
		sp = 1
	}
	promoted := items[sp].key
	sib, sibPage, err := tx.allocPage(pageFlagBranch)
	if err != nil {
		return nil, invalidPgno, false, err
	}
	sv := newNodeView(sibPage, tx.pageSize())
	sv.p.setSpecial(items[sp].child)
	sv.rebuild(append([]nodeItem(nil), items[sp+1:]...))
	nv.rebuild(items[:sp])
	return promoted, sib, true, nil
}

// newIncreaseHeight wraps the current root (leftPgno) and its freshly
// split sibling (rightPgno, separated by key) in a new branch root page,
// growing the tree's height by one.
func (tx *Txn) newIncreaseHeight(bucket *BucketDesc, leftPgno pgno, key []byte, rightPgno pgno) error {
	rootPid, rootPage, err := tx.allocPage(pageFlagBranch)
	if err != nil {
		return err
	}
	nv := newNodeView(rootPage, tx.pageSize())
	nv.p.setSpecial(leftPgno)
	nv.rebuild([]nodeItem{{key: append([]byte(nil), key...), child: rightPgno}})
	bucket.RootPage = rootPid
	bucket.Height++
	bucket.NodePageCount++
	return nil
}

// makeLeafItem builds the leafItem to store for (key, value), writing
// value out to a chain of overflow pages when it is too large to keep
// inline.
func (tx *Txn) makeLeafItem(key, value []byte) (leafItem, error) {
	it := leafItem{key: append([]byte(nil), key...)}
	if len(value) > maxInlineValue(tx.pageSize()) {
		start, err := tx.writeOverflow(value)
		if err != nil {
			return leafItem{}, err
		}
		it.overflow = true
		it.overflowPid = start
		it.valueLen = uint32(len(value))
		return it, nil
	}
	it.value = append([]byte(nil), value...)
	it.valueLen = uint32(len(value))
	return it, nil
}

// writeOverflow copies value into a freshly allocated chain of overflow
// pages and returns the first page's pid.
func (tx *Txn) writeOverflow(value []byte) (pgno, error) {
	bodySize := tx.pageSize() - pageHeaderSize
	var first pgno = invalidPgno
	var prev *page
	for off := 0; off < len(value); off += bodySize {
		pid, p, err := tx.allocPage(pageFlagOverflow)
		if err != nil {
			return invalidPgno, err
		}
		if first == invalidPgno {
			first = pid
		}
		end := off + bodySize
		if end > len(value) {
			end = len(value)
		}
		copy(p.buf[pageHeaderSize:], value[off:end])
		p.setSpecial(invalidPgno)
		if prev != nil {
			prev.setSpecial(pid)
		}
		prev = p
	}
	return first, nil
}

// treeInsert inserts (key, value) into the bucket's tree, growing the
// tree's height if the root splits.
func (tx *Txn) treeInsert(bucket *BucketDesc, key, value []byte) error {
	if bucket.RootPage == invalidPgno {
		pid, p, err := tx.allocPage(pageFlagLeaf)
		if err != nil {
			return err
		}
		it, err := tx.makeLeafItem(key, value)
		if err != nil {
			return err
		}
		lv := newLeafView(p, tx.pageSize())
		lv.rebuild([]leafItem{it})
		bucket.RootPage = pid
		bucket.Height = 0
		bucket.LeafPageCount = 1
		bucket.Count = 1
		return nil
	}

	rootPid, rootPage, err := tx.cowRoot(bucket)
	if err != nil {
		return err
	}
	splitKey, sibling, split, inserted, err := tx.insertInto(bucket, rootPid, rootPage, key, value, true)
	if err != nil {
		return err
	}
	if inserted {
		bucket.Count++
	}
	if split {
		if err := tx.newIncreaseHeight(bucket, rootPid, splitKey, sibling); err != nil {
			return err
		}
	}
	return nil
}

// insertInto recursively descends from pg (already copy-on-write owned)
// to the right leaf, inserting along the way and propagating a split
// back up through the caller's return values instead of the recursion
// stack unwinding via pointers, since Go pages are plain byte slices with
// no parent backlink. rightmost is true only when p has no right sibling
// at its level in the tree — i.e. this call is descending the tree's
// rightmost path — and is threaded down so the bulk-loading insert
// optimization only ever fires there.
func (tx *Txn) insertInto(bucket *BucketDesc, pid pgno, p *page, key, value []byte, rightmost bool) (splitKey []byte, sibling pgno, split bool, inserted bool, err error) {
	if p.isLeaf() {
		lv := newLeafView(p, tx.pageSize())
		items := lv.items()
		at, found := searchLeaf(items, key)
		if found && items[at].overflow {
			tx.freeOverflowChain(items[at].overflowPid, items[at].valueLen)
		}
		it, err := tx.makeLeafItem(key, value)
		if err != nil {
			return nil, invalidPgno, false, false, err
		}
		if found {
			// Drop the old entry and insert the new one in its slot, so a
			// larger value splits the leaf like any other insertion.
			lv.erase(at)
		}
		sk, sib, sp, err := tx.newInsert2Leaf(lv, at, it, rightmost)
		if err != nil {
			return nil, invalidPgno, false, false, err
		}
		if sp {
			bucket.LeafPageCount++
		}
		return sk, sib, sp, !found, nil
	}

	nv := newNodeView(p, tx.pageSize())
	items := nv.items()
	idx := searchNode(items, key)
	childPid := nv.getValue(idx)
	childRightmost := rightmost && isRightmostChild(items, idx)
	childPid, childPage, err := tx.cowChild(nv, idx, childPid)
	if err != nil {
		return nil, invalidPgno, false, false, err
	}
	sk, sib, sp, ins, err := tx.insertInto(bucket, childPid, childPage, key, value, childRightmost)
	if err != nil || !sp {
		return nil, invalidPgno, false, ins, err
	}
	// Insert the new separator right after idx's slot.
	at := idx + 1
	if idx == leftChildIndex {
		at = 0
	}
	sk2, sib2, sp2, err := tx.newInsert2Node(nv, at, sk, sib, rightmost)
	if err != nil {
		return nil, invalidPgno, false, ins, err
	}
	if sp2 {
		bucket.NodePageCount++
	}
	return sk2, sib2, sp2, ins, nil
}

// isRightmostChild reports whether slot idx (leftChildIndex or an items
// index) refers to the last child of a branch page holding items.
func isRightmostChild(items []nodeItem, idx pageIndex) bool {
	if idx == leftChildIndex {
		return len(items) == 0
	}
	return idx == len(items)-1
}

// searchLeaf returns the index of key if present, or the index it should
// be inserted at otherwise.
func searchLeaf(items []leafItem, key []byte) (int, bool) {
	lo, hi := 0, len(items)
	for lo < hi {
		mid := (lo + hi) / 2
		c := compareBytes(items[mid].key, key)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// searchNode returns the slot whose subtree may contain key: leftChildIndex
// for "before the first separator", else the index of the greatest
// separator <= key.
func searchNode(items []nodeItem, key []byte) pageIndex {
	lo, hi := 0, len(items)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareBytes(items[mid].key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// treeGet looks up key in the bucket's tree without any copy-on-write.
func (tx *Txn) treeGet(bucket *BucketDesc, key []byte) ([]byte, bool) {
	if bucket.RootPage == invalidPgno {
		return nil, false
	}
	pid := bucket.RootPage
	for {
		p := tx.getPage(pid)
		if p.isLeaf() {
			lv := newLeafView(p, tx.pageSize())
			items := lv.items()
			at, found := searchLeaf(items, key)
			if !found {
				return nil, false
			}
			it := items[at]
			if it.overflow {
				return tx.readOverflow(it.overflowPid, it.valueLen), true
			}
			return it.value, true
		}
		nv := newNodeView(p, tx.pageSize())
		idx := searchNode(nv.items(), key)
		pid = nv.getValue(idx)
	}
}

func (tx *Txn) readOverflow(start pgno, length uint32) []byte {
	out := make([]byte, 0, length)
	pid := start
	remaining := int(length)
	for remaining > 0 {
		p := tx.getPage(pid)
		body := p.buf[pageHeaderSize:]
		n := remaining
		if n > len(body) {
			n = len(body)
		}
		out = append(out, body[:n]...)
		remaining -= n
		pid = p.special()
	}
	return out
}

// treeDelete removes key from the bucket's tree, if present, removing
// pages that become empty from their parent and decreasing the tree's
// height while the root is a branch page with a single child. Grounded on
// TX::new_merge_leaf / TX::new_merge_node in the original source, though
// simplified to merge only on a page becoming fully empty rather than on
// crossing a fill-factor threshold.
func (tx *Txn) treeDelete(bucket *BucketDesc, key []byte) (bool, error) {
	if bucket.RootPage == invalidPgno {
		return false, nil
	}
	rootPid, rootPage, err := tx.cowRoot(bucket)
	if err != nil {
		return false, err
	}
	removed, _, err := tx.deleteFrom(bucket, rootPid, rootPage, key)
	if err != nil {
		return false, err
	}
	if removed {
		bucket.Count--
		tx.collapseRoot(bucket)
	}
	return removed, nil
}

// collapseRoot shrinks the tree's height, one level at a time, while the
// root is a branch page with no separators left (a single child via
// special). A tree whose root is a leaf has height 0 and is never
// collapsed further.
func (tx *Txn) collapseRoot(bucket *BucketDesc) {
	for bucket.Height > 0 {
		p := tx.getPage(bucket.RootPage)
		if !p.isBranch() {
			return
		}
		nv := newNodeView(p, tx.pageSize())
		if nv.size() != 0 {
			return
		}
		onlyChild := nv.getValue(leftChildIndex)
		tx.freelist.markFree(bucket.RootPage)
		bucket.NodePageCount--
		bucket.RootPage = onlyChild
		bucket.Height--
	}
}

// deleteFrom recursively descends to the leaf holding key, copy-on-write
// owning every page on the path, and reports whether the page it just
// returned from became empty (signalling the caller, one level up,
// should try to merge it away).
func (tx *Txn) deleteFrom(bucket *BucketDesc, pid pgno, p *page, key []byte) (removed bool, emptied bool, err error) {
	if p.isLeaf() {
		lv := newLeafView(p, tx.pageSize())
		items := lv.items()
		at, found := searchLeaf(items, key)
		if !found {
			return false, false, nil
		}
		if items[at].overflow {
			tx.freeOverflowChain(items[at].overflowPid, items[at].valueLen)
		}
		items = append(items[:at], items[at+1:]...)
		lv.rebuild(items)
		return true, len(items) == 0, nil
	}

	nv := newNodeView(p, tx.pageSize())
	items := nv.items()
	idx := searchNode(items, key)
	childPid := nv.getValue(idx)
	childPid, childPage, err := tx.cowChild(nv, idx, childPid)
	if err != nil {
		return false, false, err
	}
	removed, childEmptied, err := tx.deleteFrom(bucket, childPid, childPage, key)
	if err != nil || !removed {
		return removed, false, err
	}
	if !childEmptied {
		return true, false, nil
	}
	tx.mergeEmptyChild(bucket, nv, idx, childPid, childPage)
	// A branch page that still has its left-of-first child pointer is
	// never reported emptied upward, even with zero separators left: it
	// remains a valid (if wasteful) pass-through node, and treating it as
	// empty would make the caller free it and drop the one subtree it
	// still guards. Only the root is ever collapsed past such a node
	// (collapseRoot, called by treeDelete after every removal). A branch
	// page whose last child was just removed guards no subtree at all and
	// is reported emptied, so the caller frees it in turn.
	return true, nv.size() == 0 && nv.getValue(leftChildIndex) == invalidPgno, nil
}

// mergeEmptyChild removes a now-empty child from its parent nv and frees
// it. No sibling is examined: the empty page is dropped and its slot
// removed. If it was the left-of-first child, the first separator's child
// takes its place and that separator is dropped; if nv has no separator
// left, nv's left-of-first pointer becomes invalidPgno and nv is left with
// no child (deleteFrom then reports nv emptied).
func (tx *Txn) mergeEmptyChild(bucket *BucketDesc, nv nodeView, idx pageIndex, childPid pgno, childPage *page) {
	if childPage.isLeaf() {
		bucket.LeafPageCount--
	} else {
		bucket.NodePageCount--
	}
	tx.freelist.markFree(childPid)

	if idx == leftChildIndex {
		// The leftmost child is gone; promote the first separator's
		// child into its place and drop that separator.
		items := nv.items()
		if len(items) == 0 {
			nv.p.setSpecial(invalidPgno)
			return
		}
		nv.p.setSpecial(items[0].child)
		nv.rebuild(items[1:])
		return
	}
	nv.erase(idx)
}

func (tx *Txn) freeOverflowChain(start pgno, length uint32) {
	pid := start
	remaining := int(length)
	for remaining > 0 {
		p := tx.getPage(pid)
		body := p.buf[pageHeaderSize:]
		remaining -= len(body)
		next := p.special()
		tx.freelist.markFree(pid)
		pid = next
	}
}
