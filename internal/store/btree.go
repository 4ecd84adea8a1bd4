package store

import (
	"bytes"
	"encoding/binary"

	"github.com/lambkin-lang/sapling/internal/arena"
)

// Comparator orders keys (or dupsort values) for a DBI. The default is
// lexicographic byte comparison (bytes.Compare).
type Comparator func(a, b []byte) int

func DefaultComparator(a, b []byte) int { return bytes.Compare(a, b) }

const (
	// PutNoOverwrite fails EXISTS if the key is already present.
	PutNoOverwrite = 1 << 0
	// PutReserve requires the value to fit inline; fails rather than
	// spilling to an overflow chain. Invalid combined with dupsort.
	PutReserve = 1 << 1
)

// inline value cap before a value spills to an overflow chain. Leaves
// room for several cells per page alongside the header/offset table.
func inlineCap(pageSize int) int { return pageSize / 4 }

// overflow chain page layout: | next pgno (8B) | data... |
const overflowHeaderSize = 8

// btree is one DBI's ordered map over pages: copy-on-write leaves and
// internal nodes, values above inlineCap spilling to an overflow chain.
// A dupsort tree instead orders leaf cells by (key, vcmp(val)) and
// allows a key to span multiple cells; its values are always inline
// (spec §3: "dupsort leaves store value bytes inline only").
type btree struct {
	root     arena.PageNo
	pageSize int
	cmp      Comparator
	dupSort  bool
	vcmp     Comparator

	get func(arena.PageNo) node
	new func(node) arena.PageNo
	del func(arena.PageNo)
}

func (t *btree) newNode(kind uint16) node {
	return node{data: make([]byte, 2*t.pageSize)}
}

func (t *btree) readOverflow(head arena.PageNo, total int) []byte {
	out := make([]byte, 0, total)
	pg := head
	for pg != arena.NullPage && len(out) < total {
		n := t.get(pg)
		raw := n.data
		next := arena.PageNo(binary.LittleEndian.Uint64(raw[0:8]))
		remain := total - len(out)
		chunk := t.pageSize - overflowHeaderSize
		if remain < chunk {
			chunk = remain
		}
		out = append(out, raw[overflowHeaderSize:overflowHeaderSize+chunk]...)
		pg = next
	}
	return out
}

func (t *btree) writeOverflow(val []byte) arena.PageNo {
	chunk := t.pageSize - overflowHeaderSize
	var offsets []int
	for off := 0; off < len(val); off += chunk {
		offsets = append(offsets, off)
	}
	if len(offsets) == 0 {
		offsets = []int{0}
	}
	// build pages back to front so each page's next-pointer is already
	// known by the time it is written once.
	next := arena.NullPage
	for i := len(offsets) - 1; i >= 0; i-- {
		off := offsets[i]
		end := off + chunk
		if end > len(val) {
			end = len(val)
		}
		pageData := node{data: make([]byte, t.pageSize)}
		binary.LittleEndian.PutUint64(pageData.data[0:8], uint64(next))
		copy(pageData.data[overflowHeaderSize:], val[off:end])
		next = t.new(pageData)
	}
	return next
}

func (t *btree) resolveVal(n node, idx uint16) []byte {
	if !n.isOverflow(idx) {
		return n.rawVal(idx)
	}
	raw := n.rawVal(idx)
	head := arena.PageNo(binary.LittleEndian.Uint64(raw[0:8]))
	total := int(binary.LittleEndian.Uint32(raw[8:12]))
	return t.readOverflow(head, total)
}

// lookupLE returns the greatest index whose key is <= key (0 if none;
// internal node index 0 is a dummy first key that always compares low).
// On a dupsort leaf with several cells sharing a key this lands on the
// last cell of that run, not necessarily the first.
func (t *btree) lookupLE(n node, key []byte) uint16 {
	found := uint16(0)
	nk := n.nkeys()
	for i := uint16(1); i < nk; i++ {
		c := t.cmp(n.key(i), key)
		if c <= 0 {
			found = i
		}
		if c > 0 {
			break
		}
	}
	return found
}

// leafLowerBound returns the smallest leaf index whose key is >= key
// (n.nkeys() if none), the cell a Get/Seek must land on to see the
// first member of a dupsort key's run rather than an arbitrary one.
func (t *btree) leafLowerBound(n node, key []byte) uint16 {
	nk := n.nkeys()
	for i := uint16(0); i < nk; i++ {
		if t.cmp(n.key(i), key) >= 0 {
			return i
		}
	}
	return nk
}

// lookupLEDup is lookupLE refined for dupsort leaf navigation: once the
// key matches it orders by vcmp(val) so inserts land in (key,val) order.
func (t *btree) lookupLEDup(n node, key, val []byte) uint16 {
	found := uint16(0)
	nk := n.nkeys()
	for i := uint16(1); i < nk; i++ {
		c := t.cmp(n.key(i), key)
		if c == 0 && n.kind() == nodeLeaf {
			c = t.vcmp(t.resolveVal(n, i), val)
		}
		if c <= 0 {
			found = i
		}
		if c > 0 {
			break
		}
	}
	return found
}

func (t *btree) Get(key []byte) ([]byte, bool) {
	if t.root == arena.NullPage {
		return nil, false
	}
	n := t.get(t.root)
	for {
		switch n.kind() {
		case nodeLeaf:
			idx := t.leafLowerBound(n, key)
			if idx < n.nkeys() && t.cmp(n.key(idx), key) == 0 {
				return t.resolveVal(n, idx), true
			}
			return nil, false
		case nodeInternal:
			idx := t.lookupLE(n, key)
			n = t.get(n.ptr(idx))
		default:
			return nil, false
		}
	}
}

// Put inserts or overwrites key/val under the given flags, spilling val
// to an overflow chain when it exceeds inlineCap. Dupsort DBIs insert a new (key,val)
// pair instead of overwriting (spec §3, §4.B): RESERVE and overflow are
// invalid there since dupsort values are always inline.
func (t *btree) Put(key, val []byte, flags int) error {
	if len(key) == 0 {
		return newErr("put", KindRange)
	}
	if t.dupSort {
		if len(val) > inlineCap(t.pageSize) {
			return newErr("put", KindFull)
		}
		return t.putDup(key, val, flags)
	}
	overflow := len(val) > inlineCap(t.pageSize)
	if overflow && flags&PutReserve != 0 {
		return newErr("put", KindFull)
	}
	storeVal := val
	if overflow {
		head := t.writeOverflow(val)
		storeVal = make([]byte, 12)
		binary.LittleEndian.PutUint64(storeVal[0:8], uint64(head))
		binary.LittleEndian.PutUint32(storeVal[8:12], uint32(len(val)))
	}

	if t.root == arena.NullPage {
		root := t.newNode(nodeLeaf)
		root.setHeader(nodeLeaf, 1)
		appendKV(root, 0, 0, key, storeVal, overflow)
		t.root = t.new(root)
		return nil
	}

	existed, err := t.checkNoOverwrite(key, flags)
	if err != nil {
		return err
	}
	_ = existed

	n := t.get(t.root)
	updated := t.treeInsert(n, key, storeVal, overflow)
	count, parts := t.split3(updated)
	if count > 1 {
		root := t.newNode(nodeInternal)
		root.setHeader(nodeInternal, count)
		for i := uint16(0); i < count; i++ {
			pg := t.new(parts[i])
			appendKV(root, i, pg, parts[i].key(0), nil, false)
		}
		t.root = t.new(root)
	} else {
		t.root = t.new(parts[0])
	}
	return nil
}

// putDup inserts (key,val) into a dupsort tree ordered by (key, vcmp).
// Inserting an already-present exact pair is a no-op (spec §3: distinct
// (key,value) pairs are unique); NOOVERWRITE fails EXISTS if the key has
// any entry at all, matching non-dupsort NOOVERWRITE's "key present"
// meaning.
func (t *btree) putDup(key, val []byte, flags int) error {
	if flags&PutReserve != 0 {
		return newErr("put", KindInvalidData)
	}
	if flags&PutNoOverwrite != 0 {
		if _, ok := t.Get(key); ok {
			return newErr("put", KindExists)
		}
	}
	if t.root == arena.NullPage {
		root := t.newNode(nodeLeaf)
		root.setHeader(nodeLeaf, 1)
		appendKV(root, 0, 0, key, val, false)
		t.root = t.new(root)
		return nil
	}

	n := t.get(t.root)
	updated, inserted := t.treeInsertDup(n, key, val)
	if !inserted {
		return nil
	}
	count, parts := t.split3(updated)
	if count > 1 {
		root := t.newNode(nodeInternal)
		root.setHeader(nodeInternal, count)
		for i := uint16(0); i < count; i++ {
			pg := t.new(parts[i])
			appendKV(root, i, pg, parts[i].key(0), nil, false)
		}
		t.root = t.new(root)
	} else {
		t.root = t.new(parts[0])
	}
	return nil
}

// treeInsertDup descends a dupsort tree inserting (key,val) in
// (key,vcmp) order. inserted is false when the exact pair already
// exists, signaling callers not to graft an unchanged subtree back in.
func (t *btree) treeInsertDup(n node, key, val []byte) (node, bool) {
	idx := t.lookupLEDup(n, key, val)
	switch n.kind() {
	case nodeLeaf:
		if idx < n.nkeys() && t.cmp(n.key(idx), key) == 0 && t.vcmp(t.resolveVal(n, idx), val) == 0 {
			return n, false
		}
		ins := idx
		if n.nkeys() > 0 {
			c := t.cmp(n.key(idx), key)
			if c == 0 {
				c = t.vcmp(t.resolveVal(n, idx), val)
			}
			if c < 0 {
				ins = idx + 1
			}
		}
		newN := node{data: make([]byte, 2*t.pageSize)}
		t.leafInsert(newN, n, ins, key, val, false)
		return newN, true
	case nodeInternal:
		kptr := n.ptr(idx)
		child := t.get(kptr)
		updated, inserted := t.treeInsertDup(child, key, val)
		if !inserted {
			return n, false
		}
		newN := node{data: make([]byte, 2*t.pageSize)}
		count, parts := t.split3(updated)
		t.replaceKidN(newN, n, idx, parts[:count]...)
		return newN, true
	}
	return n, false
}

func (t *btree) checkNoOverwrite(key []byte, flags int) (bool, error) {
	if flags&PutNoOverwrite == 0 {
		return false, nil
	}
	if _, ok := t.Get(key); ok {
		return true, newErr("put", KindExists)
	}
	return false, nil
}

// PutIf is the CAS put (spec §4.B put_if): replaces key's value only if
// the current value equals expected (nil expected means "must be absent").
// Not supported for dupsort, which has no single current value per key.
func (t *btree) PutIf(key, newVal, expected []byte) error {
	if t.dupSort {
		return newErr("put_if", KindInvalidData)
	}
	cur, ok := t.Get(key)
	if expected == nil {
		if ok {
			return newErr("put_if", KindConflict)
		}
	} else {
		if !ok {
			return newErr("put_if", KindNotFound)
		}
		if !bytes.Equal(cur, expected) {
			return newErr("put_if", KindConflict)
		}
	}
	return t.Put(key, newVal, 0)
}

func (t *btree) treeInsert(n node, key, val []byte, overflow bool) node {
	newN := node{data: make([]byte, 2*t.pageSize)}
	idx := t.lookupLE(n, key)
	switch n.kind() {
	case nodeLeaf:
		if idx < n.nkeys() && t.cmp(n.key(idx), key) == 0 {
			t.leafUpdate(newN, n, idx, key, val, overflow)
		} else {
			ins := idx
			if n.nkeys() > 0 && t.cmp(n.key(idx), key) < 0 {
				ins = idx + 1
			}
			t.leafInsert(newN, n, ins, key, val, overflow)
		}
	case nodeInternal:
		t.nodeInsert(newN, n, idx, key, val, overflow)
	}
	return newN
}

func (t *btree) leafInsert(dst, old node, idx uint16, key, val []byte, overflow bool) {
	dst.setHeader(nodeLeaf, old.nkeys()+1)
	appendRange(dst, 0, old, 0, idx)
	appendKV(dst, idx, 0, key, val, overflow)
	appendRange(dst, idx+1, old, idx, old.nkeys()-idx)
}

func (t *btree) leafUpdate(dst, old node, idx uint16, key, val []byte, overflow bool) {
	dst.setHeader(nodeLeaf, old.nkeys())
	appendRange(dst, 0, old, 0, idx)
	appendKV(dst, idx, 0, key, val, overflow)
	appendRange(dst, idx+1, old, idx+1, old.nkeys()-idx-1)
}

func (t *btree) nodeInsert(dst, old node, idx uint16, key, val []byte, overflow bool) {
	kptr := old.ptr(idx)
	child := t.get(kptr)
	updated := t.treeInsert(child, key, val, overflow)
	count, parts := t.split3(updated)
	t.replaceKidN(dst, old, idx, parts[:count]...)
}

func (t *btree) split3(old node) (uint16, [3]node) {
	if old.nbytes() <= uint16(t.pageSize) {
		small := node{data: old.data[:t.pageSize]}
		return 1, [3]node{small}
	}
	left := node{data: make([]byte, 2*t.pageSize)}
	right := node{data: make([]byte, t.pageSize)}
	t.split2(left, right, old)
	if left.nbytes() <= uint16(t.pageSize) {
		return 2, [3]node{left, right}
	}
	ll := node{data: make([]byte, t.pageSize)}
	mid := node{data: make([]byte, t.pageSize)}
	t.split2(ll, mid, left)
	return 3, [3]node{ll, mid, right}
}

func (t *btree) split2(left, right, old node) {
	mid := old.nkeys() / 2
	left.setHeader(old.kind(), mid)
	appendRange(left, 0, old, 0, mid)
	right.setHeader(old.kind(), old.nkeys()-mid)
	appendRange(right, 0, old, mid, old.nkeys()-mid)
}

func (t *btree) replaceKidN(dst, old node, idx uint16, kids ...node) {
	inc := uint16(len(kids))
	dst.setHeader(nodeInternal, old.nkeys()+inc-1)
	appendRange(dst, 0, old, 0, idx)
	for i, k := range kids {
		pg := t.new(k)
		appendKV(dst, idx+uint16(i), pg, k.key(0), nil, false)
	}
	appendRange(dst, idx+inc, old, idx+1, old.nkeys()-(idx+1))
}

// Del removes key. On a dupsort tree this removes the whole duplicate
// group for key. Returns the number of leaf entries removed (0 if key
// was absent).
func (t *btree) Del(key []byte) int {
	if t.root == arena.NullPage {
		return 0
	}
	n := t.get(t.root)
	updated, removed := t.treeDeleteMatch(n, key, nil, false)
	if removed == 0 {
		return 0
	}
	t.commitDeleteRoot(updated)
	return removed
}

// DelDup removes one specific (key,val) pair from a dupsort tree (spec
// §4.B del_dup, dupsort only).
func (t *btree) DelDup(key, val []byte) (bool, error) {
	if !t.dupSort {
		return false, newErr("del_dup", KindInvalidData)
	}
	if t.root == arena.NullPage {
		return false, nil
	}
	n := t.get(t.root)
	updated, removed := t.treeDeleteMatch(n, key, val, true)
	if removed == 0 {
		return false, nil
	}
	t.commitDeleteRoot(updated)
	return true, nil
}

func (t *btree) commitDeleteRoot(updated node) {
	if updated.kind() == nodeInternal && updated.nkeys() == 1 {
		t.root = updated.ptr(0)
	} else {
		t.root = t.new(updated)
	}
}

// treeDeleteMatch removes leaf entries matching key; when wantVal is
// set it narrows to the single entry whose value also equals val
// (dupsort's del_dup), otherwise it removes every entry in key's run
// (plain del, or a dupsort whole-key delete). Returns the removed count.
func (t *btree) treeDeleteMatch(n node, key, val []byte, wantVal bool) (node, int) {
	idx := t.lookupLE(n, key)
	switch n.kind() {
	case nodeLeaf:
		if idx >= n.nkeys() || t.cmp(n.key(idx), key) != 0 {
			return node{}, 0
		}
		lo, hi := idx, idx
		for lo > 0 && t.cmp(n.key(lo-1), key) == 0 {
			lo--
		}
		for hi+1 < n.nkeys() && t.cmp(n.key(hi+1), key) == 0 {
			hi++
		}
		if wantVal {
			match := -1
			for i := lo; i <= hi; i++ {
				if t.vcmp(t.resolveVal(n, i), val) == 0 {
					match = int(i)
					break
				}
			}
			if match < 0 {
				return node{}, 0
			}
			lo, hi = uint16(match), uint16(match)
		}
		removed := int(hi-lo) + 1
		newN := node{data: make([]byte, t.pageSize)}
		newN.setHeader(nodeLeaf, n.nkeys()-uint16(removed))
		appendRange(newN, 0, n, 0, lo)
		appendRange(newN, lo, n, hi+1, n.nkeys()-(hi+1))
		return newN, removed
	case nodeInternal:
		kptr := n.ptr(idx)
		child := t.get(kptr)
		updated, removed := t.treeDeleteMatch(child, key, val, wantVal)
		if removed == 0 {
			return node{}, 0
		}
		pg := t.new(updated)
		replacement := node{data: make([]byte, t.pageSize)}
		replacement.setHeader(nodeInternal, n.nkeys())
		appendRange(replacement, 0, n, 0, idx)
		appendKV(replacement, idx, pg, updated.key(0), nil, false)
		appendRange(replacement, idx+1, n, idx+1, n.nkeys()-(idx+1))
		return replacement, removed
	}
	return node{}, 0
}

// DelRange deletes all keys in [lo, hi) and reports the count.
func (t *btree) DelRange(lo, hi []byte) int {
	var keys [][]byte
	c := newBtreeCursor(t)
	if c.Seek(lo) {
		for {
			k, _ := c.Get()
			if hi != nil && t.cmp(k, hi) >= 0 {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
			if !c.Next() {
				break
			}
		}
	}
	n := 0
	for _, k := range keys {
		n += t.Del(k)
	}
	return n
}

// CountRange counts keys in [lo, hi).
func (t *btree) CountRange(lo, hi []byte) uint64 {
	var n uint64
	c := newBtreeCursor(t)
	if !c.Seek(lo) {
		return 0
	}
	for {
		k, _ := c.Get()
		if hi != nil && t.cmp(k, hi) >= 0 {
			break
		}
		n++
		if !c.Next() {
			break
		}
	}
	return n
}

// LoadSorted bulk-inserts pre-sorted keys/vals. Non-dupsort fails EXISTS
// on any duplicate key; dupsort accepts repeated keys (spec §4.B).
func (t *btree) LoadSorted(keys, vals [][]byte) error {
	flags := PutNoOverwrite
	if t.dupSort {
		flags = 0
	}
	for i := range keys {
		if err := t.Put(keys[i], vals[i], flags); err != nil {
			return err
		}
	}
	return nil
}

// Merge reads the current value (nil if absent), lets cb produce a
// replacement, and writes it back.
func (t *btree) Merge(key []byte, operand []byte, cb func(cur []byte, operand []byte) ([]byte, error)) error {
	cur, _ := t.Get(key)
	next, err := cb(cur, operand)
	if err != nil {
		return err
	}
	return t.Put(key, next, 0)
}
