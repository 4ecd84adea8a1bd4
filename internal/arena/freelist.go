package arena

import "encoding/binary"

// freeList is a persistent linked list of free page numbers, threaded
// through reserved header fields of the free-list pages themselves. The
// B+ tree never returns COW-replaced pages to this list (see DESIGN.md);
// it exists as a first-class arena primitive for pages an owner knows
// are safe to recycle immediately, such as a txn's private scratch page.
//
// Free List Node layout, one page:
//
//	| total (8B) | next (8B) | count (2B) | pgno...(count*4B) |
const (
	flHeaderSize = 8 + 8 + 2
)

type freeList struct {
	head  PageNo
	cap   int // max entries per free-list node, derived from page size
	arena *Arena

	freeListHeadResets uint64 // hardening counter, spec §4.A
}

func newFreeList(a *Arena) *freeList {
	return &freeList{arena: a, cap: (a.pageSize - flHeaderSize) / 4}
}

func (fl *freeList) flTotal(node []byte) uint64  { return binary.LittleEndian.Uint64(node[0:8]) }
func (fl *freeList) flNext(node []byte) PageNo   { return PageNo(binary.LittleEndian.Uint64(node[8:16])) }
func (fl *freeList) flCount(node []byte) int     { return int(binary.LittleEndian.Uint16(node[16:18])) }
func (fl *freeList) flSetTotal(node []byte, t uint64) {
	binary.LittleEndian.PutUint64(node[0:8], t)
}
func (fl *freeList) flSetNext(node []byte, n PageNo) {
	binary.LittleEndian.PutUint64(node[8:16], uint64(n))
}
func (fl *freeList) flSetCount(node []byte, c int) {
	binary.LittleEndian.PutUint16(node[16:18], uint16(c))
}
func (fl *freeList) flEntry(node []byte, i int) PageNo {
	return PageNo(binary.LittleEndian.Uint32(node[flHeaderSize+4*i:]))
}
func (fl *freeList) flSetEntry(node []byte, i int, pgno PageNo) {
	binary.LittleEndian.PutUint32(node[flHeaderSize+4*i:], uint32(pgno))
}

// pop removes and returns one page number from the free list, or
// NullPage if the list is empty or corrupt.
func (fl *freeList) pop() PageNo {
	if fl.head == NullPage {
		return NullPage
	}
	node, err := fl.arena.backing.ReadPage(fl.head)
	if err != nil || len(node) < flHeaderSize {
		// corrupt free-list head: reset rather than return an unsafe ptr.
		fl.head = NullPage
		fl.freeListHeadResets++
		return NullPage
	}
	count := fl.flCount(node)
	if count < 0 || count > fl.cap {
		fl.head = NullPage
		fl.freeListHeadResets++
		return NullPage
	}
	if count == 0 {
		// the node page has no stored entries left, so the node page
		// itself (stolen to host the node on push) is now free.
		pgno := fl.head
		fl.head = fl.flNext(node)
		return pgno
	}
	pgno := fl.flEntry(node, count-1)
	buf := make([]byte, len(node))
	copy(buf, node)
	fl.flSetCount(buf, count-1)
	if err := fl.arena.backing.WritePage(fl.head, buf); err != nil {
		fl.head = NullPage
		fl.freeListHeadResets++
		return NullPage
	}
	return pgno
}

// push adds freed page numbers back onto the list, packing them into
// list nodes of fl.cap entries, reusing one of the freed pages itself as
// the new node when needed.
func (fl *freeList) push(freed []PageNo) {
	if len(freed) == 0 {
		return
	}
	for len(freed) > 0 {
		n := len(freed)
		if n > fl.cap {
			n = fl.cap
		}
		// steal the last page of this batch to host the node itself.
		nodePg := freed[n-1]
		entries := freed[:n-1]
		freed = freed[n:]

		buf := make([]byte, fl.arena.pageSize)
		fl.flSetNext(buf, fl.head)
		fl.flSetCount(buf, len(entries))
		fl.flSetTotal(buf, uint64(len(entries))+1)
		for i, pg := range entries {
			fl.flSetEntry(buf, i, pg)
		}
		if err := fl.arena.backing.WritePage(nodePg, buf); err != nil {
			return
		}
		fl.head = nodePg
	}
}
