package arena

import "fmt"

// NodeRef is an index into a Scratch's private node table. NullRef (0)
// means "no node", matching PageNo's null-is-zero convention.
type NodeRef uint32

const NullRef NodeRef = 0

// Scratch is a per-txn bump allocator over one arena page. A store
// write txn holds one from Begin until it commits or aborts; the B+
// tree code does not allocate from it (it builds nodes on the Go heap
// and writes each one to a page from Arena.AllocPage as the write is
// applied).
//
// Backed by a single fixed-size page owned by the arena, so the
// allocator participates in the same free-list recycling as any other
// page once the owning txn ends; the page does not grow.
type Scratch struct {
	arena *Arena
	pgno  PageNo
	buf   []byte
	off   int

	nodes []nodeSlot
}

type nodeSlot struct {
	off, size int
}

// NewScratch allocates the backing page for a new Scratch from the
// arena. Call Release when the owning txn commits or aborts.
func NewScratch(a *Arena) (*Scratch, error) {
	pgno, buf, err := a.AllocPage()
	if err != nil {
		return nil, err
	}
	return &Scratch{arena: a, pgno: pgno, buf: buf, nodes: []nodeSlot{{}}}, nil
}

// Release returns the scratch page to the arena's free list. The
// caller must not use the Scratch afterward.
func (s *Scratch) Release() {
	s.arena.FreePage(s.pgno)
	s.buf = nil
}

// Alloc reserves size bytes in the scratch page and returns a ref to
// them plus the backing slice to fill in. Returns an error once the
// scratch page is full; the caller should flush accumulated nodes to
// real pages and start a fresh Scratch.
func (s *Scratch) Alloc(size int) (NodeRef, []byte, error) {
	if s.off+size > len(s.buf) {
		return NullRef, nil, fmt.Errorf("arena: scratch page exhausted (used %d of %d)", s.off, len(s.buf))
	}
	ref := NodeRef(len(s.nodes))
	s.nodes = append(s.nodes, nodeSlot{off: s.off, size: size})
	region := s.buf[s.off : s.off+size]
	s.off += size
	return ref, region, nil
}

// Resolve returns the bytes previously allocated under ref.
func (s *Scratch) Resolve(ref NodeRef) ([]byte, error) {
	if ref == NullRef || int(ref) >= len(s.nodes) {
		return nil, fmt.Errorf("arena: invalid scratch ref %d", ref)
	}
	slot := s.nodes[ref]
	return s.buf[slot.off : slot.off+slot.size], nil
}

// Remaining reports how many bytes are left before Alloc will fail.
func (s *Scratch) Remaining() int {
	return len(s.buf) - s.off
}
