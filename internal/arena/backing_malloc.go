package arena

import "fmt"

// mallocChunkPages is the number of pages each heap chunk holds; growth
// happens by appending a new chunk, never by reallocating an existing
// one, so pages already resolved by a reader stay valid across growth.
const mallocChunkPages = 1024

// mallocBacking is a pure in-memory Backing: no persistence, page 0 is
// never used (reserved null sentinel), pages are grouped into
// append-only chunks so growth never invalidates an already-resolved page.
type mallocBacking struct {
	pageSize int
	chunks   [][]byte // each chunk is mallocChunkPages*pageSize bytes
}

func newMallocBacking() *mallocBacking {
	return &mallocBacking{}
}

func (m *mallocBacking) Open(pageSize int) error {
	if err := validatePageSize(pageSize); err != nil {
		return err
	}
	m.pageSize = pageSize
	return nil
}

func (m *mallocBacking) Close() error { return nil }

func (m *mallocBacking) PageCount() int {
	return len(m.chunks) * mallocChunkPages
}

func (m *mallocBacking) ExtendTo(n int) error {
	for m.PageCount() < n {
		m.chunks = append(m.chunks, make([]byte, mallocChunkPages*m.pageSize))
	}
	return nil
}

func (m *mallocBacking) locate(pgno PageNo) (chunk int, offset int, err error) {
	idx := int(pgno)
	chunk = idx / mallocChunkPages
	offset = (idx % mallocChunkPages) * m.pageSize
	if chunk >= len(m.chunks) {
		return 0, 0, fmt.Errorf("arena: page %d out of range (have %d pages)", pgno, m.PageCount())
	}
	return chunk, offset, nil
}

func (m *mallocBacking) ReadPage(pgno PageNo) ([]byte, error) {
	chunk, offset, err := m.locate(pgno)
	if err != nil {
		return nil, err
	}
	return m.chunks[chunk][offset : offset+m.pageSize], nil
}

func (m *mallocBacking) WritePage(pgno PageNo, data []byte) error {
	if len(data) != m.pageSize {
		return fmt.Errorf("arena: write page %d: got %d bytes, want %d", pgno, len(data), m.pageSize)
	}
	chunk, offset, err := m.locate(pgno)
	if err != nil {
		return err
	}
	copy(m.chunks[chunk][offset:offset+m.pageSize], data)
	return nil
}

func (m *mallocBacking) Sync() error { return nil }
