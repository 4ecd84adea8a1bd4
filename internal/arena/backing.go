package arena

import "fmt"

// Backing is the pluggable storage hook set a page arena is built on top
// of: malloc-backed (pure heap, no persistence), mmap-backed (file +
// memory-mapped chunks), or a fully custom caller-supplied implementation.
// Implementations must keep previously returned chunks valid (never
// reallocated in place) so that readers holding an older snapshot can
// keep dereferencing pages while a writer extends the backing store.
type Backing interface {
	// Open prepares the backing for the given page size. Called once.
	Open(pageSize int) error
	// Close releases any OS resources held by the backing.
	Close() error
	// PageCount reports how many pages are currently addressable.
	PageCount() int
	// ExtendTo grows the backing so that at least n pages are addressable.
	ExtendTo(n int) error
	// ReadPage resolves pgno to its backing bytes. The slice aliases the
	// backing's storage and is valid until the backing is closed.
	ReadPage(pgno PageNo) ([]byte, error)
	// WritePage copies data into the page at pgno. len(data) must equal
	// the configured page size.
	WritePage(pgno PageNo, data []byte) error
	// Sync flushes any buffered writes to durable storage. A no-op for
	// purely in-memory backings.
	Sync() error
}

// BackingKind enumerates the built-in Backing options (spec §4.A).
type BackingKind int

const (
	// BackingMalloc keeps all pages in process heap memory; nothing is
	// persisted across process restarts.
	BackingMalloc BackingKind = iota
	// BackingMmap memory-maps a regular file, growing it and the mapping
	// as needed.
	BackingMmap
	// BackingCustom defers entirely to a caller-supplied Backing value.
	BackingCustom
)

// NewBacking constructs a built-in Backing. For BackingCustom, use the
// caller-supplied Backing directly instead of calling NewBacking.
func NewBacking(kind BackingKind, path string) (Backing, error) {
	switch kind {
	case BackingMalloc:
		return newMallocBacking(), nil
	case BackingMmap:
		return newMmapBacking(path), nil
	default:
		return nil, fmt.Errorf("arena: NewBacking does not construct BackingCustom; supply one directly")
	}
}
