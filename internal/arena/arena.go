package arena

import (
	"fmt"
	"sync"
)

// Arena is the page allocator sitting on top of a Backing: it hands out
// page numbers, resolves them to byte slices, and recycles pages an
// owner explicitly marks free. It does not itself know anything about
// B+ trees; the store package drives it.
type Arena struct {
	mu sync.Mutex

	backing  Backing
	pageSize int
	nextPage PageNo // high-water mark; grows monotonically, never reused by COW replacement

	free *freeList
}

// Options configure a new Arena via functional options.
type Options struct {
	PageSize int
	Backing  Backing
}

type Option func(*Options)

func WithPageSize(n int) Option {
	return func(o *Options) { o.PageSize = n }
}

func WithBacking(b Backing) Option {
	return func(o *Options) { o.Backing = b }
}

// New opens an Arena. Page 0 is reserved as the null page and is never
// handed out by AllocPage.
func New(opts ...Option) (*Arena, error) {
	o := &Options{PageSize: DefaultPageSize}
	for _, fn := range opts {
		fn(o)
	}
	if o.Backing == nil {
		o.Backing = newMallocBacking()
	}
	if err := validatePageSize(o.PageSize); err != nil {
		return nil, err
	}
	if err := o.Backing.Open(o.PageSize); err != nil {
		return nil, err
	}
	a := &Arena{
		backing:  o.Backing,
		pageSize: o.PageSize,
		nextPage: 1,
	}
	a.free = newFreeList(a)
	if err := a.backing.ExtendTo(int(a.nextPage) + 1); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arena) PageSize() int { return a.pageSize }

// Close releases the underlying backing.
func (a *Arena) Close() error {
	return a.backing.Close()
}

// AllocPage returns a fresh or recycled page number and its zeroed
// backing bytes.
func (a *Arena) AllocPage() (PageNo, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pg := a.free.pop(); pg != NullPage {
		buf, err := a.backing.ReadPage(pg)
		if err != nil {
			return NullPage, nil, err
		}
		for i := range buf {
			buf[i] = 0
		}
		return pg, buf, nil
	}

	pg := a.nextPage
	a.nextPage++
	if err := a.backing.ExtendTo(int(a.nextPage)); err != nil {
		a.nextPage--
		return NullPage, nil, err
	}
	buf, err := a.backing.ReadPage(pg)
	if err != nil {
		return NullPage, nil, err
	}
	for i := range buf {
		buf[i] = 0
	}
	return pg, buf, nil
}

// FreePage returns pages to the recycling pool. Callers must guarantee
// no live reader can still reach these pages — the B+ tree commit path
// never calls this for COW-replaced nodes (see DESIGN.md); it is used
// only for pages an owner privately allocated and is done with, such as
// a txn's scratch page.
func (a *Arena) FreePage(pages ...PageNo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free.push(pages)
}

// Resolve returns the backing bytes for an already-allocated page.
func (a *Arena) Resolve(pgno PageNo) ([]byte, error) {
	if pgno == NullPage {
		return nil, fmt.Errorf("arena: resolve null page")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backing.ReadPage(pgno)
}

// Write persists data at pgno. len(data) must equal PageSize().
func (a *Arena) Write(pgno PageNo, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backing.WritePage(pgno, data)
}

// Sync flushes buffered writes to the backing's durable medium, if any.
func (a *Arena) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backing.Sync()
}

// FreeListHeadResets reports how many times a corrupt free-list head was
// detected and discarded rather than trusted, the hardening counter the
// store layer surfaces as a corruption metric.
func (a *Arena) FreeListHeadResets() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.freeListHeadResets
}

// PageCount reports the current high-water mark of allocated pages,
// including page 0.
func (a *Arena) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.nextPage)
}
