package arena

import (
	"bytes"
	"fmt"
	"os"
)

// mmapSig identifies a sapling arena file so a stray file doesn't get
// interpreted as one.
const mmapSig = "SAPLARN\x00"

const (
	protRead  = 0x1
	protWrite = 0x2
	mapShared = 0x1
)

// mmapBacking is a file-backed Backing using memory-mapped chunks: one
// growable file, mapped in append-only chunks so existing readers never
// see a chunk move underneath them.
type mmapBacking struct {
	path     string
	pageSize int
	fp       *os.File

	fileSize  int
	mmapTotal int
	chunks    [][]byte
}

func newMmapBacking(path string) *mmapBacking {
	return &mmapBacking{path: path}
}

func (b *mmapBacking) Open(pageSize int) error {
	if err := validatePageSize(pageSize); err != nil {
		return err
	}
	b.pageSize = pageSize

	fp, err := os.OpenFile(b.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("arena: open %s: %w", b.path, err)
	}
	b.fp = fp

	fi, err := fp.Stat()
	if err != nil {
		b.fp.Close()
		return fmt.Errorf("arena: stat %s: %w", b.path, err)
	}
	if fi.Size()%int64(pageSize) != 0 {
		b.fp.Close()
		return fmt.Errorf("arena: file size %d is not a multiple of page size %d", fi.Size(), pageSize)
	}

	mmapSize := 64 << 20
	for int64(mmapSize) < fi.Size() {
		mmapSize *= 2
	}
	if fi.Size() == 0 {
		mmapSize = pageSize * mallocChunkPages
	}

	chunk, err := mmapFile(b.fp.Fd(), 0, mmapSize, protRead|protWrite, mapShared)
	if err != nil {
		b.fp.Close()
		return fmt.Errorf("arena: mmap: %w", err)
	}

	b.fileSize = int(fi.Size())
	b.mmapTotal = len(chunk)
	b.chunks = [][]byte{chunk}

	if b.fileSize > 0 {
		header := b.chunks[0][:len(mmapSig)]
		if !bytes.Equal(header, []byte(mmapSig)) {
			return fmt.Errorf("arena: bad signature in %s", b.path)
		}
	} else {
		copy(b.chunks[0][:len(mmapSig)], mmapSig)
	}
	return nil
}

func (b *mmapBacking) Close() error {
	var firstErr error
	for _, c := range b.chunks {
		if err := unmapFile(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.fp.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (b *mmapBacking) PageCount() int {
	return b.mmapTotal / b.pageSize
}

func (b *mmapBacking) ExtendTo(n int) error {
	if err := b.extendFile(n); err != nil {
		return err
	}
	return b.extendMmap(n)
}

func (b *mmapBacking) extendFile(npages int) error {
	filePages := b.fileSize / b.pageSize
	if filePages >= npages {
		return nil
	}
	for filePages < npages {
		inc := filePages / 8
		if inc < 1 {
			inc = 1
		}
		filePages += inc
	}
	fileSize := filePages * b.pageSize
	if err := fallocateFile(b.fp.Fd(), 0, int64(fileSize)); err != nil {
		if err := b.fp.Truncate(int64(fileSize)); err != nil {
			return fmt.Errorf("arena: grow file: %w", err)
		}
	}
	b.fileSize = fileSize
	return nil
}

func (b *mmapBacking) extendMmap(npages int) error {
	if b.mmapTotal >= npages*b.pageSize {
		return nil
	}
	chunk, err := mmapFile(b.fp.Fd(), int64(b.mmapTotal), b.mmapTotal, protRead|protWrite, mapShared)
	if err != nil {
		return fmt.Errorf("arena: extend mmap: %w", err)
	}
	b.mmapTotal += b.mmapTotal
	b.chunks = append(b.chunks, chunk)
	return nil
}

func (b *mmapBacking) chunkFor(pgno PageNo) ([]byte, int, error) {
	idx := int(pgno)
	start := 0
	for _, chunk := range b.chunks {
		n := len(chunk) / b.pageSize
		if idx < start+n {
			return chunk, (idx - start) * b.pageSize, nil
		}
		start += n
	}
	return nil, 0, fmt.Errorf("arena: page %d out of range", pgno)
}

func (b *mmapBacking) ReadPage(pgno PageNo) ([]byte, error) {
	chunk, offset, err := b.chunkFor(pgno)
	if err != nil {
		return nil, err
	}
	return chunk[offset : offset+b.pageSize], nil
}

func (b *mmapBacking) WritePage(pgno PageNo, data []byte) error {
	if len(data) != b.pageSize {
		return fmt.Errorf("arena: write page %d: got %d bytes, want %d", pgno, len(data), b.pageSize)
	}
	chunk, offset, err := b.chunkFor(pgno)
	if err != nil {
		return err
	}
	copy(chunk[offset:offset+b.pageSize], data)
	return nil
}

func (b *mmapBacking) Sync() error {
	if err := b.fp.Sync(); err != nil {
		return fmt.Errorf("arena: fsync: %w", err)
	}
	return nil
}
