package store

import (
	"encoding/binary"

	"github.com/lambkin-lang/sapling/internal/arena"
)

// MaxDBI bounds the DBI registry (spec §3: MAX_DBI >= 32).
const MaxDBI = 64

type DBIFlags uint32

const (
	DBIDupSort DBIFlags = 1 << iota
	DBITTLMeta
)

// DBI identifies a named sub-database within an Env.
type DBI uint32

type dbiDesc struct {
	inUse   bool
	flags   DBIFlags
	cmp     Comparator
	vcmp    Comparator
	root    arena.PageNo
	entries uint64
	depth   uint32
}

const superblockMagic = "SAPLMSTR"

// superblockSize must fit page 1; MaxDBI entries of (root u64, entries
// u64, flags u32, depth u32) = 24 bytes each, plus header.
func superblockSize() int { return 16 + MaxDBI*24 }

func (d *dbiDesc) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(d.root))
	binary.LittleEndian.PutUint64(buf[8:16], d.entries)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(d.flags))
	binary.LittleEndian.PutUint32(buf[20:24], d.depth)
}

func (d *dbiDesc) decode(buf []byte) {
	d.root = arena.PageNo(binary.LittleEndian.Uint64(buf[0:8]))
	d.entries = binary.LittleEndian.Uint64(buf[8:16])
	d.flags = DBIFlags(binary.LittleEndian.Uint32(buf[16:20]))
	d.depth = binary.LittleEndian.Uint32(buf[20:24])
	d.inUse = d.root != arena.NullPage || d.entries != 0 || d.flags != 0
}
