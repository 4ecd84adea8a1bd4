package store

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lambkin-lang/sapling/internal/arena"
)

// superblockPage is the reserved page holding the DBI registry. Page 0
// is the arena's null sentinel, so the registry lives at page 1.
const superblockPage = arena.PageNo(1)

// Stat reports environment-wide counters (spec §4.C stat).
type Stat struct {
	PageSize       int
	PageCount      int
	DBICount       int
	WriteTxnActive bool
	NextTxnID      uint64
}

// DBIStat reports per-DBI counters.
type DBIStat struct {
	Entries uint64
	Depth   uint32
	Root    arena.PageNo
	Flags   DBIFlags
}

// Env is an opened Sapling environment: one arena, one DBI registry,
// and the subsystems (watcher, metrics) hung off it.
type Env struct {
	mu   sync.RWMutex
	ar   *arena.Arena
	dbis [MaxDBI]dbiDesc

	writerBusy uint32 // atomic CAS gate, spec §5 (non-blocking)
	nextTxnID  uint64

	watcher *Watcher
	subs    []Subsystem

	metrics *envMetrics
	log     zerolog.Logger
}

// Options configure Env.Open via functional options, the pattern used
// throughout this module for construction-time configuration.
type Options struct {
	PageSize int
	Backing  arena.Backing
	Path     string
	Registry prometheus.Registerer
	Logger   *zerolog.Logger
}

type Option func(*Options)

func WithPageSize(n int) Option        { return func(o *Options) { o.PageSize = n } }
func WithBacking(b arena.Backing) Option { return func(o *Options) { o.Backing = b } }
func WithPath(p string) Option         { return func(o *Options) { o.Path = p } }
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) { o.Registry = r }
}
func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = &l } }

// Open constructs a new Env. If opts.Backing is nil, a malloc backing
// is used (no persistence). BackingMmap callers should construct and
// pass their own Backing via WithBacking, matching arena.NewBacking.
func Open(opts ...Option) (*Env, error) {
	o := &Options{PageSize: arena.DefaultPageSize}
	for _, fn := range opts {
		fn(o)
	}
	logger := log.Logger
	if o.Logger != nil {
		logger = *o.Logger
	}

	arenaOpts := []arena.Option{arena.WithPageSize(o.PageSize)}
	if o.Backing != nil {
		arenaOpts = append(arenaOpts, arena.WithBacking(o.Backing))
	}
	ar, err := arena.New(arenaOpts...)
	if err != nil {
		return nil, wrapErr("open", KindError, err)
	}

	env := &Env{
		ar:      ar,
		nextTxnID: 1,
		metrics: newEnvMetrics(o.Registry),
		log:     logger.With().Str("component", "store").Logger(),
	}
	env.watcher = newWatcher(env)
	env.subs = append(env.subs, env.watcher)
	env.metrics.registerFreeListGauge(o.Registry, func() float64 { return float64(ar.FreeListHeadResets()) })

	if err := env.loadOrInitSuperblock(); err != nil {
		return nil, err
	}
	env.log.Debug().Int("page_size", o.PageSize).Msg("environment opened")
	return env, nil
}

func (e *Env) loadOrInitSuperblock() error {
	if e.ar.PageCount() > int(superblockPage) {
		buf, err := e.ar.Resolve(superblockPage)
		if err == nil && len(buf) >= len(superblockMagic) && string(buf[:len(superblockMagic)]) == superblockMagic {
			e.decodeSuperblock(buf)
			return nil
		}
	}
	for e.ar.PageCount() <= int(superblockPage) {
		if _, _, err := e.ar.AllocPage(); err != nil {
			return wrapErr("open", KindError, err)
		}
	}
	for i := range e.dbis {
		e.dbis[i] = dbiDesc{}
	}
	return e.flushSuperblock()
}

func (e *Env) decodeSuperblock(buf []byte) {
	off := len(superblockMagic)
	for i := 0; i < MaxDBI; i++ {
		entry := buf[off+i*24 : off+(i+1)*24]
		e.dbis[i].decode(entry)
		if e.dbis[i].flags&DBIDupSort != 0 {
			e.dbis[i].vcmp = DefaultComparator
		}
		if e.dbis[i].inUse {
			e.dbis[i].cmp = DefaultComparator
		}
	}
}

func (e *Env) flushSuperblock() error {
	buf := make([]byte, e.ar.PageSize())
	copy(buf, superblockMagic)
	off := len(superblockMagic)
	for i := 0; i < MaxDBI; i++ {
		e.dbis[i].encode(buf[off+i*24 : off+(i+1)*24])
	}
	return e.ar.Write(superblockPage, buf)
}

// DBIOpen assigns (or reopens) a DBI. Requires no active write-txn.
func (e *Env) DBIOpen(dbi DBI, cmp Comparator, flags DBIFlags) error {
	if dbi >= MaxDBI {
		return newErr("dbi_open", KindRange)
	}
	if atomic.LoadUint32(&e.writerBusy) != 0 {
		return newErr("dbi_open", KindBusy)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cmp == nil {
		cmp = DefaultComparator
	}
	d := &e.dbis[dbi]
	d.inUse = true
	d.cmp = cmp
	d.flags = flags
	return e.flushSuperblock()
}

// DBISetDupSort marks dbi as sorted-duplicates with the given value
// comparator. Requires no active write-txn and that dbi is non-TTL.
func (e *Env) DBISetDupSort(dbi DBI, vcmp Comparator) error {
	if dbi >= MaxDBI {
		return newErr("dbi_set_dupsort", KindRange)
	}
	if atomic.LoadUint32(&e.writerBusy) != 0 {
		return newErr("dbi_set_dupsort", KindBusy)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d := &e.dbis[dbi]
	if !d.inUse {
		return newErr("dbi_set_dupsort", KindNotFound)
	}
	if d.flags&DBITTLMeta != 0 {
		return newErr("dbi_set_dupsort", KindInvalidData)
	}
	if vcmp == nil {
		vcmp = DefaultComparator
	}
	d.flags |= DBIDupSort
	d.vcmp = vcmp
	return e.flushSuperblock()
}

func (e *Env) Stat() Stat {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for i := range e.dbis {
		if e.dbis[i].inUse {
			n++
		}
	}
	return Stat{
		PageSize:       e.ar.PageSize(),
		PageCount:      e.ar.PageCount(),
		DBICount:       n,
		WriteTxnActive: atomic.LoadUint32(&e.writerBusy) != 0,
		NextTxnID:      atomic.LoadUint64(&e.nextTxnID),
	}
}

func (e *Env) DBIStat(dbi DBI) (DBIStat, error) {
	if dbi >= MaxDBI {
		return DBIStat{}, newErr("dbi_stat", KindRange)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	d := e.dbis[dbi]
	if !d.inUse {
		return DBIStat{}, newErr("dbi_stat", KindNotFound)
	}
	return DBIStat{Entries: d.entries, Depth: d.depth, Root: d.root, Flags: d.flags}, nil
}

// Watcher exposes the environment's watch-registration subsystem.
func (e *Env) Watcher() *Watcher { return e.watcher }

// FreeListHeadResets surfaces the arena's corruption-hardening counter.
func (e *Env) FreeListHeadResets() uint64 { return e.ar.FreeListHeadResets() }

func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushSuperblock(); err != nil {
		return err
	}
	if err := e.ar.Sync(); err != nil {
		return err
	}
	return e.ar.Close()
}
