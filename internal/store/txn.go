package store

import (
	"sync/atomic"

	"github.com/lambkin-lang/sapling/internal/arena"
)

const (
	// TxnReadonly marks a Begin call as read-only (spec §4.D flags).
	TxnReadonly = 1 << 0
)

// Subsystem lets a module attach per-txn state via {OnBegin, OnCommit,
// OnAbort, OnEnvDestroy} callbacks (spec §4.D), registered in env.subs
// and invoked in registration order at each boundary.
type Subsystem interface {
	OnBegin(t *Txn)
	OnCommit(t *Txn) error
	OnAbort(t *Txn)
	OnEnvDestroy()
}

// writeRecord captures one committed write for watch dispatch.
type writeRecord struct {
	dbi DBI
	key []byte
	val []byte
	del bool
}

// Txn is a top-level or nested transaction. Read-only transactions pin
// a snapshot of DBI roots at Begin; write transactions shadow them and
// graft into the parent (or the environment) at Commit.
type Txn struct {
	env      *Env
	parent   *Txn
	readonly bool
	id       uint64

	roots   [MaxDBI]arena.PageNo
	entries [MaxDBI]uint64

	scratch *arena.Scratch
	writes  []writeRecord

	subState []interface{}

	done bool
}

// Begin starts a transaction. A top-level write-txn contends for the
// environment's single writer slot via a non-blocking CAS: on
// contention it returns KindBusy immediately rather than blocking
// (spec §5).
func Begin(env *Env, parent *Txn, flags int) (*Txn, error) {
	readonly := flags&TxnReadonly != 0

	if parent != nil {
		if parent.done {
			return nil, newErr("begin", KindError)
		}
		child := &Txn{
			env:      env,
			parent:   parent,
			readonly: readonly || parent.readonly,
			id:       atomic.AddUint64(&env.nextTxnID, 1),
			roots:    parent.roots,
			entries:  parent.entries,
			subState: make([]interface{}, len(env.subs)),
		}
		for _, s := range env.subs {
			s.OnBegin(child)
		}
		return child, nil
	}

	if !readonly {
		if !atomic.CompareAndSwapUint32(&env.writerBusy, 0, 1) {
			env.metrics.busyRetries.Inc()
			return nil, newErr("begin", KindBusy)
		}
	}

	env.mu.RLock()
	t := &Txn{
		env:      env,
		readonly: readonly,
		id:       atomic.AddUint64(&env.nextTxnID, 1),
		subState: make([]interface{}, len(env.subs)),
	}
	for i := range env.dbis {
		t.roots[i] = env.dbis[i].root
		t.entries[i] = env.dbis[i].entries
	}
	env.mu.RUnlock()

	if !readonly {
		scratch, err := arena.NewScratch(env.ar)
		if err != nil {
			atomic.StoreUint32(&env.writerBusy, 0)
			return nil, wrapErr("begin", KindError, err)
		}
		t.scratch = scratch
	}
	for _, s := range env.subs {
		s.OnBegin(t)
	}
	return t, nil
}

func (t *Txn) dbiTree(dbi DBI) (*btree, error) {
	if dbi >= MaxDBI {
		return nil, newErr("txn", KindRange)
	}
	t.env.mu.RLock()
	d := t.env.dbis[dbi]
	t.env.mu.RUnlock()
	if !d.inUse {
		return nil, newErr("txn", KindNotFound)
	}
	cmp := d.cmp
	if cmp == nil {
		cmp = DefaultComparator
	}
	vcmp := d.vcmp
	if vcmp == nil {
		vcmp = DefaultComparator
	}
	bt := &btree{
		root:     t.roots[dbi],
		pageSize: t.env.ar.PageSize(),
		cmp:      cmp,
		dupSort:  d.flags&DBIDupSort != 0,
		vcmp:     vcmp,
		get: func(pg arena.PageNo) node {
			buf, err := t.env.ar.Resolve(pg)
			if err != nil {
				return node{data: make([]byte, t.env.ar.PageSize())}
			}
			return node{data: buf}
		},
		new: func(n node) arena.PageNo {
			pg, buf, err := t.env.ar.AllocPage()
			if err != nil {
				return arena.NullPage
			}
			copy(buf, n.data)
			if err := t.env.ar.Write(pg, buf); err != nil {
				return arena.NullPage
			}
			return pg
		},
		del: func(arena.PageNo) {
			// COW-replaced pages are intentionally not reclaimed (see
			// DESIGN.md); the arena grows monotonically within a run.
		},
	}
	return bt, nil
}

func (t *Txn) checkWritable(op string) error {
	if t.done {
		return newErr(op, KindError)
	}
	if t.readonly {
		return newErr(op, KindReadonly)
	}
	return nil
}

func (t *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	bt, err := t.dbiTree(dbi)
	if err != nil {
		return nil, err
	}
	val, ok := bt.Get(key)
	if !ok {
		return nil, newErr("get", KindNotFound)
	}
	return val, nil
}

func (t *Txn) Put(dbi DBI, key, val []byte, flags int) error {
	if err := t.checkWritable("put"); err != nil {
		return err
	}
	bt, err := t.dbiTree(dbi)
	if err != nil {
		return err
	}
	_, existed := bt.Get(key)
	if err := bt.Put(key, val, flags); err != nil {
		return err
	}
	t.roots[dbi] = bt.root
	if !existed {
		t.entries[dbi]++
	}
	t.writes = append(t.writes, writeRecord{dbi: dbi, key: append([]byte(nil), key...), val: append([]byte(nil), val...)})
	return nil
}

func (t *Txn) PutIf(dbi DBI, key, newVal, expected []byte) error {
	if err := t.checkWritable("put_if"); err != nil {
		return err
	}
	bt, err := t.dbiTree(dbi)
	if err != nil {
		return err
	}
	_, existed := bt.Get(key)
	if err := bt.PutIf(key, newVal, expected); err != nil {
		return err
	}
	t.roots[dbi] = bt.root
	if !existed {
		t.entries[dbi]++
	}
	t.writes = append(t.writes, writeRecord{dbi: dbi, key: append([]byte(nil), key...), val: append([]byte(nil), newVal...)})
	return nil
}

func (t *Txn) Del(dbi DBI, key []byte) error {
	if err := t.checkWritable("del"); err != nil {
		return err
	}
	bt, err := t.dbiTree(dbi)
	if err != nil {
		return err
	}
	removed := bt.Del(key)
	if removed == 0 {
		return newErr("del", KindNotFound)
	}
	t.roots[dbi] = bt.root
	if uint64(removed) < t.entries[dbi] {
		t.entries[dbi] -= uint64(removed)
	} else {
		t.entries[dbi] = 0
	}
	t.writes = append(t.writes, writeRecord{dbi: dbi, key: append([]byte(nil), key...), del: true})
	return nil
}

// DelDup removes one (key,val) pair from a dupsort DBI (spec §4.B
// del_dup). Non-dupsort DBIs reject this with INVALID_DATA.
func (t *Txn) DelDup(dbi DBI, key, val []byte) error {
	if err := t.checkWritable("del_dup"); err != nil {
		return err
	}
	bt, err := t.dbiTree(dbi)
	if err != nil {
		return err
	}
	ok, err := bt.DelDup(key, val)
	if err != nil {
		return err
	}
	if !ok {
		return newErr("del_dup", KindNotFound)
	}
	t.roots[dbi] = bt.root
	if t.entries[dbi] > 0 {
		t.entries[dbi]--
	}
	t.writes = append(t.writes, writeRecord{dbi: dbi, key: append([]byte(nil), key...), val: append([]byte(nil), val...), del: true})
	return nil
}

func (t *Txn) DelRange(dbi DBI, lo, hi []byte) (int, error) {
	if err := t.checkWritable("del_range"); err != nil {
		return 0, err
	}
	bt, err := t.dbiTree(dbi)
	if err != nil {
		return 0, err
	}
	n := bt.DelRange(lo, hi)
	t.roots[dbi] = bt.root
	if uint64(n) < t.entries[dbi] {
		t.entries[dbi] -= uint64(n)
	} else {
		t.entries[dbi] = 0
	}
	return n, nil
}

func (t *Txn) CountRange(dbi DBI, lo, hi []byte) (uint64, error) {
	bt, err := t.dbiTree(dbi)
	if err != nil {
		return 0, err
	}
	return bt.CountRange(lo, hi), nil
}

func (t *Txn) LoadSorted(dbi DBI, keys, vals [][]byte) error {
	if err := t.checkWritable("load_sorted"); err != nil {
		return err
	}
	bt, err := t.dbiTree(dbi)
	if err != nil {
		return err
	}
	if err := bt.LoadSorted(keys, vals); err != nil {
		return err
	}
	t.roots[dbi] = bt.root
	t.entries[dbi] += uint64(len(keys))
	return nil
}

func (t *Txn) Merge(dbi DBI, key, operand []byte, cb func(cur, operand []byte) ([]byte, error)) error {
	if err := t.checkWritable("merge"); err != nil {
		return err
	}
	bt, err := t.dbiTree(dbi)
	if err != nil {
		return err
	}
	_, existed := bt.Get(key)
	if err := bt.Merge(key, operand, cb); err != nil {
		return err
	}
	t.roots[dbi] = bt.root
	if !existed {
		t.entries[dbi]++
	}
	return nil
}

// SubState returns the per-subsystem state slot for idx: nil until
// SetSubState stores a value. Subsystems use this to attach
// transactional scratch state.
func (t *Txn) SubState(idx int) interface{} {
	if idx < 0 || idx >= len(t.subState) {
		return nil
	}
	return t.subState[idx]
}

func (t *Txn) SetSubState(idx int, v interface{}) {
	if idx < 0 || idx >= len(t.subState) {
		return
	}
	t.subState[idx] = v
}

// Commit finalizes a transaction. A nested commit grafts its shadow
// roots into the parent's working view; nothing is durable until the
// outermost commit, which fires subsystem OnCommit callbacks, flushes
// the DBI registry, and releases the writer slot and scratch page.
func (t *Txn) Commit() error {
	if t.done {
		return newErr("commit", KindError)
	}
	t.done = true
	if t.readonly && t.parent == nil {
		return nil
	}

	if t.parent != nil {
		p := t.parent
		p.roots = t.roots
		p.entries = t.entries
		p.writes = append(p.writes, t.writes...)
		for _, s := range t.env.subs {
			if err := s.OnCommit(t); err != nil {
				return err
			}
		}
		return nil
	}

	env := t.env
	env.mu.Lock()
	for i := range env.dbis {
		env.dbis[i].root = t.roots[i]
		env.dbis[i].entries = t.entries[i]
	}
	err := env.flushSuperblock()
	env.mu.Unlock()
	if err != nil {
		t.release()
		return err
	}

	for _, s := range env.subs {
		if err := s.OnCommit(t); err != nil {
			t.release()
			return err
		}
	}
	env.metrics.commits.Inc()
	t.release()
	return nil
}

// Abort discards all staged state. Aborting a parent implicitly
// discards any children (they hold no state once their own Abort or
// Commit has run; an unreleased child left dangling by caller error
// simply has no further effect on the environment).
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	for _, s := range t.env.subs {
		s.OnAbort(t)
	}
	t.env.metrics.aborts.Inc()
	if t.parent == nil {
		t.release()
	}
}

func (t *Txn) release() {
	if t.scratch != nil {
		t.scratch.Release()
		t.scratch = nil
	}
	if t.parent == nil && !t.readonly {
		atomic.StoreUint32(&t.env.writerBusy, 0)
	}
}

func (t *Txn) ID() uint64      { return t.id }
func (t *Txn) Readonly() bool  { return t.readonly }
func (t *Txn) Writes() []writeRecord { return t.writes }
