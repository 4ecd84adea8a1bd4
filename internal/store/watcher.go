package store

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// WatchCallback is invoked for each written key whose prefix matches a
// registration. Implementations must not call back into the
// environment for write operations (spec §4.E).
type WatchCallback func(dbi DBI, key, val []byte, deleted bool)

type watchReg struct {
	dbi    DBI
	prefix []byte
	cb     WatchCallback
	id     uintptr
}

// Watcher is the environment's watch-registration Subsystem: it holds
// (dbi, prefix, callback) registrations and, after a top-level commit,
// dispatches every registration whose prefix matches a written key.
// Delivery order within a commit is unspecified (spec §4.E, §9).
type Watcher struct {
	env  *Env
	mu   sync.Mutex
	regs []*watchReg
	next uintptr
}

func newWatcher(env *Env) *Watcher {
	return &Watcher{env: env}
}

// checkRegisterable rejects registration changes while a write-txn is
// active and on DUPSORT DBIs (spec §4.E: "Register/unregister during an
// active write-txn -> BUSY"; "DUPSORT DBIs may not be watched").
func (w *Watcher) checkRegisterable(op string, dbi DBI) error {
	if dbi >= MaxDBI {
		return newErr(op, KindRange)
	}
	if atomic.LoadUint32(&w.env.writerBusy) != 0 {
		return newErr(op, KindBusy)
	}
	w.env.mu.RLock()
	dupSort := w.env.dbis[dbi].flags&DBIDupSort != 0
	w.env.mu.RUnlock()
	if dupSort {
		return newErr(op, KindInvalidData)
	}
	return nil
}

// Register adds a (dbi, prefix, callback) watch. Registrations are keyed
// by (dbi, prefix) only: a second registration for the same pair is
// rejected with EXISTS whatever its callback, so two different
// callbacks cannot watch the same prefix of one dbi.
// The identity returned must be used to Unregister later.
func (w *Watcher) Register(dbi DBI, prefix []byte, cb WatchCallback) (uintptr, error) {
	if err := w.checkRegisterable("watch_register", dbi); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.regs {
		if r.dbi == dbi && bytes.Equal(r.prefix, prefix) {
			return 0, newErr("watch_register", KindExists)
		}
	}
	w.next++
	id := w.next
	w.regs = append(w.regs, &watchReg{dbi: dbi, prefix: append([]byte(nil), prefix...), cb: cb, id: id})
	return id, nil
}

func (w *Watcher) Unregister(id uintptr) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := -1
	for i, r := range w.regs {
		if r.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return newErr("watch_unregister", KindNotFound)
	}
	if atomic.LoadUint32(&w.env.writerBusy) != 0 {
		return newErr("watch_unregister", KindBusy)
	}
	w.regs = append(w.regs[:idx], w.regs[idx+1:]...)
	return nil
}

func (w *Watcher) OnBegin(t *Txn) {}

// OnCommit dispatches matching registrations for a top-level commit's
// write-set. Nested (non-top-level) commits don't dispatch; writes
// only become durable at the outermost commit.
func (w *Watcher) OnCommit(t *Txn) error {
	if t.parent != nil {
		return nil
	}
	w.mu.Lock()
	regs := append([]*watchReg(nil), w.regs...)
	w.mu.Unlock()

	for _, rec := range t.writes {
		for _, r := range regs {
			if r.dbi != rec.dbi {
				continue
			}
			if !bytes.HasPrefix(rec.key, r.prefix) {
				continue
			}
			r.cb(rec.dbi, rec.key, rec.val, rec.del)
		}
	}
	return nil
}

func (w *Watcher) OnAbort(t *Txn)  {}
func (w *Watcher) OnEnvDestroy()   {}
