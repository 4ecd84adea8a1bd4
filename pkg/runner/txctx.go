// Package runner implements the worker-side execution engine that sits
// on top of internal/store: a staging transaction context, an attempt
// engine that runs a user function against it and commits the result,
// durable outbox/timer publishers, the per-worker inbox pipeline, and
// the intent sink that routes published side effects.
package runner

import (
	"bytes"

	"github.com/lambkin-lang/sapling/internal/store"
)

type opKind int

const (
	opPut opKind = iota
	opDel
)

type readEntry struct {
	dbi    store.DBI
	key    []byte
	exists bool
	val    []byte
}

type writeEntry struct {
	dbi store.DBI
	key []byte
	op  opKind
	val []byte
}

// frame is one level of the nested staging stack (spec §4.H).
type frame struct {
	reads   []readEntry
	writes  []writeEntry
	intents [][]byte
}

// Stack is the per-attempt staging transaction context: a read set
// with read-your-write semantics, a coalescing write set, and an
// intent buffer, organized as a stack of nested frames.
type Stack struct {
	frames []frame
}

// NewStack returns a Stack with its single top-level frame.
func NewStack() *Stack {
	return &Stack{frames: []frame{{}}}
}

// Reset clears the stack back to one empty frame, for attempt retries.
func (s *Stack) Reset() {
	s.frames = s.frames[:0]
	s.frames = append(s.frames, frame{})
}

func (s *Stack) top() *frame { return &s.frames[len(s.frames)-1] }

// Push opens a new nested frame.
func (s *Stack) Push() {
	s.frames = append(s.frames, frame{})
}

// AbortTop discards the top frame's staged operations.
func (s *Stack) AbortTop() {
	if len(s.frames) == 1 {
		s.frames[0] = frame{}
		return
	}
	s.frames = s.frames[:len(s.frames)-1]
}

// CommitTop merges the top frame's reads/writes into the parent frame,
// coalescing writes by (dbi, key) the same way stage_put/stage_del do.
// Intents are not merged until CommitTop runs on the frame that holds
// them.
func (s *Stack) CommitTop() {
	if len(s.frames) == 1 {
		return
	}
	top := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	parent := s.top()
	parent.reads = append(parent.reads, top.reads...)
	for _, w := range top.writes {
		s.stageWrite(parent, w)
	}
	parent.intents = append(parent.intents, top.intents...)
}

func newConflict() error {
	return store.New("validate", store.KindConflict)
}

func (s *Stack) stageWrite(f *frame, w writeEntry) {
	for i := range f.writes {
		if f.writes[i].dbi == w.dbi && bytes.Equal(f.writes[i].key, w.key) {
			f.writes[i] = w
			return
		}
	}
	f.writes = append(f.writes, w)
}

// StagePut coalesces a put into the current frame's write set.
func (s *Stack) StagePut(dbi store.DBI, key, val []byte) {
	s.stageWrite(s.top(), writeEntry{dbi: dbi, key: append([]byte(nil), key...), op: opPut, val: append([]byte(nil), val...)})
}

// StageDel coalesces a delete into the current frame's write set.
func (s *Stack) StageDel(dbi store.DBI, key []byte) {
	s.stageWrite(s.top(), writeEntry{dbi: dbi, key: append([]byte(nil), key...), op: opDel})
}

// StageIntent appends an encoded intent frame to the current frame's
// intent buffer, in submission order.
func (s *Stack) StageIntent(encoded []byte) {
	f := s.top()
	f.intents = append(f.intents, append([]byte(nil), encoded...))
}

// localWrite looks for dbi/key across every frame, innermost first,
// implementing read-your-write across nested frames.
func (s *Stack) localWrite(dbi store.DBI, key []byte) (writeEntry, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		for j := len(s.frames[i].writes) - 1; j >= 0; j-- {
			w := s.frames[i].writes[j]
			if w.dbi == dbi && bytes.Equal(w.key, key) {
				return w, true
			}
		}
	}
	return writeEntry{}, false
}

// Read implements read-your-write: a PUT staged in any active frame
// returns the staged value; a DEL returns NotFound; otherwise the read
// falls through to txn and is recorded in the read set.
func (s *Stack) Read(txn *store.Txn, dbi store.DBI, key []byte) ([]byte, error) {
	if w, ok := s.localWrite(dbi, key); ok {
		if w.op == opDel {
			return nil, store.New("read", store.KindNotFound)
		}
		return w.val, nil
	}
	val, err := txn.Get(dbi, key)
	exists := err == nil
	f := s.top()
	f.reads = append(f.reads, readEntry{dbi: dbi, key: append([]byte(nil), key...), exists: exists, val: append([]byte(nil), val...)})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Validate re-reads every read-set entry (across all frames) against
// the live write-txn and fails with Conflict on any divergence.
func (s *Stack) Validate(txn *store.Txn) error {
	for _, f := range s.frames {
		for _, r := range f.reads {
			val, err := txn.Get(r.dbi, r.key)
			exists := err == nil
			if exists != r.exists {
				return newConflict()
			}
			if exists && !bytes.Equal(val, r.val) {
				return newConflict()
			}
		}
	}
	return nil
}

// Apply issues every staged write across all frames, in insertion
// order (later frames were already coalesced into their parent by
// CommitTop, so at Apply time only the root frame need be walked, but
// Apply still walks all frames defensively for frames the caller never
// explicitly committed).
func (s *Stack) Apply(txn *store.Txn) error {
	for _, f := range s.frames {
		for _, w := range f.writes {
			var err error
			switch w.op {
			case opPut:
				err = txn.Put(w.dbi, w.key, w.val, 0)
			case opDel:
				err = txn.Del(w.dbi, w.key)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Intents returns every buffered intent frame across all frames, in
// submission order.
func (s *Stack) Intents() [][]byte {
	var out [][]byte
	for _, f := range s.frames {
		out = append(out, f.intents...)
	}
	return out
}
