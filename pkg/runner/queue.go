package runner

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/lambkin-lang/sapling/internal/store"
	"github.com/lambkin-lang/sapling/pkg/wire"
)

// DrainHandler processes one drained frame outside the draining
// transaction.
type DrainHandler func(frame []byte) error

// AppendFrame performs a NOOVERWRITE put of bytes under key in a short
// write-txn (spec §4.J append_frame).
func AppendFrame(env *store.Env, dbi store.DBI, key, frame []byte) error {
	txn, err := store.Begin(env, nil, 0)
	if err != nil {
		return err
	}
	if err := txn.Put(dbi, key, frame, store.PutNoOverwrite); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// Drain repeatedly takes the smallest key in dbi, hands its value to
// handler outside any txn, then deletes it in a short write-txn that
// first verifies the value hasn't changed. A concurrent mutation
// returns Conflict and stops the drain. Returns the count processed.
func Drain(env *store.Env, dbi store.DBI, limit int, handler DrainHandler) (int, error) {
	processed := 0
	for processed < limit {
		readTxn, err := store.Begin(env, nil, store.TxnReadonly)
		if err != nil {
			return processed, err
		}
		key, val, found := firstEntry(readTxn, dbi)
		readTxn.Abort()
		if !found {
			return processed, nil
		}

		if err := handler(val); err != nil {
			return processed, err
		}

		writeTxn, err := store.Begin(env, nil, 0)
		if err != nil {
			return processed, err
		}
		cur, getErr := writeTxn.Get(dbi, key)
		if getErr != nil || !bytes.Equal(cur, val) {
			writeTxn.Abort()
			return processed, store.New("drain", store.KindConflict)
		}
		if err := writeTxn.Del(dbi, key); err != nil {
			writeTxn.Abort()
			return processed, err
		}
		if err := writeTxn.Commit(); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func firstEntry(txn *store.Txn, dbi store.DBI) (key, val []byte, ok bool) {
	return store.CursorFirst(txn, dbi)
}

// OutboxPublisher appends OUTBOX_EMIT intent messages keyed by an
// ascending u64 sequence number (spec §4.J, §6).
type OutboxPublisher struct {
	env    *store.Env
	dbi    store.DBI
	nextSeq uint64
}

func NewOutboxPublisher(env *store.Env, dbi store.DBI, initialSeq uint64) *OutboxPublisher {
	return &OutboxPublisher{env: env, dbi: dbi, nextSeq: initialSeq}
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// PublishIntent matches the IntentSink-facing publisher signature: it
// rejects frames whose decoded kind does not match this publisher.
func (p *OutboxPublisher) PublishIntent(frame []byte) error {
	in, err := wire.DecodeIntent(frame)
	if err != nil {
		return err
	}
	if in.Kind != wire.IntentOutboxEmit {
		return store.New("publish_intent", store.KindInvalidData)
	}
	seq := atomic.AddUint64(&p.nextSeq, 1) - 1
	return AppendFrame(p.env, p.dbi, seqKey(seq), in.Message)
}

func (p *OutboxPublisher) NextSeq() uint64 { return atomic.LoadUint64(&p.nextSeq) }

// Get returns the frame stored at seq.
func (p *OutboxPublisher) Get(seq uint64) ([]byte, error) {
	txn, err := store.Begin(p.env, nil, store.TxnReadonly)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	return txn.Get(p.dbi, seqKey(seq))
}

// Drain drains up to limit frames in FIFO sequence order.
func (p *OutboxPublisher) Drain(limit int, handler DrainHandler) (int, error) {
	return Drain(p.env, p.dbi, limit, handler)
}

// TimerPublisher appends TIMER_ARM intent messages keyed by
// (due-ts, seq) so byte order equals chronological-then-FIFO order
// (spec §4.J): big-endian i64 due-ts with its sign bit flipped, then a
// big-endian u64 seq.
type TimerPublisher struct {
	env     *store.Env
	dbi     store.DBI
	nextSeq uint64
}

func NewTimerPublisher(env *store.Env, dbi store.DBI, initialSeq uint64) *TimerPublisher {
	return &TimerPublisher{env: env, dbi: dbi, nextSeq: initialSeq}
}

func timerKey(dueTS int64, seq uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(dueTS)^0x8000000000000000)
	binary.BigEndian.PutUint64(b[8:16], seq)
	return b
}

func (p *TimerPublisher) PublishIntent(frame []byte) error {
	in, err := wire.DecodeIntent(frame)
	if err != nil {
		return err
	}
	if in.Kind != wire.IntentTimerArm {
		return store.New("publish_intent", store.KindInvalidData)
	}
	seq := atomic.AddUint64(&p.nextSeq, 1) - 1
	return AppendFrame(p.env, p.dbi, timerKey(in.DueTS, seq), in.Message)
}

func (p *TimerPublisher) NextSeq() uint64 { return atomic.LoadUint64(&p.nextSeq) }

// DrainDue drains entries with due-ts <= nowMs, in ascending
// (due-ts, seq) order, up to limit.
func (p *TimerPublisher) DrainDue(nowMs int64, limit int, handler DrainHandler) (int, error) {
	hi := timerKey(nowMs, ^uint64(0))
	return drainRange(p.env, p.dbi, nil, hi, limit, handler)
}

func drainRange(env *store.Env, dbi store.DBI, lo, hi []byte, limit int, handler DrainHandler) (int, error) {
	processed := 0
	for processed < limit {
		readTxn, err := store.Begin(env, nil, store.TxnReadonly)
		if err != nil {
			return processed, err
		}
		key, val, found := store.CursorSeek(readTxn, dbi, lo)
		readTxn.Abort()
		if !found || (hi != nil && bytes.Compare(key, hi) > 0) {
			return processed, nil
		}

		if err := handler(val); err != nil {
			return processed, err
		}

		writeTxn, err := store.Begin(env, nil, 0)
		if err != nil {
			return processed, err
		}
		cur, getErr := writeTxn.Get(dbi, key)
		if getErr != nil || !bytes.Equal(cur, val) {
			writeTxn.Abort()
			return processed, store.New("drain", store.KindConflict)
		}
		if err := writeTxn.Del(dbi, key); err != nil {
			writeTxn.Abort()
			return processed, err
		}
		if err := writeTxn.Commit(); err != nil {
			return processed, err
		}
		processed++
		lo = key
	}
	return processed, nil
}
