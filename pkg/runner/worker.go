package runner

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lambkin-lang/sapling/internal/store"
	"github.com/lambkin-lang/sapling/pkg/wire"
)

// Schema is the (major, minor) version a worker's DBI layout expects
// (spec §4.K bootstrap / schema DBI, spec §6).
type Schema struct {
	Major uint16
	Minor uint16
}

var schemaKey = []byte("schema")

func encodeSchema(s Schema) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], s.Major)
	binary.LittleEndian.PutUint16(b[2:4], s.Minor)
	return b
}

func decodeSchema(b []byte) Schema {
	return Schema{Major: binary.LittleEndian.Uint16(b[0:2]), Minor: binary.LittleEndian.Uint16(b[2:4])}
}

// Handler runs one decoded message through the attempt engine.
type Handler func(ctx context.Context, stack *Stack, readTxn *store.Txn, msg *wire.Message) error

// Worker owns one inbox key range, a schema version, and an attempt
// handler (spec §4.K). WorkerID and the inbox key are big-endian so
// lexicographic scan order matches numeric order.
type Worker struct {
	env        *store.Env
	id         uint32
	schema     Schema
	handler    Handler
	inboxDBI   store.DBI
	dedupeDBI  store.DBI
	schemaDBI  store.DBI
	sink       IntentSink
	policy     Policy
	log        zerolog.Logger

	maxBatch  int
	idle      time.Duration
	nextSeq   uint64
	stopFlag  int32
	lastErr   error
	mu        sync.Mutex
}

// WorkerOption configures a Worker via functional options.
type WorkerOption func(*Worker)

func WithMaxBatch(n int) WorkerOption  { return func(w *Worker) { w.maxBatch = n } }
func WithIdleDelay(d time.Duration) WorkerOption { return func(w *Worker) { w.idle = d } }
func WithPolicy(p Policy) WorkerOption { return func(w *Worker) { w.policy = p } }
func WithWorkerLogger(l zerolog.Logger) WorkerOption { return func(w *Worker) { w.log = l } }

func NewWorker(env *store.Env, id uint32, schema Schema, inboxDBI, dedupeDBI, schemaDBI store.DBI, handler Handler, sink IntentSink, opts ...WorkerOption) *Worker {
	w := &Worker{
		env: env, id: id, schema: schema, handler: handler,
		inboxDBI: inboxDBI, dedupeDBI: dedupeDBI, schemaDBI: schemaDBI,
		sink: sink, policy: DefaultPolicy(), maxBatch: 32, idle: 50 * time.Millisecond,
		log: zerolog.Nop(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func inboxKey(workerID uint32, seq uint64) []byte {
	b := make([]byte, 4+8)
	binary.BigEndian.PutUint32(b[0:4], workerID)
	binary.BigEndian.PutUint64(b[4:12], seq)
	return b
}

// Bootstrap ensures the schema row is present and matches w.schema,
// writing it on first use. Mismatch is INVALID_DATA.
func (w *Worker) Bootstrap() error {
	txn, err := store.Begin(w.env, nil, 0)
	if err != nil {
		return err
	}
	cur, getErr := txn.Get(w.schemaDBI, schemaKey)
	if getErr != nil {
		if err := txn.Put(w.schemaDBI, schemaKey, encodeSchema(w.schema), 0); err != nil {
			txn.Abort()
			return err
		}
		return txn.Commit()
	}
	txn.Abort()
	existing := decodeSchema(cur)
	if existing.Major != w.schema.Major || existing.Minor != w.schema.Minor {
		return store.New("bootstrap", store.KindInvalidData)
	}
	return nil
}

// InboxPut idempotently inserts a framed message at (workerID, seq).
func InboxPut(env *store.Env, inboxDBI store.DBI, workerID uint32, seq uint64, frame []byte) error {
	txn, err := store.Begin(env, nil, 0)
	if err != nil {
		return err
	}
	if err := txn.Put(inboxDBI, inboxKey(workerID, seq), frame, store.PutNoOverwrite); err != nil {
		if store.Is(err, store.KindExists) {
			txn.Abort()
			return nil
		}
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// Tick pops up to maxBatch frames, runs each through the attempt
// engine, and deletes the inbox entry on success. It stops on the
// first non-retryable error and records it in LastError.
func (w *Worker) Tick(ctx context.Context) (processed int, err error) {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, w.id)
	prefixHi := append(append([]byte(nil), prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)

	stack := NewStack()
	for processed < w.maxBatch {
		readTxn, beginErr := store.Begin(w.env, nil, store.TxnReadonly)
		if beginErr != nil {
			return processed, beginErr
		}
		key, frame, found := store.CursorSeek(readTxn, w.inboxDBI, prefix)
		readTxn.Abort()
		if !found || len(key) < 4 || binary.BigEndian.Uint32(key[0:4]) != w.id || compareBytes(key, prefixHi) > 0 {
			return processed, nil
		}

		msg, decodeErr := wire.DecodeMessage(frame)
		if decodeErr != nil {
			w.setLastErr(decodeErr)
			return processed, decodeErr
		}

		if hit, dedupeErr := w.dedupeCheck(msg.MessageID); dedupeErr != nil {
			w.setLastErr(dedupeErr)
			return processed, dedupeErr
		} else if !hit {
			_, runErr := Run(ctx, w.env, w.policy, func(ctx context.Context, st *Stack, rt *store.Txn, extra interface{}) error {
				return w.handler(ctx, st, rt, msg)
			}, stack, w.sink, nil, nil, w.log)
			if runErr != nil {
				w.setLastErr(runErr)
				return processed, runErr
			}
			if err := w.recordDedupe(msg.MessageID); err != nil {
				w.setLastErr(err)
				return processed, err
			}
		}

		if err := w.deleteInbox(key); err != nil {
			w.setLastErr(err)
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// tickOnce runs Tick with a background context, for Pool scheduling.
func (w *Worker) tickOnce() {
	if _, err := w.Tick(context.Background()); err != nil {
		w.log.Error().Err(err).Uint32("worker_id", w.id).Msg("tick failed")
	}
}

func (w *Worker) deleteInbox(key []byte) error {
	txn, err := store.Begin(w.env, nil, 0)
	if err != nil {
		return err
	}
	if err := txn.Del(w.inboxDBI, key); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// dedupeDBI record: 1B accepted flag, 8B last-seen ts, 4B checksum
// offset, 4B checksum length, then up to 32B checksum (spec §4.K).
func (w *Worker) dedupeCheck(messageID []byte) (bool, error) {
	txn, err := store.Begin(w.env, nil, store.TxnReadonly)
	if err != nil {
		return false, err
	}
	defer txn.Abort()
	val, getErr := txn.Get(w.dedupeDBI, messageID)
	if getErr != nil {
		return false, nil
	}
	return len(val) > 0 && val[0] == 1, nil
}

func (w *Worker) recordDedupe(messageID []byte) error {
	rec := make([]byte, 1+8+4+4)
	rec[0] = 1
	binary.LittleEndian.PutUint64(rec[1:9], uint64(time.Now().UnixMilli()))
	txn, err := store.Begin(w.env, nil, 0)
	if err != nil {
		return err
	}
	if err := txn.Put(w.dedupeDBI, messageID, rec, 0); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

func (w *Worker) setLastErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// RequestStop asks a background loop to stop between ticks.
func (w *Worker) RequestStop() { atomic.StoreInt32(&w.stopFlag, 1) }
func (w *Worker) stopRequested() bool { return atomic.LoadInt32(&w.stopFlag) != 0 }

// RunLoop runs a loop calling Tick and sleeping idle when a
// tick processes nothing, until RequestStop is called.
func (w *Worker) RunLoop(ctx context.Context) {
	for !w.stopRequested() {
		n, err := w.Tick(ctx)
		if err != nil {
			return
		}
		if n == 0 {
			select {
			case <-time.After(w.idle):
			case <-ctx.Done():
				return
			}
		}
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}
