package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/internal/store"
	"github.com/lambkin-lang/sapling/pkg/wire"
)

func encodeTestMessage(t *testing.T, toWorker int64, payload string) []byte {
	t.Helper()
	msg := &wire.Message{Kind: wire.KindCommand, ToWorker: toWorker, MessageID: wire.NewMessageID(), Payload: []byte(payload)}
	buf := make([]byte, msg.EncodedLen())
	_, err := msg.Encode(buf)
	require.NoError(t, err)
	return buf
}

func newTestWorker(t *testing.T, env *store.Env, id uint32, inbox, dedupe, schema store.DBI, handler Handler) *Worker {
	t.Helper()
	for _, dbi := range []store.DBI{inbox, dedupe, schema} {
		if err := env.DBIOpen(dbi, nil, 0); err != nil && !store.Is(err, store.KindExists) {
			require.NoError(t, err)
		}
	}
	sink := &nullSink{}
	w := NewWorker(env, id, Schema{Major: 1}, inbox, dedupe, schema, handler, sink)
	require.NoError(t, w.Bootstrap())
	return w
}

func TestWorkerBootstrapRejectsSchemaMismatch(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(20, nil, 0))

	w1 := NewWorker(env, 1, Schema{Major: 1}, 20, 21, 22, func(context.Context, *Stack, *store.Txn, *wire.Message) error { return nil }, &nullSink{})
	require.NoError(t, env.DBIOpen(21, nil, 0))
	require.NoError(t, env.DBIOpen(22, nil, 0))
	require.NoError(t, w1.Bootstrap())

	w2 := NewWorker(env, 1, Schema{Major: 2}, 20, 21, 22, func(context.Context, *Stack, *store.Txn, *wire.Message) error { return nil }, &nullSink{})
	err := w2.Bootstrap()
	require.True(t, store.Is(err, store.KindInvalidData))
}

func TestWorkerTickProcessesInboxInOrder(t *testing.T) {
	env := newTestEnv(t)

	var processed []string
	handler := func(ctx context.Context, st *Stack, rt *store.Txn, msg *wire.Message) error {
		processed = append(processed, string(msg.Payload))
		return nil
	}
	w := newTestWorker(t, env, 101, 0, 1, 2, handler)

	require.NoError(t, InboxPut(env, 0, 101, 0, encodeTestMessage(t, 101, "first")))
	require.NoError(t, InboxPut(env, 0, 101, 1, encodeTestMessage(t, 101, "second")))

	n, err := w.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"first", "second"}, processed)

	n2, err := w.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n2, "inbox should be drained")
}

func TestWorkerTickDedupesRepeatedMessageID(t *testing.T) {
	env := newTestEnv(t)

	calls := 0
	handler := func(ctx context.Context, st *Stack, rt *store.Txn, msg *wire.Message) error {
		calls++
		return nil
	}
	w := newTestWorker(t, env, 101, 0, 1, 2, handler)

	frame := encodeTestMessage(t, 101, "dup")
	require.NoError(t, InboxPut(env, 0, 101, 0, frame))
	_, err := w.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// re-insert the identical frame (same message id) at a new seq.
	require.NoError(t, InboxPut(env, 0, 101, 1, frame))
	_, err = w.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls, "dedupe must suppress a second handler invocation for the same message id")
}

func TestWorkerTickOnlyDrainsOwnPrefix(t *testing.T) {
	env := newTestEnv(t)

	var seen []uint32
	handlerFor := func(id uint32) Handler {
		return func(ctx context.Context, st *Stack, rt *store.Txn, msg *wire.Message) error {
			seen = append(seen, id)
			return nil
		}
	}
	w101 := newTestWorker(t, env, 101, 0, 1, 2, handlerFor(101))
	w102 := newTestWorker(t, env, 102, 0, 1, 3, handlerFor(102))

	require.NoError(t, InboxPut(env, 0, 101, 0, encodeTestMessage(t, 101, "a")))
	require.NoError(t, InboxPut(env, 0, 102, 0, encodeTestMessage(t, 102, "b")))

	n, err := w101.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uint32{101}, seen)

	n, err = w102.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uint32{101, 102}, seen)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		p.Schedule(func() { done <- struct{}{} })
	}
	for i := 0; i < 5; i++ {
		<-done
	}
}
