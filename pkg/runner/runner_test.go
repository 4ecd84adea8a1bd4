package runner

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/internal/store"
	"github.com/lambkin-lang/sapling/pkg/wire"
)

func encodeTestIntent(t *testing.T) []byte {
	t.Helper()
	in := &wire.Intent{Kind: wire.IntentOutboxEmit, Message: []byte("payload")}
	buf := make([]byte, in.EncodedLen())
	_, err := in.Encode(buf)
	require.NoError(t, err)
	return buf
}

func encodeTestTimerIntent(t *testing.T, dueTS int64, payload string) []byte {
	t.Helper()
	in := &wire.Intent{Kind: wire.IntentTimerArm, Flags: wire.IntentFlagHasDueTS, DueTS: dueTS, Message: []byte(payload)}
	buf := make([]byte, in.EncodedLen())
	_, err := in.Encode(buf)
	require.NoError(t, err)
	return buf
}

func newTestEnv(t *testing.T) *store.Env {
	t.Helper()
	env, err := store.Open(store.WithPageSize(4096))
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

type nullSink struct{ published [][]byte }

func (s *nullSink) Publish(frame []byte, _ interface{}) error {
	s.published = append(s.published, append([]byte(nil), frame...))
	return nil
}

func TestStackReadYourWrite(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	readTxn, err := store.Begin(env, nil, store.TxnReadonly)
	require.NoError(t, err)
	defer readTxn.Abort()

	st := NewStack()
	st.StagePut(0, []byte("k"), []byte("staged"))
	val, err := st.Read(readTxn, 0, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("staged"), val)

	st.StageDel(0, []byte("k"))
	_, err = st.Read(readTxn, 0, []byte("k"))
	require.True(t, store.Is(err, store.KindNotFound))
}

func TestStackNestedFramesCoalesce(t *testing.T) {
	st := NewStack()
	st.StagePut(0, []byte("k"), []byte("v1"))
	st.Push()
	st.StagePut(0, []byte("k"), []byte("v2"))
	st.CommitTop()

	intents := st.Intents()
	require.Empty(t, intents)

	// after coalescing, only one write for (0, "k") should survive into Apply.
	count := 0
	for _, f := range st.frames {
		for _, w := range f.writes {
			if w.dbi == 0 && string(w.key) == "k" {
				count++
				require.Equal(t, "v2", string(w.val))
			}
		}
	}
	require.Equal(t, 1, count)
}

func TestRunCommitsStagedWrites(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	stack := NewStack()
	sink := &nullSink{}
	fn := func(ctx context.Context, st *Stack, rt *store.Txn, extra interface{}) error {
		st.StagePut(0, []byte("hello"), []byte("world"))
		return nil
	}

	stats, err := Run(context.Background(), env, DefaultPolicy(), fn, stack, sink, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Attempts)

	readTxn, err := store.Begin(env, nil, store.TxnReadonly)
	require.NoError(t, err)
	defer readTxn.Abort()
	val, err := readTxn.Get(0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("world"), val)
}

func TestRunTerminalNotFoundDoesNotRetry(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	stack := NewStack()
	sink := &nullSink{}
	fn := func(ctx context.Context, st *Stack, rt *store.Txn, extra interface{}) error {
		_, err := st.Read(rt, 0, []byte("missing"))
		return err
	}

	stats, err := Run(context.Background(), env, DefaultPolicy(), fn, stack, sink, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Attempts)
	require.True(t, store.Is(stats.LastErr, store.KindNotFound))
}

func TestRunRetriesOnConflict(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	seedTxn, err := store.Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, seedTxn.Put(0, []byte("counter"), []byte("0"), 0))
	require.NoError(t, seedTxn.Commit())

	stack := NewStack()
	sink := &nullSink{}
	attempts := 0
	fn := func(ctx context.Context, st *Stack, rt *store.Txn, extra interface{}) error {
		attempts++
		_, err := st.Read(rt, 0, []byte("counter"))
		if err != nil {
			return err
		}
		if attempts == 1 {
			// simulate a concurrent mutation landing between read and commit.
			writeTxn, err := store.Begin(env, nil, 0)
			if err != nil {
				return err
			}
			if err := writeTxn.Put(0, []byte("counter"), []byte("1"), 0); err != nil {
				writeTxn.Abort()
				return err
			}
			if err := writeTxn.Commit(); err != nil {
				return err
			}
		}
		st.StagePut(0, []byte("counter"), []byte("2"))
		return nil
	}

	stats, err := Run(context.Background(), env, DefaultPolicy(), fn, stack, sink, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.Attempts, 2)
	require.GreaterOrEqual(t, stats.ConflictRetries, 1)
}

func TestOutboxPublisherAppendAndDrain(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	pub := NewOutboxPublisher(env, 0, 0)
	frame := encodeTestIntent(t)
	require.NoError(t, pub.PublishIntent(frame))

	var drained [][]byte
	n, err := pub.Drain(10, func(f []byte) error {
		drained = append(drained, append([]byte(nil), f...))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, drained, 1)
}

func TestTimerPublisherOrdersByDueTS(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	pub := NewTimerPublisher(env, 0, 0)
	require.NoError(t, pub.PublishIntent(encodeTestTimerIntent(t, 200, "second")))
	require.NoError(t, pub.PublishIntent(encodeTestTimerIntent(t, 100, "first")))

	n, err := pub.DrainDue(50, 10, func([]byte) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 0, n, "nothing due yet")

	var order []string
	n, err = pub.DrainDue(250, 10, func(f []byte) error {
		order = append(order, string(f))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"first", "second"}, order)
}
