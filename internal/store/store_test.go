package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := Open(WithPageSize(4096))
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestEnvDBIOpenAndStat(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(3, nil, 0))

	stat := env.Stat()
	require.Equal(t, 1, stat.DBICount)
	require.False(t, stat.WriteTxnActive)

	dstat, err := env.DBIStat(3)
	require.NoError(t, err)
	require.Zero(t, dstat.Entries)

	_, err = env.DBIStat(4)
	require.Error(t, err)
	require.True(t, Is(err, KindNotFound))
}

func TestEnvDBIOpenRangeError(t *testing.T) {
	env := newTestEnv(t)
	err := env.DBIOpen(MaxDBI, nil, 0)
	require.True(t, Is(err, KindRange))
}

func TestTxnPutGetDel(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(0, []byte("a"), []byte("1"), 0))
	require.NoError(t, txn.Put(0, []byte("b"), []byte("2"), 0))
	require.NoError(t, txn.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	val, err := readTxn.Get(0, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), val)
	readTxn.Abort()

	writeTxn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, writeTxn.Del(0, []byte("a")))
	require.NoError(t, writeTxn.Commit())

	readTxn2, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	_, err = readTxn2.Get(0, []byte("a"))
	require.True(t, Is(err, KindNotFound))
	readTxn2.Abort()
}

func TestWriterGateIsNonBlocking(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	first, err := Begin(env, nil, 0)
	require.NoError(t, err)

	_, err = Begin(env, nil, 0)
	require.Error(t, err)
	require.True(t, Is(err, KindBusy))

	require.NoError(t, first.Commit())

	second, err := Begin(env, nil, 0)
	require.NoError(t, err)
	second.Abort()
}

func TestPutIfCAS(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(0, []byte("k"), []byte("v1"), 0))
	require.NoError(t, txn.Commit())

	txn2, err := Begin(env, nil, 0)
	require.NoError(t, err)
	err = txn2.PutIf(0, []byte("k"), []byte("v2"), []byte("wrong"))
	require.Error(t, err)
	txn2.Abort()

	txn3, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn3.PutIf(0, []byte("k"), []byte("v2"), []byte("v1")))
	require.NoError(t, txn3.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	val, err := readTxn.Get(0, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), val)
	readTxn.Abort()
}

func TestNestedCommitGraftsIntoParent(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	parent, err := Begin(env, nil, 0)
	require.NoError(t, err)
	child, err := Begin(env, parent, 0)
	require.NoError(t, err)
	require.NoError(t, child.Put(0, []byte("x"), []byte("y"), 0))
	require.NoError(t, child.Commit())

	val, err := parent.Get(0, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("y"), val)
	require.NoError(t, parent.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	val2, err := readTxn.Get(0, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("y"), val2)
	readTxn.Abort()
}

func TestNestedAbortDoesNotAffectParent(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	parent, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, parent.Put(0, []byte("keep"), []byte("1"), 0))

	child, err := Begin(env, parent, 0)
	require.NoError(t, err)
	require.NoError(t, child.Put(0, []byte("discard"), []byte("2"), 0))
	child.Abort()

	_, err = parent.Get(0, []byte("discard"))
	require.True(t, Is(err, KindNotFound))
	require.NoError(t, parent.Commit())
}

func TestOverflowValueRoundTrips(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	big := make([]byte, 20000)
	for i := range big {
		big[i] = byte(i)
	}

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(0, []byte("big"), big, 0))
	require.NoError(t, txn.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	got, err := readTxn.Get(0, []byte("big"))
	require.NoError(t, err)
	require.Equal(t, big, got)
	readTxn.Abort()
}

func TestDelRangeAndCountRange(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, txn.Put(0, []byte(k), []byte("v"), 0))
	}
	require.NoError(t, txn.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	n, err := readTxn.CountRange(0, []byte("b"), []byte("e"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
	readTxn.Abort()

	writeTxn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	deleted, err := writeTxn.DelRange(0, []byte("b"), []byte("e"))
	require.NoError(t, err)
	require.Equal(t, 3, deleted)
	require.NoError(t, writeTxn.Commit())

	readTxn2, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	n2, err := readTxn2.CountRange(0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n2)
	readTxn2.Abort()
}

func TestWatcherDispatchesOnTopLevelCommitOnly(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	var seen []string
	_, err := env.Watcher().Register(0, []byte("user:"), func(dbi DBI, key, val []byte, deleted bool) {
		seen = append(seen, string(key))
	})
	require.NoError(t, err)

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(0, []byte("user:1"), []byte("a"), 0))
	require.NoError(t, txn.Put(0, []byte("other:1"), []byte("b"), 0))
	require.NoError(t, txn.Commit())

	require.Equal(t, []string{"user:1"}, seen)

	seen = nil
	parent, err := Begin(env, nil, 0)
	require.NoError(t, err)
	child, err := Begin(env, parent, 0)
	require.NoError(t, err)
	require.NoError(t, child.Put(0, []byte("user:2"), []byte("c"), 0))
	require.NoError(t, child.Commit())
	require.Empty(t, seen, "nested commit must not dispatch")
	require.NoError(t, parent.Commit())
	require.Equal(t, []string{"user:2"}, seen)
}

func TestWatcherRejectsDuplicateRegistration(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Watcher().Register(0, []byte("p"), func(DBI, []byte, []byte, bool) {})
	require.NoError(t, err)
	_, err = env.Watcher().Register(0, []byte("p"), func(DBI, []byte, []byte, bool) {})
	require.True(t, Is(err, KindExists))
}

func TestDupSortPutGetStoresMultipleValuesPerKey(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))
	require.NoError(t, env.DBISetDupSort(0, nil))

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(0, []byte("k"), []byte("v2"), 0))
	require.NoError(t, txn.Put(0, []byte("k"), []byte("v1"), 0))
	require.NoError(t, txn.Put(0, []byte("k"), []byte("v3"), 0))
	require.NoError(t, txn.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	val, err := readTxn.Get(0, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val, "Get must land on the first member of the duplicate run")

	c, err := OpenCursor(readTxn, 0)
	require.NoError(t, err)
	require.True(t, c.Seek([]byte("k")))
	n, err := c.CountDup()
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
	readTxn.Abort()
}

func TestDupSortPutIfAndReserveRejected(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))
	require.NoError(t, env.DBISetDupSort(0, nil))

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	err = txn.PutIf(0, []byte("k"), []byte("v2"), []byte("v1"))
	require.True(t, Is(err, KindInvalidData))
	err = txn.Put(0, []byte("k"), []byte("v1"), PutReserve)
	require.True(t, Is(err, KindInvalidData))
	txn.Abort()
}

func TestDupSortLoadSortedAcceptsDuplicateKeys(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))
	require.NoError(t, env.DBISetDupSort(0, nil))

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	keys := [][]byte{[]byte("k"), []byte("k"), []byte("k")}
	vals := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	require.NoError(t, txn.LoadSorted(0, keys, vals))
	require.NoError(t, txn.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	c, err := OpenCursor(readTxn, 0)
	require.NoError(t, err)
	require.True(t, c.Seek([]byte("k")))
	n, err := c.CountDup()
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
	readTxn.Abort()
}

func TestDupSortDelRemovesWholeGroupDelDupRemovesOne(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))
	require.NoError(t, env.DBISetDupSort(0, nil))

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(0, []byte("k"), []byte("a"), 0))
	require.NoError(t, txn.Put(0, []byte("k"), []byte("b"), 0))
	require.NoError(t, txn.Put(0, []byte("k"), []byte("c"), 0))
	require.NoError(t, txn.Commit())

	delDupTxn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, delDupTxn.DelDup(0, []byte("k"), []byte("b")))
	require.NoError(t, delDupTxn.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	c, err := OpenCursor(readTxn, 0)
	require.NoError(t, err)
	require.True(t, c.Seek([]byte("k")))
	n, err := c.CountDup()
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
	readTxn.Abort()

	delTxn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, delTxn.Del(0, []byte("k")))
	require.NoError(t, delTxn.Commit())

	readTxn2, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	_, err = readTxn2.Get(0, []byte("k"))
	require.True(t, Is(err, KindNotFound), "Del on a dupsort dbi removes the whole group")
	readTxn2.Abort()
}

func TestDupSortCursorNavigatesDuplicateGroup(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))
	require.NoError(t, env.DBISetDupSort(0, nil))

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(0, []byte("k"), []byte("b"), 0))
	require.NoError(t, txn.Put(0, []byte("k"), []byte("a"), 0))
	require.NoError(t, txn.Put(0, []byte("k"), []byte("c"), 0))
	require.NoError(t, txn.Put(0, []byte("other"), []byte("x"), 0))
	require.NoError(t, txn.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	c, err := OpenCursor(readTxn, 0)
	require.NoError(t, err)

	require.True(t, c.Seek([]byte("k")))
	require.True(t, c.FirstDup())
	_, v := c.Get()
	require.Equal(t, []byte("a"), v)

	require.True(t, c.NextDup())
	_, v = c.Get()
	require.Equal(t, []byte("b"), v)

	require.True(t, c.NextDup())
	_, v = c.Get()
	require.Equal(t, []byte("c"), v)

	require.False(t, c.NextDup(), "group is exhausted")
	_, v = c.Get()
	require.Equal(t, []byte("c"), v, "cursor stays put once the group is exhausted")

	require.True(t, c.LastDup())
	_, v = c.Get()
	require.Equal(t, []byte("c"), v)

	require.True(t, c.PrevDup())
	_, v = c.Get()
	require.Equal(t, []byte("b"), v)
	readTxn.Abort()
}

func TestWatcherRejectsRegisterWhileWriterBusy(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)

	_, err = env.Watcher().Register(0, []byte("p"), func(DBI, []byte, []byte, bool) {})
	require.True(t, Is(err, KindBusy))

	txn.Abort()

	id, err := env.Watcher().Register(0, []byte("p"), func(DBI, []byte, []byte, bool) {})
	require.NoError(t, err)

	txn2, err := Begin(env, nil, 0)
	require.NoError(t, err)
	err = env.Watcher().Unregister(id)
	require.True(t, Is(err, KindBusy))
	txn2.Abort()

	require.NoError(t, env.Watcher().Unregister(id))
}

func TestWatcherRejectsDupSortDBI(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))
	require.NoError(t, env.DBISetDupSort(0, nil))

	_, err := env.Watcher().Register(0, []byte("p"), func(DBI, []byte, []byte, bool) {})
	require.True(t, Is(err, KindInvalidData))
}

func TestTTLExpiryAndSweep(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.DBIOpen(0, nil, 0))
	require.NoError(t, env.DBIOpen(1, nil, DBITTLMeta))
	ttl := NewTTL(0, 1)

	txn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	require.NoError(t, ttl.PutTTL(txn, []byte("k1"), []byte("v1"), 10))
	require.NoError(t, ttl.PutTTL(txn, []byte("k2"), []byte("v2"), 20))
	require.NoError(t, ttl.PutTTL(txn, []byte("k3"), []byte("v3"), 30))
	require.NoError(t, txn.Commit())

	readTxn, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	_, err = ttl.GetTTL(readTxn, []byte("k1"), 5, 0)
	require.NoError(t, err)
	_, err = ttl.GetTTL(readTxn, []byte("k1"), 15, 0)
	require.True(t, Is(err, KindNotFound))
	readTxn.Abort()

	sweepTxn, err := Begin(env, nil, 0)
	require.NoError(t, err)
	ckpt := &SweepCheckpoint{}
	n, err := ttl.Sweep(sweepTxn, 2, 25, ckpt)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, sweepTxn.Commit())

	sweepTxn2, err := Begin(env, nil, 0)
	require.NoError(t, err)
	n2, err := ttl.Sweep(sweepTxn2, 2, 40, ckpt)
	require.NoError(t, err)
	require.Equal(t, 1, n2)
	require.NoError(t, sweepTxn2.Commit())

	readTxn2, err := Begin(env, nil, TxnReadonly)
	require.NoError(t, err)
	for _, k := range []string{"k1", "k2", "k3"} {
		_, err := readTxn2.Get(0, []byte(k))
		require.True(t, Is(err, KindNotFound), "key %s should be swept", k)
	}
	readTxn2.Abort()
}
