// Package stress drives the four-stage multiworker pipeline scenario
// (spec §8 S3) under load, sized by environment variables so it can be
// dialed up outside of unit tests without a recompile.
package stress

import (
	"context"
	"encoding/binary"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/lambkin-lang/sapling/internal/store"
	"github.com/lambkin-lang/sapling/pkg/runner"
	"github.com/lambkin-lang/sapling/pkg/wire"
)

const (
	envRounds    = "RUNNER_MULTIWRITER_STRESS_ROUNDS"
	envOrders    = "RUNNER_MULTIWRITER_STRESS_ORDERS"
	envTimeoutMs = "RUNNER_MULTIWRITER_STRESS_TIMEOUT_MS"

	defaultRounds    = 8
	defaultOrders    = 64
	defaultTimeoutMs = 5000
)

// Config is the stress harness's sizing, read from env vars with
// defaults when unset or malformed (spec §6).
type Config struct {
	Rounds  int
	Orders  int
	Timeout time.Duration
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// LoadConfig reads the three RUNNER_MULTIWRITER_STRESS_* variables.
func LoadConfig() Config {
	return Config{
		Rounds:  envInt(envRounds, defaultRounds),
		Orders:  envInt(envOrders, defaultOrders),
		Timeout: time.Duration(envInt(envTimeoutMs, defaultTimeoutMs)) * time.Millisecond,
	}
}

// dbiInbox, dbiDedupe, dbiSchema, dbiCounter are DBIs reserved for the stress
// harness's own worker pipeline; callers wire real DBI numbers via the
// schema manifest in production, the harness just needs distinct ones.
const (
	dbiInbox   store.DBI = 10
	dbiDedupe  store.DBI = 11
	dbiSchema  store.DBI = 12
	dbiCounter store.DBI = 13
)

var stageWorkers = []uint32{101, 102, 103, 104}

// Result reports the per-stage counters observed after the pipeline
// drains (spec §8 S3: each stage counter must equal Orders).
type Result struct {
	StageCounters map[uint32]uint64
}

// Run seeds Orders orders into worker 101's inbox, then drives all four
// workers forward (101 -> 102 -> 103 -> 104), each incrementing its
// stage counter, recording a dedupe row, and forwarding an EVENT to the
// next worker, until every order has reached stage 104 or ctx expires.
func Run(ctx context.Context, env *store.Env, cfg Config, log zerolog.Logger) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	for _, dbi := range []store.DBI{dbiInbox, dbiDedupe, dbiSchema, dbiCounter} {
		if err := env.DBIOpen(dbi, nil, 0); err != nil && !store.Is(err, store.KindExists) {
			return Result{}, err
		}
	}

	sink := runner.NewSink(
		runner.NewOutboxPublisher(env, dbiInbox, 0),
		runner.NewTimerPublisher(env, dbiInbox, 0),
	)

	workers := make(map[uint32]*runner.Worker, len(stageWorkers))
	for i, id := range stageWorkers {
		stage := id
		var next uint32
		if i+1 < len(stageWorkers) {
			next = stageWorkers[i+1]
		}
		handler := stageHandler(stage, next)
		workers[id] = runner.NewWorker(env, id, runner.Schema{Major: 1}, dbiInbox, dbiDedupe, dbiSchema, handler, sink,
			runner.WithWorkerLogger(log.With().Uint32("worker_id", id).Logger()))
		if err := workers[id].Bootstrap(); err != nil {
			return Result{}, err
		}
	}

	if err := seedOrders(env, cfg.Orders); err != nil {
		return Result{}, err
	}

	for round := 0; round < cfg.Rounds*cfg.Orders*len(stageWorkers)+cfg.Rounds; round++ {
		select {
		case <-ctx.Done():
			return readCounters(env), ctx.Err()
		default:
		}
		idle := true
		for _, id := range stageWorkers {
			n, err := workers[id].Tick(ctx)
			if err != nil {
				return readCounters(env), err
			}
			if n > 0 {
				idle = false
			}
		}
		if idle {
			break
		}
	}
	return readCounters(env), nil
}

func stageHandler(stage, next uint32) runner.Handler {
	return func(ctx context.Context, stack *runner.Stack, readTxn *store.Txn, msg *wire.Message) error {
		cur, err := stack.Read(readTxn, dbiCounter, counterKey(stage))
		var count uint64
		if err == nil {
			count = binary.LittleEndian.Uint64(cur)
		}
		count++
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, count)
		stack.StagePut(dbiCounter, counterKey(stage), out)

		if next != 0 {
			fwd := &wire.Message{
				Kind:      wire.KindEvent,
				ToWorker:  int64(next),
				MessageID: wire.NewMessageID(),
				Payload:   msg.Payload,
			}
			buf := make([]byte, fwd.EncodedLen())
			if _, err := fwd.Encode(buf); err != nil {
				return err
			}
			seq := count // monotonic enough within one stage for this harness
			key := make([]byte, 4+8)
			binary.BigEndian.PutUint32(key[0:4], next)
			binary.BigEndian.PutUint64(key[4:12], seq)
			stack.StagePut(dbiInbox, key, buf)
		}
		return nil
	}
}

func counterKey(stage uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, stage)
	return b
}

func seedOrders(env *store.Env, n int) error {
	txn, err := store.Begin(env, nil, 0)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		msg := &wire.Message{
			Kind:      wire.KindCommand,
			ToWorker:  int64(stageWorkers[0]),
			MessageID: wire.NewMessageID(),
			Payload:   []byte("order"),
		}
		buf := make([]byte, msg.EncodedLen())
		if _, err := msg.Encode(buf); err != nil {
			txn.Abort()
			return err
		}
		key := make([]byte, 4+8)
		binary.BigEndian.PutUint32(key[0:4], stageWorkers[0])
		binary.BigEndian.PutUint64(key[4:12], uint64(i))
		if err := txn.Put(dbiInbox, key, buf, 0); err != nil {
			txn.Abort()
			return err
		}
	}
	return txn.Commit()
}

func readCounters(env *store.Env) Result {
	res := Result{StageCounters: map[uint32]uint64{}}
	txn, err := store.Begin(env, nil, store.TxnReadonly)
	if err != nil {
		return res
	}
	defer txn.Abort()
	for _, id := range stageWorkers {
		val, err := txn.Get(dbiCounter, counterKey(id))
		if err == nil && len(val) == 8 {
			res.StageCounters[id] = binary.LittleEndian.Uint64(val)
		}
	}
	return res
}
