package runner

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lambkin-lang/sapling/internal/store"
)

// Policy bounds an attempt's retry/backoff behavior (spec §4.I).
type Policy struct {
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Sleep            func(ctx context.Context, d time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// Stats reports the outcome of a Run call.
type Stats struct {
	Attempts        int
	Retries         int
	ConflictRetries int
	LastErr         error
}

// AtomicFn is the user function run against a staged read/write view.
// It must only touch store state through stack and readTxn, staging
// every effect via the Stack rather than mutating anything directly.
type AtomicFn func(ctx context.Context, stack *Stack, readTxn *store.Txn, extra interface{}) error

// IntentSink publishes one buffered intent frame after a successful
// commit (spec §4.L); errors here do not unwind the already-durable
// commit.
type IntentSink interface {
	Publish(frame []byte, sinkCtx interface{}) error
}

// Run executes the attempt state machine: snapshot read, atomic_fn,
// short write-txn validate/apply/commit, intent publish, retrying on
// BUSY/CONFLICT up to policy.MaxRetries times with exponential backoff.
func Run(ctx context.Context, env *store.Env, policy Policy, fn AtomicFn, stack *Stack, sink IntentSink, sinkCtx interface{}, extra interface{}, log zerolog.Logger) (Stats, error) {
	var stats Stats
	backoff := policy.InitialBackoff

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		stats.Attempts++
		stack.Reset()

		readTxn, err := store.Begin(env, nil, store.TxnReadonly)
		if err != nil {
			stats.LastErr = err
			return stats, err
		}

		fnErr := fn(ctx, stack, readTxn, extra)
		readTxn.Abort()

		if fnErr != nil {
			if store.Is(fnErr, store.KindNotFound) {
				stats.LastErr = fnErr
				return stats, nil
			}
			stats.LastErr = fnErr
			return stats, fnErr
		}

		writeTxn, err := store.Begin(env, nil, 0)
		if err != nil {
			if store.Is(err, store.KindBusy) {
				stats.Retries++
				if !sleepBackoff(ctx, policy, &backoff) {
					stats.LastErr = err
					return stats, err
				}
				continue
			}
			stats.LastErr = err
			return stats, err
		}

		if err := stack.Validate(writeTxn); err != nil {
			writeTxn.Abort()
			if store.Is(err, store.KindConflict) {
				stats.ConflictRetries++
				if !sleepBackoff(ctx, policy, &backoff) {
					stats.LastErr = err
					return stats, err
				}
				continue
			}
			stats.LastErr = err
			return stats, err
		}

		if err := stack.Apply(writeTxn); err != nil {
			writeTxn.Abort()
			stats.LastErr = err
			return stats, err
		}

		if err := writeTxn.Commit(); err != nil {
			if store.Is(err, store.KindBusy) || store.Is(err, store.KindConflict) {
				stats.ConflictRetries++
				if !sleepBackoff(ctx, policy, &backoff) {
					stats.LastErr = err
					return stats, err
				}
				continue
			}
			stats.LastErr = err
			return stats, err
		}

		for _, in := range stack.Intents() {
			if err := sink.Publish(in, sinkCtx); err != nil {
				log.Error().Err(err).Msg("intent publish failed after commit")
				stats.LastErr = err
				return stats, err
			}
		}
		return stats, nil
	}

	stats.LastErr = store.New("run", store.KindConflict)
	return stats, stats.LastErr
}

func sleepBackoff(ctx context.Context, policy Policy, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if policy.Sleep != nil {
		policy.Sleep(ctx, *backoff)
	}
	*backoff *= 2
	if *backoff > policy.MaxBackoff {
		*backoff = policy.MaxBackoff
	}
	return ctx.Err() == nil
}
