package stress

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/internal/store"
)

func TestRunDrainsPipelineToAllStages(t *testing.T) {
	env, err := store.Open(store.WithPageSize(4096))
	require.NoError(t, err)
	defer env.Close()

	cfg := Config{Rounds: 4, Orders: 6, Timeout: 2 * time.Second}
	result, err := Run(context.Background(), env, cfg, zerolog.Nop())
	require.NoError(t, err)

	for _, id := range stageWorkers {
		require.Equal(t, uint64(cfg.Orders), result.StageCounters[id], "stage %d must process every order", id)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()
	require.Equal(t, defaultRounds, cfg.Rounds)
	require.Equal(t, defaultOrders, cfg.Orders)
	require.Equal(t, time.Duration(defaultTimeoutMs)*time.Millisecond, cfg.Timeout)
}
