package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adgen-orchestrator/internal/config"
	"adgen-orchestrator/internal/generation/gentest"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		StoreDriver:           "memory",
		MaxAttempts:           2,
		RetryBackoff:          []time.Duration{time.Millisecond},
		PollIntervals:         []time.Duration{time.Millisecond},
		PollEscalateAfter:     1,
		MaxPollDuration:       time.Second,
		CostVarianceThreshold: 0.2,
		MinCandidates:         2,
		DefaultModel:          "hailuo-02",
		WorkDir:               t.TempDir(),
		OutputDir:             t.TempDir(),
		StatusCacheTTL:        time.Second,
		ClipBudgetCapacity:    5,
		ClipBudgetRefill:      1,
	}
}

func TestBuildWithMemoryStoreAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()

	a, err := Build(context.Background(), cfg, Overrides{Provider: gentest.New()})
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Controller)
	assert.NotNil(t, a.Cache)
	assert.NotNil(t, a.Limiter)
	require.NoError(t, a.Store.Ping(context.Background()))
}

func TestBuildWithoutRedis(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), Overrides{Provider: gentest.New()})
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Cache)
	assert.Nil(t, a.Limiter)
}

func TestBuildRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "mongo"
	_, err := Build(context.Background(), cfg, Overrides{})
	require.Error(t, err)
}
