package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{30 * time.Second, 90 * time.Second}, cfg.RetryBackoff)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}, cfg.PollIntervals)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.MaxPollDuration)
	assert.Equal(t, 5*time.Second, cfg.StatusCacheTTL)
	assert.InDelta(t, 0.20, cfg.CostVarianceThreshold, 1e-9)
	assert.Equal(t, 2, cfg.MinCandidates)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("RETRY_BACKOFF", "1s, 3s ,9s")
	t.Setenv("POLL_INTERVALS", "100ms")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("MAX_POLL_DURATION", "45s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}, cfg.RetryBackoff)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, cfg.PollIntervals)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 45*time.Second, cfg.MaxPollDuration)
}

func TestLoadRejectsBadSchedules(t *testing.T) {
	t.Setenv("RETRY_BACKOFF", "soon")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("RETRY_BACKOFF", "1s")
	t.Setenv("POLL_INTERVALS", " , ")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadRejectsRetriesWithoutBackoff(t *testing.T) {
	t.Setenv("RETRY_BACKOFF", " , ")
	t.Setenv("MAX_ATTEMPTS", "3")
	_, err := Load()
	require.ErrorContains(t, err, "RETRY_BACKOFF")

	t.Setenv("MAX_ATTEMPTS", "1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.RetryBackoff)
}
