package kodiak

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerConfigSetDefaults(t *testing.T) {
	var c WorkerConfig
	c.setDefaults()

	assert.Equal(t, 1, c.Concurrency)
	assert.Equal(t, 0, c.Prefetch, "zero value is left alone; only a negative Prefetch is defaulted")
	assert.Equal(t, 30*time.Second, c.LockDuration)
	assert.Equal(t, 30*time.Second, c.GracefulShutdownTimeout)
	assert.Equal(t, 15*time.Second, c.HeartbeatInterval, "half of default lock duration")
	assert.Equal(t, 15*time.Second, c.HealthCheckInterval)
	assert.Equal(t, 24*time.Hour, c.RetentionTTL)
	assert.Equal(t, 8*time.Second, c.JanitorInterval)
	assert.NotNil(t, c.BaseCtxFn)
	assert.NotNil(t, c.Logger)
}

func TestWorkerConfigSetDefaultsClampsHeartbeatToOneSecond(t *testing.T) {
	c := WorkerConfig{LockDuration: time.Second}
	c.setDefaults()
	assert.Equal(t, time.Second, c.HeartbeatInterval, "half of 1s would be 500ms, clamped up to 1s")
}

func TestWorkerConfigSetDefaultsNegativePrefetch(t *testing.T) {
	c := WorkerConfig{Prefetch: -1}
	c.setDefaults()
	assert.Equal(t, 10, c.Prefetch)
}

func TestWorkerConfigSetDefaultsPreservesExplicitValues(t *testing.T) {
	c := WorkerConfig{
		Concurrency:  5,
		Prefetch:     0,
		LockDuration: time.Minute,
	}
	c.setDefaults()
	assert.Equal(t, 5, c.Concurrency)
	assert.Equal(t, 0, c.Prefetch, "explicit zero prefetch is preserved, only negative values are defaulted")
	assert.Equal(t, time.Minute, c.LockDuration)
}

func TestNewWorkerConstructsFetchErrorLimiter(t *testing.T) {
	w := NewWorker(RedisClientOpt{Addr: "127.0.0.1:6399"}, "", WorkerConfig{Queue: "email"}, HandlerFunc(func(_ context.Context, _ *Job) error { return nil }))
	require.NotNil(t, w.fetchErrLog)
	assert.True(t, w.fetchErrLog.Allow(), "a fresh limiter admits its first call")
}
