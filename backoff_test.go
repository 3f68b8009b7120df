package kodiak

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xalsie/kodiak/internal/base"
)

func TestFixedBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, FixedBackoff(1, 5*time.Second))
	assert.Equal(t, 5*time.Second, FixedBackoff(10, 5*time.Second))
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attemptsMade int64
		want         time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{0, time.Second}, // clamped to attempt 1
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExponentialBackoff(tt.attemptsMade, time.Second))
	}
}

func TestResolveBackoffBuiltins(t *testing.T) {
	failedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fixed := resolveBackoff(nil, base.BackoffConfig{Type: "fixed", Delay: 2 * time.Second}, 3, failedAt)
	assert.Equal(t, failedAt.Add(2*time.Second), fixed)

	exp := resolveBackoff(nil, base.BackoffConfig{Type: "exponential", Delay: time.Second}, 3, failedAt)
	assert.Equal(t, failedAt.Add(4*time.Second), exp)
}

func TestResolveBackoffCustomStrategyTakesPriority(t *testing.T) {
	failedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	custom := map[string]BackoffFunc{
		"fixed": func(attemptsMade int64, delay time.Duration) time.Duration {
			return 30 * time.Second // overrides the builtin fixed strategy
		},
	}
	got := resolveBackoff(custom, base.BackoffConfig{Type: "fixed", Delay: time.Second}, 1, failedAt)
	assert.Equal(t, failedAt.Add(30*time.Second), got)
}

func TestResolveBackoffUnknownTypeLeavesNoForcedOverride(t *testing.T) {
	failedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := resolveBackoff(nil, base.BackoffConfig{Type: "does-not-exist"}, 2, failedAt)
	assert.True(t, got.IsZero(), "an unregistered strategy must not force a next-attempt time; fail_job's own unknown/immediate branch applies")
}

func TestResolveBackoffEmptyTypeLeavesNoForcedOverride(t *testing.T) {
	got := resolveBackoff(nil, base.BackoffConfig{}, 1, time.Now())
	assert.True(t, got.IsZero())
}
