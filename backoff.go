package kodiak

import (
	"time"

	"github.com/xalsie/kodiak/internal/base"
)

// BackoffFunc computes the delay to wait before the next attempt of a job
// that has failed attemptsMade times (1-indexed: attemptsMade is the count
// including the attempt that just failed).
type BackoffFunc func(attemptsMade int64, delay time.Duration) time.Duration

// FixedBackoff returns a constant delay regardless of attempt count,
// matching the "fixed" backoff type on the job hash.
func FixedBackoff(attemptsMade int64, delay time.Duration) time.Duration {
	return delay
}

// ExponentialBackoff doubles delay for every attempt beyond the first,
// matching the "exponential" backoff type on the job hash: delay * 2^(n-1).
func ExponentialBackoff(attemptsMade int64, delay time.Duration) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	mult := int64(1) << uint(attemptsMade-1)
	return delay * time.Duration(mult)
}

// builtinBackoffs are always available regardless of what a Worker's
// BackoffStrategies map contains.
var builtinBackoffs = map[string]BackoffFunc{
	"fixed":       FixedBackoff,
	"exponential": ExponentialBackoff,
}

// resolveBackoff picks the BackoffFunc for a job's backoff type, checking
// the Worker's registered strategies before the builtins, and computes the
// absolute next-attempt time. A type matching neither returns the zero
// Time: fail_job's own "unknown: immediate" branch applies once the caller
// passes that zero value through as forcedNextAttempt=0, rather than this
// resolver silently picking a delay on the script's behalf.
func resolveBackoff(strategies map[string]BackoffFunc, cfg base.BackoffConfig, attemptsMade int64, failedAt time.Time) time.Time {
	if fn, ok := strategies[cfg.Type]; ok {
		return failedAt.Add(fn(attemptsMade, cfg.Delay))
	}
	if fn, ok := builtinBackoffs[cfg.Type]; ok {
		return failedAt.Add(fn(attemptsMade, cfg.Delay))
	}
	return time.Time{}
}
