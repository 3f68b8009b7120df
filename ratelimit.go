package kodiak

import (
	"context"
	"time"

	"github.com/xalsie/kodiak/internal/rdb"
)

// DefaultDelayOnLimit is the delay applied to a job pushed back to delayed
// when a token-bucket limiter denies admission and no explicit delay is
// configured.
const DefaultDelayOnLimit = 500 * time.Millisecond

// RateLimitPolicy governs what happens to the head-of-line waiting job when
// a sliding-window limiter denies admission.
type RateLimitPolicy string

const (
	// PolicyReject leaves the queue untouched; the fetch simply returns
	// nothing this round.
	PolicyReject RateLimitPolicy = "reject"
	// PolicyDelay moves the next waiting job to delayed by DelayMs.
	PolicyDelay RateLimitPolicy = "delay"
	// PolicyEnqueue is reserved by the specification; treated as PolicyReject.
	PolicyEnqueue RateLimitPolicy = "enqueue"
)

// RateLimitConfig configures a queue's admission limiter. Zero value means
// "no limiter configured" and every fetch is admitted.
type RateLimitConfig struct {
	// TokenBucket mode, used when Rate > 0.
	Rate     float64 // tokens/sec
	Capacity int64   // burst size

	// SlidingWindow mode, used when WindowSize > 0.
	WindowSize time.Duration
	Limit      int64
	Policy     RateLimitPolicy
	DelayMs    time.Duration
}

func (c RateLimitConfig) enabled() bool {
	return c.Rate > 0 || c.WindowSize > 0
}

// limiter wraps the store-side token-bucket/sliding-window scripts with the
// specification's fail-open and denial policies. A script error always
// admits the request: limiter availability must never block processing.
type limiter struct {
	cfg RateLimitConfig
	rdb *rdb.RDB
}

func newLimiter(r *rdb.RDB, cfg RateLimitConfig) *limiter {
	return &limiter{cfg: cfg, rdb: r}
}

// admit asks the configured limiter for n tokens. It returns true when the
// request is admitted (including the fail-open case). On a denial the
// caller applies delayOnDeny, which pushes the head-of-line job to delayed
// for a token-bucket denial or a sliding-window "delay" policy.
func (l *limiter) admit(ctx context.Context, prefix, qname string, n int64) (bool, error) {
	if l == nil || !l.cfg.enabled() {
		return true, nil
	}
	if l.cfg.Rate > 0 {
		ok, err := l.rdb.TokenBucket(ctx, prefix, qname, n, l.cfg.Rate, l.cfg.Capacity)
		if err != nil {
			return true, nil // fail-open: script error never blocks processing
		}
		return ok, nil
	}
	res, err := l.rdb.SlidingWindow(ctx, prefix, qname, l.cfg.WindowSize.Milliseconds(), l.cfg.Limit, n, qname)
	if err != nil {
		return true, nil
	}
	return res.Allowed, nil
}

// delayOnDeny applies the denial policy: for a token bucket denial, or a
// sliding-window PolicyDelay denial, the next waiting job is pushed to
// delayed with reason=rate_limit. PolicyReject and PolicyEnqueue (reserved,
// treated as reject) leave the queue untouched.
func (l *limiter) delayOnDeny(ctx context.Context, prefix, qname string) {
	delay := l.cfg.DelayMs
	if l.cfg.Rate > 0 {
		if delay <= 0 {
			delay = DefaultDelayOnLimit
		}
	} else {
		if l.cfg.Policy != PolicyDelay {
			return
		}
		if delay <= 0 {
			delay = DefaultDelayOnLimit
		}
	}
	nextAttempt := time.Now().Add(delay)
	_, _ = l.rdb.MoveWaitingToDelayed(ctx, prefix, qname, nextAttempt, "rate_limit", "rate_limit", nextAttempt)
}
