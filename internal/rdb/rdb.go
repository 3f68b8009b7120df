// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb implements the reliability engine's Script Set and Queue
// Repository on top of Redis: every atomic state transition named by the
// job lifecycle is a Lua script here, run through RDB.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xalsie/kodiak/internal/base"
	"github.com/xalsie/kodiak/internal/errors"
	"github.com/xalsie/kodiak/internal/timeutil"
)

// RDB is a thin wrapper around a Redis client that loads and runs the
// reliability engine's scripts and reconstructs entities from their
// replies.
type RDB struct {
	client  redis.UniversalClient
	clock   timeutil.Clock
	emitter base.EventEmitter
}

// NewRDB returns a new RDB instance backed by client.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{client: client, clock: timeutil.NewRealClock()}
}

// Client returns the underlying Redis client, for callers that need
// read-only ad-hoc access.
func (r *RDB) Client() redis.UniversalClient { return r.client }

// SetClock overrides the clock used to compute "now" for calls that accept
// no explicit timestamp. Used by tests.
func (r *RDB) SetClock(c timeutil.Clock) { r.clock = c }

// SetEventEmitter registers e to receive a DelayEvent every time AddJob,
// FailJob or MoveWaitingToDelayed schedules a job's delay timer. Optional:
// a caller with no in-process Scheduler to notify (e.g. a bare Worker) never
// calls this, and the periodic sweep and keyspace-notification mechanisms
// still cover it.
func (r *RDB) SetEventEmitter(e base.EventEmitter) { r.emitter = e }

// installDelayTimer SETs the job's delay-timer key with a TTL so it
// disappears at due, which fires the keyspace-notification event the
// Scheduler subscribes to; a due time already in the past installs no timer,
// since nothing should wait on an expiration that already happened.
// Best-effort: the SET's result is not checked, so an error here is neither
// reported nor fatal to the state transition that already committed.
func (r *RDB) installDelayTimer(ctx context.Context, prefix, id string, due time.Time) {
	ttl := time.Until(due)
	if ttl <= 0 {
		return
	}
	r.client.Set(ctx, base.DelayTimerKey(prefix, id), 1, ttl)
	if r.emitter != nil {
		r.emitter.Emit(base.DelayEvent{ID: id, Due: due})
	}
}

// Close closes the underlying Redis connection.
func (r *RDB) Close() error { return r.client.Close() }

// Ping verifies connectivity to Redis.
func (r *RDB) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RDB) now() time.Time { return r.clock.Now() }

// ---------------------------------------------------------------------
// add_job
// ---------------------------------------------------------------------

// KEYS[1] -> waiting set
// KEYS[2] -> delayed set
// KEYS[3] -> job hash
// KEYS[4] -> notify list
// ARGV[1] -> id
// ARGV[2] -> score (composite score if waiting, due-epoch-ms if delayed)
// ARGV[3] -> "1" if delayed, "0" if waiting
// ARGV[4..] -> field/value pairs to write onto the job hash
var addJobCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
	return redis.error_reply("ALREADYEXISTS")
end
for i = 4, #ARGV, 2 do
	redis.call("HSET", KEYS[3], ARGV[i], ARGV[i+1])
end
if ARGV[3] == "1" then
	redis.call("HSET", KEYS[3], "state", "delayed")
	redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
	return tonumber(ARGV[2])
else
	redis.call("HSET", KEYS[3], "state", "waiting")
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
	redis.call("LPUSH", KEYS[4], ARGV[1])
	return -1
end
`)

// AddJobParams carries the producer-supplied options for AddJob.
type AddJobParams struct {
	ID          string
	Data        []byte
	Priority    int64
	MaxAttempts int64
	Delay       time.Duration // > 0 means "run at AddedAt+Delay"
	WaitUntil   time.Time     // takes precedence over Delay when non-zero
	Backoff     base.BackoffConfig
	Repeat      base.RepeatConfig
}

// ErrJobIDConflict is returned by AddJob when id already exists. Recorded as
// the module's answer to the specification's third open question: add() on
// an existing id rejects rather than overwrites.
var ErrJobIDConflict = errors.E(errors.Op("rdb.AddJob"), errors.AlreadyExists, "job id already exists")

// AddJob runs add_job. It returns the epoch-ms the job is scheduled to
// become runnable, or -1 if it was added directly to waiting.
func (r *RDB) AddJob(ctx context.Context, prefix, qname string, p AddJobParams) (int64, error) {
	op := errors.Op("rdb.AddJob")
	now := r.now()
	addedAt := base.EpochMillis(now)

	var isDelayed string
	var score int64
	var due time.Time
	switch {
	case !p.WaitUntil.IsZero() && p.WaitUntil.After(now):
		isDelayed = "1"
		due = p.WaitUntil
		score = base.EpochMillis(due)
	case p.Delay > 0:
		isDelayed = "1"
		due = now.Add(p.Delay)
		score = base.EpochMillis(due)
	default:
		isDelayed = "0"
		score = int64(base.CompositeScore(p.Priority, addedAt))
	}

	fields := []interface{}{
		base.FieldData, string(p.Data),
		base.FieldPriority, p.Priority,
		base.FieldRetryCount, 0,
		base.FieldMaxAttempts, p.MaxAttempts,
		base.FieldAddedAt, addedAt,
		base.FieldQueue, qname,
		base.FieldID, p.ID,
	}
	if p.Backoff.Type != "" {
		fields = append(fields, base.FieldBackoffType, p.Backoff.Type, base.FieldBackoffDelay, p.Backoff.Delay.Milliseconds())
	}
	if p.Repeat.Every > 0 {
		fields = append(fields, base.FieldRepeatEvery, p.Repeat.Every.Milliseconds(), base.FieldRepeatCount, p.Repeat.Count, base.FieldRepeatLimit, p.Repeat.Limit)
	}

	keys := []string{
		base.WaitingKey(prefix, qname),
		base.DelayedKey(prefix, qname),
		base.JobKey(prefix, p.ID),
		base.NotifyKey(prefix, qname),
	}
	args := append([]interface{}{p.ID, score, isDelayed}, fields...)

	res, err := addJobCmd.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		if isAlreadyExists(err) {
			return 0, ErrJobIDConflict
		}
		return 0, errors.RedisCommandError(op, err)
	}
	n, _ := res.(int64)
	if isDelayed == "1" {
		r.installDelayTimer(ctx, prefix, p.ID, due)
	}
	return n, nil
}

func isAlreadyExists(err error) bool {
	return err != nil && containsAlreadyExists(err.Error())
}

func containsAlreadyExists(s string) bool {
	needle := "ALREADYEXISTS"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------
// move_job (single-job optimistic fetch)
// ---------------------------------------------------------------------

// KEYS[1] -> waiting set
// KEYS[2] -> active set
// KEYS[3] -> notify list
// ARGV[1] -> lock expiration epoch ms
// ARGV[2] -> "1" to pop a notify token, "0" to skip
var moveJobCmd = redis.NewScript(`
local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call("ZADD", KEYS[2], ARGV[1], id)
if ARGV[2] == "1" then
	redis.call("RPOP", KEYS[3])
end
return id
`)

// ErrNoProcessableJob is returned when there is nothing waiting.
var ErrNoProcessableJob = errors.E(errors.Op("rdb.MoveJob"), errors.NotFound, "no processable job in queue")

// MoveJob implements the Fetch Protocol's optimistic pop: it moves the
// lowest-score waiting job into active and, on success, finishes the job
// hash update itself (single id, no strict-key-declaration concern) before
// reconstructing and returning the entity.
func (r *RDB) MoveJob(ctx context.Context, prefix, qname string, lockExpiresAt time.Time, ownerToken string, popNotify bool) (*base.Job, error) {
	op := errors.Op("rdb.MoveJob")
	pop := "0"
	if popNotify {
		pop = "1"
	}
	keys := []string{base.WaitingKey(prefix, qname), base.ActiveKey(prefix, qname), base.NotifyKey(prefix, qname)}
	res, err := moveJobCmd.Run(ctx, r.client, keys, base.EpochMillis(lockExpiresAt), pop).Result()
	if err == redis.Nil {
		return nil, ErrNoProcessableJob
	}
	if err != nil {
		return nil, errors.RedisCommandError(op, err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, ErrNoProcessableJob
	}
	return r.finishActivation(ctx, prefix, qname, id, ownerToken)
}

func (r *RDB) finishActivation(ctx context.Context, prefix, qname, id, ownerToken string) (*base.Job, error) {
	op := errors.Op("rdb.finishActivation")
	jobKey := base.JobKey(prefix, id)
	pipe := r.client.TxPipeline()
	fields := map[string]interface{}{
		base.FieldState:     "active",
		base.FieldStartedAt: base.EpochMillis(r.now()),
	}
	if ownerToken != "" {
		fields[base.FieldLockOwner] = ownerToken
	}
	pipe.HSet(ctx, jobKey, fields)
	getCmd := pipe.HGetAll(ctx, jobKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.RedisCommandError(op, err)
	}
	m, err := getCmd.Result()
	if err != nil {
		return nil, errors.RedisCommandError(op, err)
	}
	if m[base.FieldData] == "" {
		return nil, errors.E(op, errors.CorruptJob, fmt.Sprintf("job %s missing data field", id))
	}
	return base.FromHash(id, qname, m), nil
}

// ---------------------------------------------------------------------
// move_to_active (batch fetch)
// ---------------------------------------------------------------------

// KEYS[1] -> waiting set
// KEYS[2] -> active set
// ARGV[1] -> count
// ARGV[2] -> lock expiration epoch ms
var moveToActiveCmd = redis.NewScript(`
local count = tonumber(ARGV[1])
local ids = redis.call("ZRANGE", KEYS[1], 0, count - 1)
if #ids == 0 then
	return {}
end
redis.call("ZREM", KEYS[1], unpack(ids))
for _, id in ipairs(ids) do
	redis.call("ZADD", KEYS[2], ARGV[2], id)
end
return ids
`)

// MoveToActiveJobs implements the Fetch Protocol's batch fetch: it moves up
// to count waiting jobs into active, then pipelines the job-hash update and
// reconstructs entities for each. Jobs found to be corrupt (missing data)
// are skipped rather than returned, matching the specification's fetch
// contract.
func (r *RDB) MoveToActiveJobs(ctx context.Context, prefix, qname string, count int, lockExpiresAt time.Time, ownerToken string) ([]*base.Job, error) {
	op := errors.Op("rdb.MoveToActiveJobs")
	keys := []string{base.WaitingKey(prefix, qname), base.ActiveKey(prefix, qname)}
	res, err := moveToActiveCmd.Run(ctx, r.client, keys, count, base.EpochMillis(lockExpiresAt)).Result()
	if err != nil {
		return nil, errors.RedisCommandError(op, err)
	}
	rawIDs, _ := res.([]interface{})
	if len(rawIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rawIDs))
	for i, v := range rawIDs {
		ids[i] = v.(string)
	}

	startedAt := base.EpochMillis(r.now())
	pipe := r.client.TxPipeline()
	getCmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	for _, id := range ids {
		jobKey := base.JobKey(prefix, id)
		fields := map[string]interface{}{base.FieldState: "active", base.FieldStartedAt: startedAt}
		if ownerToken != "" {
			fields[base.FieldLockOwner] = ownerToken
		}
		pipe.HSet(ctx, jobKey, fields)
		getCmds[id] = pipe.HGetAll(ctx, jobKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.RedisCommandError(op, err)
	}

	jobs := make([]*base.Job, 0, len(ids))
	for _, id := range ids {
		m, err := getCmds[id].Result()
		if err != nil || m[base.FieldData] == "" {
			continue // CorruptJob: skip silently, per spec §7
		}
		jobs = append(jobs, base.FromHash(id, qname, m))
	}
	return jobs, nil
}

// ---------------------------------------------------------------------
// complete_job
// ---------------------------------------------------------------------

// KEYS[1] -> active set
// KEYS[2] -> job hash
// KEYS[3] -> delayed set
// KEYS[4] -> retention set
// ARGV[1] -> id
// ARGV[2] -> completedAt epoch ms
var completeJobCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
local repeatEvery = tonumber(redis.call("HGET", KEYS[2], "repeat_every") or "0") or 0
local repeatLimit = tonumber(redis.call("HGET", KEYS[2], "repeat_limit") or "0") or 0
local repeatCount = tonumber(redis.call("HGET", KEYS[2], "repeat_count") or "0") or 0
if repeatEvery > 0 and (repeatLimit == 0 or repeatCount < repeatLimit - 1) then
	local newCount = repeatCount + 1
	redis.call("HSET", KEYS[2], "repeat_count", newCount, "state", "delayed")
	local nextAt = tonumber(ARGV[2]) + repeatEvery
	redis.call("ZADD", KEYS[3], nextAt, ARGV[1])
	return 0
else
	redis.call("HSET", KEYS[2], "state", "completed", "completed_at", ARGV[2])
	redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
	return 1
end
`)

// CompleteJob runs complete_job. It returns true if the job reached a
// terminal completed state, or false if it was rescheduled as a recurring
// run. Per the specification's first Open Question decision, lock_owner is
// not consulted here: completion is unauthenticated.
func (r *RDB) CompleteJob(ctx context.Context, prefix, qname, id string) (bool, error) {
	op := errors.Op("rdb.CompleteJob")
	keys := []string{base.ActiveKey(prefix, qname), base.JobKey(prefix, id), base.DelayedKey(prefix, qname), base.RetentionKey(prefix, qname)}
	res, err := completeJobCmd.Run(ctx, r.client, keys, id, base.EpochMillis(r.now())).Result()
	if err != nil {
		return false, errors.RedisCommandError(op, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ---------------------------------------------------------------------
// fail_job
// ---------------------------------------------------------------------

// KEYS[1] -> active set
// KEYS[2] -> job hash
// KEYS[3] -> delayed set
// KEYS[4] -> retention set
// ARGV[1] -> id
// ARGV[2] -> error message
// ARGV[3] -> failedAt epoch ms
// ARGV[4] -> forced next-attempt epoch ms, or 0 to use the job's own backoff
var failJobCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
local retryCount = tonumber(redis.call("HGET", KEYS[2], "retry_count") or "0") or 0
local maxAttempts = tonumber(redis.call("HGET", KEYS[2], "max_attempts") or "1") or 1
local backoffType = redis.call("HGET", KEYS[2], "backoff_type") or ""
local backoffDelay = tonumber(redis.call("HGET", KEYS[2], "backoff_delay") or "0") or 0
local failedAt = tonumber(ARGV[3])
if retryCount < maxAttempts - 1 then
	local newRetryCount = retryCount + 1
	local forced = tonumber(ARGV[4]) or 0
	local nextAttempt
	if forced > 0 then
		nextAttempt = forced
	elseif backoffType == "fixed" then
		nextAttempt = failedAt + backoffDelay
	elseif backoffType == "exponential" then
		local mult = 1
		for i = 1, newRetryCount - 1 do
			mult = mult * 2
		end
		nextAttempt = failedAt + backoffDelay * mult
	else
		nextAttempt = failedAt
	end
	redis.call("HSET", KEYS[2], "retry_count", newRetryCount, "state", "delayed", "error", ARGV[2], "failed_at", ARGV[3])
	redis.call("ZADD", KEYS[3], nextAttempt, ARGV[1])
	return nextAttempt
else
	redis.call("HSET", KEYS[2], "retry_count", retryCount + 1, "state", "failed", "error", ARGV[2], "failed_at", ARGV[3])
	redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
	return -1
end
`)

// FailJob runs fail_job. forcedNextAttempt, if non-zero, overrides the
// job's own backoff (the Retry Resolver's chosen next-attempt time). It
// returns the epoch-ms the job was rescheduled to, or -1 if it reached
// permanent failure.
func (r *RDB) FailJob(ctx context.Context, prefix, qname, id, errMsg string, forcedNextAttempt time.Time) (int64, error) {
	op := errors.Op("rdb.FailJob")
	keys := []string{base.ActiveKey(prefix, qname), base.JobKey(prefix, id), base.DelayedKey(prefix, qname), base.RetentionKey(prefix, qname)}
	res, err := failJobCmd.Run(ctx, r.client, keys, id, errMsg, base.EpochMillis(r.now()), base.EpochMillis(forcedNextAttempt)).Result()
	if err != nil {
		return 0, errors.RedisCommandError(op, err)
	}
	n, _ := res.(int64)
	if n > 0 {
		r.installDelayTimer(ctx, prefix, id, time.UnixMilli(n))
	}
	return n, nil
}

// ---------------------------------------------------------------------
// promote_delayed_jobs
// ---------------------------------------------------------------------

// KEYS[1] -> delayed set
// KEYS[2] -> waiting set
// KEYS[3] -> notify list
// ARGV[1] -> now epoch ms
// ARGV[2] -> limit
// ARGV[3] -> job key prefix, e.g. "kodiak:jobs:"
var promoteDelayedJobsCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #ids == 0 then
	return {}
end
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	local priority = tonumber(redis.call("HGET", ARGV[3] .. id, "priority")) or 10
	local score = priority * 10000000000000 + tonumber(ARGV[1])
	redis.call("ZADD", KEYS[2], score, id)
	redis.call("HSET", ARGV[3] .. id, "state", "waiting")
	redis.call("LPUSH", KEYS[3], id)
end
return ids
`)

// PromoteDelayedJobs runs promote_delayed_jobs, moving up to limit due
// delayed jobs into waiting. Idempotent: a job already promoted by a
// concurrent caller is no longer in the delayed set and is skipped.
func (r *RDB) PromoteDelayedJobs(ctx context.Context, prefix, qname string, limit int) ([]string, error) {
	op := errors.Op("rdb.PromoteDelayedJobs")
	keys := []string{base.DelayedKey(prefix, qname), base.WaitingKey(prefix, qname), base.NotifyKey(prefix, qname)}
	res, err := promoteDelayedJobsCmd.Run(ctx, r.client, keys, base.EpochMillis(r.now()), limit, prefix+":jobs:").Result()
	if err != nil {
		return nil, errors.RedisCommandError(op, err)
	}
	return toStringSlice(res), nil
}

// ---------------------------------------------------------------------
// recover_stalled_jobs
// ---------------------------------------------------------------------

// KEYS[1] -> active set
// KEYS[2] -> waiting set
// ARGV[1] -> now epoch ms
// ARGV[2] -> job key prefix, e.g. "kodiak:jobs:"
// ARGV[3] -> default priority, used when a job hash has none recorded
var recoverStalledJobsCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #ids == 0 then
	return {}
end
redis.call("ZREM", KEYS[1], unpack(ids))
for _, id in ipairs(ids) do
	local jobKey = ARGV[2] .. id
	local priority = tonumber(redis.call("HGET", jobKey, "priority")) or tonumber(ARGV[3])
	local score = priority * 10000000000000 + tonumber(ARGV[1])
	redis.call("HINCRBY", jobKey, "retry_count", 1)
	redis.call("HSET", jobKey, "state", "waiting", "updated_at", ARGV[1])
	redis.call("ZADD", KEYS[2], score, id)
end
return ids
`)

// RecoverStalledJobs runs recover_stalled_jobs: for every expired-lock
// active job, it atomically removes the lease, increments retry_count,
// flips the hash back to waiting and re-inserts it into the waiting set at
// its full composite score, all inside one script. Doing the rescore in the
// same script that performs the ZREM/re-insert (rather than as a later,
// separate pipeline) is required, not cosmetic: a placeholder score would
// let a concurrent MoveJob/MoveToActiveJobs pop the job into active again
// before it could be corrected, leaving the id in both waiting and active at
// once. Stalled recovery never consults backoff and always requeues, even
// for a job whose retry_count is about to reach max_attempts (a subsequent
// fail_job call is what finalizes permanent failure).
func (r *RDB) RecoverStalledJobs(ctx context.Context, prefix, qname string) ([]string, error) {
	op := errors.Op("rdb.RecoverStalledJobs")
	keys := []string{base.ActiveKey(prefix, qname), base.WaitingKey(prefix, qname)}
	now := r.now()
	res, err := recoverStalledJobsCmd.Run(ctx, r.client, keys, base.EpochMillis(now), prefix+":jobs:", base.DefaultPriority).Result()
	if err != nil {
		return nil, errors.RedisCommandError(op, err)
	}
	return toStringSlice(res), nil
}

// ---------------------------------------------------------------------
// extend_lock
// ---------------------------------------------------------------------

// KEYS[1] -> active set
// KEYS[2] -> job hash
// ARGV[1] -> id
// ARGV[2] -> new lock-expiration epoch ms
// ARGV[3] -> owner token, or "" to skip ownership check
var extendLockCmd = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return 0
end
if ARGV[3] ~= "" then
	local owner = redis.call("HGET", KEYS[2], "lock_owner")
	if owner ~= ARGV[3] then
		return 0
	end
end
redis.call("ZADD", KEYS[1], "XX", ARGV[2], ARGV[1])
return 1
`)

// ExtendLock runs extend_lock, returning true iff id is in active and
// (ownerToken == "" or it matches the job's recorded lock_owner).
func (r *RDB) ExtendLock(ctx context.Context, prefix, qname, id string, newExpiry time.Time, ownerToken string) (bool, error) {
	op := errors.Op("rdb.ExtendLock")
	keys := []string{base.ActiveKey(prefix, qname), base.JobKey(prefix, id)}
	res, err := extendLockCmd.Run(ctx, r.client, keys, id, base.EpochMillis(newExpiry), ownerToken).Result()
	if err != nil {
		return false, errors.RedisCommandError(op, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ---------------------------------------------------------------------
// update_progress
// ---------------------------------------------------------------------

// KEYS[1] -> job hash
// ARGV[1] -> progress
var updateProgressCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
redis.call("HSET", KEYS[1], "progress", ARGV[1])
return 0
`)

// UpdateProgress runs update_progress.
func (r *RDB) UpdateProgress(ctx context.Context, prefix, id string, progress int64) error {
	op := errors.Op("rdb.UpdateProgress")
	res, err := updateProgressCmd.Run(ctx, r.client, []string{base.JobKey(prefix, id)}, progress).Result()
	if err != nil {
		return errors.RedisCommandError(op, err)
	}
	if n, _ := res.(int64); n == -1 {
		return errors.E(op, errors.NotFound, fmt.Sprintf("job %s not found", id))
	}
	return nil
}

// ---------------------------------------------------------------------
// token_bucket
// ---------------------------------------------------------------------

// KEYS[1] -> bucket hash
// ARGV[1] -> now epoch ms
// ARGV[2] -> requested tokens
// ARGV[3] -> refill rate, tokens/sec
// ARGV[4] -> capacity
var tokenBucketCmd = redis.NewScript(`
local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens"))
local last = tonumber(redis.call("HGET", KEYS[1], "last"))
local capacity = tonumber(ARGV[4])
local rate = tonumber(ARGV[3])
local now = tonumber(ARGV[1])
local requested = tonumber(ARGV[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end
local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed * rate / 1000)
local allowed = 0
if tokens >= requested then
	tokens = tokens - requested
	allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tokens, "last", now)
redis.call("EXPIRE", KEYS[1], 3600)
return allowed
`)

// TokenBucket runs token_bucket, returning true if requested tokens were
// admitted.
func (r *RDB) TokenBucket(ctx context.Context, prefix, qname string, requested int64, rate float64, capacity int64) (bool, error) {
	op := errors.Op("rdb.TokenBucket")
	res, err := tokenBucketCmd.Run(ctx, r.client, []string{base.RateLimitKey(prefix, qname)},
		base.EpochMillis(r.now()), requested, rate, capacity).Result()
	if err != nil {
		return false, errors.RedisCommandError(op, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ---------------------------------------------------------------------
// sliding_window
// ---------------------------------------------------------------------

// KEYS[1] -> window sorted set
// ARGV[1] -> now epoch ms
// ARGV[2] -> window size ms
// ARGV[3] -> limit
// ARGV[4] -> requested
// ARGV[5] -> member base string
var slidingWindowCmd = redis.NewScript(`
local now = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - windowMs)
local count = redis.call("ZCARD", KEYS[1])
if count + requested <= limit then
	for i = 1, requested do
		redis.call("ZADD", KEYS[1], now, ARGV[5] .. ":" .. now .. ":" .. (count + i))
	end
	redis.call("PEXPIRE", KEYS[1], windowMs)
	return {1, count + requested, limit, now + windowMs}
else
	local earliest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
	local resetAt = now + windowMs
	if #earliest > 0 then
		resetAt = tonumber(earliest[2]) + windowMs
	end
	return {0, count, limit, resetAt}
end
`)

// SlidingWindowResult is the decoded reply of sliding_window.
type SlidingWindowResult struct {
	Allowed bool
	Count   int64
	Limit   int64
	ResetAt time.Time
}

// SlidingWindow runs sliding_window.
func (r *RDB) SlidingWindow(ctx context.Context, prefix, qname string, windowMs int64, limit, requested int64, memberBase string) (*SlidingWindowResult, error) {
	op := errors.Op("rdb.SlidingWindow")
	res, err := slidingWindowCmd.Run(ctx, r.client, []string{base.RateLimitSlidingKey(prefix, qname)},
		base.EpochMillis(r.now()), windowMs, limit, requested, memberBase).Result()
	if err != nil {
		return nil, errors.RedisCommandError(op, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, errors.E(op, errors.Internal, "unexpected sliding_window reply shape")
	}
	return &SlidingWindowResult{
		Allowed: toInt64(arr[0]) == 1,
		Count:   toInt64(arr[1]),
		Limit:   toInt64(arr[2]),
		ResetAt: time.UnixMilli(toInt64(arr[3])),
	}, nil
}

// ---------------------------------------------------------------------
// move_waiting_to_delayed
// ---------------------------------------------------------------------

// KEYS[1] -> waiting set
// KEYS[2] -> delayed set
// ARGV[1] -> next attempt epoch ms
// ARGV[2] -> metadata (opaque string, echoed back)
var moveWaitingToDelayedCmd = redis.NewScript(`
local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call("ZADD", KEYS[2], ARGV[1], id)
return {id, ARGV[1], ARGV[2]}
`)

// MoveWaitingToDelayed runs move_waiting_to_delayed, used by the rate
// limiter's "delay" denial policy. It also writes the delayed metadata
// fields onto the job hash, a responsibility the specification leaves to
// the caller.
func (r *RDB) MoveWaitingToDelayed(ctx context.Context, prefix, qname string, nextAttempt time.Time, reason, metadata string, rateLimitResetAt time.Time) (string, error) {
	op := errors.Op("rdb.MoveWaitingToDelayed")
	keys := []string{base.WaitingKey(prefix, qname), base.DelayedKey(prefix, qname)}
	res, err := moveWaitingToDelayedCmd.Run(ctx, r.client, keys, base.EpochMillis(nextAttempt), metadata).Result()
	if err == redis.Nil {
		return "", ErrNoProcessableJob
	}
	if err != nil {
		return "", errors.RedisCommandError(op, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return "", ErrNoProcessableJob
	}
	id := arr[0].(string)
	jobKey := base.JobKey(prefix, id)
	fields := map[string]interface{}{
		base.FieldState:         "delayed",
		base.FieldDelayedReason: reason,
		base.FieldDelayedMeta:   metadata,
	}
	if !rateLimitResetAt.IsZero() {
		fields[base.FieldRateLimitResetAt] = base.EpochMillis(rateLimitResetAt)
	}
	if err := r.client.HSet(ctx, jobKey, fields).Err(); err != nil {
		return "", errors.RedisCommandError(op, err)
	}
	r.installDelayTimer(ctx, prefix, id, nextAttempt)
	return id, nil
}

// ---------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------

func toStringSlice(res interface{}) []string {
	arr, ok := res.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		out[i] = v.(string)
	}
	return out
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var i int64
		fmt.Sscanf(n, "%d", &i)
		return i
	default:
		return 0
	}
}

// BlockingNotify performs the blocking half of the Fetch Protocol: it
// BLPOPs the queue's notify list with the given timeout, returning true if a
// token was received before the timeout elapsed. A timeout of zero blocks
// indefinitely, matching go-redis's BLPop semantics.
func (r *RDB) BlockingNotify(ctx context.Context, prefix, qname string, timeout time.Duration) (bool, error) {
	op := errors.Op("rdb.BlockingNotify")
	res, err := r.client.BLPop(ctx, timeout, base.NotifyKey(prefix, qname)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.RedisCommandError(op, err)
	}
	return len(res) > 0, nil
}

// FetchJobHash returns the raw job hash, for tests.
func (r *RDB) FetchJobHash(ctx context.Context, prefix, id string) (map[string]string, error) {
	op := errors.Op("rdb.FetchJobHash")
	m, err := r.client.HGetAll(ctx, base.JobKey(prefix, id)).Result()
	if err != nil {
		return nil, errors.RedisCommandError(op, err)
	}
	return m, nil
}

// QueueCounts reports the size of each of a queue's structural sets.
type QueueCounts struct {
	Waiting int64
	Delayed int64
	Active  int64
}

// Counts returns the current waiting/delayed/active set sizes for qname.
func (r *RDB) Counts(ctx context.Context, prefix, qname string) (QueueCounts, error) {
	op := errors.Op("rdb.Counts")
	pipe := r.client.TxPipeline()
	w := pipe.ZCard(ctx, base.WaitingKey(prefix, qname))
	d := pipe.ZCard(ctx, base.DelayedKey(prefix, qname))
	a := pipe.ZCard(ctx, base.ActiveKey(prefix, qname))
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueCounts{}, errors.RedisCommandError(op, err)
	}
	return QueueCounts{Waiting: w.Val(), Delayed: d.Val(), Active: a.Val()}, nil
}

// KEYS[1] -> retention set
// ARGV[1] -> cutoff epoch ms (jobs scored at or before this are expired)
// ARGV[2] -> batch limit
// ARGV[3] -> job key prefix, e.g. "kodiak:jobs:"
var deleteExpiredJobsCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #ids == 0 then
	return {}
end
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("DEL", ARGV[3] .. id)
end
return ids
`)

// DeleteExpiredJobs reclaims up to limit job hashes that reached a terminal
// state (completed or permanently failed) at or before cutoff, so terminal
// job hashes are not retained forever. Grounded on the
// teacher's janitor.go periodic sweep, adapted from a single completed
// sorted set to the retention set populated by complete_job/fail_job.
func (r *RDB) DeleteExpiredJobs(ctx context.Context, prefix, qname string, cutoff time.Time, limit int) ([]string, error) {
	op := errors.Op("rdb.DeleteExpiredJobs")
	keys := []string{base.RetentionKey(prefix, qname)}
	res, err := deleteExpiredJobsCmd.Run(ctx, r.client, keys, base.EpochMillis(cutoff), limit, prefix+":jobs:").Result()
	if err != nil {
		return nil, errors.RedisCommandError(op, err)
	}
	return toStringSlice(res), nil
}
