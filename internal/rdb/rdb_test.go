// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package rdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/xalsie/kodiak/internal/base"
	"github.com/xalsie/kodiak/internal/errors"
	"github.com/xalsie/kodiak/internal/timeutil"
)

// setupRDB dials a local Redis instance on a scratch database and flushes it
// before and after the test. These are integration tests exercising real
// Lua scripts against real Redis (the Script Set's atomicity guarantees
// cannot be verified against a fake); a Redis instance unavailable at
// 127.0.0.1:6379 skips the whole suite rather than failing it.
func setupRDB(t *testing.T) (*RDB, *timeutil.SimulatedClock) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at 127.0.0.1:6379: %v", err)
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	clock := timeutil.NewSimulatedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := NewRDB(client)
	r.SetClock(clock)
	return r, clock
}

const testPrefix = "kodiaktest"

func TestAddJobWaitingAndDelayed(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()

	score, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{
		ID: "job-1", Data: []byte("payload"), Priority: 5, MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.Equal(t, int64(-1), score) // -1 signals "added to waiting"

	score, err = r.AddJob(ctx, testPrefix, "email", AddJobParams{
		ID: "job-2", Data: []byte("payload"), Priority: 5, MaxAttempts: 3, Delay: time.Hour,
	})
	require.NoError(t, err)
	require.Greater(t, score, int64(0))

	counts, err := r.Counts(ctx, testPrefix, "email")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
	require.EqualValues(t, 1, counts.Delayed)
}

func TestAddJobRejectsDuplicateID(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()

	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "dup", Data: []byte("x"), MaxAttempts: 1})
	require.NoError(t, err)

	_, err = r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "dup", Data: []byte("y"), MaxAttempts: 1})
	require.ErrorIs(t, err, ErrJobIDConflict)
	require.True(t, errors.Is(err, errors.AlreadyExists))
}

func TestMoveToActiveJobsThenCompleteJob(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "job-1", Data: []byte("x"), MaxAttempts: 1})
	require.NoError(t, err)

	jobs, err := r.MoveToActiveJobs(ctx, testPrefix, "email", 10, clock.Now().Add(30*time.Second), "owner-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, base.JobStateActive, jobs[0].State)
	require.Equal(t, "owner-1", jobs[0].LockOwner)

	done, err := r.CompleteJob(ctx, testPrefix, "email", "job-1")
	require.NoError(t, err)
	require.True(t, done)

	m, err := r.FetchJobHash(ctx, testPrefix, "job-1")
	require.NoError(t, err)
	require.Equal(t, "completed", m[base.FieldState])

	counts, err := r.Counts(ctx, testPrefix, "email")
	require.NoError(t, err)
	require.EqualValues(t, 0, counts.Active)
}

func TestCompleteJobReschedulesRecurringJob(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{
		ID: "job-1", Data: []byte("x"), MaxAttempts: 1,
		Repeat: base.RepeatConfig{Every: time.Minute, Limit: 0},
	})
	require.NoError(t, err)

	_, err = r.MoveToActiveJobs(ctx, testPrefix, "email", 10, clock.Now().Add(time.Minute), "")
	require.NoError(t, err)

	done, err := r.CompleteJob(ctx, testPrefix, "email", "job-1")
	require.NoError(t, err)
	require.False(t, done) // rescheduled, not terminal

	m, err := r.FetchJobHash(ctx, testPrefix, "job-1")
	require.NoError(t, err)
	require.Equal(t, "delayed", m[base.FieldState])
	require.Equal(t, "1", m[base.FieldRepeatCount])
}

func TestFailJobRetriesThenPermanentlyFails(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{
		ID: "job-1", Data: []byte("x"), MaxAttempts: 2,
		Backoff: base.BackoffConfig{Type: "fixed", Delay: time.Second},
	})
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		jobs, err := r.MoveToActiveJobs(ctx, testPrefix, "email", 10, clock.Now().Add(30*time.Second), "")
		require.NoError(t, err)
		require.Len(t, jobs, 1, "attempt %d", attempt)

		next, err := r.FailJob(ctx, testPrefix, "email", "job-1", "boom", time.Time{})
		require.NoError(t, err)
		if attempt == 0 {
			require.Greater(t, next, int64(0)) // rescheduled to delayed
			clock.AdvanceTime(2 * time.Second)
			_, err := r.PromoteDelayedJobs(ctx, testPrefix, "email", 10)
			require.NoError(t, err)
		} else {
			require.EqualValues(t, -1, next) // permanent failure
		}
	}

	m, err := r.FetchJobHash(ctx, testPrefix, "job-1")
	require.NoError(t, err)
	require.Equal(t, "failed", m[base.FieldState])
	require.Equal(t, "2", m[base.FieldRetryCount])
}

func TestPromoteDelayedJobsRespectsLimitAndDueTime(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{
			ID: fmt.Sprintf("job-%d", i), Data: []byte("x"), MaxAttempts: 1, Delay: time.Minute,
		})
		require.NoError(t, err)
	}

	// Not due yet.
	ids, err := r.PromoteDelayedJobs(ctx, testPrefix, "email", 10)
	require.NoError(t, err)
	require.Empty(t, ids)

	clock.AdvanceTime(2 * time.Minute)
	ids, err = r.PromoteDelayedJobs(ctx, testPrefix, "email", 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	counts, err := r.Counts(ctx, testPrefix, "email")
	require.NoError(t, err)
	require.EqualValues(t, 2, counts.Waiting)
	require.EqualValues(t, 1, counts.Delayed)
}

func TestMoveJobDequeuesHighestPriorityFirst(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	// Lower priority number means more urgent (spec default is 10); enqueue
	// out of order and expect strict high(1) -> normal(10) -> low(20) fetch
	// order regardless of insertion order.
	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "low", Data: []byte("x"), Priority: 20, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "high", Data: []byte("x"), Priority: 1, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "normal", Data: []byte("x"), Priority: 10, MaxAttempts: 1})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := r.MoveJob(ctx, testPrefix, "email", clock.Now().Add(30*time.Second), "owner-1", false)
		require.NoError(t, err)
		order = append(order, job.ID)
	}
	require.Equal(t, []string{"high", "normal", "low"}, order)

	_, err = r.MoveJob(ctx, testPrefix, "email", clock.Now().Add(30*time.Second), "owner-1", false)
	require.Equal(t, ErrNoProcessableJob, err)
}

func TestMoveToActiveJobsPreservesPriorityThenFIFOOrder(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "low-1", Data: []byte("x"), Priority: 20, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "high-1", Data: []byte("x"), Priority: 1, MaxAttempts: 1})
	require.NoError(t, err)
	clock.AdvanceTime(time.Millisecond)
	_, err = r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "high-2", Data: []byte("x"), Priority: 1, MaxAttempts: 1})
	require.NoError(t, err)

	jobs, err := r.MoveToActiveJobs(ctx, testPrefix, "email", 10, clock.Now().Add(30*time.Second), "owner-1")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	// Both priority-1 jobs precede the priority-20 job, and high-1 (added
	// first) precedes high-2 within the tied priority band.
	require.Equal(t, []string{"high-1", "high-2", "low-1"}, ids)
}

func TestRecoverStalledJobsRequeuesUnconditionally(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "job-1", Data: []byte("x"), MaxAttempts: 1})
	require.NoError(t, err)

	// Lease with a lock that expires immediately (in the past relative to
	// the next tick), simulating a worker that died mid-processing.
	_, err = r.MoveToActiveJobs(ctx, testPrefix, "email", 10, clock.Now().Add(-time.Second), "dead-owner")
	require.NoError(t, err)

	ids, err := r.RecoverStalledJobs(ctx, testPrefix, "email")
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, ids)

	m, err := r.FetchJobHash(ctx, testPrefix, "job-1")
	require.NoError(t, err)
	require.Equal(t, "waiting", m[base.FieldState])
	require.Equal(t, "1", m[base.FieldRetryCount])

	counts, err := r.Counts(ctx, testPrefix, "email")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Waiting)
	require.EqualValues(t, 0, counts.Active)
}

func TestExtendLockChecksOwnership(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "job-1", Data: []byte("x"), MaxAttempts: 1})
	require.NoError(t, err)
	_, err = r.MoveToActiveJobs(ctx, testPrefix, "email", 10, clock.Now().Add(30*time.Second), "owner-1")
	require.NoError(t, err)

	ok, err := r.ExtendLock(ctx, testPrefix, "email", "job-1", clock.Now().Add(time.Minute), "owner-2")
	require.NoError(t, err)
	require.False(t, ok, "extending with the wrong owner token must fail")

	ok, err = r.ExtendLock(ctx, testPrefix, "email", "job-1", clock.Now().Add(time.Minute), "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.ExtendLock(ctx, testPrefix, "email", "no-such-job", clock.Now().Add(time.Minute), "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateProgress(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "job-1", Data: []byte("x"), MaxAttempts: 1})
	require.NoError(t, err)
	_, err = r.MoveToActiveJobs(ctx, testPrefix, "email", 10, clock.Now().Add(30*time.Second), "")
	require.NoError(t, err)

	require.NoError(t, r.UpdateProgress(ctx, testPrefix, "job-1", 42))
	m, err := r.FetchJobHash(ctx, testPrefix, "job-1")
	require.NoError(t, err)
	require.Equal(t, "42", m[base.FieldProgress])

	err = r.UpdateProgress(ctx, testPrefix, "no-such-job", 1)
	require.True(t, errors.Is(err, errors.NotFound))
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := r.TokenBucket(ctx, testPrefix, "email", 1, 1, 3)
		require.NoError(t, err)
		require.True(t, ok, "call %d should be admitted within capacity", i)
	}
	ok, err := r.TokenBucket(ctx, testPrefix, "email", 1, 1, 3)
	require.NoError(t, err)
	require.False(t, ok, "bucket should be exhausted")

	clock.AdvanceTime(2 * time.Second)
	ok, err = r.TokenBucket(ctx, testPrefix, "email", 1, 1, 3)
	require.NoError(t, err)
	require.True(t, ok, "bucket should have refilled after 2s at rate 1/s")
}

func TestSlidingWindowDeniesOverLimit(t *testing.T) {
	r, _ := setupRDB(t)
	ctx := context.Background()

	res, err := r.SlidingWindow(ctx, testPrefix, "email", (time.Minute).Milliseconds(), 2, 1, "email")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = r.SlidingWindow(ctx, testPrefix, "email", (time.Minute).Milliseconds(), 2, 1, "email")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = r.SlidingWindow(ctx, testPrefix, "email", (time.Minute).Milliseconds(), 2, 1, "email")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestDeleteExpiredJobsSweepsOnlyTerminalJobsPastCutoff(t *testing.T) {
	r, clock := setupRDB(t)
	ctx := context.Background()

	_, err := r.AddJob(ctx, testPrefix, "email", AddJobParams{ID: "job-1", Data: []byte("x"), MaxAttempts: 1})
	require.NoError(t, err)
	_, err = r.MoveToActiveJobs(ctx, testPrefix, "email", 10, clock.Now().Add(30*time.Second), "")
	require.NoError(t, err)
	_, err = r.CompleteJob(ctx, testPrefix, "email", "job-1")
	require.NoError(t, err)

	// Not old enough yet.
	ids, err := r.DeleteExpiredJobs(ctx, testPrefix, "email", clock.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	require.Empty(t, ids)

	clock.AdvanceTime(2 * time.Hour)
	ids, err = r.DeleteExpiredJobs(ctx, testPrefix, "email", clock.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, ids)

	m, err := r.FetchJobHash(ctx, testPrefix, "job-1")
	require.NoError(t, err)
	require.Empty(t, m)
}
