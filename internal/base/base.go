// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines the key layout, entity types and low-level constants
// shared by kodiak's producer, worker and store packages.
package base

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultPrefix is used when a Producer, Worker or Queue is constructed without
// an explicit key prefix.
const DefaultPrefix = "kodiak"

// PriorityMultiplier is the high band of the composite waiting-set score:
// priority*PriorityMultiplier + scheduledEpochMs. It must stay well above any
// realistic epoch-ms value so that priority always dominates the ordering.
const PriorityMultiplier = 1e13

// DefaultPriority is used when a job is added without an explicit priority.
const DefaultPriority = 10

// DefaultMaxAttempts is used when a job is added without an explicit attempts count.
const DefaultMaxAttempts = 1

// JobState enumerates the lifecycle states named in the data model.
type JobState int

const (
	JobStateWaiting JobState = iota
	JobStateDelayed
	JobStateActive
	JobStateCompleted
	JobStateFailed
)

func (s JobState) String() string {
	switch s {
	case JobStateWaiting:
		return "waiting"
	case JobStateDelayed:
		return "delayed"
	case JobStateActive:
		return "active"
	case JobStateCompleted:
		return "completed"
	case JobStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobStateFromString parses the state field stored on the job hash.
func JobStateFromString(s string) (JobState, error) {
	switch s {
	case "waiting":
		return JobStateWaiting, nil
	case "delayed":
		return JobStateDelayed, nil
	case "active":
		return JobStateActive, nil
	case "completed":
		return JobStateCompleted, nil
	case "failed":
		return JobStateFailed, nil
	default:
		return 0, fmt.Errorf("base: unknown job state %q", s)
	}
}

// ValidateQueueName reports whether qname is safe to interpolate into a key.
func ValidateQueueName(qname string) error {
	if len(qname) == 0 {
		return fmt.Errorf("base: queue name cannot be empty")
	}
	if strings.ContainsAny(qname, ":{} \t\n") {
		return fmt.Errorf("base: queue name %q contains reserved characters", qname)
	}
	return nil
}

// --- key builders -----------------------------------------------------

// QueuePrefix returns "<prefix>:queue:<qname>:".
func QueuePrefix(prefix, qname string) string {
	return fmt.Sprintf("%s:queue:%s:", prefix, qname)
}

// WaitingKey returns the sorted set of jobs ready for immediate dispatch.
func WaitingKey(prefix, qname string) string {
	return QueuePrefix(prefix, qname) + "waiting"
}

// DelayedKey returns the sorted set of jobs scheduled for the future.
func DelayedKey(prefix, qname string) string {
	return QueuePrefix(prefix, qname) + "delayed"
}

// ActiveKey returns the sorted set of jobs currently leased to a worker,
// scored by lock-expiration epoch ms.
func ActiveKey(prefix, qname string) string {
	return QueuePrefix(prefix, qname) + "active"
}

// NotifyKey returns the list used to wake blocking fetchers.
func NotifyKey(prefix, qname string) string {
	return QueuePrefix(prefix, qname) + "notify"
}

// RateLimitKey returns the token-bucket hash key for a queue.
func RateLimitKey(prefix, qname string) string {
	return fmt.Sprintf("%s:ratelimit:%s", prefix, qname)
}

// RateLimitSlidingKey returns the sliding-window sorted-set key for a queue.
func RateLimitSlidingKey(prefix, qname string) string {
	return fmt.Sprintf("%s:ratelimit:%s:sliding", prefix, qname)
}

// JobKey returns the hash key holding a single job's fields.
func JobKey(prefix, id string) string {
	return fmt.Sprintf("%s:jobs:%s", prefix, id)
}

// DelayTimerKey returns the short-lived per-job key whose expiration wakes
// the event-driven half of the scheduler.
func DelayTimerKey(prefix, id string) string {
	return fmt.Sprintf("%s:delayed:timer:%s", prefix, id)
}

// RetentionKey returns the sorted set tracking jobs that reached a terminal
// state (completed or permanently failed), scored by the epoch ms they
// reached that state. The janitor sweeps this set to reclaim job hashes.
func RetentionKey(prefix, qname string) string {
	return QueuePrefix(prefix, qname) + "retention"
}

// DelayEvent describes a job that just became delayed and the time it is due
// to run.
type DelayEvent struct {
	ID  string
	Due time.Time
}

// EventEmitter receives a DelayEvent whenever the store schedules a job's
// delay timer, giving an in-process listener (the Scheduler, when it shares
// a process with the caller) a faster wakeup than waiting on the periodic
// sweep or a keyspace-notification round trip.
type EventEmitter interface {
	Emit(DelayEvent)
}

// CompositeScore implements the priority-then-FIFO ordering key for the
// waiting set: priority dominates, scheduledEpochMs breaks ties.
func CompositeScore(priority int64, scheduledEpochMs int64) float64 {
	return float64(priority)*PriorityMultiplier + float64(scheduledEpochMs)
}

// UniqueChecksum returns a stable identifier derived from arbitrary bytes,
// used by callers that want a deterministic job id for a given payload.
func UniqueChecksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// --- job hash field names ----------------------------------------------

const (
	FieldData             = "data"
	FieldState            = "state"
	FieldPriority         = "priority"
	FieldRetryCount       = "retry_count"
	FieldMaxAttempts      = "max_attempts"
	FieldAddedAt          = "added_at"
	FieldStartedAt        = "started_at"
	FieldCompletedAt      = "completed_at"
	FieldFailedAt         = "failed_at"
	FieldError            = "error"
	FieldProgress         = "progress"
	FieldBackoffType      = "backoff_type"
	FieldBackoffDelay     = "backoff_delay"
	FieldRepeatEvery      = "repeat_every"
	FieldRepeatCount      = "repeat_count"
	FieldRepeatLimit      = "repeat_limit"
	FieldLockOwner        = "lock_owner"
	FieldUpdatedAt        = "updated_at"
	FieldDelayedMeta      = "delayed_meta"
	FieldDelayedReason    = "delayed_reason"
	FieldRateLimitResetAt = "rate_limit_reset_at"
	FieldQueue            = "queue"
	FieldID               = "id"
)

// BackoffConfig mirrors the job hash's backoff_type/backoff_delay pair.
type BackoffConfig struct {
	Type  string // "fixed", "exponential", or a name registered on the Worker
	Delay time.Duration
}

// RepeatConfig mirrors the job hash's repeat_every/repeat_count/repeat_limit fields.
type RepeatConfig struct {
	Every time.Duration
	Count int64
	Limit int64 // 0 means unlimited
}

// Job is the client-facing reconstruction of a job hash.
type Job struct {
	ID       string
	Queue    string
	Data     []byte
	State    JobState
	Priority int64

	RetryCount  int64
	MaxAttempts int64

	AddedAt     time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	FailedAt    time.Time

	LastError string
	Progress  int64

	Backoff BackoffConfig
	Repeat  RepeatConfig

	LockOwner string
	UpdatedAt time.Time

	DelayedMeta      string
	DelayedReason    string
	RateLimitResetAt time.Time
}

// FromHash reconstructs a Job from a flattened HGETALL-style map. Fields
// absent from the map are left at their zero value; a job hash only ever
// carries the fields relevant to its current state.
func FromHash(id, queue string, m map[string]string) *Job {
	j := &Job{ID: id, Queue: queue}
	j.Data = []byte(m[FieldData])
	if st, err := JobStateFromString(m[FieldState]); err == nil {
		j.State = st
	}
	j.Priority = parseInt(m[FieldPriority], DefaultPriority)
	j.RetryCount = parseInt(m[FieldRetryCount], 0)
	j.MaxAttempts = parseInt(m[FieldMaxAttempts], DefaultMaxAttempts)
	j.AddedAt = parseMillis(m[FieldAddedAt])
	j.StartedAt = parseMillis(m[FieldStartedAt])
	j.CompletedAt = parseMillis(m[FieldCompletedAt])
	j.FailedAt = parseMillis(m[FieldFailedAt])
	j.LastError = m[FieldError]
	j.Progress = parseInt(m[FieldProgress], 0)
	j.Backoff = BackoffConfig{
		Type:  m[FieldBackoffType],
		Delay: time.Duration(parseInt(m[FieldBackoffDelay], 0)) * time.Millisecond,
	}
	j.Repeat = RepeatConfig{
		Every: time.Duration(parseInt(m[FieldRepeatEvery], 0)) * time.Millisecond,
		Count: parseInt(m[FieldRepeatCount], 0),
		Limit: parseInt(m[FieldRepeatLimit], 0),
	}
	j.LockOwner = m[FieldLockOwner]
	j.UpdatedAt = parseMillis(m[FieldUpdatedAt])
	j.DelayedMeta = m[FieldDelayedMeta]
	j.DelayedReason = m[FieldDelayedReason]
	j.RateLimitResetAt = parseMillis(m[FieldRateLimitResetAt])
	return j
}

func parseInt(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// EpochMillis is a small readability helper used across the store and
// worker packages when building script arguments.
func EpochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
