// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package inspect provides read-only access to a kodiak deployment's queue
// state in Redis, for building dashboards and operational tooling without
// pulling in the full Worker/Producer surface.
package inspect

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/xalsie/kodiak/internal/base"
)

// Inspector answers read-only queries against a kodiak deployment. It talks
// to Redis directly rather than through internal/rdb, since inspection reads
// raw sorted sets and hashes without needing the reliability scripts'
// atomicity guarantees.
//
// Grounded on Heman10x-NGU-TitanQueue's ui/inspector.go (NewInspector,
// GetQueues/GetTasks/GetDashboardStats shape), adapted from asynq's
// pending/scheduled/retry/archived state names to kodiak's
// waiting/delayed/active/completed/failed model, and from a task-type-per-
// queue-set (SMembers "asynq:queues") to an explicit queue name list since
// kodiak's data model keeps no such registry.
type Inspector struct {
	client redis.UniversalClient
	prefix string
}

// NewInspector returns an Inspector reading through client with the given
// key prefix (base.DefaultPrefix if empty).
func NewInspector(client redis.UniversalClient, prefix string) *Inspector {
	if prefix == "" {
		prefix = base.DefaultPrefix
	}
	return &Inspector{client: client, prefix: prefix}
}

// QueueInfo summarizes one queue's set sizes.
type QueueInfo struct {
	Name    string `json:"name"`
	Waiting int64  `json:"waiting"`
	Delayed int64  `json:"delayed"`
	Active  int64  `json:"active"`
}

// GetQueues returns QueueInfo for each of qnames, sorted by name.
func (i *Inspector) GetQueues(ctx context.Context, qnames []string) ([]QueueInfo, error) {
	infos := make([]QueueInfo, 0, len(qnames))
	for _, qname := range qnames {
		info, err := i.getQueueInfo(ctx, qname)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].Name < infos[b].Name })
	return infos, nil
}

func (i *Inspector) getQueueInfo(ctx context.Context, qname string) (QueueInfo, error) {
	pipe := i.client.TxPipeline()
	w := pipe.ZCard(ctx, base.WaitingKey(i.prefix, qname))
	d := pipe.ZCard(ctx, base.DelayedKey(i.prefix, qname))
	a := pipe.ZCard(ctx, base.ActiveKey(i.prefix, qname))
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueInfo{}, fmt.Errorf("inspect: failed to read queue %q: %w", qname, err)
	}
	return QueueInfo{Name: qname, Waiting: w.Val(), Delayed: d.Val(), Active: a.Val()}, nil
}

// DashboardStats aggregates GetQueues across every queue.
type DashboardStats struct {
	TotalQueues int   `json:"total_queues"`
	Waiting     int64 `json:"waiting"`
	Delayed     int64 `json:"delayed"`
	Active      int64 `json:"active"`
}

// GetDashboardStats returns totals across qnames.
func (i *Inspector) GetDashboardStats(ctx context.Context, qnames []string) (DashboardStats, error) {
	queues, err := i.GetQueues(ctx, qnames)
	if err != nil {
		return DashboardStats{}, err
	}
	stats := DashboardStats{TotalQueues: len(queues)}
	for _, q := range queues {
		stats.Waiting += q.Waiting
		stats.Delayed += q.Delayed
		stats.Active += q.Active
	}
	return stats, nil
}

// JobInfo is the read-only projection of a job hash returned to callers.
type JobInfo struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	State       string `json:"state"`
	Priority    int64  `json:"priority"`
	RetryCount  int64  `json:"retry_count"`
	MaxAttempts int64  `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	Progress    int64  `json:"progress"`
}

func jobInfoFromJob(j *base.Job) *JobInfo {
	return &JobInfo{
		ID:          j.ID,
		Queue:       j.Queue,
		State:       j.State.String(),
		Priority:    j.Priority,
		RetryCount:  j.RetryCount,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		Progress:    j.Progress,
	}
}

// GetJob returns the job hash for id, or nil if it does not exist (already
// reclaimed by the janitor, or never existed).
func (i *Inspector) GetJob(ctx context.Context, id string) (*JobInfo, error) {
	m, err := i.client.HGetAll(ctx, base.JobKey(i.prefix, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("inspect: failed to read job %q: %w", id, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	job := base.FromHash(id, m[base.FieldQueue], m)
	return jobInfoFromJob(job), nil
}

// ListJobs returns up to limit jobs from qname's waiting, delayed, or active
// set. state must be one of "waiting", "delayed", "active".
func (i *Inspector) ListJobs(ctx context.Context, qname, state string, limit int64) ([]*JobInfo, error) {
	var key string
	switch state {
	case "waiting":
		key = base.WaitingKey(i.prefix, qname)
	case "delayed":
		key = base.DelayedKey(i.prefix, qname)
	case "active":
		key = base.ActiveKey(i.prefix, qname)
	default:
		return nil, fmt.Errorf("inspect: unknown state %q", state)
	}

	ids, err := i.client.ZRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("inspect: failed to list %s jobs for queue %q: %w", state, qname, err)
	}

	jobs := make([]*JobInfo, 0, len(ids))
	for _, id := range ids {
		m, err := i.client.HGetAll(ctx, base.JobKey(i.prefix, id)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		jobs = append(jobs, jobInfoFromJob(base.FromHash(id, qname, m)))
	}
	return jobs, nil
}
