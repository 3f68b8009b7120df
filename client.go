// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package kodiak

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xalsie/kodiak/internal/base"
	"github.com/xalsie/kodiak/internal/errors"
	"github.com/xalsie/kodiak/internal/rdb"
)

// Producer schedules jobs onto queues. Producers are safe for concurrent
// use by multiple goroutines.
//
// Grounded on the teacher's Client type; generalized from a single
// enqueue/schedule pair keyed on Option values to the specification's
// AddParams (priority, delay, waitUntil, attempts, backoff, repeat).
type Producer struct {
	rdb    *rdb.RDB
	prefix string
}

// NewProducer returns a new Producer given a redis connection option and an
// optional key prefix (base.DefaultPrefix if empty).
func NewProducer(r RedisConnOpt, prefix string) *Producer {
	if prefix == "" {
		prefix = base.DefaultPrefix
	}
	return &Producer{rdb: rdb.NewRDB(makeRedisClient(r)), prefix: prefix}
}

// Close closes the connection to redis.
func (p *Producer) Close() error {
	return p.rdb.Close()
}

// AddParams specifies how a job should be scheduled.
type AddParams struct {
	// ID uniquely identifies the job. If empty, a uuid is generated.
	// Adding a job whose ID already exists returns ErrJobIDConflict.
	ID string

	// Data is the job's opaque payload.
	Data []byte

	// Priority orders waiting jobs; lower values run first. Default is
	// base.DefaultPriority.
	Priority int64

	// MaxAttempts bounds retry_count before permanent failure. Default is
	// base.DefaultMaxAttempts (no retries).
	MaxAttempts int64

	// Delay schedules the job to become runnable Delay from now. Ignored if
	// WaitUntil is set.
	Delay time.Duration

	// WaitUntil schedules the job to become runnable at an absolute time.
	WaitUntil time.Time

	// Backoff configures the Retry Resolver for this job.
	Backoff base.BackoffConfig

	// Repeat configures recurring re-scheduling on completion.
	Repeat base.RepeatConfig
}

// ErrEmptyData is returned by Add when Data is empty.
var ErrEmptyData = errors.E(errors.Op("kodiak.Add"), errors.InvalidArgument, "job data cannot be empty")

// ErrJobIDConflict is returned by Add when a job with the given ID already exists.
var ErrJobIDConflict = errors.E(errors.Op("kodiak.Add"), errors.AlreadyExists, "job id already exists")

// Add schedules a job onto qname. It uses context.Background internally;
// use AddContext to pass a caller-supplied context.
func (p *Producer) Add(qname string, params AddParams) (*Job, error) {
	return p.AddContext(context.Background(), qname, params)
}

// AddContext schedules a job onto qname per params.
func (p *Producer) AddContext(ctx context.Context, qname string, params AddParams) (*Job, error) {
	op := errors.Op("kodiak.Add")
	if err := base.ValidateQueueName(qname); err != nil {
		return nil, errors.E(op, errors.InvalidArgument, err)
	}
	if len(params.Data) == 0 {
		return nil, ErrEmptyData
	}
	if params.ID == "" {
		params.ID = uuid.NewString()
	}
	if params.Priority == 0 {
		params.Priority = base.DefaultPriority
	}
	if params.MaxAttempts == 0 {
		params.MaxAttempts = base.DefaultMaxAttempts
	}

	rdbParams := rdb.AddJobParams{
		ID:          params.ID,
		Data:        params.Data,
		Priority:    params.Priority,
		MaxAttempts: params.MaxAttempts,
		Delay:       params.Delay,
		WaitUntil:   params.WaitUntil,
		Backoff:     params.Backoff,
		Repeat:      params.Repeat,
	}
	if _, err := p.rdb.AddJob(ctx, p.prefix, qname, rdbParams); err != nil {
		if errors.Is(err, errors.AlreadyExists) {
			return nil, fmt.Errorf("kodiak: %w", ErrJobIDConflict)
		}
		return nil, err
	}
	return &Job{ID: params.ID, Queue: qname, Data: params.Data, Priority: params.Priority, MaxAttempts: params.MaxAttempts}, nil
}
