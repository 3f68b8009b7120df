// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package context stashes per-job metadata into a context.Context so a
// processor invoked by the worker loop can inspect its own attempt count
// and origin queue without kodiak widening its public Handler signature.
package context

import (
	"context"
	"time"

	"github.com/xalsie/kodiak/internal/base"
)

// jobMetadata holds job-scoped data to put in context.
type jobMetadata struct {
	id         string
	maxAttempts int64
	retryCount  int64
	qname       string
}

type ctxKey int

const metadataCtxKey ctxKey = 0

// New returns a context and cancel function scoped to one job attempt. The
// returned context is cancelled at deadline, mirroring the lock expiration
// the worker loop is racing against.
func New(base context.Context, job *base.Job, deadline time.Time) (context.Context, context.CancelFunc) {
	metadata := jobMetadata{
		id:          job.ID,
		maxAttempts: job.MaxAttempts,
		retryCount:  job.RetryCount,
		qname:       job.Queue,
	}
	ctx := context.WithValue(base, metadataCtxKey, metadata)
	return context.WithDeadline(ctx, deadline)
}

// GetJobID extracts a job id from a context, if any.
func GetJobID(ctx context.Context) (id string, ok bool) {
	m, ok := ctx.Value(metadataCtxKey).(jobMetadata)
	if !ok {
		return "", false
	}
	return m.id, true
}

// GetRetryCount extracts the number of attempts already made, if any.
func GetRetryCount(ctx context.Context) (n int64, ok bool) {
	m, ok := ctx.Value(metadataCtxKey).(jobMetadata)
	if !ok {
		return 0, false
	}
	return m.retryCount, true
}

// GetMaxAttempts extracts the configured attempt ceiling, if any.
func GetMaxAttempts(ctx context.Context) (n int64, ok bool) {
	m, ok := ctx.Value(metadataCtxKey).(jobMetadata)
	if !ok {
		return 0, false
	}
	return m.maxAttempts, true
}

// GetQueueName extracts the origin queue name, if any.
func GetQueueName(ctx context.Context) (qname string, ok bool) {
	m, ok := ctx.Value(metadataCtxKey).(jobMetadata)
	if !ok {
		return "", false
	}
	return m.qname, true
}
