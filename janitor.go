// Copyright 2021 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package kodiak

import (
	"context"
	"sync"
	"time"

	"github.com/xalsie/kodiak/internal/log"
	"github.com/xalsie/kodiak/internal/rdb"
)

// janitor periodically reclaims job hashes that reached a terminal state
// (completed or permanently failed) more than RetentionTTL ago, so that
// terminal job hashes are not retained forever.
//
// Grounded on the teacher's janitor.go; adapted from
// DeleteExpiredCompletedTasks against a base.Broker to a retention-set sweep
// against *rdb.RDB (job hashes have no other natural expiry point since
// terminal jobs are never removed from Redis by any other operation).
type janitor struct {
	logger *log.Logger
	rdb    *rdb.RDB
	prefix string

	done chan struct{}

	queues []string

	avgInterval  time.Duration
	retentionTTL time.Duration
	batchSize    int
}

type janitorParams struct {
	logger       *log.Logger
	rdb          *rdb.RDB
	prefix       string
	queues       []string
	interval     time.Duration
	retentionTTL time.Duration
}

func newJanitor(params janitorParams) *janitor {
	batch := 100
	return &janitor{
		logger:       params.logger,
		rdb:          params.rdb,
		prefix:       params.prefix,
		done:         make(chan struct{}),
		queues:       params.queues,
		avgInterval:  params.interval,
		retentionTTL: params.retentionTTL,
		batchSize:    batch,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	j.done <- struct{}{}
}

// start starts the "janitor" goroutine.
func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	timer := time.NewTimer(j.avgInterval)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.avgInterval)
			}
		}
	}()
}

// exec sweeps every configured queue's retention set once, deleting job
// hashes whose terminal state predates the retention window. A queue whose
// retention set still has more expired entries than batchSize is caught up
// on the next tick rather than looping here, bounding a single pass.
func (j *janitor) exec() {
	ctx := context.Background()
	cutoff := time.Now().Add(-j.retentionTTL)
	for _, qname := range j.queues {
		ids, err := j.rdb.DeleteExpiredJobs(ctx, j.prefix, qname, cutoff, j.batchSize)
		if err != nil {
			j.logger.Errorf("Failed to delete expired jobs from queue %q: %v", qname, err)
			continue
		}
		if len(ids) > 0 {
			j.logger.Debugf("Janitor reclaimed %d expired job(s) from queue %q", len(ids), qname)
		}
	}
}
