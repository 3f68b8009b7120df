// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package kodiak

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xalsie/kodiak/internal/log"
)

// CronProducer runs a wall-clock cron schedule that calls Add on a fixed
// cadence, distinct from the per-job repeat field handled inline by
// complete_job: this is for jobs that should be created afresh on a
// schedule ("run this every day at 2am"), not a single job that
// re-schedules itself after each run.
//
// Grounded on the teacher's scheduler.go/periodic_task_manager.go
// (cron.Cron wiring, an id map insulating callers from cron.EntryID).
type CronProducer struct {
	client *Producer
	cron   *cron.Cron
	logger *log.Logger

	errHandler func(queue string, params AddParams, err error)

	mu    sync.Mutex
	idmap map[string]cron.EntryID
}

// CronProducerOpts configures a CronProducer.
type CronProducerOpts struct {
	Location   *time.Location
	Logger     *log.Logger
	ErrHandler func(queue string, params AddParams, err error)
}

// NewCronProducer returns a CronProducer that adds jobs through client.
func NewCronProducer(client *Producer, opts *CronProducerOpts) *CronProducer {
	if opts == nil {
		opts = &CronProducerOpts{}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(nil)
	}
	return &CronProducer{
		client:     client,
		cron:       cron.New(cron.WithLocation(loc)),
		logger:     logger,
		errHandler: opts.ErrHandler,
		idmap:      make(map[string]cron.EntryID),
	}
}

type cronJob struct {
	entryID string
	queue   string
	params  AddParams
	p       *CronProducer
}

func (j *cronJob) Run() {
	if _, err := j.p.client.Add(j.queue, j.params); err != nil {
		j.p.logger.Errorf("kodiak: cron producer could not add job to queue %s: %v", j.queue, err)
		if j.p.errHandler != nil {
			j.p.errHandler(j.queue, j.params, err)
		}
	}
}

// Register schedules params to be added to queue on the given cron
// schedule. It returns an entry id that can be passed to Unregister.
func (p *CronProducer) Register(cronspec, queue string, params AddParams) (string, error) {
	job := &cronJob{queue: queue, params: params, p: p}
	cronID, err := p.cron.AddJob(cronspec, job)
	if err != nil {
		return "", err
	}
	entryID := fmt.Sprintf("%s:%d", queue, cronID)
	job.entryID = entryID
	p.mu.Lock()
	p.idmap[entryID] = cronID
	p.mu.Unlock()
	return entryID, nil
}

// Unregister removes a previously registered entry.
func (p *CronProducer) Unregister(entryID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cronID, ok := p.idmap[entryID]
	if !ok {
		return fmt.Errorf("kodiak: no cron producer entry found for %q", entryID)
	}
	delete(p.idmap, entryID)
	p.cron.Remove(cronID)
	return nil
}

// Start starts the underlying cron scheduler.
func (p *CronProducer) Start() { p.cron.Start() }

// Shutdown stops the underlying cron scheduler and waits for any running
// job to finish.
func (p *CronProducer) Shutdown() { <-p.cron.Stop().Done() }
