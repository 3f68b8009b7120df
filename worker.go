// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package kodiak

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/xalsie/kodiak/internal/base"
	jobcontext "github.com/xalsie/kodiak/internal/context"
	"github.com/xalsie/kodiak/internal/errors"
	"github.com/xalsie/kodiak/internal/log"
	"github.com/xalsie/kodiak/internal/rdb"
)

// WorkerConfig configures a Worker's slots, prefetch buffer, lock
// discipline and heartbeat behavior.
type WorkerConfig struct {
	Queue string

	Concurrency             int
	Prefetch                int
	LockDuration            time.Duration
	GracefulShutdownTimeout time.Duration
	HeartbeatEnabled        bool
	HeartbeatInterval       time.Duration

	// BackoffStrategies maps a backoff.type name to a BackoffFunc, consulted
	// before the store's own fixed/exponential builtins.
	BackoffStrategies map[string]BackoffFunc

	RateLimit RateLimitConfig

	// HealthCheckFunc, if set, is called with the result of a periodic
	// store ping (nil on success), on HealthCheckInterval (default 15s).
	HealthCheckFunc     func(error)
	HealthCheckInterval time.Duration

	// RetentionTTL bounds how long a completed or permanently failed job's
	// hash survives before the janitor reclaims it. Default 24h.
	RetentionTTL    time.Duration
	JanitorInterval time.Duration

	Logger    *log.Logger
	LogLevel  log.Level
	BaseCtxFn func() context.Context
}

func (c *WorkerConfig) setDefaults() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Prefetch < 0 {
		c.Prefetch = 10
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 30 * time.Second
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LockDuration / 2
		if c.HeartbeatInterval < time.Second {
			c.HeartbeatInterval = time.Second
		}
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 15 * time.Second
	}
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = 24 * time.Hour
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 8 * time.Second
	}
	if c.BaseCtxFn == nil {
		c.BaseCtxFn = context.Background
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger(nil)
	}
}

// Worker pulls jobs off a single queue and runs them against a Handler,
// one goroutine per configured slot.
type Worker struct {
	cfg     WorkerConfig
	rdb     *rdb.RDB
	prefix  string
	handler Handler
	limiter *limiter
	logger  *log.Logger

	// fetchErrLog caps how often a slot's repeated fetch errors (e.g. a
	// downed Redis) reach the logger, so a stuck slot cannot flood output.
	fetchErrLog *rate.Limiter

	pid int

	syncer    *syncer
	healthc   *healthchecker
	janitor   *janitor
	syncReqCh chan *syncRequest
	wg        sync.WaitGroup
	quit      chan struct{}
	once      sync.Once
}

// NewWorker returns a Worker reading from prefix/cfg.Queue via r.
func NewWorker(r RedisConnOpt, prefix string, cfg WorkerConfig, handler Handler) *Worker {
	cfg.setDefaults()
	if prefix == "" {
		prefix = base.DefaultPrefix
	}
	client := makeRedisClient(r)
	store := rdb.NewRDB(client)
	syncReqCh := make(chan *syncRequest)
	w := &Worker{
		cfg:         cfg,
		rdb:         store,
		prefix:      prefix,
		handler:     handler,
		limiter:     newLimiter(store, cfg.RateLimit),
		logger:      cfg.Logger,
		fetchErrLog: rate.NewLimiter(rate.Every(time.Second), 1),
		pid:         os.Getpid(),
		syncReqCh:   syncReqCh,
		syncer:      newSyncer(syncerParams{logger: cfg.Logger, requestsCh: syncReqCh, interval: 5 * time.Second}),
		quit:        make(chan struct{}),
	}
	w.healthc = newHealthChecker(healthcheckerParams{
		logger:          w.logger,
		rdb:             store,
		interval:        cfg.HealthCheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})
	w.janitor = newJanitor(janitorParams{
		logger:       w.logger,
		rdb:          store,
		prefix:       prefix,
		queues:       []string{cfg.Queue},
		interval:     cfg.JanitorInterval,
		retentionTTL: cfg.RetentionTTL,
	})
	return w
}

// Run starts every configured slot and blocks until Shutdown is called.
func (w *Worker) Run() {
	w.syncer.start(&w.wg)
	w.healthc.start(&w.wg)
	w.janitor.start(&w.wg)
	sema := make(chan struct{}, w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		slot := newWorkerSlot(w, i, sema)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			slot.loop()
		}()
	}
	<-w.quit
	w.wg.Wait()
}

// Shutdown signals every slot to stop pulling new jobs and waits (up to
// GracefulShutdownTimeout) for in-flight jobs to finish.
func (w *Worker) Shutdown() {
	w.once.Do(func() { close(w.quit) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.GracefulShutdownTimeout):
		w.logger.Warn("kodiak: graceful shutdown timed out, some jobs may be requeued by stalled recovery")
	}
	w.syncer.shutdown()
	w.healthc.shutdown()
	w.janitor.shutdown()
	if err := w.rdb.Close(); err != nil {
		w.logger.Errorf("kodiak: error closing redis connection: %v", err)
	}
}

// workerSlot is one of Worker.cfg.Concurrency independent fetch/process
// loops. Each slot owns its own prefetch buffer and owner token, matching
// the specification's per-slot buffer discipline.
type workerSlot struct {
	w          *Worker
	index      int
	ownerToken string
	sema       chan struct{}

	bufMu sync.Mutex
	buf   []*base.Job
}

func newWorkerSlot(w *Worker, index int, sema chan struct{}) *workerSlot {
	return &workerSlot{
		w:          w,
		index:      index,
		ownerToken: fmt.Sprintf("%d-%s:%d", w.pid, uuid.New().String(), index),
		sema:       sema,
	}
}

func (s *workerSlot) loop() {
	for {
		select {
		case <-s.w.quit:
			return
		default:
		}

		job, err := s.getJob()
		if err != nil {
			if s.w.logger != nil && s.w.fetchErrLog.Allow() {
				s.w.logger.Errorf("kodiak: slot %d fetch error: %v", s.index, err)
			}
			// A store error (not "nothing to fetch") means Redis itself is
			// unreachable or misbehaving; back off briefly rather than
			// hammering it. The empty-queue case never reaches here: it
			// blocks on the notify list inside getJob instead.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if job == nil {
			continue
		}

		select {
		case s.sema <- struct{}{}:
		case <-s.w.quit:
			return
		}
		s.process(job)
		<-s.sema
	}
}

// notifyWait bounds how long a slot blocks on the queue's notify list before
// giving loop() a chance to observe Worker.quit.
const notifyWait = 5 * time.Second

// getJob drains the slot's per-slot buffer, refilling it under the slot's
// own buffer lock when empty. A Prefetch of 0 or 1 goes through the
// optimistic single-job fetch (MoveJob); anything higher goes through the
// batch fetch (MoveToActiveJobs). Either way, an empty queue blocks the slot
// on BlockingNotify instead of returning immediately for loop() to re-poll.
func (s *workerSlot) getJob() (*base.Job, error) {
	s.bufMu.Lock()
	if len(s.buf) > 0 {
		j := s.buf[0]
		s.buf = s.buf[1:]
		s.bufMu.Unlock()
		return j, nil
	}
	s.bufMu.Unlock()

	ctx := s.w.cfg.BaseCtxFn()
	lockExpiresAt := time.Now().Add(s.w.cfg.LockDuration)

	if s.w.cfg.Prefetch <= 1 {
		// The single-job path always asks for exactly one token, regardless
		// of the configured Prefetch (including Prefetch=0, a valid config
		// meaning "fetch one job at a time"); only the batch path below
		// scales the request with the batch size.
		ok, err := s.w.limiter.admit(ctx, s.w.prefix, s.w.cfg.Queue, 1)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.w.limiter.delayOnDeny(ctx, s.w.prefix, s.w.cfg.Queue)
			return nil, nil
		}
		job, err := s.w.rdb.MoveJob(ctx, s.w.prefix, s.w.cfg.Queue, lockExpiresAt, s.ownerToken, true)
		if err == nil {
			return job, nil
		}
		if err != rdb.ErrNoProcessableJob {
			return nil, err
		}
		if _, werr := s.w.rdb.BlockingNotify(ctx, s.w.prefix, s.w.cfg.Queue, notifyWait); werr != nil {
			return nil, werr
		}
		return nil, nil
	}

	ok, err := s.w.limiter.admit(ctx, s.w.prefix, s.w.cfg.Queue, int64(s.w.cfg.Prefetch))
	if err != nil {
		return nil, err
	}
	if !ok {
		s.w.limiter.delayOnDeny(ctx, s.w.prefix, s.w.cfg.Queue)
		return nil, nil
	}

	jobs, err := s.w.rdb.MoveToActiveJobs(ctx, s.w.prefix, s.w.cfg.Queue, s.w.cfg.Prefetch, lockExpiresAt, s.ownerToken)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		if _, werr := s.w.rdb.BlockingNotify(ctx, s.w.prefix, s.w.cfg.Queue, notifyWait); werr != nil {
			return nil, werr
		}
		return nil, nil
	}
	s.bufMu.Lock()
	s.buf = jobs[1:]
	s.bufMu.Unlock()
	return jobs[0], nil
}

func (s *workerSlot) process(job *base.Job) {
	deadline := time.Now().Add(s.w.cfg.LockDuration)
	ctx, cancel := jobcontext.New(s.w.cfg.BaseCtxFn(), job, deadline)
	defer cancel()

	var stopHeartbeat chan struct{}
	if s.w.cfg.HeartbeatEnabled {
		stopHeartbeat = make(chan struct{})
		go s.heartbeat(job.ID, stopHeartbeat)
		defer close(stopHeartbeat)
	}

	pw := &progressWriter{rdb: s.w.rdb, prefix: s.w.prefix, id: job.ID}
	kJob := newJobFromEntity(job, pw)

	err := s.perform(ctx, kJob)
	if err != nil {
		s.markAsFailed(job, err)
		return
	}
	s.markAsCompleted(job)
}

func (s *workerSlot) heartbeat(id string, stop <-chan struct{}) {
	ticker := time.NewTicker(s.w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			newExpiry := time.Now().Add(s.w.cfg.LockDuration)
			ok, err := s.w.rdb.ExtendLock(context.Background(), s.w.prefix, s.w.cfg.Queue, id, newExpiry, s.ownerToken)
			if err != nil {
				s.w.logger.Errorf("kodiak: heartbeat extend_lock error for job %s: %v", id, err)
				continue
			}
			if !ok {
				s.w.logger.Warnf("kodiak: heartbeat could not extend lock for job %s (lost ownership or stalled)", id)
			}
		}
	}
}

// perform calls the handler, recovering from a panic and reporting it as a
// failed attempt rather than crashing the slot.
func (s *workerSlot) perform(ctx context.Context, job *Job) (err error) {
	defer func() {
		if x := recover(); x != nil {
			s.w.logger.Errorf("kodiak: recovering from panic in job %s handler:\n%s", job.ID, string(debug.Stack()))
			err = fmt.Errorf("panic: %v", x)
		}
	}()
	return s.w.handler.ProcessJob(ctx, job)
}

func (s *workerSlot) markAsCompleted(job *base.Job) {
	ctx := context.Background()
	if _, err := s.w.rdb.CompleteJob(ctx, s.w.prefix, s.w.cfg.Queue, job.ID); err != nil {
		errMsg := fmt.Sprintf("kodiak: could not mark job %s completed: %v", job.ID, err)
		s.w.logger.Warnf("%s; will retry syncing", errMsg)
		s.w.syncReqCh <- &syncRequest{
			fn:       func() error { _, err := s.w.rdb.CompleteJob(ctx, s.w.prefix, s.w.cfg.Queue, job.ID); return err },
			errMsg:   errMsg,
			deadline: time.Now().Add(s.w.cfg.LockDuration),
		}
	}
}

func (s *workerSlot) markAsFailed(job *base.Job, procErr error) {
	ctx := context.Background()
	attemptsMade := job.RetryCount + 1
	// A job with no configured backoff, or one naming an unregistered
	// strategy, resolves to the zero Time: fail_job's own unknown/immediate
	// branch applies rather than this call forcing a delay on its behalf.
	forced := resolveBackoff(s.w.cfg.BackoffStrategies, job.Backoff, attemptsMade, time.Now())
	if _, err := s.w.rdb.FailJob(ctx, s.w.prefix, s.w.cfg.Queue, job.ID, procErr.Error(), forced); err != nil {
		errMsg := fmt.Sprintf("kodiak: could not mark job %s failed: %v", job.ID, err)
		s.w.logger.Warnf("%s; will retry syncing", errMsg)
		s.w.syncReqCh <- &syncRequest{
			fn:       func() error { _, err := s.w.rdb.FailJob(ctx, s.w.prefix, s.w.cfg.Queue, job.ID, procErr.Error(), forced); return err },
			errMsg:   errMsg,
			deadline: time.Now().Add(s.w.cfg.LockDuration),
		}
	}
}

// progressWriter reports a running job's progress back to the store.
type progressWriter struct {
	rdb    *rdb.RDB
	prefix string
	id     string
}

func (p *progressWriter) write(progress int64) error {
	err := p.rdb.UpdateProgress(context.Background(), p.prefix, p.id, progress)
	if errors.Is(err, errors.NotFound) {
		return nil // job already reached a terminal state; not an error for the caller
	}
	return err
}
