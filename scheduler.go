// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package kodiak

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xalsie/kodiak/internal/base"
	"github.com/xalsie/kodiak/internal/log"
	"github.com/xalsie/kodiak/internal/rdb"
)

// PromoteBatchSize bounds how many due delayed jobs a sweep promotes per
// queue in a single pass.
const PromoteBatchSize = 50

// PeriodicInterval is how often the periodic half of the Scheduler runs
// promoteDelayedJobs and recoverStalledJobs, absent any event-driven wakeup.
const PeriodicInterval = 5 * time.Second

// Scheduler drives the two mechanisms that keep delayed and stalled jobs
// moving without a worker ever having to poll for them: a periodic sweep,
// and an event-driven wakeup on a queue's per-job delay timers.
//
// It is grounded on the teacher's forwarder.go (periodic ForwardIfReady
// loop) and subscriber.go (retry-connect-then-select pattern), but the
// event source is redirected from the teacher's asynq:cancel Pub/Sub
// channel to Redis keyspace notifications on expiring P:delayed:timer:*
// keys, and the periodic loop's second half recovers stalled jobs as well
// as promoting delayed ones.
type Scheduler struct {
	client *redis.Client // needs a *redis.Client (not UniversalClient) for PSubscribe on a specific db
	rdb    *rdb.RDB
	prefix string
	queues []string
	logger *log.Logger

	recovering sync.Mutex // mutual exclusion guard for recoverStalledJobs

	timerMu sync.Mutex
	timers  map[string]*time.Timer // per-job in-process promotion timers, keyed by job id

	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler returns a Scheduler covering the given queues.
func NewScheduler(client *redis.Client, prefix string, queues []string, logger *log.Logger) *Scheduler {
	if prefix == "" {
		prefix = base.DefaultPrefix
	}
	if logger == nil {
		logger = log.NewLogger(nil)
	}
	return &Scheduler{
		client: client,
		rdb:    rdb.NewRDB(client),
		prefix: prefix,
		queues: queues,
		logger: logger,
		timers: make(map[string]*time.Timer),
		done:   make(chan struct{}),
	}
}

// Start launches the periodic loop and the keyspace-notification listener.
// Redis must have `notify-keyspace-events` including `Ex` enabled for the
// event-driven half to fire; without it, the periodic loop alone still
// bounds promotion latency to PeriodicInterval.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.runPeriodic()
	s.wg.Add(1)
	go s.runSubscriber()
}

// Shutdown stops both drivers and waits for them to exit.
func (s *Scheduler) Shutdown() {
	close(s.done)
	s.wg.Wait()
	s.timerMu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timerMu.Unlock()
	s.rdb.Close()
}

func (s *Scheduler) runPeriodic() {
	defer s.wg.Done()
	s.sweep()
	ticker := time.NewTicker(PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	ctx := context.Background()
	for _, q := range s.queues {
		if _, err := s.rdb.PromoteDelayedJobs(ctx, s.prefix, q, PromoteBatchSize); err != nil {
			s.logger.Errorf("kodiak: scheduler: promote_delayed_jobs failed for queue %s: %v", q, err)
		}
	}
	if !s.recovering.TryLock() {
		return // a recovery pass is already in flight
	}
	defer s.recovering.Unlock()
	for _, q := range s.queues {
		if _, err := s.rdb.RecoverStalledJobs(ctx, s.prefix, q); err != nil {
			s.logger.Errorf("kodiak: scheduler: recover_stalled_jobs failed for queue %s: %v", q, err)
		}
	}
}

// runSubscriber retries the keyspace-notification subscription forever,
// matching the teacher's subscriber.go reconnect idiom.
func (s *Scheduler) runSubscriber() {
	defer s.wg.Done()
	pattern := "__keyevent@*__:expired"
	for {
		select {
		case <-s.done:
			return
		default:
		}
		pubsub := s.client.PSubscribe(context.Background(), pattern)
		s.listen(pubsub)
		pubsub.Close()
		select {
		case <-s.done:
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Scheduler) listen(pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.onExpired(msg.Payload)
		}
	}
}

func (s *Scheduler) onExpired(key string) {
	prefix := s.prefix + ":delayed:timer:"
	if !strings.HasPrefix(key, prefix) {
		return
	}
	s.sweep()
}

// Emit implements base.EventEmitter. A Producer sharing this process (via
// Queue) calls it through its RDB's registered emitter whenever it adds a
// delayed job, so this Scheduler wakes for it immediately rather than
// waiting on the periodic sweep or a keyspace-notification round trip.
func (s *Scheduler) Emit(ev base.DelayEvent) {
	delay := time.Until(ev.Due)
	if delay < 0 {
		delay = 0
	}
	s.installDelayTimer(ev.ID, delay)
}

// installDelayTimer registers (or replaces) an in-process timer for id that
// fires a promotion sweep no later than delay from now, complementing the
// keyspace-notification path for stores that have it disabled.
func (s *Scheduler) installDelayTimer(id string, delay time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.sweep()
		s.timerMu.Lock()
		delete(s.timers, id)
		s.timerMu.Unlock()
	})
}
