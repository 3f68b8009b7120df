// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package kodiak

import "github.com/redis/go-redis/v9"

// Queue bundles a Producer and a Scheduler covering the same set of queue
// names, since the two are almost always started and stopped together: a
// process that adds jobs onto a queue also wants its delayed jobs promoted
// and its stalled jobs recovered, without necessarily running a Worker in
// the same process.
//
// Grounded on the teacher's asynq.go, which left this composition to the
// caller; kodiak makes it a named type since the specification treats the
// Scheduler as always-on infrastructure rather than an opt-in extra.
type Queue struct {
	Producer  *Producer
	Scheduler *Scheduler
}

// NewQueue returns a Queue whose Producer and Scheduler both talk to the
// given redis connection option, covering queues.
func NewQueue(r RedisConnOpt, prefix string, queues []string) *Queue {
	client, ok := makeRedisClient(r).(*redis.Client)
	if !ok {
		panic("kodiak: NewQueue requires a single-node redis connection (RedisClientOpt), not a cluster or failover client")
	}
	q := &Queue{
		Producer:  NewProducer(r, prefix),
		Scheduler: NewScheduler(client, prefix, queues, nil),
	}
	// Producer and Scheduler share this process: give the Producer's store a
	// direct line to the Scheduler so a newly delayed job gets an immediate
	// in-process wakeup instead of waiting on the periodic sweep or a
	// keyspace-notification round trip.
	q.Producer.rdb.SetEventEmitter(q.Scheduler)
	return q
}

// Start launches the Queue's Scheduler. The Producer needs no goroutine.
func (q *Queue) Start() { q.Scheduler.Start() }

// Close stops the Scheduler and closes the Producer's connection.
func (q *Queue) Close() error {
	q.Scheduler.Shutdown()
	return q.Producer.Close()
}
