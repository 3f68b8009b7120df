// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package kodiak

import (
	"sync"
	"time"

	"github.com/xalsie/kodiak/internal/log"
)

// syncer retries a job's completion or failure report to the store when the
// initial CompleteJob/FailJob call errors out (a transient Redis blip should
// not lose the outcome of work a handler already finished), queuing failed
// reports up and retrying them on a fixed interval until they succeed or go
// stale.
type syncer struct {
	logger *log.Logger

	requestsCh <-chan *syncRequest

	// done signals the background goroutine to flush and stop.
	done chan struct{}

	// interval between retry passes over the queued requests.
	interval time.Duration
}

// syncRequest is one CompleteJob/FailJob call the syncer failed to apply and
// must retry.
type syncRequest struct {
	fn       func() error // the CompleteJob/FailJob retry
	errMsg   string       // logged if fn keeps failing
	deadline time.Time    // request is dropped once this passes
}

type syncerParams struct {
	logger     *log.Logger
	requestsCh <-chan *syncRequest
	interval   time.Duration
}

func newSyncer(params syncerParams) *syncer {
	return &syncer{
		logger:     params.logger,
		requestsCh: params.requestsCh,
		done:       make(chan struct{}),
		interval:   params.interval,
	}
}

func (s *syncer) shutdown() {
	s.logger.Debug("syncer shutting down...")
	s.done <- struct{}{}
}

func (s *syncer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		var pending []*syncRequest
		for {
			select {
			case <-s.done:
				// One last attempt before the process exits; anything still
				// failing here is lost, same as any other in-flight state.
				for _, req := range pending {
					if err := req.fn(); err != nil {
						s.logger.Error(req.errMsg)
					}
				}
				s.logger.Debug("syncer done")
				return
			case req := <-s.requestsCh:
				pending = append(pending, req)
			case <-time.After(s.interval):
				var retry []*syncRequest
				for _, req := range pending {
					if req.deadline.Before(time.Now()) {
						continue // job's lock has long since expired; stalled recovery will pick it up
					}
					if err := req.fn(); err != nil {
						retry = append(retry, req)
					}
				}
				pending = retry
			}
		}
	}()
}
