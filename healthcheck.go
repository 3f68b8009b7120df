// Copyright 2020 Kentaro Hibino. All rights reserved.
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

// healthchecker pings the store periodically and reports the result to a
// user-supplied callback, so a process can, e.g., flip a readiness probe.
type healthchecker struct {
	logger *log.Logger
	rdb    *rdb.RDB

	done chan struct{}

	interval        time.Duration
	healthcheckFunc func(error)
}

type healthcheckerParams struct {
	logger          *log.Logger
	rdb             *rdb.RDB
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		rdb:             params.rdb,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	if hc.healthcheckFunc == nil {
		return
	}
	hc.logger.Debug("Healthchecker shutting down...")
	hc.done <- struct{}{}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	if hc.healthcheckFunc == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				timer.Stop()
				return
			case <-timer.C:
				err := hc.rdb.Ping(context.Background())
				hc.healthcheckFunc(err)
				timer.Reset(hc.interval)
			}
		}
	}()
}
