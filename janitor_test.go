package kodiak

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xalsie/kodiak/internal/log"
)

func TestNewJanitorDefaultsBatchSize(t *testing.T) {
	j := newJanitor(janitorParams{logger: log.NewLogger(nil), interval: time.Minute, retentionTTL: time.Hour})
	assert.Equal(t, 100, j.batchSize)
	assert.Equal(t, time.Minute, j.avgInterval)
	assert.Equal(t, time.Hour, j.retentionTTL)
}

func TestJanitorStartShutdown(t *testing.T) {
	// A long interval means exec (which needs a live rdb) never fires before
	// shutdown, so this exercises only the goroutine lifecycle.
	j := newJanitor(janitorParams{logger: log.NewLogger(nil), interval: time.Hour, retentionTTL: time.Hour})

	var wg sync.WaitGroup
	j.start(&wg)

	done := make(chan struct{})
	go func() {
		j.shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete in time")
	}
	wg.Wait()
}
