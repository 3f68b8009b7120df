//go:build linux || bsd || darwin

package kodiak

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// waitForSignals blocks until SIGTERM or SIGINT, then calls Shutdown.
// SIGTERM and SIGINT both request a graceful stop; there is no SIGTSTP
// "stop accepting new work but keep running" mode here, since a Worker's
// slots already stop fetching the moment Shutdown closes w.quit.
func (w *Worker) waitForSignals() {
	w.logger.Info("kodiak: send signal TERM or INT to stop the worker")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	<-sigs
	w.Shutdown()
}

func (s *Scheduler) waitForSignals() {
	s.logger.Info("kodiak: send signal TERM or INT to stop the scheduler")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	<-sigs
	s.Shutdown()
}
