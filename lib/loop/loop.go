// Package loop provides an execution context that runs posted callbacks one at
// a time on a dedicated goroutine. Components that complete work
// asynchronously post their completion callbacks to a Loop so that listeners
// never run on the component's internal goroutines.
package loop

import (
	"github.com/ValentinKolb/ctxd/lib/worker"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("loop")

// Loop runs callbacks serially in the order they were dispatched
type Loop struct {
	w *worker.Worker[func()]
}

// New creates and starts a loop
func New(name string) *Loop {
	l := &Loop{}
	l.w = worker.New[func()](name, func(_ int, fn func()) {
		fn()
	}, func(_ int, fn func()) {
		// callbacks still queued at shutdown run on the stopping goroutine
		fn()
	})
	if err := l.w.Start(); err != nil {
		Logger.Errorf("loop %s: %v", name, err)
	}
	return l
}

// Dispatch posts fn to the loop. Returns false if the loop is stopped, in
// which case fn will not run.
func (l *Loop) Dispatch(fn func()) bool {
	if fn == nil {
		return false
	}
	return l.w.Push(0, fn)
}

// Stop waits for all dispatched callbacks to run and stops the loop.
// Must not be called from a callback.
func (l *Loop) Stop() error {
	return l.w.Stop()
}

// Stats returns the counters of the underlying worker
func (l *Loop) Stats() worker.Stats {
	return l.w.Stats()
}
