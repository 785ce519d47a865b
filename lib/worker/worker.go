package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("worker")

// Handler processes a single work item on the worker goroutine
type Handler[T any] func(typ int, payload T)

// Cleanup receives every item that was queued but never handled, exactly once
type Cleanup[T any] func(typ int, payload T)

// State of a worker
type State uint8

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// item is one queue entry. A terminal item ends the worker loop.
type item[T any] struct {
	typ      int
	payload  T
	terminal bool
}

// Worker runs a handler for typed work items on a single dedicated goroutine.
// Items are taken from an unbounded FIFO queue that any goroutine may push to.
//
// A Worker can be started again after it was stopped.
type Worker[T any] struct {
	name    string
	handler Handler[T]
	cleanup Cleanup[T]

	// mu orders Push against Start/Stop: pushes hold the read lock, state
	// transitions the write lock
	mu    sync.RWMutex
	state State
	queue *Queue[item[T]]
	done  chan struct{}

	registry  metrics.Registry
	processed metrics.Counter
	discarded metrics.Counter
	handle    metrics.Timer
}

// New creates a stopped worker. cleanup may be nil.
func New[T any](name string, handler Handler[T], cleanup Cleanup[T]) *Worker[T] {
	reg := metrics.NewRegistry()
	return &Worker[T]{
		name:      name,
		handler:   handler,
		cleanup:   cleanup,
		state:     StateCreated,
		registry:  reg,
		processed: metrics.NewRegisteredCounter("processed", reg),
		discarded: metrics.NewRegisteredCounter("discarded", reg),
		handle:    metrics.NewRegisteredTimer("handle", reg),
	}
}

// Name returns the name the worker was created with
func (w *Worker[T]) Name() string {
	return w.name
}

// Start spawns the worker goroutine. Calling Start on a running worker is a no-op.
func (w *Worker[T]) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateRunning:
		return nil
	case StateStarting, StateStopping:
		return fmt.Errorf("worker %s: cannot start while %s", w.name, w.state)
	}

	w.state = StateStarting
	w.queue = NewQueue[item[T]]()
	w.done = make(chan struct{})

	go w.run(w.queue, w.done)

	w.state = StateRunning
	Logger.Debugf("worker %s started", w.name)
	return nil
}

// Push enqueues a work item. Returns false if the worker is not running, in
// which case the payload stays with the caller.
func (w *Worker[T]) Push(typ int, payload T) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.state != StateRunning {
		return false
	}
	return w.queue.Push(item[T]{typ: typ, payload: payload})
}

// Stop enqueues the terminal item and waits for the worker goroutine to exit.
// Items pushed before Stop are handled first; anything still queued after the
// goroutine exited goes to the cleanup function.
// Stop on a worker that is not running returns nil immediately.
// Stop must not be called concurrently with itself or from the handler.
func (w *Worker[T]) Stop() error {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	queue, done := w.queue, w.done
	queue.Push(item[T]{terminal: true})
	queue.Close()
	w.mu.Unlock()

	<-done

	for {
		it, ok := queue.TryPop()
		if !ok {
			break
		}
		if it.terminal {
			continue
		}
		w.discarded.Inc(1)
		if w.cleanup != nil {
			w.cleanup(it.typ, it.payload)
		}
	}

	w.mu.Lock()
	w.state = StateStopped
	w.queue = nil
	w.mu.Unlock()

	Logger.Debugf("worker %s stopped", w.name)
	return nil
}

// IsRunning reports whether the worker accepts items
func (w *Worker[T]) IsRunning() bool {
	return w.State() == StateRunning
}

// State returns the current lifecycle state
func (w *Worker[T]) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// run is the worker loop
func (w *Worker[T]) run(queue *Queue[item[T]], done chan struct{}) {
	defer close(done)

	for {
		it, ok := queue.Pop()
		if !ok || it.terminal {
			return
		}

		start := time.Now()
		w.safeHandle(it)
		w.handle.UpdateSince(start)
		w.processed.Inc(1)
	}
}

// safeHandle keeps the worker alive when a handler panics
func (w *Worker[T]) safeHandle(it item[T]) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("worker %s: handler panic for item type %d: %v", w.name, it.typ, r)
		}
	}()
	w.handler(it.typ, it.payload)
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats is a snapshot of the worker counters
type Stats struct {
	Processed  int64         `json:"processed"`
	Discarded  int64         `json:"discarded"`
	Pending    int           `json:"pending"`
	MeanHandle time.Duration `json:"mean_handle"`
	MaxHandle  time.Duration `json:"max_handle"`
}

// Stats returns a snapshot of the worker counters
func (w *Worker[T]) Stats() Stats {
	w.mu.RLock()
	pending := 0
	if w.queue != nil {
		pending = w.queue.Len()
	}
	w.mu.RUnlock()

	snap := w.handle.Snapshot()
	return Stats{
		Processed:  w.processed.Count(),
		Discarded:  w.discarded.Count(),
		Pending:    pending,
		MeanHandle: time.Duration(snap.Mean()),
		MaxHandle:  time.Duration(snap.Max()),
	}
}
