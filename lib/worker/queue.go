package worker

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is a single element of the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Queue is an unbounded multi-producer single-consumer FIFO.
// Producers append with CAS on a linked list, the single consumer blocks in Pop
// on a condition variable until an item is available or the queue is closed.
//
// Ordering is the total order in which appends succeed. Items pushed by one
// goroutine are popped in the order that goroutine pushed them.
type Queue[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	closed atomic.Bool
	size   atomic.Int64

	mu   sync.Mutex
	cond *sync.Cond
}

// NewQueue creates an empty queue
func NewQueue[T any]() *Queue[T] {
	sentinel := &node[T]{}

	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	return q
}

// Push appends value to the queue. Returns false if the queue is closed.
// Safe for concurrent use.
func (q *Queue[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}

	var backoff uint8 = 0
	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already advanced the tail
				q.tail.CompareAndSwap(tailNode, newNode)
				q.size.Add(1)

				// signal under the lock so a consumer between its empty check
				// and cond.Wait cannot miss the wakeup
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that appended but has not moved the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// TryPop removes the oldest item without blocking.
// Must only be called by the single consumer.
func (q *Queue[T]) TryPop() (T, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}

	value := next.value
	q.head.Store(next)
	q.size.Add(-1)

	// the new head is the sentinel now, drop its reference for the gc
	var zero T
	next.value = zero
	return value, true
}

// Pop removes the oldest item, blocking until one is available.
// Returns false once the queue is closed and empty.
// Must only be called by the single consumer.
func (q *Queue[T]) Pop() (T, bool) {
	for {
		if value, ok := q.TryPop(); ok {
			return value, true
		}

		q.mu.Lock()
		for q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		empty := q.head.Load().next.Load() == nil
		q.mu.Unlock()

		if empty {
			var zero T
			return zero, false
		}
	}
}

// Close rejects further pushes and wakes a blocked consumer.
// Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// IsClosed reports whether Close was called
func (q *Queue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of queued items. The value is approximate while
// producers are active.
func (q *Queue[T]) Len() int {
	return int(q.size.Load())
}
