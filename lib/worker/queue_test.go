package worker

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// TestQueueFIFO pushes and pops from the same goroutine
func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()

	for i := 0; i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}
	if q.Len() != 10 {
		t.Fatalf("Expected len 10, got %d", q.Len())
	}

	for i := 0; i < 10; i++ {
		val, ok := q.TryPop()
		if !ok {
			t.Fatalf("Queue empty at item %d", i)
		}
		if val != i {
			t.Errorf("Expected %d, got %d", i, val)
		}
	}

	if _, ok := q.TryPop(); ok {
		t.Error("Queue should be empty")
	}
}

// TestQueuePopBlocks verifies Pop waits for a producer instead of returning early
func TestQueuePopBlocks(t *testing.T) {
	q := NewQueue[string]()

	got := make(chan string, 1)
	go func() {
		val, ok := q.Pop()
		if ok {
			got <- val
		}
	}()

	select {
	case val := <-got:
		t.Fatalf("Pop returned %q on an empty queue", val)
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")

	select {
	case val := <-got:
		if val != "hello" {
			t.Errorf("Expected 'hello', got %q", val)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for Pop")
	}
}

// TestQueueClose verifies that queued items survive Close and Pop ends afterwards
func TestQueueClose(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	q.Close()

	if q.Push(100) {
		t.Error("Should not be able to push after queue is closed")
	}

	for i := 0; i < 5; i++ {
		val, ok := q.Pop()
		if !ok || val != i {
			t.Fatalf("Expected %d, got %d (ok=%v)", i, val, ok)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := q.Pop(); ok {
			t.Error("Pop on closed empty queue returned an item")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pop blocked on a closed queue")
	}
}

// TestQueueConcurrentProducers checks that no item is lost or duplicated and
// that per-producer order holds
func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[[2]int]()

	const numProducers = 10
	const itemsPerProducer = 1000

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				q.Push([2]int{producerID, i})
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}

	last := make([]int, numProducers)
	for i := range last {
		last[i] = -1
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < numProducers*itemsPerProducer; n++ {
			val, ok := q.Pop()
			if !ok {
				t.Errorf("Queue closed early after %d items", n)
				return
			}
			if val[1] != last[val[0]]+1 {
				t.Errorf("Producer %d: expected %d, got %d", val[0], last[val[0]]+1, val[1])
			}
			last[val[0]] = val[1]
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for consumer to finish")
	}
}

func BenchmarkQueuePush(b *testing.B) {
	q := NewQueue[int]()
	go func() {
		for {
			if _, ok := q.Pop(); !ok {
				return
			}
		}
	}()
	defer q.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(i)
			i++
		}
	})
}
