package util

import (
	"runtime"
	"sync/atomic"
)

// mpscNode is a single element of the queue
type mpscNode[T any] struct {
	value T
	next  atomic.Pointer[mpscNode[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue.
// Producers append to a linked list with atomic operations; a single forwarding
// goroutine moves the values into the channel returned by Recv, so the consumer
// can select on it together with other event sources.
//
// Ordering between concurrent producers is decided by whoever completes the
// append first. The queue is unbounded.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	size   atomic.Int64
	out    chan T
	notify chan struct{}
	closed atomic.Bool
}

// NewLockFreeMPSC creates a queue and starts its forwarding goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &mpscNode[T]{}
	q := &LockFreeMPSC[T]{
		out:    make(chan T),
		notify: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.forward()
	return q
}

// Push appends a value. It returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// another producer may already have moved the tail
				q.tail.CompareAndSwap(tail, n)
				q.size.Add(1)
				q.wake()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin first, yield under heavier contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Recv returns the channel delivering the queued values. It is closed after Close
// once all values were delivered.
func (q *LockFreeMPSC[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting values. Values already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		q.wake()
	}
}

// IsClosed returns true if the queue is closed
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of values not yet received
func (q *LockFreeMPSC[T]) Len() int {
	return int(q.size.Load())
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (q *LockFreeMPSC[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// forward moves values from the list to the output channel
func (q *LockFreeMPSC[T]) forward() {
	defer close(q.out)

	for {
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			value := next.value
			q.head.Store(next)

			q.out <- value
			q.size.Add(-1)

			var zero T
			next.value = zero
		}

		if q.closed.Load() && q.head.Load().next.Load() == nil {
			return
		}
		<-q.notify
	}
}
