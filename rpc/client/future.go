package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMC/lib/ops"
)

// --------------------------------------------------------------------------
// Operation Future
// --------------------------------------------------------------------------

// OperationFuture is the pending result of a single operation. The value is set by
// the callbacks of the operation, the future is done once the operation completed
// (regularly, with an error, cancelled or timed out).
//
// Thread-safety: All methods are thread-safe.
type OperationFuture[T any] struct {
	op      *ops.Operation
	timeout time.Duration
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	value  T
	status *ops.Status
}

func newOperationFuture[T any](timeout time.Duration) *OperationFuture[T] {
	return &OperationFuture[T]{timeout: timeout, done: make(chan struct{})}
}

// Get waits for the result using the operation timeout of the client
func (f *OperationFuture[T]) Get() (T, error) {
	return f.GetTimeout(f.timeout)
}

// GetTimeout waits up to timeout for the result. If the operation did not complete
// in time it is marked as timed out and an error wrapping ops.ErrTimeout is returned.
func (f *OperationFuture[T]) GetTimeout(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.GetContext(ctx)
}

// GetContext waits for the result until ctx is done. A deadline times the operation
// out, a cancelled context cancels it.
func (f *OperationFuture[T]) GetContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
	}

	var zero T
	if ctx.Err() == context.DeadlineExceeded {
		f.op.TimeOut()
		if f.op.IsTimedOutFlag() {
			return zero, fmt.Errorf("%w: %s on %s", ops.ErrTimeout, f.op.Kind(), f.op.HandlingNode())
		}
	} else {
		f.op.Cancel()
		if f.op.IsCancelled() {
			return zero, fmt.Errorf("%w: %w", ops.ErrCancelled, ctx.Err())
		}
	}
	// completed concurrently
	<-f.done
	return f.result()
}

// Cancel cancels the operation. It returns true if the operation is cancelled
// after the call, false if it already finished.
func (f *OperationFuture[T]) Cancel() bool {
	return f.op.Cancel()
}

// IsDone reports whether the operation completed
func (f *OperationFuture[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether the operation was cancelled
func (f *OperationFuture[T]) IsCancelled() bool {
	return f.op.IsCancelled()
}

// Status returns the status reported by the server, or a synthesised CANCELLED or
// TIMED_OUT status. It is the zero Status while the operation is pending.
func (f *OperationFuture[T]) Status() ops.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return statusOf(f.op, f.status)
}

// Operation returns the underlying operation
func (f *OperationFuture[T]) Operation() *ops.Operation {
	return f.op
}

func (f *OperationFuture[T]) result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := operationError(f.op); err != nil {
		var zero T
		return zero, err
	}
	return f.value, nil
}

// --------------------------------------------------------------------------
// Callback Hooks
// --------------------------------------------------------------------------

func (f *OperationFuture[T]) bind(op *ops.Operation) {
	f.op = op
}

func (f *OperationFuture[T]) set(value T) {
	f.mu.Lock()
	f.value = value
	f.mu.Unlock()
}

func (f *OperationFuture[T]) setStatus(status ops.Status) {
	f.mu.Lock()
	f.status = &status
	f.mu.Unlock()
}

func (f *OperationFuture[T]) complete() {
	f.once.Do(func() { close(f.done) })
}

// callbacks returns the callback of the operation. onStatus may derive the
// value from the status (store, mutate, version).
func (f *OperationFuture[T]) callbacks(onStatus func(status ops.Status)) *ops.CallbackFuncs {
	return &ops.CallbackFuncs{
		OnStatus: func(status ops.Status) {
			f.setStatus(status)
			if onStatus != nil {
				onStatus(status)
			}
		},
		OnComplete: f.complete,
	}
}

// --------------------------------------------------------------------------
// Latch
// --------------------------------------------------------------------------

// countDownLatch is released once CountDown was called count times
type countDownLatch struct {
	remaining atomic.Int64
	done      chan struct{}
}

func newCountDownLatch(count int) *countDownLatch {
	l := &countDownLatch{done: make(chan struct{})}
	l.remaining.Store(int64(count))
	if count <= 0 {
		close(l.done)
	}
	return l
}

func (l *countDownLatch) CountDown() {
	if l.remaining.Add(-1) == 0 {
		close(l.done)
	}
}

func (l *countDownLatch) Count() int {
	return int(max(0, l.remaining.Load()))
}

// Wait blocks until the latch is released or ctx is done
func (l *countDownLatch) Wait(ctx context.Context) bool {
	select {
	case <-l.done:
		return true
	case <-ctx.Done():
		return false
	}
}
