package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dMC/lib/ops"
	"github.com/puzpuzpuz/xsync/v3"
)

// Item is a value read from the cache
type Item struct {
	Key   string
	Value []byte
	Flags uint32
	CAS   uint64
}

// --------------------------------------------------------------------------
// Bulk Future
// --------------------------------------------------------------------------

// BulkFuture is the pending result of a multi key get. The keys are split into one
// sub operation per node; the latch counts down once per sub operation, not per key.
//
// Thread-safety: All methods are thread-safe.
type BulkFuture struct {
	results *xsync.MapOf[string, *Item]
	ops     []*ops.Operation
	latch   *countDownLatch
	timeout time.Duration

	mu       sync.Mutex
	statuses map[int]ops.Status // by index of the sub operation
}

func newBulkFuture(timeout time.Duration) *BulkFuture {
	return &BulkFuture{
		results:  xsync.NewMapOf[string, *Item](),
		timeout:  timeout,
		statuses: make(map[int]ops.Status),
	}
}

// Get waits for all nodes using the operation timeout of the client
func (b *BulkFuture) Get() (map[string]*Item, error) {
	return b.GetTimeout(b.timeout)
}

// GetTimeout waits up to timeout for all nodes. Sub operations still pending are
// timed out and an error wrapping ops.ErrTimeout is returned. A cancelled or failed
// sub operation also fails the whole request.
func (b *BulkFuture) GetTimeout(timeout time.Duration) (map[string]*Item, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return b.GetContext(ctx)
}

// GetContext waits until all nodes answered or ctx is done
func (b *BulkFuture) GetContext(ctx context.Context) (map[string]*Item, error) {
	if !b.latch.Wait(ctx) {
		pending := b.timeOutPending()
		<-b.latch.done
		if pending > 0 {
			return nil, fmt.Errorf("%w: %d of %d nodes did not answer the multi get", ops.ErrTimeout, pending, len(b.ops))
		}
	}
	if err := b.firstError(); err != nil {
		return nil, err
	}
	return b.snapshot(), nil
}

// GetSome waits up to timeout and returns the values received so far. Nodes that did
// not answer in time are timed out and ignored. Cancelled or failed sub operations
// are reported as error together with the partial result.
func (b *BulkFuture) GetSome(timeout time.Duration) (map[string]*Item, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if !b.latch.Wait(ctx) {
		if pending := b.timeOutPending(); pending > 0 {
			Logger.Debugf("Multi get returns partial result, %d nodes timed out", pending)
		}
		<-b.latch.done
	}

	var errs []error
	for _, op := range b.ops {
		if op.IsTimedOutFlag() {
			continue
		}
		if err := operationError(op); err != nil {
			errs = append(errs, err)
		}
	}
	return b.snapshot(), errors.Join(errs...)
}

// Cancel cancels all sub operations. It returns true if any was cancelled.
func (b *BulkFuture) Cancel() bool {
	cancelled := false
	for _, op := range b.ops {
		if op.Cancel() {
			cancelled = true
		}
	}
	return cancelled
}

// IsDone reports whether every node answered (or its sub operation ended otherwise)
func (b *BulkFuture) IsDone() bool {
	select {
	case <-b.latch.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether any sub operation was cancelled
func (b *BulkFuture) IsCancelled() bool {
	for _, op := range b.ops {
		if op.IsCancelled() {
			return true
		}
	}
	return false
}

// Status returns the combined status: CANCELLED or TIMED_OUT if any sub operation
// ended that way, otherwise the first failed status, otherwise SUCCESS
func (b *BulkFuture) Status() ops.Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	var failed *ops.Status
	for i, op := range b.ops {
		var received *ops.Status
		if s, ok := b.statuses[i]; ok {
			received = &s
		}
		s := statusOf(op, received)
		if s.Code == ops.StatusCancelled || s.Code == ops.StatusTimedOut {
			return s
		}
		if !s.Success && failed == nil {
			failed = &s
		}
	}
	if failed != nil {
		return *failed
	}
	return ops.NewStatus(ops.StatusSuccess, "")
}

// Operations returns the sub operations, one per contacted node
func (b *BulkFuture) Operations() []*ops.Operation {
	return b.ops
}

// Pending returns the number of sub operations that did not finish yet
func (b *BulkFuture) Pending() int {
	return b.latch.Count()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// callbacks returns the callback of the sub operation with the given index
func (b *BulkFuture) callbacks(index int) *ops.CallbackFuncs {
	return &ops.CallbackFuncs{
		OnData: func(key string, flags uint32, cas uint64, data []byte) {
			b.results.Store(key, &Item{Key: key, Value: clone(data), Flags: flags, CAS: cas})
		},
		OnStatus: func(status ops.Status) {
			b.mu.Lock()
			b.statuses[index] = status
			b.mu.Unlock()
		},
		OnComplete: func() { b.latch.CountDown() },
	}
}

func (b *BulkFuture) timeOutPending() int {
	pending := 0
	for _, op := range b.ops {
		if !op.IsCompleted() {
			op.TimeOut()
		}
		if op.IsTimedOutFlag() {
			pending++
		}
	}
	return pending
}

func (b *BulkFuture) firstError() error {
	for _, op := range b.ops {
		if err := operationError(op); err != nil {
			return err
		}
	}
	return nil
}

func (b *BulkFuture) snapshot() map[string]*Item {
	out := make(map[string]*Item, b.results.Size())
	b.results.Range(func(key string, item *Item) bool {
		out[key] = item
		return true
	})
	return out
}

// --------------------------------------------------------------------------
// Broadcast Future
// --------------------------------------------------------------------------

// BroadcastFuture holds one future per node for commands sent to every node
// (flush, version, stats)
type BroadcastFuture[T any] struct {
	futures map[string]*OperationFuture[T]
	timeout time.Duration
}

// Get waits for all nodes using the operation timeout of the client
func (b *BroadcastFuture[T]) Get() (map[string]T, error) {
	return b.GetTimeout(b.timeout)
}

// GetTimeout waits up to timeout (shared by all nodes) and returns the results by
// node name. Errors of single nodes are joined.
func (b *BroadcastFuture[T]) GetTimeout(timeout time.Duration) (map[string]T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := make(map[string]T, len(b.futures))
	var errs []error
	for name, f := range b.futures {
		v, err := f.GetContext(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out[name] = v
	}
	return out, errors.Join(errs...)
}

// Futures returns the per node futures
func (b *BroadcastFuture[T]) Futures() map[string]*OperationFuture[T] {
	return b.futures
}

// IsDone reports whether all nodes answered
func (b *BroadcastFuture[T]) IsDone() bool {
	for _, f := range b.futures {
		if !f.IsDone() {
			return false
		}
	}
	return true
}
