package base

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dMC/lib/ops"
	"github.com/ValentinKolb/dMC/rpc/protocol"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// recorder collects the callback invocations of one operation. Node tests drive
// the node from a single goroutine, so no locking is needed.
type recorder struct {
	statuses  []ops.Status
	values    map[string]string
	completed int
}

func newRecorder() *recorder {
	return &recorder{values: make(map[string]string)}
}

func (r *recorder) ReceivedStatus(s ops.Status) { r.statuses = append(r.statuses, s) }
func (r *recorder) GotData(key string, _ uint32, _ uint64, data []byte) {
	r.values[key] = string(data)
}
func (r *recorder) Complete() { r.completed++ }

func (r *recorder) last() ops.Status {
	if len(r.statuses) == 0 {
		return ops.Status{}
	}
	return r.statuses[len(r.statuses)-1]
}

func testNodeOptions() NodeOptions {
	return NodeOptions{
		InputQueueLen:   16,
		WriteQueueLen:   16,
		ReadQueueLen:    16,
		OpQueueMaxBlock: 10 * time.Millisecond,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxOptimizeKeys: 64,
	}
}

func newTestNode(t *testing.T, modify func(o *NodeOptions)) (*Node, protocol.IOperationFactory) {
	t.Helper()
	opts := testNodeOptions()
	if modify != nil {
		modify(&opts)
	}
	factory := protocol.NewAsciiFactory()
	return NewNode("node-1:11211", factory, opts, nil), factory
}

func mustAdd(t *testing.T, n *Node, op *ops.Operation) {
	t.Helper()
	if err := op.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := n.AddOp(op); err != nil {
		t.Fatalf("AddOp failed: %v", err)
	}
}

// flush simulates a writer that sends every prepared byte and returns them
func flush(n *Node, optimize bool) string {
	var sb strings.Builder
	for n.FillWriteBuffer(optimize) > 0 {
		sb.Write(n.WriteBuffer())
		n.WriteDone(len(n.WriteBuffer()))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestNodePipeline(t *testing.T) {
	n, f := newTestNode(t, nil)

	get, set := newRecorder(), newRecorder()
	mustAdd(t, n, f.Get("a", get))
	mustAdd(t, n, f.Store(protocol.StoreRequest{Type: protocol.StoreSet, Key: "b", Value: []byte("x")}, set))

	if n.InputQueueLen() != 2 {
		t.Fatalf("Expected 2 queued operations, got %d", n.InputQueueLen())
	}
	if moved := n.CopyInputQueue(); moved != 2 {
		t.Fatalf("Expected 2 moved operations, got %d", moved)
	}

	written := flush(n, false)
	if written != "get a\r\nset b 0 0 1\r\nx\r\n" {
		t.Fatalf("Unexpected request bytes %q", written)
	}
	if n.HasWriteOp() || !n.HasReadOp() {
		t.Fatalf("Expected both operations in the read queue: %s", n)
	}

	// response split at an arbitrary position
	resp := "VALUE a 3 2\r\nhi\r\nEND\r\nSTORED\r\n"
	if err := n.ReadFromSocket([]byte(resp[:9])); err != nil {
		t.Fatalf("ReadFromSocket failed: %v", err)
	}
	if err := n.ReadFromSocket([]byte(resp[9:])); err != nil {
		t.Fatalf("ReadFromSocket failed: %v", err)
	}

	if get.values["a"] != "hi" || !get.last().Success || get.completed != 1 {
		t.Errorf("Unexpected get result: %+v", get)
	}
	if !set.last().Success || set.completed != 1 {
		t.Errorf("Unexpected set result: %+v", set)
	}
	if n.HasReadOp() || n.PendingOps() != 0 {
		t.Errorf("Expected empty queues: %s", n)
	}
}

func TestNodeSmallWriteBuffer(t *testing.T) {
	n, f := newTestNode(t, func(o *NodeOptions) { o.WriteBufferSize = 4 })

	op := f.Store(protocol.StoreRequest{Type: protocol.StoreSet, Key: "key", Value: []byte("value")}, nil)
	mustAdd(t, n, op)
	n.CopyInputQueue()

	if got := n.FillWriteBuffer(false); got != 4 {
		t.Fatalf("Expected 4 bytes in the first chunk, got %d", got)
	}
	if !n.HasWriteOp() || n.HasReadOp() {
		t.Fatalf("A partially copied operation must stay in the write queue")
	}
	// a second fill without WriteDone returns the pending bytes
	if got := n.FillWriteBuffer(false); got != 4 {
		t.Fatalf("Expected the same 4 pending bytes, got %d", got)
	}

	var sb strings.Builder
	sb.Write(n.WriteBuffer())
	n.WriteDone(4)
	sb.WriteString(flush(n, false))

	if sb.String() != "set key 0 0 5\r\nvalue\r\n" {
		t.Errorf("Unexpected request bytes %q", sb.String())
	}
	if n.HasWriteOp() || !n.HasReadOp() {
		t.Errorf("Expected the operation in the read queue: %s", n)
	}
}

func TestNodePartialWriteDone(t *testing.T) {
	n, f := newTestNode(t, nil)
	mustAdd(t, n, f.Delete("abc", nil))
	n.CopyInputQueue()

	n.FillWriteBuffer(false)
	n.WriteDone(3)
	if got := string(n.WriteBuffer()); got != "ete abc\r\n" {
		t.Errorf("Expected the unsent tail, got %q", got)
	}
}

func TestNodeSkipsCancelledOperations(t *testing.T) {
	n, f := newTestNode(t, nil)

	cancelled := newRecorder()
	op := f.Get("a", cancelled)
	mustAdd(t, n, op)
	op.Cancel()
	mustAdd(t, n, f.Get("b", nil))

	if moved := n.CopyInputQueue(); moved != 1 {
		t.Fatalf("Expected 1 moved operation, got %d", moved)
	}
	if written := flush(n, false); written != "get b\r\n" {
		t.Errorf("Unexpected request bytes %q", written)
	}
	if cancelled.completed != 1 || len(cancelled.statuses) != 0 {
		t.Errorf("A cancelled operation completes once without status: %+v", cancelled)
	}
}

func TestNodeReadQueueLimit(t *testing.T) {
	n, f := newTestNode(t, func(o *NodeOptions) { o.ReadQueueLen = 1 })
	mustAdd(t, n, f.Get("a", nil))
	mustAdd(t, n, f.Get("b", nil))
	n.CopyInputQueue()

	if written := flush(n, false); written != "get a\r\n" {
		t.Fatalf("Expected only the first request, got %q", written)
	}
	if err := n.ReadFromSocket([]byte("END\r\n")); err != nil {
		t.Fatalf("ReadFromSocket failed: %v", err)
	}
	if written := flush(n, false); written != "get b\r\n" {
		t.Errorf("Expected the second request after the response, got %q", written)
	}
}

func TestNodeOptimizeGets(t *testing.T) {
	n, f := newTestNode(t, nil)

	ra, rb, rc := newRecorder(), newRecorder(), newRecorder()
	mustAdd(t, n, f.Get("a", ra))
	mustAdd(t, n, f.Get("b", rb))
	mustAdd(t, n, f.Get("a", rc))
	mustAdd(t, n, f.Delete("d", nil))
	n.CopyInputQueue()

	written := flush(n, true)
	if written != "get a b\r\ndelete d\r\n" {
		t.Fatalf("Unexpected request bytes %q", written)
	}

	if err := n.ReadFromSocket([]byte("VALUE a 0 1\r\n1\r\nEND\r\nDELETED\r\n")); err != nil {
		t.Fatalf("ReadFromSocket failed: %v", err)
	}

	for name, r := range map[string]*recorder{"first a": ra, "second a": rc} {
		if r.values["a"] != "1" || !r.last().Success || r.completed != 1 {
			t.Errorf("%s: unexpected result %+v", name, r)
		}
	}
	if _, ok := rb.values["b"]; ok || rb.last().Code != ops.StatusNotFound || rb.completed != 1 {
		t.Errorf("b: expected not found, got %+v", rb)
	}
}

func TestNodeOptimizeLimit(t *testing.T) {
	n, f := newTestNode(t, func(o *NodeOptions) { o.MaxOptimizeKeys = 2 })
	for _, k := range []string{"a", "b", "c"} {
		mustAdd(t, n, f.Get(k, nil))
	}
	n.CopyInputQueue()

	// the third get is left alone, a batch of one is not merged
	if written := flush(n, true); written != "get a b\r\nget c\r\n" {
		t.Errorf("Unexpected request bytes %q", written)
	}
}

func TestNodeOptimizeKeepsDeadline(t *testing.T) {
	n, f := newTestNode(t, nil)

	old, fresh := newRecorder(), newRecorder()
	waited := f.Get("a", old)
	// queued long before the merge
	waited.SetCreationTime(time.Now().Add(-time.Second))
	mustAdd(t, n, waited)
	mustAdd(t, n, f.Get("b", fresh))
	n.CopyInputQueue()

	if written := flush(n, true); written != "get a b\r\n" {
		t.Fatalf("Unexpected request bytes %q", written)
	}

	// the merged request is young by itself but carries the age of the first get
	if timedOut := n.SweepTimeouts(500 * time.Millisecond); timedOut != 1 {
		t.Fatalf("Expected the merged request to time out, got %d timeouts", timedOut)
	}
	if !waited.IsTimedOutFlag() || old.completed != 1 {
		t.Errorf("Expected the waiting get to time out on its own deadline: %+v", old)
	}
	if fresh.completed != 1 {
		t.Errorf("Expected the merged fresh get to be released: %+v", fresh)
	}
}

func TestNodeSetupResend(t *testing.T) {
	n, f := newTestNode(t, func(o *NodeOptions) { o.WriteBufferSize = 8 })

	reading := newRecorder()
	mustAdd(t, n, f.Get("a", reading))
	mustAdd(t, n, f.Store(protocol.StoreRequest{Type: protocol.StoreSet, Key: "b", Value: []byte("payload")}, nil))
	n.CopyInputQueue()

	// "get a\r\n" plus the first byte of the set
	n.FillWriteBuffer(false)
	n.WriteDone(8)

	cause := errors.New("socket closed")
	if cancelled := n.SetupResend(cause); cancelled != 1 {
		t.Fatalf("Expected 1 cancelled operation, got %d", cancelled)
	}
	if reading.completed != 1 {
		t.Errorf("The waiting get must be released")
	}
	if n.HasReadOp() || !n.HasWriteOp() {
		t.Fatalf("Expected only the set in the write queue: %s", n)
	}

	// the set restarts from its first byte
	if written := flush(n, false); written != "set b 0 0 7\r\npayload\r\n" {
		t.Errorf("Unexpected resend bytes %q", written)
	}
}

func TestNodeSetupResendCause(t *testing.T) {
	n, f := newTestNode(t, nil)
	op := f.Get("a", nil)
	mustAdd(t, n, op)
	n.CopyInputQueue()
	flush(n, false)

	n.SetupResend(ops.ErrConnection)
	exc := op.GetException()
	if exc == nil || exc.Kind != ops.ErrorConnection {
		t.Fatalf("Expected a connection error, got %v", exc)
	}
	if !errors.Is(exc, ops.ErrConnection) {
		t.Errorf("Expected the cause to match ErrConnection: %v", exc)
	}
}

func TestNodeSweepTimeouts(t *testing.T) {
	n, f := newTestNode(t, nil)

	inFlight, queued := newRecorder(), newRecorder()
	mustAdd(t, n, f.Get("a", inFlight))
	n.CopyInputQueue()
	flush(n, false)
	mustAdd(t, n, f.Get("b", queued))
	n.CopyInputQueue()

	time.Sleep(5 * time.Millisecond)
	if timedOut := n.SweepTimeouts(time.Millisecond); timedOut != 2 {
		t.Fatalf("Expected 2 timeouts, got %d", timedOut)
	}
	if n.ContinuousTimeouts() != 1 {
		t.Errorf("Only the in-flight timeout counts as continuous, got %d", n.ContinuousTimeouts())
	}
	if n.HasWriteOp() {
		t.Errorf("An unwritten timed out operation must be dropped")
	}
	if !n.HasReadOp() {
		t.Errorf("A written timed out operation must still consume its response")
	}
	if inFlight.completed != 1 || queued.completed != 1 {
		t.Errorf("Timed out operations must be released: %+v %+v", inFlight, queued)
	}

	// a second sweep does not count the same operation again
	if timedOut := n.SweepTimeouts(time.Millisecond); timedOut != 0 {
		t.Errorf("Expected no new timeouts, got %d", timedOut)
	}

	// the late response is consumed but not delivered
	if err := n.ReadFromSocket([]byte("VALUE a 0 1\r\nx\r\nEND\r\n")); err != nil {
		t.Fatalf("ReadFromSocket failed: %v", err)
	}
	if len(inFlight.values) != 0 {
		t.Errorf("A timed out operation must not deliver values")
	}
	if n.ContinuousTimeouts() != 1 {
		t.Errorf("A late response must not reset the timeout counter")
	}

	// a regular response resets it
	mustAdd(t, n, f.Get("c", nil))
	n.CopyInputQueue()
	flush(n, false)
	if err := n.ReadFromSocket([]byte("END\r\n")); err != nil {
		t.Fatalf("ReadFromSocket failed: %v", err)
	}
	if n.ContinuousTimeouts() != 0 {
		t.Errorf("Expected the timeout counter to be reset, got %d", n.ContinuousTimeouts())
	}
}

func TestNodeReadErrors(t *testing.T) {
	t.Run("unexpected data", func(t *testing.T) {
		n, _ := newTestNode(t, nil)
		err := n.ReadFromSocket([]byte("END\r\n"))
		if !errors.Is(err, ErrUnexpectedData) {
			t.Errorf("Expected ErrUnexpectedData, got %v", err)
		}
	})

	t.Run("protocol error", func(t *testing.T) {
		n, f := newTestNode(t, nil)
		r := newRecorder()
		op := f.Get("a", r)
		mustAdd(t, n, op)
		n.CopyInputQueue()
		flush(n, false)

		err := n.ReadFromSocket([]byte("GARBAGE\r\n"))
		if !errors.Is(err, ops.ErrProtocol) {
			t.Fatalf("Expected a protocol error, got %v", err)
		}
		if !op.HasErrored() || r.completed != 1 {
			t.Errorf("The operation must fail and complete: %+v", r)
		}
		if n.HasReadOp() {
			t.Errorf("The failed operation must leave the read queue")
		}
	})

	t.Run("server error line", func(t *testing.T) {
		n, f := newTestNode(t, nil)
		r := newRecorder()
		op := f.Get("a", r)
		mustAdd(t, n, op)
		n.CopyInputQueue()
		flush(n, false)

		if err := n.ReadFromSocket([]byte("SERVER_ERROR out of memory\r\n")); err != nil {
			t.Fatalf("An error line must not break the stream: %v", err)
		}
		if !op.HasErrored() || r.last().Code != ops.StatusInternalError {
			t.Errorf("Expected an internal error status, got %+v", r.statuses)
		}
	})
}

func TestNodeQueueFull(t *testing.T) {
	n, f := newTestNode(t, func(o *NodeOptions) {
		o.InputQueueLen = 1
		o.OpQueueMaxBlock = 5 * time.Millisecond
	})
	mustAdd(t, n, f.Get("a", nil))

	op := f.Get("b", nil)
	if err := op.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	start := time.Now()
	err := n.AddOp(op)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Errorf("AddOp must block for OpQueueMaxBlock before failing")
	}
}

func TestNodeCancelAll(t *testing.T) {
	n, f := newTestNode(t, nil)

	records := []*recorder{newRecorder(), newRecorder(), newRecorder()}
	mustAdd(t, n, f.Get("read", records[0]))
	n.CopyInputQueue()
	flush(n, false)
	mustAdd(t, n, f.Get("write", records[1]))
	n.CopyInputQueue()
	mustAdd(t, n, f.Get("input", records[2]))

	if cancelled := n.CancelAll(ErrShutdown); cancelled != 3 {
		t.Fatalf("Expected 3 cancelled operations, got %d", cancelled)
	}
	for i, r := range records {
		if r.completed != 1 {
			t.Errorf("Operation %d was not released", i)
		}
	}
	if n.PendingOps() != 0 || n.InputQueueLen() != 0 {
		t.Errorf("Expected empty queues: %s", n)
	}
}

func TestNodeInsertOp(t *testing.T) {
	n, f := newTestNode(t, nil)
	mustAdd(t, n, f.Get("a", nil))
	n.CopyInputQueue()

	first := f.Version(nil)
	if err := first.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	n.InsertOp(first)

	if written := flush(n, false); written != "version\r\nget a\r\n" {
		t.Errorf("Expected the inserted operation first, got %q", written)
	}
	if first.HandlingNode() != n.Name() {
		t.Errorf("Expected handling node %s, got %s", n.Name(), first.HandlingNode())
	}
}

func TestNodeActiveState(t *testing.T) {
	n, _ := newTestNode(t, nil)
	if n.IsActive() || n.ReconnectAttempt() != 1 {
		t.Fatalf("A new node must be inactive with reconnect attempt 1")
	}
	n.reconnectAttempt.Store(0)
	n.connected.Store(true)
	if !n.IsActive() {
		t.Errorf("Expected an active node")
	}
}

func TestOpQueue(t *testing.T) {
	var q opQueue
	mk := func() *ops.Operation { return ops.New(ops.KindNoop, nil, nil) }
	a, b, c := mk(), mk(), mk()

	q.PushBack(b)
	q.PushBack(c)
	q.PushFront(a)
	if q.Len() != 3 || q.Front() != a {
		t.Fatalf("Expected a in front of 3 operations")
	}
	if q.PopFront() != a || q.Front() != b {
		t.Fatalf("Expected FIFO order")
	}

	q.PushFront(a)
	q.Filter(func(op *ops.Operation) bool { return op != b })
	var order []*ops.Operation
	q.Each(func(op *ops.Operation) { order = append(order, op) })
	if len(order) != 2 || order[0] != a || order[1] != c {
		t.Errorf("Unexpected order after filter: %v", order)
	}

	q.PopFront()
	q.PopFront()
	if q.Len() != 0 || q.Front() != nil || q.PopFront() != nil {
		t.Errorf("Expected an empty queue")
	}
}
