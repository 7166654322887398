package base

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMC/lib/metrics"
	"github.com/ValentinKolb/dMC/lib/ops"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var NodeLogger = logger.GetLogger("memcached/node")

var (
	// ErrQueueFull is returned when the input queue of a node stayed full for OpQueueMaxBlock
	ErrQueueFull = errors.New("operation queue is full")
	// ErrUnexpectedData is returned when the server sends bytes no operation waits for
	ErrUnexpectedData = errors.New("unexpected data")
)

// NodeOptions holds the capacities and switches of a node
type NodeOptions struct {
	InputQueueLen   int
	WriteQueueLen   int
	ReadQueueLen    int
	OpQueueMaxBlock time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	ShouldOptimize  bool
	MaxOptimizeKeys int
}

// NodeOptionsFromConfig extracts the node options of a client configuration
func NodeOptionsFromConfig(c common.ClientConfig) NodeOptions {
	return NodeOptions{
		InputQueueLen:   c.OpQueueLen,
		WriteQueueLen:   c.WriteQueueLen,
		ReadQueueLen:    c.ReadQueueLen,
		OpQueueMaxBlock: c.OpQueueMaxBlock,
		ReadBufferSize:  c.ReadBufferSize,
		WriteBufferSize: c.WriteBufferSize,
		ShouldOptimize:  c.ShouldOptimize,
		MaxOptimizeKeys: c.MaxOptimizeKeys,
	}
}

// Node is one memcached server endpoint.
//
// Producers only touch the bounded input queue (AddOp). Everything else (write queue,
// read queue, write buffer, socket) is owned by the I/O reactor goroutine and must
// only be called from it, or from a single goroutine in tests.
type Node struct {
	name    string
	factory protocol.IOperationFactory
	opts    NodeOptions
	metrics metrics.IMetricCollector

	inputQueue *xsync.MPMCQueueOf[*ops.Operation]
	inputLen   atomic.Int64

	reconnectAttempt atomic.Int32
	connected        atomic.Bool
	wakeup           atomic.Bool // a wakeup for this node is queued at the reactor

	// owned by the reactor
	writeQueue         opQueue
	readQueue          opQueue
	writeBuf           []byte
	toWrite            int
	continuousTimeouts int
	socket             *nodeSocket
	generation         uint64
	writing            bool
}

// NewNode creates a node. The node starts disconnected with reconnectAttempt 1
// until the reactor established the first connection.
func NewNode(name string, factory protocol.IOperationFactory, opts NodeOptions, collector metrics.IMetricCollector) *Node {
	if collector == nil {
		collector = metrics.NoopCollector{}
	}
	if opts.InputQueueLen <= 0 {
		opts.InputQueueLen = 1
	}
	n := &Node{
		name:       name,
		factory:    factory,
		opts:       opts,
		metrics:    collector,
		inputQueue: xsync.NewMPMCQueueOf[*ops.Operation](opts.InputQueueLen),
		writeBuf:   make([]byte, 0, opts.WriteBufferSize),
	}
	n.reconnectAttempt.Store(1)
	return n
}

// --------------------------------------------------------------------------
// Producer Side (thread-safe)
// --------------------------------------------------------------------------

// Name returns the endpoint of the node, it is the identity used by the locator
func (n *Node) Name() string {
	return n.name
}

// AddOp appends an operation to the input queue. If the queue is full the call waits
// up to OpQueueMaxBlock for free capacity and then fails with ErrQueueFull.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (n *Node) AddOp(op *ops.Operation) error {
	op.SetHandlingNode(n.name)
	if n.inputQueue.TryEnqueue(op) {
		n.inputLen.Add(1)
		return nil
	}

	deadline := time.Now().Add(n.opts.OpQueueMaxBlock)
	wait := 50 * time.Microsecond
	for time.Now().Before(deadline) {
		time.Sleep(wait)
		if n.inputQueue.TryEnqueue(op) {
			n.inputLen.Add(1)
			return nil
		}
		if wait < 10*time.Millisecond {
			wait *= 2
		}
	}
	return fmt.Errorf("%w: node %s did not accept %s within %s", ErrQueueFull, n.name, op.Kind(), n.opts.OpQueueMaxBlock)
}

// IsActive reports whether the node is connected and not reconnecting
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (n *Node) IsActive() bool {
	return n.reconnectAttempt.Load() == 0 && n.connected.Load()
}

// ReconnectAttempt returns 0 for a healthy node and the number of failed
// connection attempts otherwise
func (n *Node) ReconnectAttempt() int {
	return int(n.reconnectAttempt.Load())
}

// InputQueueLen returns the number of operations not yet taken over by the reactor
func (n *Node) InputQueueLen() int {
	return int(n.inputLen.Load())
}

// --------------------------------------------------------------------------
// Reactor Side
// --------------------------------------------------------------------------

// InsertOp puts an operation in front of the write queue.
// Used for authentication right after a connect.
func (n *Node) InsertOp(op *ops.Operation) {
	op.SetHandlingNode(n.name)
	n.writeQueue.PushFront(op)
}

// CopyInputQueue moves operations from the input queue into the write queue
// up to the write queue capacity. It returns the number of moved operations.
func (n *Node) CopyInputQueue() int {
	moved := 0
	for n.writeQueue.Len() < n.opts.WriteQueueLen {
		op, ok := n.inputQueue.TryDequeue()
		if !ok {
			break
		}
		n.inputLen.Add(-1)
		if op.IsCancelled() {
			n.metrics.IncCounter(metrics.CancelledTotal, 1)
			continue
		}
		n.writeQueue.PushBack(op)
		moved++
	}
	return moved
}

// FillWriteBuffer copies request bytes from the head of the write queue into the
// write buffer until the buffer is full or no operation is left. Operations whose
// request was copied completely move to the read queue. Cancelled and timed out
// operations that did not start writing are dropped. With optimize set, adjacent
// get operations at the head of the queue are merged into one request first.
//
// It returns the number of bytes to write.
func (n *Node) FillWriteBuffer(optimize bool) int {
	if n.toWrite > 0 {
		return n.toWrite
	}
	buf := n.writeBuf[:0]

	for len(buf) < cap(buf) {
		op := n.currentWriteOp(optimize)
		if op == nil {
			break
		}
		if !op.WriteStarted() && n.readQueue.Len() >= n.opts.ReadQueueLen {
			break
		}

		remaining := op.WriteRemaining()
		c := copy(buf[len(buf):cap(buf)], remaining)
		buf = buf[:len(buf)+c]
		op.AdvanceWrite(c)

		if c == len(remaining) {
			n.writeQueue.PopFront()
			op.WriteComplete()
			n.readQueue.PushBack(op)
			n.metrics.IncCounter(metrics.RequestsTotal, 1)
		}
	}

	n.writeBuf = buf
	n.toWrite = len(buf)
	return n.toWrite
}

// WriteBuffer returns the bytes prepared by FillWriteBuffer
func (n *Node) WriteBuffer() []byte {
	return n.writeBuf[:n.toWrite]
}

// WriteDone marks written bytes of the write buffer as sent
func (n *Node) WriteDone(written int) {
	n.metrics.IncCounter(metrics.BytesWritten, int64(written))
	if written >= n.toWrite {
		n.toWrite = 0
		n.writeBuf = n.writeBuf[:0]
		return
	}
	// keep the unsent tail at the start of the buffer
	rest := copy(n.writeBuf, n.writeBuf[written:n.toWrite])
	n.writeBuf = n.writeBuf[:rest]
	n.toWrite = rest
}

// ReadFromSocket feeds response bytes to the operations of the read queue in FIFO
// order. Operations that finished reading are removed. An error means the stream
// can no longer be trusted and the connection has to be reset.
func (n *Node) ReadFromSocket(b []byte) error {
	n.metrics.IncCounter(metrics.BytesRead, int64(len(b)))

	for len(b) > 0 {
		op := n.readQueue.Front()
		if op == nil {
			return fmt.Errorf("%w: %d bytes from %s with no pending operation", ErrUnexpectedData, len(b), n.name)
		}

		consumed, done, err := op.ReadFromBuffer(b)
		if err != nil {
			n.readQueue.PopFront()
			op.HandleError(ops.ErrorGeneral, ops.StatusError, err.Error())
			op.Finish()
			return fmt.Errorf("failed to read %s response from %s: %w", op.Kind(), n.name, err)
		}
		b = b[consumed:]

		if !done {
			if len(b) > 0 {
				return fmt.Errorf("%w: %s stopped reading with %d bytes left", ops.ErrProtocol, op.Kind(), len(b))
			}
			break
		}

		n.readQueue.PopFront()
		if !op.IsTimedOutFlag() && !op.IsCancelled() {
			n.continuousTimeouts = 0
		}
		n.metrics.IncCounter(metrics.ResponsesTotal, 1)
		n.metrics.UpdateHistogram(metrics.OperationLatency, time.Since(op.CreationTime()).Microseconds())
	}
	return nil
}

// SweepTimeouts applies the timeout policy to every queued operation and drops
// timed out operations that never started writing. It returns the number of
// operations that timed out during this sweep.
func (n *Node) SweepTimeouts(ttl time.Duration) int {
	timedOut := 0
	check := func(op *ops.Operation) bool {
		if op.IsTimedOutFlag() {
			return true
		}
		if op.IsTimedOut(ttl) {
			timedOut++
			return true
		}
		return false
	}

	n.writeQueue.Filter(func(op *ops.Operation) bool {
		expired := check(op)
		return op.WriteStarted() || !(expired || op.IsCancelled())
	})
	readTimeouts := 0
	n.readQueue.Each(func(op *ops.Operation) {
		before := timedOut
		check(op)
		readTimeouts += timedOut - before
	})

	n.continuousTimeouts += readTimeouts
	if timedOut > 0 {
		n.metrics.IncCounter(metrics.TimeoutsTotal, int64(timedOut))
	}
	return timedOut
}

// ContinuousTimeouts returns the number of read timeouts since the last regular response
func (n *Node) ContinuousTimeouts() int {
	return n.continuousTimeouts
}

// SetupResend prepares the queues for a new connection. The operation that was being
// written restarts from its first byte. Operations that wait for a response are
// cancelled, a half read response cannot be resumed. Queued writes are kept.
// It returns the number of cancelled operations.
func (n *Node) SetupResend(cause error) int {
	if op := n.writeQueue.Front(); op != nil {
		op.ResetWrite()
	}

	cancelled := 0
	for n.readQueue.Len() > 0 {
		op := n.readQueue.PopFront()
		if op.IsCompleted() {
			continue
		}
		NodeLogger.Warningf("discarding partially completed %s on %s", op.Kind(), n.name)
		op.CancelWithCause(ops.ErrorConnection, cause)
		cancelled++
	}

	// a new buffer, a writer of the old socket may still hold the previous one
	n.writeBuf = make([]byte, 0, n.opts.WriteBufferSize)
	n.toWrite = 0
	n.writing = false
	n.continuousTimeouts = 0
	if cancelled > 0 {
		n.metrics.IncCounter(metrics.CancelledTotal, int64(cancelled))
	}
	return cancelled
}

// CancelAll cancels every operation of all three queues. Used when the node is
// removed or the client shuts down.
func (n *Node) CancelAll(cause error) int {
	cancelled := 0
	cancel := func(op *ops.Operation) {
		if !op.IsCompleted() {
			op.CancelWithCause(ops.ErrorCancelled, cause)
			cancelled++
		}
	}

	for {
		op, ok := n.inputQueue.TryDequeue()
		if !ok {
			break
		}
		n.inputLen.Add(-1)
		cancel(op)
	}
	for n.writeQueue.Len() > 0 {
		cancel(n.writeQueue.PopFront())
	}
	for n.readQueue.Len() > 0 {
		cancel(n.readQueue.PopFront())
	}
	n.writeBuf = n.writeBuf[:0]
	n.toWrite = 0
	if cancelled > 0 {
		n.metrics.IncCounter(metrics.CancelledTotal, int64(cancelled))
	}
	return cancelled
}

// PendingOps returns the number of queued operations whose waiters were not released yet
func (n *Node) PendingOps() int {
	pending := n.InputQueueLen()
	count := func(op *ops.Operation) {
		if !op.IsCompleted() {
			pending++
		}
	}
	n.writeQueue.Each(count)
	n.readQueue.Each(count)
	return pending
}

// HasReadOp reports whether an operation waits for a response
func (n *Node) HasReadOp() bool {
	return n.readQueue.Len() > 0
}

// HasWriteOp reports whether an operation waits to be written
func (n *Node) HasWriteOp() bool {
	return n.writeQueue.Len() > 0
}

// String returns a short description of the node state
func (n *Node) String() string {
	return fmt.Sprintf("{Node %s active=%t reconnect=%d input=%d write=%d read=%d toWrite=%d}",
		n.name, n.IsActive(), n.ReconnectAttempt(), n.InputQueueLen(), n.writeQueue.Len(), n.readQueue.Len(), n.toWrite)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// currentWriteOp returns the operation at the head of the write queue. Operations
// that are cancelled or timed out before their first byte was copied are dropped.
func (n *Node) currentWriteOp(optimize bool) *ops.Operation {
	for n.writeQueue.Len() > 0 {
		op := n.writeQueue.Front()
		if op.WriteStarted() {
			return op
		}
		if op.IsCancelled() || op.IsTimedOutFlag() || op.IsCompleted() {
			n.writeQueue.PopFront()
			continue
		}
		if op.WriteRemaining() == nil {
			if err := op.Initialize(); err != nil {
				n.writeQueue.PopFront()
				op.HandleError(ops.ErrorGeneral, ops.StatusError, err.Error())
				op.Finish()
				continue
			}
			if op.WriteRemaining() == nil {
				n.writeQueue.PopFront()
				continue
			}
		}
		if optimize && op.Kind() == ops.KindGet {
			if merged := n.optimize(); merged != nil {
				return merged
			}
		}
		return op
	}
	return nil
}

// optimize merges the run of unwritten get operations at the head of the write queue
// into one multi get. It returns nil if fewer than two gets could be merged.
func (n *Node) optimize() *ops.Operation {
	limit := n.opts.MaxOptimizeKeys
	var batch []*ops.Operation
	n.writeQueue.EachUntil(func(op *ops.Operation) bool {
		if op.Kind() != ops.KindGet || op.WriteStarted() || op.IsCancelled() || op.IsCompleted() {
			return false
		}
		if limit > 0 && len(batch) >= limit {
			return false
		}
		batch = append(batch, op)
		return true
	})
	if len(batch) < 2 {
		return nil
	}

	merged := n.factory.Optimize(batch)
	if err := merged.Initialize(); err != nil {
		NodeLogger.Errorf("failed to initialize merged get on %s: %v", n.name, err)
		return nil
	}
	merged.SetHandlingNode(n.name)

	for range batch {
		n.writeQueue.PopFront()
	}
	n.writeQueue.PushFront(merged)
	n.metrics.IncCounter(metrics.OptimizedRequests, 1)
	NodeLogger.Debugf("merged %d gets on %s", len(batch), n.name)
	return merged
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// nodeSocket is one established connection of a node with the channels of its pumps
type nodeSocket struct {
	conn    net.Conn
	gen     uint64
	writes  chan []byte   // write buffer handed to the writer pump
	acks    chan struct{} // read buffer handed back to the reader pump
	done    chan struct{} // closed when the socket is abandoned
	readBuf []byte
}

func newNodeSocket(conn net.Conn, gen uint64, readBufferSize int) *nodeSocket {
	return &nodeSocket{
		conn:    conn,
		gen:     gen,
		writes:  make(chan []byte, 1),
		acks:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		readBuf: make([]byte, readBufferSize),
	}
}

// close stops the pumps and closes the connection
func (s *nodeSocket) close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	_ = s.conn.Close()
}

// opQueue is a FIFO of operations owned by a single goroutine
type opQueue struct {
	items []*ops.Operation
	head  int
}

func (q *opQueue) Len() int {
	return len(q.items) - q.head
}

func (q *opQueue) Front() *ops.Operation {
	if q.Len() == 0 {
		return nil
	}
	return q.items[q.head]
}

func (q *opQueue) PushBack(op *ops.Operation) {
	q.items = append(q.items, op)
}

func (q *opQueue) PushFront(op *ops.Operation) {
	if q.head > 0 {
		q.head--
		q.items[q.head] = op
		return
	}
	q.items = append([]*ops.Operation{op}, q.items...)
}

func (q *opQueue) PopFront() *ops.Operation {
	if q.Len() == 0 {
		return nil
	}
	op := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		q.compact()
	}
	return op
}

func (q *opQueue) Each(fn func(op *ops.Operation)) {
	for _, op := range q.items[q.head:] {
		fn(op)
	}
}

// EachUntil calls fn in queue order until it returns false
func (q *opQueue) EachUntil(fn func(op *ops.Operation) bool) {
	for _, op := range q.items[q.head:] {
		if !fn(op) {
			return
		}
	}
}

// Filter keeps the operations for which keep returns true
func (q *opQueue) Filter(keep func(op *ops.Operation) bool) {
	kept := q.items[:0]
	for _, op := range q.items[q.head:] {
		if keep(op) {
			kept = append(kept, op)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.head = 0
}

func (q *opQueue) compact() {
	n := copy(q.items, q.items[q.head:])
	for i := n; i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = q.items[:n]
	q.head = 0
}
