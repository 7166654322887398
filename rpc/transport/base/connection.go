package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMC/lib/locator"
	"github.com/ValentinKolb/dMC/lib/metrics"
	"github.com/ValentinKolb/dMC/lib/ops"
	"github.com/ValentinKolb/dMC/lib/util"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/protocol"
	"github.com/ValentinKolb/dMC/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("memcached/io")

var (
	// ErrShutdown is returned for operations submitted after Shutdown
	ErrShutdown = errors.New("client is shut down")
	// ErrNodeUnavailable cancels operations whose node is down in FailureModeCancel
	ErrNodeUnavailable = errors.New("node unavailable")
	// ErrNodeRemoved cancels the operations of a node removed with RemoveServer
	ErrNodeRemoved = errors.New("node removed")
	// ErrUnknownNode is returned for endpoints that are not part of the cluster
	ErrUnknownNode = errors.New("unknown node")
	// ErrTooManyTimeouts forces a reconnect of a node that stopped answering
	ErrTooManyTimeouts = errors.New("too many continuous timeouts")
)

// -----------------------------------------------------------
// Interface Definitions
// -----------------------------------------------------------

// IConnectionObserver is notified about connection state changes of the nodes.
// The methods are called from the I/O goroutine and must not block.
type IConnectionObserver interface {
	// ConnectionEstablished is called after a (re)connect, reconnectCount is the number
	// of failed attempts before
	ConnectionEstablished(node string, reconnectCount int)

	// ConnectionLost is called when a connection broke
	ConnectionLost(node string)
}

// Option configures a Connection
type Option func(c *Connection)

// WithObserver registers a connection observer
func WithObserver(o IConnectionObserver) Option {
	return func(c *Connection) {
		c.observers = append(c.observers, o)
	}
}

// WithMetrics replaces the collector selected by ClientConfig.MetricsType
func WithMetrics(collector metrics.IMetricCollector) Option {
	return func(c *Connection) {
		c.metrics = collector
	}
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

type eventKind uint8

const (
	eventConnected eventKind = iota
	eventConnectFailed
	eventRead
	eventWritten
	eventIOError
)

// event is posted by dial goroutines and socket pumps to the I/O goroutine
type event struct {
	kind eventKind
	node *Node
	gen  uint64
	conn net.Conn
	data []byte
	n    int
	err  error
}

// topology is an immutable snapshot of the node set and its locator
type topology struct {
	loc   locator.INodeLocator[*Node]
	nodes map[string]*Node
}

// Connection is the I/O reactor of a client. One goroutine (run) owns the write and
// read queues of all nodes, the write buffers and the sockets. Socket reads and
// writes are performed by small pump goroutines per connection that only move bytes
// and report back to the I/O goroutine.
type Connection struct {
	config    common.ClientConfig
	connector transport.IClientConnector
	factory   protocol.IOperationFactory
	metrics   metrics.IMetricCollector
	observers []IConnectionObserver
	locType   locator.Type
	hashAlg   locator.HashAlgorithm

	topology atomic.Pointer[topology]
	running  atomic.Bool

	wakeups  *util.LockFreeMPSC[*Node]
	events   chan event
	control  chan func()
	stopCh   chan struct{}
	loopDone chan struct{}
	tick     time.Duration

	// owned by the I/O goroutine
	reconnects *util.MapHeap[string]
	connecting map[*Node]bool
}

// -----------------------------------------------------------
// Factory Method
// -----------------------------------------------------------

// NewConnection validates the configuration, creates one node per endpoint and
// starts the I/O goroutine. Connections are established in the background;
// operations submitted before are sent once the node is connected.
func NewConnection(config common.ClientConfig, connector transport.IClientConnector, options ...Option) (*Connection, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	locType, err := locator.ParseType(config.Locator)
	if err != nil {
		return nil, err
	}
	hashAlg, err := locator.ParseHashAlgorithm(config.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	factory, err := protocol.NewFactory(config.Protocol, ops.NewOpaqueGenerator(0), protocol.WithMaxItemSize(config.MaxItemSize))
	if err != nil {
		return nil, err
	}

	c := &Connection{
		config:     config,
		connector:  connector,
		factory:    factory,
		locType:    locType,
		hashAlg:    hashAlg,
		wakeups:    util.NewLockFreeMPSC[*Node](),
		events:     make(chan event, 256),
		control:    make(chan func()),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		reconnects: util.NewMapHeap[string](),
		connecting: make(map[*Node]bool),
		tick:       tickInterval(config.OpTimeout),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.metrics == nil {
		if c.metrics, err = metrics.NewCollector(config.MetricsType); err != nil {
			c.wakeups.Close()
			return nil, err
		}
	}

	nodes := make([]*Node, 0, len(config.Endpoints))
	for _, endpoint := range config.Endpoints {
		nodes = append(nodes, c.newNode(endpoint))
	}
	topo, err := c.buildTopology(nodes)
	if err != nil {
		c.wakeups.Close()
		return nil, err
	}
	c.topology.Store(topo)

	c.running.Store(true)
	go c.run()

	Logger.Infof("Started %s client for %d nodes using %s locator (%s hash) over %s",
		factory.Name(), len(nodes), locType, hashAlg, connector.GetName())
	return c, nil
}

// --------------------------------------------------------------------------
// Public Methods (thread-safe)
// --------------------------------------------------------------------------

// Factory returns the operation factory of the configured protocol
func (c *Connection) Factory() protocol.IOperationFactory {
	return c.factory
}

// Metrics returns the metric collector
func (c *Connection) Metrics() metrics.IMetricCollector {
	return c.metrics
}

// Config returns the client configuration
func (c *Connection) Config() common.ClientConfig {
	return c.config
}

// Locator returns a read-only snapshot of the current locator
func (c *Connection) Locator() locator.INodeLocator[*Node] {
	return c.topology.Load().loc.ReadOnly()
}

// NodeForKey routes a key. If the primary node is down the FailureMode decides:
// redistribute picks the first active node of the fallback sequence (or the primary if
// none is active), retry keeps the primary and cancel returns ErrNodeUnavailable.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Connection) NodeForKey(key string) (*Node, error) {
	loc := c.topology.Load().loc
	primary := loc.GetPrimary(key)
	if primary.IsActive() {
		return primary, nil
	}

	switch c.config.FailureMode {
	case common.FailureModeRetry:
		return primary, nil
	case common.FailureModeCancel:
		return nil, fmt.Errorf("%w: %s", ErrNodeUnavailable, primary.Name())
	}

	for _, n := range loc.GetSequence(key) {
		if n.IsActive() {
			Logger.Debugf("redistributing key %q from %s to %s", key, primary.Name(), n.Name())
			return n, nil
		}
	}
	Logger.Debugf("no active node for key %q, retrying primary %s", key, primary.Name())
	return primary, nil
}

// AddOperation routes an operation by key and queues it. In FailureModeCancel an
// operation for a down node is cancelled instead of queued.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Connection) AddOperation(key string, op *ops.Operation) error {
	node, err := c.NodeForKey(key)
	if err != nil {
		op.CancelWithCause(ops.ErrorCancelled, err)
		return nil
	}
	return c.AddOperationToNode(node, op)
}

// AddOperationToNode initializes an operation and queues it on the given node
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Connection) AddOperationToNode(node *Node, op *ops.Operation) error {
	if !c.running.Load() {
		return ErrShutdown
	}
	if err := op.Initialize(); err != nil {
		return err
	}
	if err := node.AddOp(op); err != nil {
		return err
	}
	// the final queue drain of the shutdown may already be over
	if !c.running.Load() {
		op.CancelWithCause(ops.ErrorCancelled, ErrShutdown)
		return ErrShutdown
	}
	c.wakeup(node)
	return nil
}

// Broadcast creates one operation per node with build and queues it. Nodes that are
// not connected yet keep the operation in their queue until they connect or it
// times out. It returns the queued operations by node name.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Connection) Broadcast(build func(n *Node) *ops.Operation) (map[string]*ops.Operation, error) {
	if !c.running.Load() {
		return nil, ErrShutdown
	}
	result := make(map[string]*ops.Operation)
	for _, n := range c.topology.Load().loc.GetAll() {
		if !n.IsActive() {
			Logger.Debugf("queueing broadcast on inactive node %s", n.Name())
		}
		op := build(n)
		if err := c.AddOperationToNode(n, op); err != nil {
			return result, err
		}
		result[n.Name()] = op
	}
	return result, nil
}

// GetAvailableServers returns the names of all active nodes
func (c *Connection) GetAvailableServers() []string {
	var out []string
	for _, n := range c.topology.Load().loc.GetAll() {
		if n.IsActive() {
			out = append(out, n.Name())
		}
	}
	return out
}

// GetUnavailableServers returns the names of all nodes that are down or reconnecting
func (c *Connection) GetUnavailableServers() []string {
	var out []string
	for _, n := range c.topology.Load().loc.GetAll() {
		if !n.IsActive() {
			out = append(out, n.Name())
		}
	}
	return out
}

// Node returns the node of an endpoint
func (c *Connection) Node(name string) (*Node, bool) {
	n, ok := c.topology.Load().nodes[name]
	return n, ok
}

// AddServer adds a node, rebuilds the locator and starts connecting
func (c *Connection) AddServer(endpoint string) error {
	return c.do(func() error {
		topo := c.topology.Load()
		if _, ok := topo.nodes[endpoint]; ok {
			return fmt.Errorf("node %s already exists", endpoint)
		}
		n := c.newNode(endpoint)
		nodes := append(slices.Clone(topo.loc.GetAll()), n)
		next, err := c.buildTopology(nodes)
		if err != nil {
			return err
		}
		c.topology.Store(next)
		c.connect(n)
		Logger.Infof("added node %s (%d nodes)", endpoint, len(next.nodes))
		return nil
	})
}

// RemoveServer removes a node, rebuilds the locator and cancels the queued
// operations of the node
func (c *Connection) RemoveServer(endpoint string) error {
	return c.do(func() error {
		topo := c.topology.Load()
		n, ok := topo.nodes[endpoint]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, endpoint)
		}
		if len(topo.nodes) == 1 {
			return errors.New("cannot remove the last node")
		}
		remaining := make([]*Node, 0, len(topo.nodes)-1)
		for _, other := range topo.loc.GetAll() {
			if other != n {
				remaining = append(remaining, other)
			}
		}
		next, err := c.buildTopology(remaining)
		if err != nil {
			return err
		}
		c.topology.Store(next)

		c.closeSocket(n)
		c.reconnects.Remove(endpoint)
		delete(c.connecting, n)
		cancelled := n.CancelAll(ErrNodeRemoved)
		c.updateConnectedGauge()
		Logger.Infof("removed node %s, cancelled %d operations", endpoint, cancelled)
		return nil
	})
}

// Shutdown stops the client. It waits up to timeout for all queued operations to
// complete, then closes the sockets and cancels what is left. It returns true if the
// queues drained in time. Only the first call shuts down, later calls return false.
func (c *Connection) Shutdown(timeout time.Duration) bool {
	if !c.running.CompareAndSwap(true, false) {
		return false
	}
	Logger.Infof("Shutting down client, waiting up to %s for queued operations", timeout)

	drained := c.waitForQueues(timeout)
	close(c.stopCh)
	<-c.loopDone
	c.wakeups.Close()
	go func() {
		for range c.wakeups.Recv() {
		}
	}()

	Logger.Infof("Client shut down (drained=%t)", drained)
	return drained
}

// IsRunning returns false once Shutdown was called
func (c *Connection) IsRunning() bool {
	return c.running.Load()
}

// --------------------------------------------------------------------------
// I/O Goroutine
// --------------------------------------------------------------------------

// run is the event loop. It is the only goroutine that mutates node queues.
func (c *Connection) run() {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for _, n := range c.topology.Load().loc.GetAll() {
		c.connect(n)
	}

	for {
		select {
		case n, ok := <-c.wakeups.Recv():
			if ok {
				n.wakeup.Store(false)
				c.handleInput(n)
			}
		case ev := <-c.events:
			c.handleEvent(ev)
		case fn := <-c.control:
			fn()
		case <-ticker.C:
			c.handleTick()
		case <-c.stopCh:
			c.closeAll()
			return
		}
	}
}

// handleInput takes over new operations of a node and starts writing
func (c *Connection) handleInput(n *Node) {
	if c.topology.Load().nodes[n.name] != n {
		// submitted while the node was removed
		n.CancelAll(ErrNodeRemoved)
		return
	}
	n.CopyInputQueue()
	c.handleWrites(n)
}

// handleWrites hands the next write buffer to the writer pump if it is idle
func (c *Connection) handleWrites(n *Node) {
	if n.socket == nil || n.writing || !n.connected.Load() {
		return
	}
	if n.FillWriteBuffer(c.config.ShouldOptimize) == 0 {
		return
	}
	n.writing = true
	n.socket.writes <- n.WriteBuffer()
}

func (c *Connection) handleEvent(ev event) {
	n := ev.node
	current := c.topology.Load().nodes[n.name] == n

	switch ev.kind {
	case eventConnected:
		if !current || ev.gen != n.generation {
			_ = ev.conn.Close()
			return
		}
		c.attach(n, ev.conn, ev.gen)

	case eventConnectFailed:
		if !current || ev.gen != n.generation {
			return
		}
		delete(c.connecting, n)
		Logger.Warningf("Failed to connect to %s (attempt %d): %v", n.name, n.ReconnectAttempt(), ev.err)
		c.scheduleReconnect(n)

	case eventRead:
		s := n.socket
		if !current || s == nil || s.gen != ev.gen {
			return
		}
		if err := n.ReadFromSocket(ev.data); err != nil {
			c.lostConnection(n, err)
			return
		}
		s.acks <- struct{}{}
		n.CopyInputQueue()
		c.handleWrites(n)

	case eventWritten:
		s := n.socket
		if !current || s == nil || s.gen != ev.gen {
			return
		}
		n.writing = false
		n.WriteDone(ev.n)
		n.CopyInputQueue()
		c.handleWrites(n)

	case eventIOError:
		s := n.socket
		if !current || s == nil || s.gen != ev.gen {
			return
		}
		c.lostConnection(n, ev.err)
	}
}

// handleTick sweeps timeouts, catches up on input queues and starts due reconnects
func (c *Connection) handleTick() {
	topo := c.topology.Load()
	queued := 0

	for _, n := range topo.loc.GetAll() {
		n.CopyInputQueue()
		n.SweepTimeouts(c.config.OpTimeout)

		if n.socket != nil && n.ContinuousTimeouts() > c.config.TimeoutExceptionThreshold {
			c.lostConnection(n, fmt.Errorf("%w: %d on %s", ErrTooManyTimeouts, n.ContinuousTimeouts(), n.name))
			continue
		}
		c.handleWrites(n)
		queued += n.InputQueueLen() + n.writeQueue.Len() + n.readQueue.Len()
	}
	c.metrics.SetGauge(metrics.QueuedOperations, int64(queued))

	for _, name := range c.reconnects.PopUntil(time.Now().UnixNano()) {
		n, ok := topo.nodes[name]
		if !ok || n.socket != nil || c.connecting[n] {
			continue
		}
		Logger.Infof("Reconnecting to %s (attempt %d)", name, n.ReconnectAttempt())
		c.connect(n)
	}
}

// connect dials a node in the background. The result is posted as event.
func (c *Connection) connect(n *Node) {
	n.generation++
	gen := n.generation
	c.connecting[n] = true
	timeout := c.config.ConnectTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		conn, err := c.connector.Connect(ctx, n.name)
		if err == nil {
			if uerr := c.connector.UpgradeConnection(conn, c.config); uerr != nil {
				_ = conn.Close()
				conn, err = nil, fmt.Errorf("failed to upgrade connection to %s: %w", n.name, uerr)
			}
		}

		ev := event{kind: eventConnected, node: n, gen: gen, conn: conn}
		if err != nil {
			ev = event{kind: eventConnectFailed, node: n, gen: gen, err: err}
		}
		select {
		case c.events <- ev:
		case <-c.stopCh:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

// attach installs an established connection and resumes writing
func (c *Connection) attach(n *Node, conn net.Conn, gen uint64) {
	delete(c.connecting, n)
	c.reconnects.Remove(n.name)

	s := newNodeSocket(conn, gen, c.config.ReadBufferSize)
	n.socket = s
	attempts := n.reconnectAttempt.Swap(0)
	n.connected.Store(true)

	go c.readPump(n, s)
	go c.writePump(n, s)

	if c.config.SaslUser != "" {
		c.authenticate(n)
	}

	Logger.Infof("Connected to %s", n.name)
	c.updateConnectedGauge()
	for _, o := range c.observers {
		o.ConnectionEstablished(n.name, int(attempts))
	}

	n.CopyInputQueue()
	c.handleWrites(n)
}

// lostConnection closes the socket of a node, prepares the queues for a resend
// and schedules a reconnect
func (c *Connection) lostConnection(n *Node, cause error) {
	c.closeSocket(n)
	cancelled := n.SetupResend(fmt.Errorf("%w: %v", ops.ErrConnection, cause))

	Logger.Warningf("Lost connection to %s: %v (%d in-flight operations cancelled)", n.name, cause, cancelled)
	c.metrics.IncCounter(metrics.ReconnectsTotal, 1)
	c.scheduleReconnect(n)
	c.updateConnectedGauge()

	for _, o := range c.observers {
		o.ConnectionLost(n.name)
	}
}

// scheduleReconnect increments the reconnect attempt and queues the next dial
func (c *Connection) scheduleReconnect(n *Node) {
	attempt := n.reconnectAttempt.Add(1)
	delay := util.Backoff(c.config.MinReconnectDelay, c.config.MaxReconnectDelay, int(attempt)-1)
	c.reconnects.Set(n.name, time.Now().Add(delay).UnixNano())
	Logger.Debugf("Reconnect to %s scheduled in %s", n.name, delay)
}

// authenticate puts a SASL PLAIN request in front of the write queue
func (c *Connection) authenticate(n *Node) {
	name := n.name
	data := []byte("\x00" + c.config.SaslUser + "\x00" + c.config.SaslPassword)
	op, err := c.factory.SaslAuth("PLAIN", data, &ops.CallbackFuncs{
		OnStatus: func(status ops.Status) {
			if status.Success {
				Logger.Debugf("Authenticated on %s", name)
			} else {
				Logger.Errorf("Authentication on %s failed: %s", name, status)
			}
		},
	})
	if err != nil {
		Logger.Errorf("Cannot authenticate on %s: %v", name, err)
		return
	}
	n.InsertOp(op)
}

func (c *Connection) closeSocket(n *Node) {
	if n.socket != nil {
		n.socket.close()
		n.socket = nil
	}
	n.connected.Store(false)
	n.writing = false
}

// closeAll closes every socket and cancels every queued operation
func (c *Connection) closeAll() {
	for _, n := range c.topology.Load().loc.GetAll() {
		c.closeSocket(n)
		if cancelled := n.CancelAll(ErrShutdown); cancelled > 0 {
			Logger.Warningf("Cancelled %d operations of %s on shutdown", cancelled, n.name)
		}
	}
	c.metrics.SetGauge(metrics.ConnectedNodes, 0)
}

func (c *Connection) updateConnectedGauge() {
	connected := 0
	for _, n := range c.topology.Load().loc.GetAll() {
		if n.connected.Load() {
			connected++
		}
	}
	c.metrics.SetGauge(metrics.ConnectedNodes, int64(connected))
}

// --------------------------------------------------------------------------
// Socket Pumps
// --------------------------------------------------------------------------

// readPump reads into the read buffer of the socket and waits until the I/O
// goroutine processed the bytes before reading again
func (c *Connection) readPump(n *Node, s *nodeSocket) {
	for {
		k, err := s.conn.Read(s.readBuf)
		if k > 0 {
			if !c.post(s, event{kind: eventRead, node: n, gen: s.gen, data: s.readBuf[:k]}) {
				return
			}
			select {
			case <-s.acks:
			case <-s.done:
				return
			}
		}
		if err != nil {
			c.post(s, event{kind: eventIOError, node: n, gen: s.gen, err: err})
			return
		}
	}
}

// writePump writes the buffers handed over by the I/O goroutine
func (c *Connection) writePump(n *Node, s *nodeSocket) {
	for {
		select {
		case b := <-s.writes:
			k, err := s.conn.Write(b)
			if err != nil {
				c.post(s, event{kind: eventIOError, node: n, gen: s.gen, err: err})
				return
			}
			if !c.post(s, event{kind: eventWritten, node: n, gen: s.gen, n: k}) {
				return
			}
		case <-s.done:
			return
		}
	}
}

// post delivers an event unless the socket was abandoned or the loop stopped
func (c *Connection) post(s *nodeSocket, ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-s.done:
		return false
	case <-c.stopCh:
		return false
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Connection) newNode(endpoint string) *Node {
	return NewNode(endpoint, c.factory, NodeOptionsFromConfig(c.config), c.metrics)
}

func (c *Connection) buildTopology(nodes []*Node) (*topology, error) {
	loc, err := locator.New(c.locType, nodes, c.hashAlg, c.config.Repetitions)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byName[n.name] = n
	}
	return &topology{loc: loc, nodes: byName}, nil
}

// wakeup tells the I/O goroutine that a node has new input
func (c *Connection) wakeup(n *Node) {
	if n.wakeup.CompareAndSwap(false, true) {
		if !c.wakeups.Push(n) {
			n.wakeup.Store(false)
		}
	}
}

// do runs fn on the I/O goroutine and returns its error
func (c *Connection) do(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case c.control <- func() { errCh <- fn() }:
	case <-c.loopDone:
		return ErrShutdown
	}
	return <-errCh
}

// waitForQueues polls the pending operations of all nodes until none is left
// or the timeout expired
func (c *Connection) waitForQueues(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		pending := 0
		err := c.do(func() error {
			for _, n := range c.topology.Load().loc.GetAll() {
				pending += n.PendingOps()
			}
			return nil
		})
		if err != nil {
			return false
		}
		if pending == 0 {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			Logger.Warningf("Shutdown timeout expired with %d pending operations", pending)
			return false
		}
		time.Sleep(min(10*time.Millisecond, remaining))
	}
}

// tickInterval derives the timeout sweep interval from the operation timeout
func tickInterval(opTimeout time.Duration) time.Duration {
	return max(time.Millisecond, min(100*time.Millisecond, opTimeout/10))
}
