package client

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dMC/lib/locator"
	"github.com/ValentinKolb/dMC/lib/metrics"
	"github.com/ValentinKolb/dMC/lib/ops"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/protocol"
	"github.com/ValentinKolb/dMC/rpc/transport"
	"github.com/ValentinKolb/dMC/rpc/transport/base"
)

// NewClient creates a client for the nodes of the configuration and starts
// connecting in the background
func NewClient(config common.ClientConfig, connector transport.IClientConnector, options ...base.Option) (ICacheClient, error) {
	conn, err := base.NewConnection(config, connector, options...)
	if err != nil {
		return nil, err
	}
	return &cacheClient{conn: conn, timeout: config.OpTimeout}, nil
}

type cacheClient struct {
	conn    *base.Connection
	timeout time.Duration
}

// --------------------------------------------------------------------------
// Interface Methods (docu see interface.go)
// --------------------------------------------------------------------------

func (c *cacheClient) Get(key string) (*OperationFuture[*Item], error) {
	return c.get(key, false)
}

func (c *cacheClient) Gets(key string) (*OperationFuture[*Item], error) {
	return c.get(key, true)
}

func (c *cacheClient) GetBulk(keys ...string) (*BulkFuture, error) {
	f := c.factory()
	byNode := make(map[*base.Node][]string)
	var order []*base.Node
	var unroutable []string
	var routeErr error
	seen := make(map[string]struct{}, len(keys))

	for _, key := range keys {
		if err := f.ValidateKey(key); err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		node, err := c.conn.NodeForKey(key)
		if err != nil {
			unroutable = append(unroutable, key)
			routeErr = err
			continue
		}
		if _, ok := byNode[node]; !ok {
			order = append(order, node)
		}
		byNode[node] = append(byNode[node], key)
	}

	groups := len(order)
	if len(unroutable) > 0 {
		groups++
	}
	bulk := newBulkFuture(c.timeout)
	bulk.latch = newCountDownLatch(groups)

	for i, node := range order {
		op := f.MultiGet(byNode[node], bulk.callbacks(i))
		bulk.ops = append(bulk.ops, op)
	}
	if len(unroutable) > 0 {
		op := f.MultiGet(unroutable, bulk.callbacks(len(order)))
		bulk.ops = append(bulk.ops, op)
		op.CancelWithCause(ops.ErrorCancelled, routeErr)
	}

	for i, node := range order {
		if err := c.conn.AddOperationToNode(node, bulk.ops[i]); err != nil {
			bulk.Cancel()
			return nil, err
		}
	}
	Logger.Debugf("Multi get of %d keys split over %d nodes", len(seen), len(order))
	return bulk, nil
}

func (c *cacheClient) Set(key string, value []byte, flags, expiration uint32) (*OperationFuture[bool], error) {
	return c.store(protocol.StoreRequest{Type: protocol.StoreSet, Key: key, Value: value, Flags: flags, Expiration: expiration})
}

func (c *cacheClient) Add(key string, value []byte, flags, expiration uint32) (*OperationFuture[bool], error) {
	return c.store(protocol.StoreRequest{Type: protocol.StoreAdd, Key: key, Value: value, Flags: flags, Expiration: expiration})
}

func (c *cacheClient) Replace(key string, value []byte, flags, expiration uint32) (*OperationFuture[bool], error) {
	return c.store(protocol.StoreRequest{Type: protocol.StoreReplace, Key: key, Value: value, Flags: flags, Expiration: expiration})
}

func (c *cacheClient) Append(key string, value []byte) (*OperationFuture[bool], error) {
	return c.store(protocol.StoreRequest{Type: protocol.StoreAppend, Key: key, Value: value})
}

func (c *cacheClient) Prepend(key string, value []byte) (*OperationFuture[bool], error) {
	return c.store(protocol.StoreRequest{Type: protocol.StorePrepend, Key: key, Value: value})
}

func (c *cacheClient) CAS(key string, cas uint64, value []byte, flags, expiration uint32) (*OperationFuture[bool], error) {
	return c.store(protocol.StoreRequest{Type: protocol.StoreCAS, Key: key, Value: value, Flags: flags, Expiration: expiration, CAS: cas})
}

func (c *cacheClient) Delete(key string) (*OperationFuture[bool], error) {
	if err := c.factory().ValidateKey(key); err != nil {
		return nil, err
	}
	future := newOperationFuture[bool](c.timeout)
	op := c.factory().Delete(key, future.callbacks(func(s ops.Status) { future.set(s.Success) }))
	if err := c.submit(key, op, future.bind); err != nil {
		return nil, err
	}
	return future, nil
}

func (c *cacheClient) Incr(key string, delta, initial uint64, expiration uint32) (*OperationFuture[uint64], error) {
	return c.mutate(protocol.MutateRequest{Type: protocol.MutateIncr, Key: key, Delta: delta, Initial: initial, Expiration: expiration})
}

func (c *cacheClient) Decr(key string, delta, initial uint64, expiration uint32) (*OperationFuture[uint64], error) {
	return c.mutate(protocol.MutateRequest{Type: protocol.MutateDecr, Key: key, Delta: delta, Initial: initial, Expiration: expiration})
}

func (c *cacheClient) Flush(delay uint32) (*BroadcastFuture[bool], error) {
	return broadcast(c, func(future *OperationFuture[bool]) *ops.Operation {
		return c.factory().Flush(delay, future.callbacks(func(s ops.Status) { future.set(s.Success) }))
	})
}

func (c *cacheClient) Version() (*BroadcastFuture[string], error) {
	return broadcast(c, func(future *OperationFuture[string]) *ops.Operation {
		return c.factory().Version(future.callbacks(func(s ops.Status) {
			if s.Success {
				future.set(s.Message)
			}
		}))
	})
}

func (c *cacheClient) Stats(arg string) (*BroadcastFuture[map[string]string], error) {
	return broadcast(c, func(future *OperationFuture[map[string]string]) *ops.Operation {
		stats := make(map[string]string)
		cb := future.callbacks(func(ops.Status) { future.set(stats) })
		// GotStat is called by the I/O goroutine only, the map is handed over with the status
		cb.OnStat = func(name, value string) { stats[name] = value }
		return c.factory().Stats(arg, cb)
	})
}

func (c *cacheClient) GetAvailableServers() []string {
	return c.conn.GetAvailableServers()
}

func (c *cacheClient) GetUnavailableServers() []string {
	return c.conn.GetUnavailableServers()
}

func (c *cacheClient) Locator() locator.INodeLocator[*base.Node] {
	return c.conn.Locator()
}

func (c *cacheClient) AddServer(endpoint string) error {
	return c.conn.AddServer(endpoint)
}

func (c *cacheClient) RemoveServer(endpoint string) error {
	return c.conn.RemoveServer(endpoint)
}

func (c *cacheClient) Metrics() metrics.IMetricCollector {
	return c.conn.Metrics()
}

func (c *cacheClient) Shutdown(timeout time.Duration) bool {
	return c.conn.Shutdown(timeout)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *cacheClient) factory() protocol.IOperationFactory {
	return c.conn.Factory()
}

// submit binds the operation to its future and queues it on the node of key
func (c *cacheClient) submit(key string, op *ops.Operation, bind func(op *ops.Operation)) error {
	bind(op)
	if err := c.conn.AddOperation(key, op); err != nil {
		return fmt.Errorf("failed to queue %s for key %q: %w", op.Kind(), key, err)
	}
	return nil
}

func (c *cacheClient) get(key string, withCAS bool) (*OperationFuture[*Item], error) {
	if err := c.factory().ValidateKey(key); err != nil {
		return nil, err
	}
	future := newOperationFuture[*Item](c.timeout)
	cb := future.callbacks(nil)
	cb.OnData = func(k string, flags uint32, cas uint64, data []byte) {
		future.set(&Item{Key: k, Value: clone(data), Flags: flags, CAS: cas})
	}

	var op *ops.Operation
	if withCAS {
		op = c.factory().Gets(key, cb)
	} else {
		op = c.factory().Get(key, cb)
	}
	if err := c.submit(key, op, future.bind); err != nil {
		return nil, err
	}
	return future, nil
}

func (c *cacheClient) store(req protocol.StoreRequest) (*OperationFuture[bool], error) {
	if err := c.factory().ValidateKey(req.Key); err != nil {
		return nil, err
	}
	future := newOperationFuture[bool](c.timeout)
	op := c.factory().Store(req, future.callbacks(func(s ops.Status) { future.set(s.Success) }))
	if err := c.submit(req.Key, op, future.bind); err != nil {
		return nil, err
	}
	return future, nil
}

func (c *cacheClient) mutate(req protocol.MutateRequest) (*OperationFuture[uint64], error) {
	if err := c.factory().ValidateKey(req.Key); err != nil {
		return nil, err
	}
	future := newOperationFuture[uint64](c.timeout)
	op := c.factory().Mutate(req, future.callbacks(func(s ops.Status) { future.set(parseCounter(s)) }))
	if err := c.submit(req.Key, op, future.bind); err != nil {
		return nil, err
	}
	return future, nil
}

// broadcast sends one operation built by build to every node
func broadcast[T any](c *cacheClient, build func(future *OperationFuture[T]) *ops.Operation) (*BroadcastFuture[T], error) {
	result := &BroadcastFuture[T]{futures: make(map[string]*OperationFuture[T]), timeout: c.timeout}
	_, err := c.conn.Broadcast(func(n *base.Node) *ops.Operation {
		future := newOperationFuture[T](c.timeout)
		op := build(future)
		future.bind(op)
		result.futures[n.Name()] = future
		return op
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
