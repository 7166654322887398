package base

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dMC/lib/mctest"
	"github.com/ValentinKolb/dMC/lib/metrics"
	"github.com/ValentinKolb/dMC/lib/ops"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/protocol"
	"github.com/ValentinKolb/dMC/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// waiter is a thread-safe callback that can be waited for
type waiter struct {
	mu       sync.Mutex
	statuses []ops.Status
	values   map[string]string
	stats    map[string]string
	done     chan struct{}
}

func newWaiter() *waiter {
	return &waiter{
		values: make(map[string]string),
		stats:  make(map[string]string),
		done:   make(chan struct{}),
	}
}

func (w *waiter) ReceivedStatus(s ops.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statuses = append(w.statuses, s)
}

func (w *waiter) GotData(key string, _ uint32, _ uint64, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[key] = string(data)
}

func (w *waiter) GotStat(name, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats[name] = value
}

func (w *waiter) Complete() { close(w.done) }

// wait blocks until the operation completed and returns its last status
func (w *waiter) wait(t *testing.T) ops.Status {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Operation did not complete in time")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.statuses) == 0 {
		return ops.Status{}
	}
	return w.statuses[len(w.statuses)-1]
}

func (w *waiter) value(key string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.values[key]
	return v, ok
}

type observerRecorder struct {
	mu          sync.Mutex
	established map[string]int
	lost        map[string]int
}

func newObserverRecorder() *observerRecorder {
	return &observerRecorder{established: make(map[string]int), lost: make(map[string]int)}
}

func (o *observerRecorder) ConnectionEstablished(node string, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.established[node]++
}

func (o *observerRecorder) ConnectionLost(node string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lost[node]++
}

func (o *observerRecorder) counts(node string) (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.established[node], o.lost[node]
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func testConfig(endpoints ...string) common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.Endpoints = endpoints
	cfg.OpTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	cfg.MinReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnectDelay = 200 * time.Millisecond
	cfg.OpQueueMaxBlock = time.Second
	return cfg
}

func newTestConnection(t *testing.T, cfg common.ClientConfig, options ...Option) *Connection {
	t.Helper()
	c, err := NewConnection(cfg, tcp.NewClientConnector(), options...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(time.Second) })
	return c
}

func waitActive(t *testing.T, c *Connection, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.GetAvailableServers()) == count
	}, 5*time.Second, 5*time.Millisecond, "expected %d active nodes", count)
}

func set(t *testing.T, c *Connection, key, value string) ops.Status {
	t.Helper()
	w := newWaiter()
	op := c.Factory().Store(protocol.StoreRequest{Type: protocol.StoreSet, Key: key, Value: []byte(value)}, w)
	require.NoError(t, c.AddOperation(key, op))
	return w.wait(t)
}

func get(t *testing.T, c *Connection, key string) (string, bool) {
	t.Helper()
	w := newWaiter()
	require.NoError(t, c.AddOperation(key, c.Factory().Get(key, w)))
	w.wait(t)
	return w.value(key)
}

// keyFor returns a key whose primary node is the given endpoint
func keyFor(t *testing.T, c *Connection, endpoint string) string {
	t.Helper()
	loc := c.Locator()
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("key-%d", i)
		if loc.GetPrimary(key).Name() == endpoint {
			return key
		}
	}
	t.Fatalf("No key found for %s", endpoint)
	return ""
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestConnectionRoundTrip(t *testing.T) {
	for _, proto := range []string{"binary", "ascii"} {
		t.Run(proto, func(t *testing.T) {
			srv := mctest.StartServer(t)
			cfg := testConfig(srv.Addr())
			cfg.Protocol = proto
			c := newTestConnection(t, cfg)

			status := set(t, c, "greeting", "hello")
			assert.True(t, status.Success, "set failed: %s", status)

			value, ok := get(t, c, "greeting")
			assert.True(t, ok)
			assert.Equal(t, "hello", value)

			_, ok = get(t, c, "missing")
			assert.False(t, ok)
		})
	}
}

func TestConnectionQueuesBeforeConnect(t *testing.T) {
	srv := mctest.StartServer(t)
	c := newTestConnection(t, testConfig(srv.Addr()))

	// submitted before the first connect finished
	w := newWaiter()
	op := c.Factory().Store(protocol.StoreRequest{Type: protocol.StoreSet, Key: "early", Value: []byte("bird")}, w)
	require.NoError(t, c.AddOperation("early", op))
	assert.True(t, w.wait(t).Success)

	item, ok := srv.Store().Get("early")
	require.True(t, ok)
	assert.Equal(t, "bird", string(item.Value))
}

func TestConnectionConcurrentProducers(t *testing.T) {
	srv := mctest.StartServer(t)
	cfg := testConfig(srv.Addr())
	cfg.ShouldOptimize = true
	collector := metrics.NewGoMetricsCollector()
	c := newTestConnection(t, cfg, WithMetrics(collector))
	waitActive(t, c, 1)

	var g errgroup.Group
	for p := 0; p < 8; p++ {
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("p%d-k%d", p, i)
				w := newWaiter()
				op := c.Factory().Store(protocol.StoreRequest{Type: protocol.StoreSet, Key: key, Value: []byte(key)}, w)
				if err := c.AddOperation(key, op); err != nil {
					return err
				}
				<-w.done
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// pipelined gets, adjacent ones may be merged into one request
	waiters := make(map[string]*waiter)
	for p := 0; p < 8; p++ {
		for i := 0; i < 100; i++ {
			key := fmt.Sprintf("p%d-k%d", p, i)
			w := newWaiter()
			require.NoError(t, c.AddOperation(key, c.Factory().Get(key, w)))
			waiters[key] = w
		}
	}
	for key, w := range waiters {
		w.wait(t)
		value, ok := w.value(key)
		require.True(t, ok, "missing value for %s", key)
		assert.Equal(t, key, value)
	}

	assert.GreaterOrEqual(t, collector.Counter(metrics.ResponsesTotal), int64(800))
}

func TestConnectionReconnect(t *testing.T) {
	srv := mctest.StartServer(t)
	observer := newObserverRecorder()
	c := newTestConnection(t, testConfig(srv.Addr()), WithObserver(observer))
	waitActive(t, c, 1)

	require.True(t, set(t, c, "k", "v1").Success)
	srv.DropConnections()

	require.Eventually(t, func() bool {
		established, lost := observer.counts(srv.Addr())
		return lost >= 1 && established >= 2
	}, 5*time.Second, 5*time.Millisecond)
	waitActive(t, c, 1)

	value, ok := get(t, c, "k")
	assert.True(t, ok)
	assert.Equal(t, "v1", value)
}

func TestConnectionTimeout(t *testing.T) {
	srv := mctest.StartServer(t)
	cfg := testConfig(srv.Addr())
	cfg.OpTimeout = 100 * time.Millisecond
	c := newTestConnection(t, cfg)
	waitActive(t, c, 1)

	srv.Stall()
	w := newWaiter()
	op := c.Factory().Get("slow", w)
	require.NoError(t, c.AddOperation("slow", op))
	w.wait(t)
	assert.True(t, op.IsTimedOutFlag())
	assert.ErrorIs(t, op.GetException(), ops.ErrTimeout)
	srv.Resume()

	// the late response is discarded and the connection stays usable
	require.True(t, set(t, c, "fast", "1").Success)
	value, ok := get(t, c, "fast")
	assert.True(t, ok)
	assert.Equal(t, "1", value)
}

func TestConnectionTooManyTimeouts(t *testing.T) {
	srv := mctest.StartServer(t)
	cfg := testConfig(srv.Addr())
	cfg.OpTimeout = 50 * time.Millisecond
	cfg.TimeoutExceptionThreshold = 2
	observer := newObserverRecorder()
	c := newTestConnection(t, cfg, WithObserver(observer))
	waitActive(t, c, 1)

	srv.Stall()
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("t%d", i)
		require.NoError(t, c.AddOperation(key, c.Factory().Get(key, nil)))
	}
	require.Eventually(t, func() bool {
		_, lost := observer.counts(srv.Addr())
		return lost >= 1
	}, 5*time.Second, 5*time.Millisecond)
	srv.Resume()

	waitActive(t, c, 1)
	assert.True(t, set(t, c, "after", "x").Success)
}

func TestConnectionRedistribute(t *testing.T) {
	srv1 := mctest.StartServer(t)
	srv2 := mctest.StartServer(t)
	c := newTestConnection(t, testConfig(srv1.Addr(), srv2.Addr()))
	waitActive(t, c, 2)

	key := keyFor(t, c, srv2.Addr())
	require.NoError(t, srv2.Close())
	require.Eventually(t, func() bool {
		return len(c.GetUnavailableServers()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	node, err := c.NodeForKey(key)
	require.NoError(t, err)
	assert.Equal(t, srv1.Addr(), node.Name())

	require.True(t, set(t, c, key, "moved").Success)
	item, ok := srv1.Store().Get(key)
	require.True(t, ok)
	assert.Equal(t, "moved", string(item.Value))
}

func TestConnectionFailureModes(t *testing.T) {
	t.Run("cancel", func(t *testing.T) {
		srv := mctest.StartServer(t)
		cfg := testConfig(srv.Addr())
		cfg.FailureMode = common.FailureModeCancel
		c := newTestConnection(t, cfg)
		waitActive(t, c, 1)

		require.NoError(t, srv.Close())
		waitActive(t, c, 0)

		_, err := c.NodeForKey("k")
		assert.ErrorIs(t, err, ErrNodeUnavailable)

		w := newWaiter()
		op := c.Factory().Get("k", w)
		require.NoError(t, c.AddOperation("k", op))
		w.wait(t)
		assert.True(t, op.IsCancelled())
	})

	t.Run("retry", func(t *testing.T) {
		srv1 := mctest.StartServer(t)
		srv2 := mctest.StartServer(t)
		cfg := testConfig(srv1.Addr(), srv2.Addr())
		cfg.FailureMode = common.FailureModeRetry
		c := newTestConnection(t, cfg)
		waitActive(t, c, 2)

		key := keyFor(t, c, srv2.Addr())
		require.NoError(t, srv2.Close())
		waitActive(t, c, 1)

		node, err := c.NodeForKey(key)
		require.NoError(t, err)
		assert.Equal(t, srv2.Addr(), node.Name())
	})
}

func TestConnectionBroadcast(t *testing.T) {
	srv1 := mctest.StartServer(t, mctest.WithVersion("1.0.0"))
	srv2 := mctest.StartServer(t, mctest.WithVersion("2.0.0"))
	c := newTestConnection(t, testConfig(srv1.Addr(), srv2.Addr()))
	waitActive(t, c, 2)

	waiters := make(map[string]*waiter)
	result, err := c.Broadcast(func(n *Node) *ops.Operation {
		w := newWaiter()
		waiters[n.Name()] = w
		return c.Factory().Version(w)
	})
	require.NoError(t, err)
	require.Len(t, result, 2)

	assert.Equal(t, "1.0.0", waiters[srv1.Addr()].wait(t).Message)
	assert.Equal(t, "2.0.0", waiters[srv2.Addr()].wait(t).Message)
}

func TestConnectionBroadcastBeforeConnect(t *testing.T) {
	srv1 := mctest.StartServer(t, mctest.WithVersion("1.0.0"))
	srv2 := mctest.StartServer(t, mctest.WithVersion("2.0.0"))
	c := newTestConnection(t, testConfig(srv1.Addr(), srv2.Addr()))

	waiters := make(map[string]*waiter)
	result, err := c.Broadcast(func(n *Node) *ops.Operation {
		w := newWaiter()
		waiters[n.Name()] = w
		return c.Factory().Version(w)
	})
	require.NoError(t, err)
	require.Len(t, result, 2, "every node gets the operation, connected or not")

	assert.Equal(t, "1.0.0", waiters[srv1.Addr()].wait(t).Message)
	assert.Equal(t, "2.0.0", waiters[srv2.Addr()].wait(t).Message)
}

func TestConnectionAddRemoveServer(t *testing.T) {
	srv1 := mctest.StartServer(t)
	srv2 := mctest.StartServer(t)
	c := newTestConnection(t, testConfig(srv1.Addr()))
	waitActive(t, c, 1)

	require.NoError(t, c.AddServer(srv2.Addr()))
	waitActive(t, c, 2)
	assert.Error(t, c.AddServer(srv2.Addr()))
	assert.Len(t, c.Locator().GetAll(), 2)

	require.NoError(t, c.RemoveServer(srv2.Addr()))
	assert.Len(t, c.Locator().GetAll(), 1)
	_, ok := c.Node(srv2.Addr())
	assert.False(t, ok)

	assert.ErrorIs(t, c.RemoveServer("127.0.0.1:1"), ErrUnknownNode)
	assert.Error(t, c.RemoveServer(srv1.Addr()))

	assert.True(t, set(t, c, "still", "works").Success)
}

func TestConnectionSasl(t *testing.T) {
	t.Run("valid credentials", func(t *testing.T) {
		srv := mctest.StartServer(t, mctest.WithSasl("user", "secret"))
		cfg := testConfig(srv.Addr())
		cfg.SaslUser, cfg.SaslPassword = "user", "secret"
		c := newTestConnection(t, cfg)

		assert.True(t, set(t, c, "k", "v").Success)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		srv := mctest.StartServer(t, mctest.WithSasl("user", "secret"))
		cfg := testConfig(srv.Addr())
		cfg.SaslUser, cfg.SaslPassword = "user", "wrong"
		c := newTestConnection(t, cfg)

		status := set(t, c, "k", "v")
		assert.False(t, status.Success)
		assert.Equal(t, ops.StatusAuthError, status.Code)
	})
}

func TestConnectionShutdown(t *testing.T) {
	srv := mctest.StartServer(t)
	c, err := NewConnection(testConfig(srv.Addr()), tcp.NewClientConnector())
	require.NoError(t, err)
	waitActive(t, c, 1)

	require.True(t, set(t, c, "k", "v").Success)
	assert.True(t, c.Shutdown(time.Second))
	assert.False(t, c.IsRunning())
	assert.False(t, c.Shutdown(time.Second), "second shutdown must be a no-op")

	err = c.AddOperation("k", c.Factory().Get("k", nil))
	assert.True(t, errors.Is(err, ErrShutdown), "expected ErrShutdown, got %v", err)
	assert.ErrorIs(t, c.AddServer("127.0.0.1:1"), ErrShutdown)
}

func TestConnectionShutdownCancelsPending(t *testing.T) {
	srv := mctest.StartServer(t)
	c, err := NewConnection(testConfig(srv.Addr()), tcp.NewClientConnector())
	require.NoError(t, err)
	waitActive(t, c, 1)

	srv.Stall()
	defer srv.Resume()
	w := newWaiter()
	op := c.Factory().Get("k", w)
	require.NoError(t, c.AddOperation("k", op))

	assert.False(t, c.Shutdown(50*time.Millisecond))
	w.wait(t)
	assert.True(t, op.IsCancelled())
	assert.ErrorIs(t, op.GetException(), ops.ErrCancelled)
}

func TestNewConnectionInvalidConfig(t *testing.T) {
	cfg := testConfig()
	_, err := NewConnection(cfg, tcp.NewClientConnector())
	assert.Error(t, err)

	cfg = testConfig("localhost:11211")
	cfg.Locator = "bogus"
	_, err = NewConnection(cfg, tcp.NewClientConnector())
	assert.Error(t, err)
}

func TestTickInterval(t *testing.T) {
	assert.Equal(t, time.Millisecond, tickInterval(time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, tickInterval(500*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, tickInterval(time.Minute))
}
