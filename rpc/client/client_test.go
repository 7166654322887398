package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dMC/lib/mctest"
	"github.com/ValentinKolb/dMC/lib/ops"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/protocol"
	"github.com/ValentinKolb/dMC/rpc/transport/base"
	"github.com/ValentinKolb/dMC/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func newTestClient(t *testing.T, cfg common.ClientConfig) ICacheClient {
	t.Helper()
	c, err := NewClient(cfg, tcp.NewClientConnector())
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(time.Second) })
	require.Eventually(t, func() bool {
		return len(c.GetAvailableServers()) == len(cfg.Endpoints)
	}, 5*time.Second, 5*time.Millisecond, "nodes did not connect")
	return c
}

func mustSet(t *testing.T, c ICacheClient, key, value string) {
	t.Helper()
	f, err := c.Set(key, []byte(value), 0, 0)
	require.NoError(t, err)
	ok, err := f.Get()
	require.NoError(t, err)
	require.True(t, ok, "set %s failed: %s", key, f.Status())
}

func mustGet(t *testing.T, c ICacheClient, key string) *Item {
	t.Helper()
	f, err := c.Get(key)
	require.NoError(t, err)
	item, err := f.Get()
	require.NoError(t, err)
	return item
}

// keyFor returns a key whose primary node is the given endpoint
func keyFor(t *testing.T, c ICacheClient, endpoint string) string {
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

func TestClientStoreCommands(t *testing.T) {
	for _, proto := range []string{"binary", "ascii"} {
		t.Run(proto, func(t *testing.T) {
			srv := mctest.StartServer(t)
			cfg := testConfig(srv.Addr())
			cfg.Protocol = proto
			c := newTestClient(t, cfg)

			f, err := c.Set("k", []byte("middle"), 42, 0)
			require.NoError(t, err)
			ok, err := f.Get()
			require.NoError(t, err)
			assert.True(t, ok)

			item := mustGet(t, c, "k")
			require.NotNil(t, item)
			assert.Equal(t, "middle", string(item.Value))
			assert.Equal(t, uint32(42), item.Flags)

			add, err := c.Add("k", []byte("other"), 0, 0)
			require.NoError(t, err)
			ok, err = add.Get()
			require.NoError(t, err)
			assert.False(t, ok, "add must not overwrite an existing key")

			replace, err := c.Replace("missing", []byte("x"), 0, 0)
			require.NoError(t, err)
			ok, err = replace.Get()
			require.NoError(t, err)
			assert.False(t, ok, "replace must not create a key")

			app, err := c.Append("k", []byte("-end"))
			require.NoError(t, err)
			ok, err = app.Get()
			require.NoError(t, err)
			assert.True(t, ok)

			pre, err := c.Prepend("k", []byte("start-"))
			require.NoError(t, err)
			ok, err = pre.Get()
			require.NoError(t, err)
			assert.True(t, ok)

			item = mustGet(t, c, "k")
			require.NotNil(t, item)
			assert.Equal(t, "start-middle-end", string(item.Value))

			del, err := c.Delete("k")
			require.NoError(t, err)
			ok, err = del.Get()
			require.NoError(t, err)
			assert.True(t, ok)

			del, err = c.Delete("k")
			require.NoError(t, err)
			ok, err = del.Get()
			require.NoError(t, err)
			assert.False(t, ok)

			assert.Nil(t, mustGet(t, c, "k"))
		})
	}
}

func TestClientCAS(t *testing.T) {
	for _, proto := range []string{"binary", "ascii"} {
		t.Run(proto, func(t *testing.T) {
			srv := mctest.StartServer(t)
			cfg := testConfig(srv.Addr())
			cfg.Protocol = proto
			c := newTestClient(t, cfg)

			mustSet(t, c, "k", "v1")
			gets, err := c.Gets("k")
			require.NoError(t, err)
			item, err := gets.Get()
			require.NoError(t, err)
			require.NotNil(t, item)
			require.NotZero(t, item.CAS)

			f, err := c.CAS("k", item.CAS, []byte("v2"), 0, 0)
			require.NoError(t, err)
			ok, err := f.Get()
			require.NoError(t, err)
			assert.True(t, ok)

			// the CAS value changed with the last store
			f, err = c.CAS("k", item.CAS, []byte("v3"), 0, 0)
			require.NoError(t, err)
			ok, err = f.Get()
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, ops.StatusExists, f.Status().Code)

			assert.Equal(t, "v2", string(mustGet(t, c, "k").Value))
		})
	}
}

func TestClientCounters(t *testing.T) {
	srv := mctest.StartServer(t)
	c := newTestClient(t, testConfig(srv.Addr()))

	f, err := c.Incr("counter", 5, 10, 0)
	require.NoError(t, err)
	value, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), value, "missing counter is created with the initial value")

	f, err = c.Incr("counter", 5, 0, 0)
	require.NoError(t, err)
	value, err = f.Get()
	require.NoError(t, err)
	assert.Equal(t, uint64(15), value)

	f, err = c.Decr("counter", 20, 0, 0)
	require.NoError(t, err)
	value, err = f.Get()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), value, "decrement stops at zero")

	f, err = c.Incr("absent", 1, 0, protocol.NoCreate)
	require.NoError(t, err)
	value, err = f.Get()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), value)
	assert.Equal(t, ops.StatusNotFound, f.Status().Code)
}

func TestClientGetBulk(t *testing.T) {
	for _, proto := range []string{"binary", "ascii"} {
		t.Run(proto, func(t *testing.T) {
			srv1 := mctest.StartServer(t)
			srv2 := mctest.StartServer(t)
			cfg := testConfig(srv1.Addr(), srv2.Addr())
			cfg.Protocol = proto
			c := newTestClient(t, cfg)

			mustSet(t, c, "a", "1")
			mustSet(t, c, "b", "2")

			nodes := make(map[string]struct{})
			for _, key := range []string{"a", "b", "c"} {
				nodes[c.Locator().GetPrimary(key).Name()] = struct{}{}
			}

			bulk, err := c.GetBulk("a", "b", "c", "a")
			require.NoError(t, err)
			items, err := bulk.Get()
			require.NoError(t, err)

			require.Len(t, items, 2)
			assert.Equal(t, "1", string(items["a"].Value))
			assert.Equal(t, "2", string(items["b"].Value))
			assert.NotContains(t, items, "c")
			assert.Len(t, bulk.Operations(), len(nodes), "one sub operation per node")
			assert.True(t, bulk.IsDone())
			assert.Equal(t, 0, bulk.Pending())
		})
	}
}

func TestClientGetBulkEmpty(t *testing.T) {
	srv := mctest.StartServer(t)
	c := newTestClient(t, testConfig(srv.Addr()))

	bulk, err := c.GetBulk()
	require.NoError(t, err)
	items, err := bulk.Get()
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.True(t, bulk.IsDone())
}

func TestClientGetBulkPartial(t *testing.T) {
	fast := mctest.StartServer(t)
	slow := mctest.StartServer(t)
	c := newTestClient(t, testConfig(fast.Addr(), slow.Addr()))

	fastKey := keyFor(t, c, fast.Addr())
	slowKey := keyFor(t, c, slow.Addr())
	mustSet(t, c, fastKey, "fast")
	mustSet(t, c, slowKey, "slow")

	slow.Stall()
	defer slow.Resume()

	bulk, err := c.GetBulk(fastKey, slowKey)
	require.NoError(t, err)

	_, err = bulk.GetTimeout(100 * time.Millisecond)
	assert.ErrorIs(t, err, ops.ErrTimeout)
	assert.Equal(t, ops.StatusTimedOut, bulk.Status().Code)

	items, err := bulk.GetSome(10 * time.Millisecond)
	assert.NoError(t, err)
	require.Contains(t, items, fastKey)
	assert.Equal(t, "fast", string(items[fastKey].Value))
	assert.NotContains(t, items, slowKey)
}

func TestClientFailover(t *testing.T) {
	servers := []*mctest.Server{mctest.StartServer(t), mctest.StartServer(t), mctest.StartServer(t)}
	var endpoints []string
	for _, srv := range servers {
		endpoints = append(endpoints, srv.Addr())
	}
	c := newTestClient(t, testConfig(endpoints...))

	mustSet(t, c, "k1", "v")
	primary := c.Locator().GetPrimary("k1").Name()

	var others []string
	for _, n := range c.Locator().GetSequence("k1") {
		others = append(others, n.Name())
	}
	require.Len(t, others, 2)
	assert.NotContains(t, others, primary)

	for _, srv := range servers {
		if srv.Addr() == primary {
			require.NoError(t, srv.Close())
		}
	}
	require.Eventually(t, func() bool {
		return len(c.GetUnavailableServers()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{primary}, c.GetUnavailableServers())

	f, err := c.Get("k1")
	require.NoError(t, err)
	item, err := f.Get()
	require.NoError(t, err)
	assert.Nil(t, item, "the value only lived on the failed node")
	assert.Equal(t, ops.StatusNotFound, f.Status().Code)
	assert.Equal(t, others[0], f.Operation().HandlingNode())
}

func TestClientFutureTimeout(t *testing.T) {
	srv := mctest.StartServer(t)
	c := newTestClient(t, testConfig(srv.Addr()))

	srv.Stall()
	defer srv.Resume()

	f, err := c.Get("slow")
	require.NoError(t, err)
	_, err = f.GetTimeout(50 * time.Millisecond)
	assert.ErrorIs(t, err, ops.ErrTimeout)
	assert.True(t, f.IsDone())
	assert.Equal(t, ops.StatusTimedOut, f.Status().Code)

	// the timeout is sticky
	_, err = f.Get()
	assert.ErrorIs(t, err, ops.ErrTimeout)
}

func TestClientFutureCancel(t *testing.T) {
	srv := mctest.StartServer(t)
	c := newTestClient(t, testConfig(srv.Addr()))

	srv.Stall()
	defer srv.Resume()

	f, err := c.Get("slow")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.GetContext(ctx)
	assert.ErrorIs(t, err, ops.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, f.IsCancelled())
	assert.Equal(t, ops.StatusCancelled, f.Status().Code)
	assert.True(t, f.Cancel(), "cancel is idempotent")
}

func TestClientBroadcast(t *testing.T) {
	srv1 := mctest.StartServer(t, mctest.WithVersion("1.0.0"))
	srv2 := mctest.StartServer(t, mctest.WithVersion("2.0.0"))
	c := newTestClient(t, testConfig(srv1.Addr(), srv2.Addr()))

	version, err := c.Version()
	require.NoError(t, err)
	versions, err := version.Get()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{srv1.Addr(): "1.0.0", srv2.Addr(): "2.0.0"}, versions)

	mustSet(t, c, "a", "1")
	mustSet(t, c, "b", "2")

	stats, err := c.Stats("")
	require.NoError(t, err)
	perNode, err := stats.Get()
	require.NoError(t, err)
	require.Len(t, perNode, 2)
	items := 0
	for node, s := range perNode {
		require.Contains(t, s, "curr_items", "missing stats of %s", node)
		var n int
		_, err := fmt.Sscan(s["curr_items"], &n)
		require.NoError(t, err)
		items += n
	}
	assert.Equal(t, 2, items)

	flush, err := c.Flush(0)
	require.NoError(t, err)
	flushed, err := flush.Get()
	require.NoError(t, err)
	for node, ok := range flushed {
		assert.True(t, ok, "flush failed on %s", node)
	}
	assert.Equal(t, 0, srv1.Store().Len()+srv2.Store().Len())
}

// TestClientBroadcastBeforeConnect issues broadcasts right after NewClient, before
// any node finished connecting, like the kv commands of the CLI do
func TestClientBroadcastBeforeConnect(t *testing.T) {
	srv := mctest.StartServer(t, mctest.WithVersion("1.2.3"))
	srv.Store().Set("a", []byte("1"), 0, 0)

	c, err := NewClient(testConfig(srv.Addr()), tcp.NewClientConnector())
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(time.Second) })

	flush, err := c.Flush(0)
	require.NoError(t, err)
	flushed, err := flush.Get()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{srv.Addr(): true}, flushed)
	assert.Equal(t, 0, srv.Store().Len())

	version, err := c.Version()
	require.NoError(t, err)
	versions, err := version.Get()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{srv.Addr(): "1.2.3"}, versions)
}

// TestClientBroadcastUnreachable checks that a node that never connects shows up
// as an error instead of being left out
func TestClientBroadcastUnreachable(t *testing.T) {
	live := mctest.StartServer(t)
	dead := mctest.StartServer(t)
	deadAddr := dead.Addr()
	require.NoError(t, dead.Close())

	cfg := testConfig(live.Addr(), deadAddr)
	cfg.OpTimeout = 300 * time.Millisecond
	c, err := NewClient(cfg, tcp.NewClientConnector())
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(time.Second) })

	version, err := c.Version()
	require.NoError(t, err)
	require.Len(t, version.Futures(), 2)
	versions, err := version.GetTimeout(5 * time.Second)
	require.Error(t, err)
	assert.ErrorContains(t, err, deadAddr)
	assert.Contains(t, versions, live.Addr())
	assert.NotContains(t, versions, deadAddr)
}

func TestClientInvalidKey(t *testing.T) {
	srv := mctest.StartServer(t)
	c := newTestClient(t, testConfig(srv.Addr()))

	_, err := c.Get(strings.Repeat("x", protocol.MaxKeyLength+1))
	assert.ErrorIs(t, err, protocol.ErrInvalidKey)

	_, err = c.Set("", []byte("v"), 0, 0)
	assert.ErrorIs(t, err, protocol.ErrInvalidKey)

	_, err = c.GetBulk("ok", "")
	assert.ErrorIs(t, err, protocol.ErrInvalidKey)
}

func TestClientAddRemoveServer(t *testing.T) {
	srv1 := mctest.StartServer(t)
	srv2 := mctest.StartServer(t)
	c := newTestClient(t, testConfig(srv1.Addr()))

	require.NoError(t, c.AddServer(srv2.Addr()))
	require.Eventually(t, func() bool {
		return len(c.GetAvailableServers()) == 2
	}, 5*time.Second, 5*time.Millisecond)

	key := keyFor(t, c, srv2.Addr())
	mustSet(t, c, key, "v")
	_, ok := srv2.Store().Get(key)
	assert.True(t, ok)

	require.NoError(t, c.RemoveServer(srv2.Addr()))
	assert.Equal(t, []string{srv1.Addr()}, c.GetAvailableServers())
	assert.Equal(t, srv1.Addr(), c.Locator().GetPrimary(key).Name())
}

func TestClientShutdown(t *testing.T) {
	srv := mctest.StartServer(t)
	c := newTestClient(t, testConfig(srv.Addr()))

	mustSet(t, c, "k", "v")
	assert.True(t, c.Shutdown(time.Second))

	_, err := c.Get("k")
	assert.True(t, errors.Is(err, base.ErrShutdown), "unexpected error %v", err)
}

func TestConnectorFor(t *testing.T) {
	for _, name := range []string{"", "tcp", "TCP", "unix"} {
		connector, err := ConnectorFor(name)
		assert.NoError(t, err, name)
		assert.NotNil(t, connector, name)
	}
	_, err := ConnectorFor("udp")
	assert.Error(t, err)
}
