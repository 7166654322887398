package client

import (
	"time"

	"github.com/ValentinKolb/dMC/lib/locator"
	"github.com/ValentinKolb/dMC/lib/metrics"
	"github.com/ValentinKolb/dMC/rpc/transport/base"
)

// ICacheClient is the asynchronous caller API of the client engine. Every command
// is queued on the node owning the key and returns a future immediately. An error
// is only returned if the command could not be queued (invalid key, full queue,
// client shut down).
//
// Store commands resolve to true if the value was stored, the new CAS value is
// available through the Status of the future. Mutate commands resolve to the new
// counter value; a missing counter yields 0 with status NOT_FOUND.
type ICacheClient interface {
	// Get reads a key, the item is nil if the key does not exist
	Get(key string) (*OperationFuture[*Item], error)

	// Gets reads a key including its CAS value
	Gets(key string) (*OperationFuture[*Item], error)

	// GetBulk reads many keys with one request per node. The result only contains
	// keys that exist.
	GetBulk(keys ...string) (*BulkFuture, error)

	// Set stores a value unconditionally
	Set(key string, value []byte, flags, expiration uint32) (*OperationFuture[bool], error)

	// Add stores a value only if the key does not exist
	Add(key string, value []byte, flags, expiration uint32) (*OperationFuture[bool], error)

	// Replace stores a value only if the key exists
	Replace(key string, value []byte, flags, expiration uint32) (*OperationFuture[bool], error)

	// Append appends to an existing value
	Append(key string, value []byte) (*OperationFuture[bool], error)

	// Prepend prepends to an existing value
	Prepend(key string, value []byte) (*OperationFuture[bool], error)

	// CAS stores a value only if the CAS value of the key is still cas
	CAS(key string, cas uint64, value []byte, flags, expiration uint32) (*OperationFuture[bool], error)

	// Delete removes a key, it resolves to false if the key did not exist
	Delete(key string) (*OperationFuture[bool], error)

	// Incr increments a counter. With the binary protocol a missing counter is created
	// with initial unless expiration is protocol.NoCreate.
	Incr(key string, delta, initial uint64, expiration uint32) (*OperationFuture[uint64], error)

	// Decr decrements a counter, the value does not drop below zero
	Decr(key string, delta, initial uint64, expiration uint32) (*OperationFuture[uint64], error)

	// Flush invalidates all items on every node after delay seconds
	Flush(delay uint32) (*BroadcastFuture[bool], error)

	// Version returns the server version of every node
	Version() (*BroadcastFuture[string], error)

	// Stats returns the statistics of every node, arg selects a statistics group
	Stats(arg string) (*BroadcastFuture[map[string]string], error)

	// GetAvailableServers returns the endpoints of all active nodes
	GetAvailableServers() []string

	// GetUnavailableServers returns the endpoints of all nodes that are down
	GetUnavailableServers() []string

	// Locator returns a read-only view of the current key distribution
	Locator() locator.INodeLocator[*base.Node]

	// AddServer adds a node at runtime
	AddServer(endpoint string) error

	// RemoveServer removes a node at runtime, its queued operations are cancelled
	RemoveServer(endpoint string) error

	// Metrics returns the metric collector of the client
	Metrics() metrics.IMetricCollector

	// Shutdown waits up to timeout for queued operations and closes all connections.
	// It returns true if all operations completed in time.
	Shutdown(timeout time.Duration) bool
}
