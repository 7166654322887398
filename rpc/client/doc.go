// Package client implements the caller facing API of the memcached client engine.
// It wraps a base.Connection and turns every command into an operation that is
// routed by key, queued on its node and answered through a future.
//
// The package focuses on:
//   - Asynchronous commands: every call returns immediately with a future
//   - Bulk reads that fan out one multi get per node and aggregate the results
//   - Broadcast commands (flush, version, stats) sent to every node
//   - Timeout and cancellation handling from the caller side
//
// Key Components:
//
//   - ICacheClient: The command interface, created by NewClient.
//
//   - OperationFuture: The result of a single operation. Get waits with the operation
//     timeout of the client, GetContext lets the caller decide. A deadline marks the
//     operation as timed out, a cancelled context cancels it.
//
//   - BulkFuture: The result of GetBulk. It is done once every per node operation
//     completed. GetSome returns whatever arrived within a timeout.
//
//   - BroadcastFuture: One OperationFuture per node, keyed by node name.
//
// Usage Example:
//
//	config := common.DefaultClientConfig()
//	config.Endpoints = []string{"localhost:11211", "localhost:11212"}
//
//	c, _ := client.NewClient(config, tcp.NewClientConnector())
//	defer c.Shutdown(time.Second)
//
//	set, _ := c.Set("greeting", []byte("hello"), 0, 0)
//	if ok, err := set.Get(); err != nil || !ok {
//	  // handle failure
//	}
//
//	bulk, _ := c.GetBulk("greeting", "missing")
//	items, _ := bulk.Get() // only contains "greeting"
//
// Misses are not errors: Get resolves to a nil item and the status reports NOT_FOUND.
// Errors returned by the futures wrap ops.ErrTimeout, ops.ErrCancelled,
// ops.ErrConnection or ops.ErrProtocol and can be matched with errors.Is.
package client
