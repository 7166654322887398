// Package base implements the protocol independent client engine: the per server
// Node with its operation queues and the Connection, a single goroutine I/O reactor
// that drives all nodes of a client. Network specifics (TCP, Unix sockets) are
// plugged in through the connectors of the transport package.
//
// The package focuses on:
//   - Pipelining many operations over one socket per server
//   - Strict FIFO correlation of responses to requests
//   - Bounded queues with backpressure for producers
//   - Timeout handling, reconnection with exponential backoff and failover routing
//
// Key Components:
//
//   - Node: One memcached server. Producers append to a bounded lock-free input
//     queue (AddOp). The I/O goroutine moves operations into the write queue, copies
//     their request bytes into the write buffer (FillWriteBuffer) and keeps written
//     operations in the read queue until their response was read (ReadFromSocket).
//     Adjacent gets can be merged into a single multi get before writing.
//
//   - Connection: The reactor. It owns every node queue, hands write buffers to a
//     writer goroutine per socket and receives read buffers from a reader goroutine
//     per socket, so queue state is never shared between goroutines. It also sweeps
//     timeouts, reconnects lost nodes (MapHeap of due times) and routes keys through
//     the locator according to the configured failure mode.
//
// Connection Lifecycle:
//
//	A node starts with reconnectAttempt 1. A successful connect resets the counter
//	to 0 and the node becomes active. On an I/O error, a protocol error or too many
//	continuous timeouts the socket is closed, the operation being written restarts
//	from its first byte on the next connection, operations waiting for a response are
//	cancelled and a reconnect is scheduled with exponential backoff.
//
// Thread Safety:
//
//	Node.AddOp, Node.IsActive and all exported Connection methods are thread-safe.
//	Every other Node method belongs to the I/O goroutine.
package base
