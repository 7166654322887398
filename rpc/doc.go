// Package rpc contains the network side of the memcached client engine: everything
// between a cache command issued by the caller and the bytes on the socket.
//
// The package is organized into several subpackages:
//
//   - common: Configuration structures (client and test server) and the logger setup.
//
//   - protocol: The memcached binary and ascii protocols. Operation factories encode
//     commands and decode responses into the callbacks of lib/ops.
//
//   - transport: Socket abstractions with pluggable implementations (TCP, Unix sockets).
//     The subpackage base holds the per node queues and the single goroutine I/O reactor.
//
//   - client: The caller API. Routes commands by key, aggregates multi key reads and
//     broadcasts, and hands out futures for the results.
package rpc
