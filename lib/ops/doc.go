// Package ops implements the state machine shared by every memcached command the
// client can send. One Operation value represents one in-flight command: it owns the
// encoded request bytes until the node has written them, tracks the protocol state
// (writing, reading, complete, timed out) and reports the outcome exactly once through
// its Callback.
//
// The package focuses on:
//   - A single state machine implementation for all command kinds
//   - Pluggable per-command payloads (encoding and decoding) via the Payload interface
//   - Cooperative cancellation and a sticky timeout policy
//   - A typed error taxonomy (general, client, server, timeout, cancelled, connection)
//
// Key Components:
//
//   - Operation: Shared state for one command. Protocol packages never subclass it, they
//     attach a Payload that knows how to encode the request and how to parse the reply.
//
//   - Payload: Per-command capability implemented by the binary and ascii protocol
//     packages. ReadFrom may be fed arbitrarily small chunks of the socket stream.
//
//   - Callback, GetCallback, StatsCallback: The result sinks. Complete() is guaranteed to
//     fire exactly once on every path (success, error, cancel, timeout).
//
//   - ProxyCallback: Fans the results of one merged multi-key request out to the
//     original single-key operations it replaced.
//
//   - OpaqueGenerator: Correlation id counter owned by a connection context.
//
// Thread Safety:
//
//	Request bytes and parse state belong to the I/O goroutine once the operation was
//	handed to a node. Cancel, TimeOut and all getters may be called from any goroutine.
package ops
