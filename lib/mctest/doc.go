// Package mctest provides an in-memory memcached server for tests and local
// experiments ("dmc serve").
//
// The server speaks the binary and the ascii protocol on the same listener. For every
// request the first byte decides: 0x80 starts a binary frame, anything else an ascii
// command line. Responses are written in request order and flushed once no further
// pipelined request is buffered, which is what the client engine relies on.
//
// Key Components:
//
//   - Server: Accept loop and per connection handlers. Failure injection for tests:
//     Stall/Resume hold back request processing, DropConnections kills all client
//     sockets while the listener stays up, Close shuts the server down.
//
//   - Store: Item map with memcached semantics for set, add, replace, append, prepend,
//     cas, delete, incr/decr, flush (with delay) and relative or absolute expiration.
//     Updates are atomic per key.
//
//   - StartServer: Test helper that starts a server on a free local port and closes it
//     at the end of the test.
//
// Authentication: If the configuration sets SASL credentials, binary connections must
// authenticate with SASL PLAIN before any data command is accepted.
package mctest
