// Package tcp implements the TCP connectors of the memcached client engine and of
// the in-memory test server.
//
// Key Components:
//
//   - clientConnector: Dials node endpoints ("host:port") and applies TCPConf and
//     SocketConf (no delay, keep alive, linger, kernel buffer sizes)
//
//   - serverConnector: Creates TCP listeners for lib/mctest
package tcp
