// Package unix implements the unix domain socket connectors of the memcached client
// engine and of the in-memory test server. Node endpoints are socket paths, which is
// useful for a memcached instance running on the same machine.
//
// Key Components:
//
//   - clientConnector: Dials socket paths and applies the SocketConf buffer sizes
//
//   - serverConnector: Removes a stale socket file and creates the listener
package unix
