// Package transport defines the socket abstractions of the memcached client engine.
// The engine speaks the memcached protocols over stream sockets; how such a socket is
// opened (TCP or unix domain socket) and which options are applied to it is hidden
// behind the connectors defined here.
//
// The package focuses on:
//   - Defining clear interfaces for establishing client and server sockets
//   - Applying per transport socket options (no delay, keep alive, buffer sizes)
//   - Enabling multiple transport implementations (TCP, Unix sockets)
//
// Key Components:
//
//   - IClientConnector: Dials one node endpoint and upgrades the socket with the
//     options of the client configuration. Used by the I/O reactor in package base.
//
//   - IServerConnector: Creates listeners for the in-memory test server (lib/mctest).
//
// Implementations live in the subpackages tcp and unix; the I/O reactor and the
// per-node queues live in package base.
package transport
