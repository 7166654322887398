package transport

import (
	"context"
	"net"

	"github.com/ValentinKolb/dMC/rpc/common"
)

// --------------------------------------------------------------------------
// Client Connector
// --------------------------------------------------------------------------

// IClientConnector establishes the socket of one memcached node.
// The I/O reactor calls it from a dial goroutine, never from the reactor loop itself.
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies transport specific socket options to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// --------------------------------------------------------------------------
// Server Connector
// --------------------------------------------------------------------------

// IServerConnector creates listeners for the in-memory test server
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies transport specific socket options to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}
