package unix

import (
	"context"
	"net"

	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/transport"
)

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct {
	dialer net.Dialer
}

// NewClientConnector creates the unix socket connector used by the I/O reactor
func NewClientConnector() transport.IClientConnector {
	return &clientConnector{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "unix", endpoint)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	return upgrade(conn, config.SocketConf)
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// upgrade applies the kernel buffer sizes to a unix socket
func upgrade(conn net.Conn, sock common.SocketConf) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	if sock.WriteBufferSize > 0 {
		if err := unixConn.SetWriteBuffer(sock.WriteBufferSize); err != nil {
			return err
		}
	}
	if sock.ReadBufferSize > 0 {
		if err := unixConn.SetReadBuffer(sock.ReadBufferSize); err != nil {
			return err
		}
	}
	return nil
}
