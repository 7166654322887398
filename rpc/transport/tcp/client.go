package tcp

import (
	"context"
	"net"
	"time"

	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/transport"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct {
	dialer net.Dialer
}

// NewClientConnector creates the TCP connector used by the I/O reactor
func NewClientConnector() transport.IClientConnector {
	return &clientConnector{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "tcp", endpoint)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	return upgrade(conn, config.SocketConf, config.TCPConf)
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// upgrade applies the TCPConf and SocketConf options to a TCP connection
func upgrade(conn net.Conn, sock common.SocketConf, conf common.TCPConf) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// memcached requests are small, Nagle only adds latency to the pipeline
	if err := tcpConn.SetNoDelay(conf.TCPNoDelay); err != nil {
		return err
	}

	if sock.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(sock.WriteBufferSize); err != nil {
			return err
		}
	}

	if sock.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(sock.ReadBufferSize); err != nil {
			return err
		}
	}

	if conf.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(conf.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	if conf.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(conf.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}
