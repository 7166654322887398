package mctest

import (
	"testing"

	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/transport/tcp"
)

// ServerOption modifies the configuration of a server started with StartServer
type ServerOption func(c *common.ServerConfig)

// WithSasl requires SASL PLAIN authentication with the given credentials
func WithSasl(user, password string) ServerOption {
	return func(c *common.ServerConfig) {
		c.SaslUser = user
		c.SaslPassword = password
	}
}

// WithVersion sets the version reported by the server
func WithVersion(version string) ServerOption {
	return func(c *common.ServerConfig) {
		c.Version = version
	}
}

// StartServer starts a TCP test server on a free local port.
// The server is closed when the test ends.
func StartServer(t testing.TB, options ...ServerOption) *Server {
	t.Helper()

	config := common.ServerConfig{
		Endpoint:  "127.0.0.1:0",
		Transport: "tcp",
		LogLevel:  "warn",
		TCPConf:   common.TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
	}
	for _, opt := range options {
		opt(&config)
	}

	srv := NewServer(config, tcp.NewServerConnector())
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start test server: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	return srv
}
