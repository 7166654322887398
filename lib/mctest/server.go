package mctest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/protocol"
	"github.com/ValentinKolb/dMC/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("memcached/server")

// DefaultVersion is reported by the version command if the configuration sets none
const DefaultVersion = "1.6.21-mctest"

// Server is an in-memory memcached server speaking the binary and the ascii
// protocol on the same port (the first byte of every request selects the protocol).
// It exists for tests and local experiments; it implements the commands the client
// engine sends, not the full memcached feature set.
type Server struct {
	config    common.ServerConfig
	connector transport.IServerConnector
	store     *Store
	listener  net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	stallMu  sync.Mutex
	resumeCh chan struct{} // non nil while stalled

	closed   atomic.Bool
	requests atomic.Int64
}

// NewServer creates a server, Start makes it listen
func NewServer(config common.ServerConfig, connector transport.IServerConnector) *Server {
	if config.Version == "" {
		config.Version = DefaultVersion
	}
	return &Server{
		config:    config,
		connector: connector,
		store:     NewStore(),
		conns:     make(map[net.Conn]struct{}),
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start creates the listener and accepts connections in the background
func (s *Server) Start() error {
	listener, err := s.connector.Listen(s.config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listener = listener

	Logger.Infof("Starting %s test server on %s", s.connector.GetName(), listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Wait blocks until the server was closed and all connections ended
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close stops listening and closes all connections
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.Resume()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.DropConnections()
	s.wg.Wait()
	Logger.Infof("Test server on %s closed", s.Addr())
	return err
}

// Addr returns the listen address ("host:port" or the socket path)
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Endpoint
	}
	return s.listener.Addr().String()
}

// Store returns the item store, e.g. to seed or inspect data in tests
func (s *Server) Store() *Store {
	return s.store
}

// Requests returns the number of requests processed so far
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// --------------------------------------------------------------------------
// Failure Injection
// --------------------------------------------------------------------------

// Stall makes all connections stop processing requests until Resume is called
func (s *Server) Stall() {
	s.stallMu.Lock()
	defer s.stallMu.Unlock()
	if s.resumeCh == nil {
		s.resumeCh = make(chan struct{})
	}
}

// Resume releases a Stall
func (s *Server) Resume() {
	s.stallMu.Lock()
	defer s.stallMu.Unlock()
	if s.resumeCh != nil {
		close(s.resumeCh)
		s.resumeCh = nil
	}
}

// DropConnections closes all client connections but keeps listening
func (s *Server) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// ConnectionCount returns the number of open client connections
func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := s.connector.UpgradeConnection(conn, s.config); err != nil {
			Logger.Warningf("Failed to upgrade connection: %v", err)
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves the requests of one connection in order
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		_ = conn.Close()
	}()

	timeout := time.Duration(s.config.TimeoutSecond) * time.Second
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	session := &session{
		server:   s,
		w:        w,
		authed:   s.config.SaslUser == "",
		frames:   protocol.NewBinaryFrameReader(protocol.MagicRequest),
		keepOpen: true,
	}

	for session.keepOpen {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return
			}
		}

		first, err := r.Peek(1)
		if err != nil {
			if err != io.EOF && !s.closed.Load() {
				Logger.Debugf("Connection closed: %v", err)
			}
			return
		}

		s.waitIfStalled()
		if first[0] == protocol.MagicRequest {
			err = session.handleBinary(r)
		} else {
			err = session.handleAscii(r)
		}
		if err != nil {
			Logger.Debugf("Closing connection: %v", err)
			_ = w.Flush()
			return
		}
		s.requests.Add(1)

		// respond in batches, like memcached does for pipelined requests
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
	_ = w.Flush()
}

func (s *Server) waitIfStalled() {
	s.stallMu.Lock()
	ch := s.resumeCh
	s.stallMu.Unlock()
	if ch != nil {
		<-ch
	}
}

// session is the per connection state
type session struct {
	server   *Server
	w        *bufio.Writer
	authed   bool
	frames   *protocol.BinaryFrameReader
	keepOpen bool
}
