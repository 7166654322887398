package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Socket configuration (shared by client and test server)
// --------------------------------------------------------------------------

// SocketConf holds the kernel buffer sizes of a socket (0 keeps the OS default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // negative keeps the OS default
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// FailureMode decides where an operation goes when the primary node of its key is down
type FailureMode string

const (
	// FailureModeRedistribute routes to the first active node of the fallback sequence
	FailureModeRedistribute FailureMode = "redistribute"
	// FailureModeRetry keeps the operation on the primary; it is sent after the reconnect
	FailureModeRetry FailureMode = "retry"
	// FailureModeCancel cancels the operation immediately
	FailureModeCancel FailureMode = "cancel"
)

// ParseFailureMode converts a configuration value into a FailureMode
func ParseFailureMode(s string) (FailureMode, error) {
	switch m := FailureMode(strings.ToLower(strings.TrimSpace(s))); m {
	case FailureModeRedistribute, FailureModeRetry, FailureModeCancel:
		return m, nil
	}
	return "", fmt.Errorf("invalid failure mode %q (must be one of redistribute, retry, cancel)", s)
}

// ClientConfig holds all parameters of the client engine
type ClientConfig struct {
	// Servers
	Endpoints []string
	Transport string // "tcp" or "unix"
	Protocol  string // "binary" or "ascii"

	// Routing
	Locator       string // "ketama" or "arraymod"
	HashAlgorithm string
	Repetitions   int
	FailureMode   FailureMode

	// Operations
	OpTimeout                 time.Duration
	OpQueueLen                int
	WriteQueueLen             int
	ReadQueueLen              int
	OpQueueMaxBlock           time.Duration
	TimeoutExceptionThreshold int
	ShouldOptimize            bool
	MaxOptimizeKeys           int
	MaxItemSize               int // largest value accepted in a response

	// Connections
	ReadBufferSize    int
	WriteBufferSize   int
	ConnectTimeout    time.Duration
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	SocketConf        SocketConf
	TCPConf           TCPConf

	// Authentication (SASL PLAIN, binary protocol only)
	SaslUser     string
	SaslPassword string

	// Observability
	MetricsType string
	LogLevel    string
}

// DefaultClientConfig returns the configuration used when nothing is overridden
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Endpoints:                 []string{"localhost:11211"},
		Transport:                 "tcp",
		Protocol:                  "binary",
		Locator:                   "ketama",
		HashAlgorithm:             "ketama",
		Repetitions:               160,
		FailureMode:               FailureModeRedistribute,
		OpTimeout:                 2500 * time.Millisecond,
		OpQueueLen:                16384,
		WriteQueueLen:             8192,
		ReadQueueLen:              8192,
		OpQueueMaxBlock:           10 * time.Second,
		TimeoutExceptionThreshold: 998,
		ShouldOptimize:            false,
		MaxOptimizeKeys:           64,
		MaxItemSize:               1 << 20,
		ReadBufferSize:            16384,
		WriteBufferSize:           16384,
		ConnectTimeout:            5 * time.Second,
		MinReconnectDelay:         500 * time.Millisecond,
		MaxReconnectDelay:         30 * time.Second,
		TCPConf: TCPConf{
			TCPNoDelay:   true,
			TCPLingerSec: -1,
		},
		MetricsType: "none",
		LogLevel:    "info",
	}
}

// Validate checks the configuration for values the engine cannot work with.
// Names (protocol, locator, hash) are checked by the packages that parse them.
func (c *ClientConfig) Validate() error {
	var errs []error
	if len(c.Endpoints) == 0 {
		errs = append(errs, errors.New("at least one endpoint is required"))
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if strings.TrimSpace(ep) == "" {
			errs = append(errs, errors.New("endpoints must not be empty"))
		}
		if seen[ep] {
			errs = append(errs, fmt.Errorf("duplicate endpoint %q", ep))
		}
		seen[ep] = true
	}
	if c.Transport != "tcp" && c.Transport != "unix" {
		errs = append(errs, fmt.Errorf("invalid transport %q (must be one of tcp, unix)", c.Transport))
	}
	if _, err := ParseFailureMode(string(c.FailureMode)); err != nil {
		errs = append(errs, err)
	}
	if c.OpTimeout <= 0 {
		errs = append(errs, errors.New("operation timeout must be positive"))
	}
	if c.Repetitions < 0 {
		errs = append(errs, errors.New("repetitions must not be negative (0 selects the default)"))
	}
	if c.OpQueueLen <= 0 || c.WriteQueueLen <= 0 || c.ReadQueueLen <= 0 {
		errs = append(errs, errors.New("queue lengths must be positive"))
	}
	if c.MaxItemSize <= 0 {
		errs = append(errs, errors.New("max item size must be positive"))
	}
	if c.ReadBufferSize <= 0 || c.WriteBufferSize <= 0 {
		errs = append(errs, errors.New("buffer sizes must be positive"))
	}
	if c.MinReconnectDelay <= 0 || c.MaxReconnectDelay < c.MinReconnectDelay {
		errs = append(errs, fmt.Errorf("invalid reconnect delay bounds %s..%s", c.MinReconnectDelay, c.MaxReconnectDelay))
	}
	if c.TimeoutExceptionThreshold <= 0 {
		errs = append(errs, errors.New("timeout exception threshold must be positive"))
	}
	if c.ShouldOptimize && c.MaxOptimizeKeys < 2 {
		errs = append(errs, errors.New("max optimize keys must be at least 2"))
	}
	if (c.SaslUser == "") != (c.SaslPassword == "") {
		errs = append(errs, errors.New("sasl user and password must be set together"))
	}
	return errors.Join(errs...)
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-26s: %s\n", name, value))
	}

	addSection("Servers")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}
	addField("Transport", c.Transport)
	addField("Protocol", c.Protocol)

	addSection("Routing")
	addField("Locator", c.Locator)
	addField("Hash Algorithm", c.HashAlgorithm)
	addField("Repetitions", strconv.Itoa(c.Repetitions))
	addField("Failure Mode", string(c.FailureMode))

	addSection("Operations")
	addField("Timeout", c.OpTimeout.String())
	addField("Input Queue", strconv.Itoa(c.OpQueueLen))
	addField("Write Queue", strconv.Itoa(c.WriteQueueLen))
	addField("Read Queue", strconv.Itoa(c.ReadQueueLen))
	addField("Max Queue Block", c.OpQueueMaxBlock.String())
	addField("Timeout Threshold", strconv.Itoa(c.TimeoutExceptionThreshold))
	addField("Optimize Gets", fmt.Sprintf("%t (max %d keys)", c.ShouldOptimize, c.MaxOptimizeKeys))

	addSection("Connections")
	addField("Max Item Size", fmt.Sprintf("%d bytes", c.MaxItemSize))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.ReadBufferSize))
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.WriteBufferSize))
	addField("Connect Timeout", c.ConnectTimeout.String())
	addField("Reconnect Delay", fmt.Sprintf("%s - %s", c.MinReconnectDelay, c.MaxReconnectDelay))
	addField("TCP No Delay", fmt.Sprintf("%t", c.TCPConf.TCPNoDelay))

	addSection("Authentication")
	if c.SaslUser != "" {
		addField("SASL User", c.SaslUser)
	} else {
		addField("SASL", "disabled")
	}

	addSection("Observability")
	addField("Metrics", c.MetricsType)
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Test server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds the parameters of the in-memory test server (dmc serve)
type ServerConfig struct {
	Endpoint      string
	Transport     string // "tcp" or "unix"
	Version       string // reported by the version command
	TimeoutSecond int64  // idle timeout of a connection, 0 disables it
	SaslUser      string
	SaslPassword  string
	LogLevel      string
	SocketConf    SocketConf
	TCPConf       TCPConf
}

// String returns a formatted string representation of the server configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Test Server")
	addField("Endpoint", c.Endpoint)
	addField("Transport", c.Transport)
	addField("Version", c.Version)
	addField("Idle Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	if c.SaslUser != "" {
		addField("SASL User", c.SaslUser)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
