package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dMC/rpc/client"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the connection and routing flags of the client engine to a command
func SetupClientFlags(cmd *cobra.Command) {
	d := common.DefaultClientConfig()
	flags := cmd.PersistentFlags()

	key := "servers"
	flags.String(key, strings.Join(d.Endpoints, ","), WrapString("Comma-separated list of memcached servers (host:port or socket path for the unix transport)"))

	key = "protocol"
	flags.String(key, d.Protocol, WrapString("The memcached protocol to speak (binary, ascii)"))

	key = "locator"
	flags.String(key, d.Locator, WrapString("How keys are mapped to servers (ketama, arraymod)"))

	key = "hash"
	flags.String(key, d.HashAlgorithm, WrapString("The key hash algorithm (native, crc, fnv1_64, fnv1a_64, fnv1_32, fnv1a_32, ketama, xxhash)"))

	key = "repetitions"
	flags.Int(key, d.Repetitions, WrapString("Number of points per server on the ketama continuum"))

	key = "failure-mode"
	flags.String(key, string(d.FailureMode), WrapString("What happens to operations whose server is down (redistribute, retry, cancel)"))

	key = "timeout"
	flags.Duration(key, d.OpTimeout, WrapString("The timeout of a single operation"))

	key = "timeout-threshold"
	flags.Int(key, d.TimeoutExceptionThreshold, WrapString("Number of consecutive timeouts after which a connection is considered dead and reconnected"))

	key = "queue-len"
	flags.Int(key, d.OpQueueLen, WrapString("Capacity of the per server input queue"))

	key = "queue-block"
	flags.Duration(key, d.OpQueueMaxBlock, WrapString("How long adding an operation may block if the input queue is full"))

	key = "write-queue-len"
	flags.Int(key, d.WriteQueueLen, WrapString("Capacity of the per server write queue"))

	key = "read-queue-len"
	flags.Int(key, d.ReadQueueLen, WrapString("Capacity of the per server read queue"))

	key = "optimize"
	flags.Bool(key, d.ShouldOptimize, WrapString("Merge adjacent get operations into a single multi get"))

	key = "max-optimize-keys"
	flags.Int(key, d.MaxOptimizeKeys, WrapString("Maximum number of keys in a merged get"))

	key = "max-item-size"
	flags.Int(key, d.MaxItemSize/1024, WrapString("The largest value accepted from a server (in KB), must match the item size limit of the servers"))

	key = "read-buffer"
	flags.Int(key, d.ReadBufferSize/1024, WrapString("The size of the read buffer per connection (in KB)"))

	key = "write-buffer"
	flags.Int(key, d.WriteBufferSize/1024, WrapString("The size of the write buffer per connection (in KB)"))

	key = "transport"
	flags.String(key, d.Transport, WrapString("The transport to use (tcp, unix)"))

	key = "connect-timeout"
	flags.Duration(key, d.ConnectTimeout, WrapString("The timeout for establishing a connection"))

	key = "reconnect-min"
	flags.Duration(key, d.MinReconnectDelay, WrapString("Initial delay before a lost connection is reestablished"))

	key = "reconnect-max"
	flags.Duration(key, d.MaxReconnectDelay, WrapString("Upper bound of the exponential reconnect backoff"))

	key = "tcp-nodelay"
	flags.Bool(key, d.TCPConf.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "tcp-keepalive"
	flags.Int(key, d.TCPConf.TCPKeepAliveSec, WrapString("The keepalive interval (in seconds, only for tcp)"))

	key = "tcp-linger"
	flags.Int(key, d.TCPConf.TCPLingerSec, WrapString("The linger time (in seconds, negative keeps the OS default, only for tcp)"))

	key = "sasl-user"
	flags.String(key, "", WrapString("SASL PLAIN user (binary protocol only)"))

	key = "sasl-password"
	flags.String(key, "", WrapString("SASL PLAIN password"))

	key = "metrics"
	flags.String(key, d.MetricsType, WrapString("The metric collector of the client (none, gometrics, victoria)"))

	key = "print-metrics"
	flags.Bool(key, false, WrapString("Print the client metrics after the command finished"))
}

// InitConfig loads .env files and makes viper read DMC_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dmc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() (common.ClientConfig, error) {
	failureMode, err := common.ParseFailureMode(viper.GetString("failure-mode"))
	if err != nil {
		return common.ClientConfig{}, err
	}

	var endpoints []string
	for _, ep := range strings.Split(viper.GetString("servers"), ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}

	conf := common.ClientConfig{
		Endpoints:                 endpoints,
		Transport:                 viper.GetString("transport"),
		Protocol:                  viper.GetString("protocol"),
		Locator:                   viper.GetString("locator"),
		HashAlgorithm:             viper.GetString("hash"),
		Repetitions:               viper.GetInt("repetitions"),
		FailureMode:               failureMode,
		OpTimeout:                 viper.GetDuration("timeout"),
		OpQueueLen:                viper.GetInt("queue-len"),
		WriteQueueLen:             viper.GetInt("write-queue-len"),
		ReadQueueLen:              viper.GetInt("read-queue-len"),
		OpQueueMaxBlock:           viper.GetDuration("queue-block"),
		TimeoutExceptionThreshold: viper.GetInt("timeout-threshold"),
		ShouldOptimize:            viper.GetBool("optimize"),
		MaxOptimizeKeys:           viper.GetInt("max-optimize-keys"),
		MaxItemSize:               viper.GetInt("max-item-size") * 1024,
		ReadBufferSize:            viper.GetInt("read-buffer") * 1024,
		WriteBufferSize:           viper.GetInt("write-buffer") * 1024,
		ConnectTimeout:            viper.GetDuration("connect-timeout"),
		MinReconnectDelay:         viper.GetDuration("reconnect-min"),
		MaxReconnectDelay:         viper.GetDuration("reconnect-max"),
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("tcp-linger"),
		},
		SaslUser:     viper.GetString("sasl-user"),
		SaslPassword: viper.GetString("sasl-password"),
		MetricsType:  viper.GetString("metrics"),
		LogLevel:     viper.GetString("log-level"),
	}

	if err := conf.Validate(); err != nil {
		return common.ClientConfig{}, fmt.Errorf("invalid client configuration: %w", err)
	}
	return conf, nil
}

// NewClient creates a client from the viper configuration and initializes the loggers
func NewClient() (client.ICacheClient, common.ClientConfig, error) {
	conf, err := GetClientConfig()
	if err != nil {
		return nil, conf, err
	}
	if err := common.InitLoggers(conf.LogLevel); err != nil {
		return nil, conf, err
	}

	connector, err := client.ConnectorFor(conf.Transport)
	if err != nil {
		return nil, conf, err
	}
	c, err := client.NewClient(conf, connector)
	return c, conf, err
}

// BindCommandFlags binds a command's flags (including inherited ones) to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.Flags())
}
