package serve

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dMC/cmd/util"
	"github.com/ValentinKolb/dMC/lib/mctest"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/ValentinKolb/dMC/rpc/transport"
	"github.com/ValentinKolb/dMC/rpc/transport/tcp"
	"github.com/ValentinKolb/dMC/rpc/transport/unix"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	serveEndpoints []string
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start in-memory memcached servers",
		Long: `Start one or more in-memory memcached servers speaking the binary and the ascii protocol.
The servers keep all data in memory and are meant for experiments with the client
(e.g. killing one server of a pool). The configuration can be set via command line
flags or environment variables. The format of the environment variables is
DMC_<flag> (e.g. DMC_ENDPOINTS=localhost:11211,localhost:11212)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "endpoints"
	ServeCmd.PersistentFlags().String(key, "localhost:11211", cmdUtil.WrapString("Comma-separated list of addresses to listen on, one server is started per address (host:port, or socket paths for the unix transport)"))

	key = "transport"
	ServeCmd.PersistentFlags().String(key, "tcp", cmdUtil.WrapString("The transport to use (tcp, unix)"))

	key = "server-version"
	ServeCmd.PersistentFlags().String(key, mctest.DefaultVersion, cmdUtil.WrapString("The version reported by the version command"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 0, cmdUtil.WrapString("Idle timeout of a client connection in seconds (0 disables it)"))

	key = "sasl-user"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Require SASL PLAIN authentication with this user (binary protocol only)"))

	key = "sasl-password"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The SASL PLAIN password"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (only for tcp)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveEndpoints = serveEndpoints[:0]
	for _, ep := range strings.Split(viper.GetString("endpoints"), ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			serveEndpoints = append(serveEndpoints, ep)
		}
	}
	if len(serveEndpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}

	serveCmdConfig.Transport = viper.GetString("transport")
	serveCmdConfig.Version = viper.GetString("server-version")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.SaslUser = viper.GetString("sasl-user")
	serveCmdConfig.SaslPassword = viper.GetString("sasl-password")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.TCPConf = common.TCPConf{
		TCPNoDelay:   viper.GetBool("tcp-nodelay"),
		TCPLingerSec: -1,
	}

	if (serveCmdConfig.SaslUser == "") != (serveCmdConfig.SaslPassword == "") {
		return fmt.Errorf("sasl user and password must be set together")
	}
	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts one server per endpoint and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	var connector transport.IServerConnector
	switch serveCmdConfig.Transport {
	case "tcp":
		connector = tcp.NewServerConnector()
	case "unix":
		connector = unix.NewServerConnector()
	default:
		return fmt.Errorf("invalid transport %s", serveCmdConfig.Transport)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var servers []*mctest.Server
	for _, ep := range serveEndpoints {
		config := *serveCmdConfig
		config.Endpoint = ep
		srv := mctest.NewServer(config, connector)
		if err := srv.Start(); err != nil {
			for _, started := range servers {
				_ = started.Close()
			}
			return fmt.Errorf("failed to start server on %s: %w", ep, err)
		}
		servers = append(servers, srv)
		fmt.Printf("serving on %s\n", srv.Addr())
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	return g.Wait()
}
