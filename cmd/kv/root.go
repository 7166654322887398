package kv

import (
	"os"
	"time"

	"github.com/ValentinKolb/dMC/cmd/util"
	"github.com/ValentinKolb/dMC/rpc/client"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("dmc/cli")

var (
	cacheClient  client.ICacheClient
	clientConfig common.ClientConfig

	// KeyValueCommands represents the cache command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform cache operations on memcached servers",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: teardownClient,
	}
)

func init() {
	// Add the client flags to the kv command
	util.SetupClientFlags(KeyValueCommands)

	// Add subcommands
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(getsCmd)
	KeyValueCommands.AddCommand(mgetCmd)
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(addCmd)
	KeyValueCommands.AddCommand(replaceCmd)
	KeyValueCommands.AddCommand(appendCmd)
	KeyValueCommands.AddCommand(prependCmd)
	KeyValueCommands.AddCommand(casCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(incrCmd)
	KeyValueCommands.AddCommand(decrCmd)
	KeyValueCommands.AddCommand(flushCmd)
	KeyValueCommands.AddCommand(versionCmd)
	KeyValueCommands.AddCommand(statsCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupClient creates the client engine from flags and environment
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	cacheClient, clientConfig, err = util.NewClient()
	return err
}

// teardownClient drains the queues and optionally dumps the client metrics
func teardownClient(_ *cobra.Command, _ []string) error {
	if cacheClient == nil {
		return nil
	}
	defer cacheClient.Shutdown(clientConfig.OpTimeout + time.Second)

	if viper.GetBool("print-metrics") {
		return cacheClient.Metrics().Dump(os.Stdout)
	}
	return nil
}
