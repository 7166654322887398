package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dMC/cmd/kv"
	"github.com/ValentinKolb/dMC/cmd/route"
	"github.com/ValentinKolb/dMC/cmd/serve"
	"github.com/ValentinKolb/dMC/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.4.2"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dmc",
		Short: "distributed memcached client",
		Long: fmt.Sprintf(`dMC (v%s)

An asynchronous memcached client engine written in Go. Keys are spread over
many servers with consistent hashing, requests are pipelined over one
connection per server and driven by a single I/O goroutine.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dMC",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dMC v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(route.RouteCmd)
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
