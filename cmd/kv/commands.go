package kv

import (
	"fmt"
	"strconv"

	cmdutil "github.com/ValentinKolb/dMC/cmd/util"
	"github.com/ValentinKolb/dMC/lib/util"
	"github.com/ValentinKolb/dMC/rpc/client"
	"github.com/ValentinKolb/dMC/rpc/protocol"
	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(args[0], false)
		},
	}
	getsCmd = &cobra.Command{
		Use:   "gets [key]",
		Short: "Reads the value and the CAS value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(args[0], true)
		},
	}
	mgetCmd = &cobra.Command{
		Use:   "mget [key...]",
		Short: "Reads many keys with one request per server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bulk, err := cacheClient.GetBulk(args...)
			if err != nil {
				return err
			}
			items, err := bulk.Get()
			if err != nil {
				return err
			}
			for _, key := range args {
				if item, ok := items[key]; ok {
					fmt.Printf("key=%s, found=true, flags=%d, value=%s\n", key, item.Flags, item.Value)
				} else {
					fmt.Printf("key=%s, found=false\n", key)
				}
			}
			fmt.Printf("%d of %d keys found on %d servers\n", len(items), len(args), len(bulk.Operations()))
			return nil
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(cmd, "set", args, cacheClient.Set)
		},
	}
	addCmd = &cobra.Command{
		Use:   "add [key] [value]",
		Short: "Sets the value for a key if the key does not exist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(cmd, "add", args, cacheClient.Add)
		},
	}
	replaceCmd = &cobra.Command{
		Use:   "replace [key] [value]",
		Short: "Sets the value for a key if the key exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(cmd, "replace", args, cacheClient.Replace)
		},
	}
	appendCmd = &cobra.Command{
		Use:   "append [key] [value]",
		Short: "Appends data to an existing value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cacheClient.Append(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			return printStored("append", f)
		},
	}
	prependCmd = &cobra.Command{
		Use:   "prepend [key] [value]",
		Short: "Prepends data to an existing value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cacheClient.Prepend(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			return printStored("prepend", f)
		},
	}
	casCmd = &cobra.Command{
		Use:   "cas [key] [cas] [value]",
		Short: "Sets the value for a key if it was not modified since it was read with gets",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cas, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("cas must be a number: %w", err)
			}
			flags, exp, err := storeFlags(cmd)
			if err != nil {
				return err
			}
			f, err := cacheClient.CAS(args[0], cas, []byte(args[2]), flags, exp)
			if err != nil {
				return err
			}
			return printStored("cas", f)
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cacheClient.Delete(args[0])
			if err != nil {
				return err
			}
			deleted, err := f.Get()
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, deleted=%t\n", args[0], deleted)
			return nil
		},
	}
	incrCmd = &cobra.Command{
		Use:   "incr [key] [delta]",
		Short: "Increments a counter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(cmd, args, cacheClient.Incr)
		},
	}
	decrCmd = &cobra.Command{
		Use:   "decr [key] [delta]",
		Short: "Decrements a counter (it does not drop below zero)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(cmd, args, cacheClient.Decr)
		},
	}
	flushCmd = &cobra.Command{
		Use:   "flush [delay]",
		Short: "Invalidates all items on all servers, optionally after delay seconds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var delay uint64
			if len(args) == 1 {
				var err error
				if delay, err = strconv.ParseUint(args[0], 10, 32); err != nil {
					return fmt.Errorf("delay must be a number: %w", err)
				}
			}
			f, err := cacheClient.Flush(uint32(delay))
			if err != nil {
				return err
			}
			results, err := f.Get()
			for _, server := range util.SortedKeys(results) {
				fmt.Printf("server=%s, flushed=%t\n", server, results[server])
			}
			return err
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Prints the version of every server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cacheClient.Version()
			if err != nil {
				return err
			}
			versions, err := f.Get()
			for _, server := range util.SortedKeys(versions) {
				fmt.Printf("server=%s, version=%s\n", server, versions[server])
			}
			for _, server := range cacheClient.GetUnavailableServers() {
				fmt.Printf("server=%s, unavailable\n", server)
			}
			return err
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats [group]",
		Short: "Prints the statistics of every server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := ""
			if len(args) == 1 {
				group = args[0]
			}
			f, err := cacheClient.Stats(group)
			if err != nil {
				return err
			}
			stats, err := f.Get()
			for _, server := range util.SortedKeys(stats) {
				fmt.Println(server)
				for _, name := range util.SortedKeys(stats[server]) {
					fmt.Printf("  %-24s %s\n", name, stats[server][name])
				}
			}
			return err
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{setCmd, addCmd, replaceCmd, casCmd} {
		cmd.Flags().Uint32("flags", 0, cmdutil.WrapString("Opaque flags stored with the value"))
		cmd.Flags().Uint32("exp", 0, cmdutil.WrapString("Expiration in seconds (or unix time), 0 never expires"))
	}
	for _, cmd := range []*cobra.Command{incrCmd, decrCmd} {
		cmd.Flags().Uint64("initial", 0, cmdutil.WrapString("Value of a missing counter (binary protocol only)"))
		cmd.Flags().Uint32("exp", 0, cmdutil.WrapString("Expiration of a created counter"))
		cmd.Flags().Bool("no-create", false, cmdutil.WrapString("Do not create a missing counter"))
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type storeFunc func(key string, value []byte, flags, expiration uint32) (*client.OperationFuture[bool], error)

type mutateFunc func(key string, delta, initial uint64, expiration uint32) (*client.OperationFuture[uint64], error)

func runGet(key string, withCAS bool) error {
	var f *client.OperationFuture[*client.Item]
	var err error
	if withCAS {
		f, err = cacheClient.Gets(key)
	} else {
		f, err = cacheClient.Get(key)
	}
	if err != nil {
		return err
	}

	item, err := f.Get()
	if err != nil {
		return err
	}
	if item == nil {
		fmt.Printf("key=%s, found=false\n", key)
		return nil
	}
	if withCAS {
		fmt.Printf("key=%s, found=true, flags=%d, cas=%d, value=%s\n", key, item.Flags, item.CAS, item.Value)
	} else {
		fmt.Printf("key=%s, found=true, flags=%d, value=%s\n", key, item.Flags, item.Value)
	}
	return nil
}

func runStore(cmd *cobra.Command, name string, args []string, store storeFunc) error {
	flags, exp, err := storeFlags(cmd)
	if err != nil {
		return err
	}
	f, err := store(args[0], []byte(args[1]), flags, exp)
	if err != nil {
		return err
	}
	return printStored(name, f)
}

func runMutate(cmd *cobra.Command, args []string, mutate mutateFunc) error {
	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("delta must be a number: %w", err)
	}
	initial, _ := cmd.Flags().GetUint64("initial")
	exp, _ := cmd.Flags().GetUint32("exp")
	if noCreate, _ := cmd.Flags().GetBool("no-create"); noCreate {
		exp = protocol.NoCreate
	}

	f, err := mutate(args[0], delta, initial, exp)
	if err != nil {
		return err
	}
	value, err := f.Get()
	if err != nil {
		return err
	}
	if status := f.Status(); !status.Success {
		fmt.Printf("key=%s, %s\n", args[0], status)
		return nil
	}
	fmt.Printf("key=%s, value=%d\n", args[0], value)
	return nil
}

func storeFlags(cmd *cobra.Command) (uint32, uint32, error) {
	flags, err := cmd.Flags().GetUint32("flags")
	if err != nil {
		return 0, 0, err
	}
	exp, err := cmd.Flags().GetUint32("exp")
	return flags, exp, err
}

func printStored(name string, f *client.OperationFuture[bool]) error {
	stored, err := f.Get()
	if err != nil {
		return err
	}
	if stored {
		fmt.Printf("%s successfully (cas=%d)\n", name, f.Status().CAS)
	} else {
		fmt.Printf("%s failed: %s\n", name, f.Status())
	}
	return nil
}
