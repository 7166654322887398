package route

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/ValentinKolb/dMC/cmd/util"
	"github.com/ValentinKolb/dMC/lib/locator"
	libutil "github.com/ValentinKolb/dMC/lib/util"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// RouteCmd shows how keys are mapped to servers without connecting to them
	RouteCmd = &cobra.Command{
		Use:   "route [key...]",
		Short: "Show which server owns a key",
		Long: `Show the primary server and the fallback sequence of every key. With --sample
random keys are routed and the spread over the servers is reported. --remove
additionally reports how many of the sampled keys move if one server is removed.`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return util.BindCommandFlags(cmd)
		},
		RunE: run,
	}
)

// endpoint is a server name a locator can route to
type endpoint string

func (e endpoint) Name() string { return string(e) }

func init() {
	d := common.DefaultClientConfig()

	key := "servers"
	RouteCmd.Flags().String(key, strings.Join(d.Endpoints, ","), util.WrapString("Comma-separated list of memcached servers"))
	key = "locator"
	RouteCmd.Flags().String(key, d.Locator, util.WrapString("How keys are mapped to servers (ketama, arraymod)"))
	key = "hash"
	RouteCmd.Flags().String(key, d.HashAlgorithm, util.WrapString("The key hash algorithm"))
	key = "repetitions"
	RouteCmd.Flags().Int(key, d.Repetitions, util.WrapString("Number of points per server on the ketama continuum"))
	key = "sample"
	RouteCmd.Flags().Int(key, 0, util.WrapString("Number of random keys to route for the distribution report"))
	key = "remove"
	RouteCmd.Flags().String(key, "", util.WrapString("A server to remove for the remapping report (requires --sample)"))
	key = "json"
	RouteCmd.Flags().Bool(key, false, util.WrapString("Print the distribution report as JSON"))
}

func run(_ *cobra.Command, args []string) error {
	var servers []endpoint
	for _, s := range strings.Split(viper.GetString("servers"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, endpoint(s))
		}
	}

	loc, err := build(servers)
	if err != nil {
		return err
	}

	for _, key := range args {
		var seq []string
		for _, n := range loc.GetSequence(key) {
			seq = append(seq, n.Name())
		}
		fmt.Printf("key=%s, primary=%s, sequence=[%s]\n", key, loc.GetPrimary(key).Name(), strings.Join(seq, ", "))
	}

	sample := viper.GetInt("sample")
	if sample <= 0 {
		return nil
	}
	keys := sampleKeys(sample)
	report := distributionReport{
		Keys:   sample,
		Counts: locator.Distribution(loc, keys),
	}
	report.Stats = libutil.NewDistributionStatsFromCounts(report.Counts)

	if removed := viper.GetString("remove"); removed != "" {
		moved, err := remapped(loc, servers, endpoint(removed), keys)
		if err != nil {
			return err
		}
		report.Removed = removed
		report.MovedKeys = moved
	}

	if viper.GetBool("json") {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	report.print()
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type distributionReport struct {
	Keys      int                       `json:"keys"`
	Counts    map[string]int            `json:"counts"`
	Stats     libutil.DistributionStats `json:"stats"`
	Removed   string                    `json:"removed,omitempty"`
	MovedKeys int                       `json:"moved_keys,omitempty"`
}

func (r distributionReport) print() {
	fmt.Printf("\n%d keys:\n", r.Keys)
	for _, name := range libutil.SortedKeys(r.Counts) {
		fmt.Printf("  %-24s %8d (%5.1f%%)\n", name, r.Counts[name], 100*float64(r.Counts[name])/float64(r.Keys))
	}
	fmt.Printf("  mean %.1f, std deviation %.1f, min/max %.2f, quality %.3f\n",
		r.Stats.Mean, r.Stats.StdDeviation, r.Stats.MinMaxRatio, r.Stats.DistributionQuality)
	if r.Removed != "" {
		fmt.Printf("  removing %s moves %d keys (%.1f%%), %d of them were owned by it\n",
			r.Removed, r.MovedKeys, 100*float64(r.MovedKeys)/float64(r.Keys), r.Counts[r.Removed])
	}
}

func build(servers []endpoint) (locator.INodeLocator[endpoint], error) {
	t, err := locator.ParseType(viper.GetString("locator"))
	if err != nil {
		return nil, err
	}
	alg, err := locator.ParseHashAlgorithm(viper.GetString("hash"))
	if err != nil {
		return nil, err
	}
	return locator.New(t, servers, alg, viper.GetInt("repetitions"))
}

// remapped counts the keys whose primary changes if removed leaves the pool
func remapped(loc locator.INodeLocator[endpoint], servers []endpoint, removed endpoint, keys []string) (int, error) {
	var remaining []endpoint
	for _, s := range servers {
		if s != removed {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == len(servers) {
		return 0, fmt.Errorf("server %s is not part of --servers", removed)
	}
	after, err := build(remaining)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, k := range keys {
		if loc.GetPrimary(k) != after.GetPrimary(k) {
			moved++
		}
	}
	return moved, nil
}

func sampleKeys(n int) []string {
	rnd := rand.New(rand.NewPCG(libutil.GenerateSeed(), libutil.GenerateSeed()))
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key:%016x", rnd.Uint64())
	}
	return keys
}
