package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	cmdutil "github.com/ValentinKolb/dMC/cmd/util"
	"github.com/ValentinKolb/dMC/lib/metrics"
	"github.com/ValentinKolb/dMC/lib/util"
	"github.com/ValentinKolb/dMC/rpc/client"
	"github.com/ValentinKolb/dMC/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Load generator for memcached servers",
		Long:    "Runs a series of workloads against the configured servers and reports throughput and latency percentiles. Every workload runs with --threads workers for --duration.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__perf"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfBulkSize         = 10
	perfDuration         = 5 * time.Second
	perfRate             = 0
	perfSkip             = make([]string, 0)
)

// perfResult is the outcome of one workload
type perfResult struct {
	Name     string
	Ops      int64
	Errors   int64
	Duration time.Duration
	P50      time.Duration
	P99      time.Duration
	Skipped  bool
}

// OpsPerSec returns the throughput of the workload
func (r perfResult) OpsPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Duration.Seconds()
}

// perfWorkload executes one request, i counts the requests of the worker
type perfWorkload struct {
	name    string
	prepare func(keys []string) error
	run     func(rnd *rand.Rand, keys []string, i int) error
}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", cmdutil.WrapString("Workloads to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, cmdutil.WrapString("Number of concurrent workers per workload"))
	key = "duration"
	perfTestCmd.Flags().Duration(key, 5*time.Second, cmdutil.WrapString("How long each workload runs"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, cmdutil.WrapString("How large the value for the set-large workload should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, cmdutil.WrapString("How many different keys to use for the workloads"))
	key = "bulk-size"
	perfTestCmd.Flags().Int(key, 10, cmdutil.WrapString("Number of keys per request of the mget workload"))
	key = "rate"
	perfTestCmd.Flags().Int(key, 0, cmdutil.WrapString("Upper bound of requests per second over all workers (0 is unlimited)"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", cmdutil.WrapString("Optional path to save the results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfBulkSize = max(1, viper.GetInt("bulk-size"))
	perfDuration = viper.GetDuration("duration")
	perfRate = viper.GetInt("rate")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Load generator for memcached servers")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(clientConfig.String())
	fmt.Printf("Threads: %d, Duration: %s, Rate: %d/s\n", perfNumThreads, perfDuration, perfRate)
	fmt.Println()

	fmt.Println("starting workloads...")

	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	workloads := []perfWorkload{
		{
			name: "set",
			run: func(_ *rand.Rand, keys []string, i int) error {
				return awaitStore(cacheClient.Set(keys[i%len(keys)], []byte("test"), 0, 0))
			},
		},
		{
			name: "set-large",
			run: func(_ *rand.Rand, keys []string, i int) error {
				return awaitStore(cacheClient.Set(keys[i%len(keys)], largeValue, 0, 0))
			},
		},
		{
			name:    "get",
			prepare: seedKeys,
			run: func(rnd *rand.Rand, keys []string, _ int) error {
				f, err := cacheClient.Get(keys[rnd.IntN(len(keys))])
				if err != nil {
					return err
				}
				_, err = f.Get()
				return err
			},
		},
		{
			name: "get-miss",
			run: func(rnd *rand.Rand, keys []string, _ int) error {
				f, err := cacheClient.Get(keys[rnd.IntN(len(keys))] + "-miss")
				if err != nil {
					return err
				}
				_, err = f.Get()
				return err
			},
		},
		{
			name:    "mget",
			prepare: seedKeys,
			run: func(rnd *rand.Rand, keys []string, _ int) error {
				batch := make([]string, perfBulkSize)
				for j := range batch {
					batch[j] = keys[rnd.IntN(len(keys))]
				}
				bulk, err := cacheClient.GetBulk(batch...)
				if err != nil {
					return err
				}
				_, err = bulk.Get()
				return err
			},
		},
		{
			name: "incr",
			run: func(rnd *rand.Rand, keys []string, _ int) error {
				f, err := cacheClient.Incr(keys[rnd.IntN(len(keys))], 1, 0, 0)
				if err != nil {
					return err
				}
				_, err = f.Get()
				return err
			},
		},
		{
			name:    "mixed",
			prepare: seedKeys,
			run: func(rnd *rand.Rand, keys []string, i int) error {
				key := keys[rnd.IntN(len(keys))]
				switch i % 4 {
				case 0:
					return awaitStore(cacheClient.Set(key, []byte("test"), 0, 0))
				case 3:
					f, err := cacheClient.Delete(key)
					if err != nil {
						return err
					}
					_, err = f.Get()
					return err
				default:
					f, err := cacheClient.Get(key)
					if err != nil {
						return err
					}
					_, err = f.Get()
					return err
				}
			},
		},
	}

	var results []perfResult
	for _, w := range workloads {
		result, err := runWorkload(w)
		if err != nil {
			return fmt.Errorf("workload %s failed: %w", w.name, err)
		}
		results = append(results, result)
		printResult(result)
	}

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, clientConfig); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// runWorkload runs w with perfNumThreads workers until perfDuration elapsed
func runWorkload(w perfWorkload) (perfResult, error) {
	if shouldSkip(w.name) {
		return perfResult{Name: w.name, Skipped: true}, nil
	}

	keys := getKeys(w.name)
	if w.prepare != nil {
		if err := w.prepare(keys); err != nil {
			return perfResult{}, err
		}
	}
	defer cleanupKeys(keys)

	latency := metrics.NewGoMetricsCollector()
	var errCount atomic.Int64
	histogram := "latency_us"

	ctx, cancel := context.WithTimeout(context.Background(), perfDuration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if perfRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(perfRate), max(1, perfRate/100))
	}

	start := time.Now()
	g := new(errgroup.Group)
	for worker := 0; worker < perfNumThreads; worker++ {
		g.Go(func() error {
			rnd := rand.New(rand.NewPCG(util.GenerateSeed(), uint64(worker)))
			for i := 0; ctx.Err() == nil; i++ {
				if err := limiter.Wait(ctx); err != nil {
					break
				}
				opStart := time.Now()
				if err := w.run(rnd, keys, i); err != nil {
					if errCount.Add(1) == 1 {
						Logger.Warningf("(%s) first error: %v", w.name, err)
					}
					continue
				}
				latency.UpdateHistogram(histogram, time.Since(opStart).Microseconds())
				latency.IncCounter("ops", 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return perfResult{}, err
	}

	ps := latency.HistogramPercentiles(histogram, 0.5, 0.99)
	return perfResult{
		Name:     w.name,
		Ops:      latency.Counter("ops"),
		Errors:   errCount.Load(),
		Duration: time.Since(start),
		P50:      time.Duration(ps[0]) * time.Microsecond,
		P99:      time.Duration(ps[1]) * time.Microsecond,
	}, nil
}

func shouldSkip(test string) bool {
	return slices.Contains(perfSkip, test)
}

// getKeys creates the key set of a workload
func getKeys(prefix string) []string {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}
	return keys
}

// seedKeys stores a value for every key
func seedKeys(keys []string) error {
	for _, k := range keys {
		if err := awaitStore(cacheClient.Set(k, []byte("test"), 0, 0)); err != nil {
			return err
		}
	}
	return nil
}

func cleanupKeys(keys []string) {
	for _, k := range keys {
		f, err := cacheClient.Delete(k)
		if err == nil {
			_, err = f.Get()
		}
		if err != nil {
			Logger.Warningf("error deleting key %s: %v", k, err)
		}
	}
}

func awaitStore(f *client.OperationFuture[bool], err error) error {
	if err != nil {
		return err
	}
	_, err = f.Get()
	return err
}

// printResult prints the result of a workload in a formatted way
func printResult(r perfResult) {
	if r.Skipped {
		fmt.Printf("%-12sskipped\n", r.Name)
		return
	}
	fmt.Printf("%-12s%10.0f ops/sec\tp50 %-10s p99 %-10s errors %d\n", r.Name, r.OpsPerSec(), r.P50, r.P99, r.Errors)
}

// writeResultsToCSV writes the workload results to a CSV file
func writeResultsToCSV(csvPath string, results []perfResult, config common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "Ops", "OpsPerSec", "P50", "P99", "Errors", "Skipped",
		"Servers", "Protocol", "Locator", "Hash", "Optimize", "Timeout",
		"Threads", "Duration", "Rate", "LargeValueSizeKB", "Keys Count", "BulkSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		row := []string{
			r.Name,
			strconv.FormatInt(r.Ops, 10),
			fmt.Sprintf("%.0f", r.OpsPerSec()),
			r.P50.String(),
			r.P99.String(),
			strconv.FormatInt(r.Errors, 10),
			strconv.FormatBool(r.Skipped),
			strings.Join(config.Endpoints, ";"),
			config.Protocol,
			config.Locator,
			config.HashAlgorithm,
			strconv.FormatBool(config.ShouldOptimize),
			config.OpTimeout.String(),
			strconv.Itoa(perfNumThreads),
			perfDuration.String(),
			strconv.Itoa(perfRate),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
			strconv.Itoa(perfBulkSize),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.Name, err)
		}
	}

	return nil
}
