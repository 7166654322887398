// Package cmd implements the command-line interface of dMC. It provides a
// hierarchical command structure for talking to memcached servers through the
// client engine and for running a local test server.
//
// The package is organized into several subpackages:
//
//   - kv: Cache commands (get, mget, set, cas, incr, flush, stats, ...) and the perf load generator
//   - route: Inspects how keys are distributed over a set of servers without connecting
//   - serve: Starts one or more in-memory memcached servers for experiments
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set by an environment variable DMC_<FLAG> (e.g. DMC_SERVERS,
// DMC_FAILURE_MODE); .env and .env.local files in the working directory are loaded.
//
// See dmc -help for a list of all commands.
package cmd
