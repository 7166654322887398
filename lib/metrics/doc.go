// Package metrics defines the metric sink of the client engine and its implementations.
//
// The I/O reactor reports request and response counts, written and read bytes, timeouts,
// reconnects and the number of connected nodes through IMetricCollector. Which backend
// receives the values is a configuration choice:
//
//   - NewGoMetricsCollector: rcrowley/go-metrics registry (counters, meters with moving
//     rates, histograms with an exponentially decaying sample)
//   - NewVictoriaCollector: VictoriaMetrics/metrics set, exported in the Prometheus text
//     format
//   - NoopCollector: discards everything
//
// All collectors are safe for concurrent use.
package metrics
