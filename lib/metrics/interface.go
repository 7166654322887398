package metrics

import (
	"fmt"
	"io"
	"strings"
)

// Metric names reported by the I/O reactor
const (
	RequestsTotal     = "dmc_requests_total"
	ResponsesTotal    = "dmc_responses_total"
	BytesWritten      = "dmc_bytes_written_total"
	BytesRead         = "dmc_bytes_read_total"
	TimeoutsTotal     = "dmc_timeouts_total"
	CancelledTotal    = "dmc_cancelled_total"
	ReconnectsTotal   = "dmc_reconnects_total"
	ConnectedNodes    = "dmc_connected_nodes"
	QueuedOperations  = "dmc_queued_operations"
	OperationLatency  = "dmc_operation_latency_us"
	OptimizedRequests = "dmc_optimized_requests_total"
)

// IMetricCollector receives the metrics of the client engine
type IMetricCollector interface {
	// IncCounter adds delta to a monotonically increasing counter
	IncCounter(name string, delta int64)
	// MarkMeter records n events for a rate meter
	MarkMeter(name string, n int64)
	// UpdateHistogram records one sample
	UpdateHistogram(name string, value int64)
	// SetGauge sets the current value of a gauge
	SetGauge(name string, value int64)
	// Dump writes a human or machine readable dump of all metrics
	Dump(w io.Writer) error
	// Name returns the collector type
	Name() string
}

// NewCollector creates a collector by type name ("gometrics", "victoria" or "none")
func NewCollector(kind string) (IMetricCollector, error) {
	switch strings.ToLower(kind) {
	case "gometrics", "go-metrics":
		return NewGoMetricsCollector(), nil
	case "victoria", "prometheus":
		return NewVictoriaCollector(), nil
	case "", "none", "noop":
		return NoopCollector{}, nil
	default:
		return nil, fmt.Errorf("unknown metrics type %q (must be one of gometrics, victoria, none)", kind)
	}
}

// --------------------------------------------------------------------------
// Noop Collector
// --------------------------------------------------------------------------

// NoopCollector discards all metrics
type NoopCollector struct{}

func (NoopCollector) IncCounter(string, int64)      {}
func (NoopCollector) MarkMeter(string, int64)       {}
func (NoopCollector) UpdateHistogram(string, int64) {}
func (NoopCollector) SetGauge(string, int64)        {}
func (NoopCollector) Dump(io.Writer) error          { return nil }
func (NoopCollector) Name() string                  { return "none" }
