package metrics

import (
	"io"

	gometrics "github.com/rcrowley/go-metrics"
)

// NewGoMetricsCollector creates a collector backed by a private go-metrics registry
func NewGoMetricsCollector() *GoMetricsCollector {
	return &GoMetricsCollector{registry: gometrics.NewRegistry()}
}

// GoMetricsCollector implements IMetricCollector with rcrowley/go-metrics
type GoMetricsCollector struct {
	registry gometrics.Registry
}

// --------------------------------------------------------------------------
// Interface Methods (docu see metrics.IMetricCollector)
// --------------------------------------------------------------------------

func (c *GoMetricsCollector) IncCounter(name string, delta int64) {
	gometrics.GetOrRegisterCounter(name, c.registry).Inc(delta)
}

func (c *GoMetricsCollector) MarkMeter(name string, n int64) {
	gometrics.GetOrRegisterMeter(name, c.registry).Mark(n)
}

func (c *GoMetricsCollector) UpdateHistogram(name string, value int64) {
	gometrics.GetOrRegisterHistogram(name, c.registry, gometrics.NewExpDecaySample(1028, 0.015)).Update(value)
}

func (c *GoMetricsCollector) SetGauge(name string, value int64) {
	gometrics.GetOrRegisterGauge(name, c.registry).Update(value)
}

func (c *GoMetricsCollector) Dump(w io.Writer) error {
	gometrics.WriteOnce(c.registry, w)
	return nil
}

func (c *GoMetricsCollector) Name() string {
	return "gometrics"
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// Registry exposes the underlying registry (e.g. for periodic log reporters)
func (c *GoMetricsCollector) Registry() gometrics.Registry {
	return c.registry
}

// Counter returns the current value of a counter
func (c *GoMetricsCollector) Counter(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, c.registry).Count()
}

// HistogramPercentiles returns the requested percentiles of a histogram
func (c *GoMetricsCollector) HistogramPercentiles(name string, ps ...float64) []float64 {
	h := gometrics.GetOrRegisterHistogram(name, c.registry, gometrics.NewExpDecaySample(1028, 0.015))
	return h.Snapshot().Percentiles(ps)
}

// MeterRate returns the mean rate (events per second) of a meter
func (c *GoMetricsCollector) MeterRate(name string) float64 {
	return gometrics.GetOrRegisterMeter(name, c.registry).Snapshot().RateMean()
}
