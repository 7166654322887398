package metrics

import (
	"io"
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// NewVictoriaCollector creates a collector backed by a private VictoriaMetrics set
func NewVictoriaCollector() *VictoriaCollector {
	return &VictoriaCollector{
		set:    vm.NewSet(),
		gauges: xsync.NewMapOf[string, *atomic.Int64](),
	}
}

// VictoriaCollector implements IMetricCollector with VictoriaMetrics/metrics.
// Meters are exported as counters; the rate is derived by the scraper.
type VictoriaCollector struct {
	set    *vm.Set
	gauges *xsync.MapOf[string, *atomic.Int64]
}

// --------------------------------------------------------------------------
// Interface Methods (docu see metrics.IMetricCollector)
// --------------------------------------------------------------------------

func (c *VictoriaCollector) IncCounter(name string, delta int64) {
	c.set.GetOrCreateCounter(name).Add(int(delta))
}

func (c *VictoriaCollector) MarkMeter(name string, n int64) {
	c.set.GetOrCreateCounter(name).Add(int(n))
}

func (c *VictoriaCollector) UpdateHistogram(name string, value int64) {
	c.set.GetOrCreateHistogram(name).Update(float64(value))
}

func (c *VictoriaCollector) SetGauge(name string, value int64) {
	v, loaded := c.gauges.LoadOrCompute(name, func() *atomic.Int64 {
		return new(atomic.Int64)
	})
	v.Store(value)
	if !loaded {
		c.set.GetOrCreateGauge(name, func() float64 {
			return float64(v.Load())
		})
	}
}

// Dump writes all metrics in the Prometheus text format
func (c *VictoriaCollector) Dump(w io.Writer) error {
	c.set.WritePrometheus(w)
	return nil
}

func (c *VictoriaCollector) Name() string {
	return "victoria"
}

// Counter returns the current value of a counter
func (c *VictoriaCollector) Counter(name string) uint64 {
	return c.set.GetOrCreateCounter(name).Get()
}
