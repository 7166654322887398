package util

import (
	"math"
	"sort"
)

// ----------------------------------------------------------------------------
// Summary Statistics
// ----------------------------------------------------------------------------

// Stats summarizes a set of values
type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, population standard deviation, minimum and maximum
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	min, max := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}

	ratio := 1.0
	if max > 0 {
		ratio = min / max
	}

	return Stats{
		StdDeviation: math.Sqrt(sq / float64(len(values))),
		Min:          min,
		Max:          max,
		Mean:         mean,
		MinMaxRatio:  ratio,
	}
}

// ----------------------------------------------------------------------------
// Key Distribution
// ----------------------------------------------------------------------------

// DistributionStats rates how evenly keys are spread over nodes
type DistributionStats struct {
	Stats
	// DistributionQuality is 1 for a perfectly even spread and approaches 0
	// when all keys land on one node
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats computes quality metrics for per-node key counts
func NewDistributionStats(counts []float64) DistributionStats {
	stats := NewStats(counts)

	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	// lower coefficient of variation and higher min/max ratio mean a better spread
	return DistributionStats{
		Stats:               stats,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// NewDistributionStatsFromCounts is NewDistributionStats for a name -> count map
// as returned by locator.Distribution
func NewDistributionStatsFromCounts(counts map[string]int) DistributionStats {
	values := make([]float64, 0, len(counts))
	for _, name := range SortedKeys(counts) {
		values = append(values, float64(counts[name]))
	}
	return NewDistributionStats(values)
}

// SortedKeys returns the keys of a map in ascending order
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
