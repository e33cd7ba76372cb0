package stats

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
)

// Aggregate reduces a sealed, non-empty run set to an energy summary. The
// summary timestamp is the seal time of the run set, so aggregating the same
// set twice yields identical summaries.
func Aggregate(set *types.RunSet) (*types.EnergySummary, error) {
	if set == nil {
		return nil, types.NewRunError(types.KindInsufficientData, "aggregate", fmt.Errorf("no run set"))
	}
	if !set.Sealed() {
		return nil, types.NewRunError(types.KindInsufficientData, "aggregate",
			fmt.Errorf("run set for %s/%s is not sealed", set.Language(), set.Framework()))
	}
	if set.Len() == 0 {
		return nil, types.NewRunError(types.KindInsufficientData, "aggregate",
			fmt.Errorf("run set for %s/%s has no runs", set.Language(), set.Framework()))
	}

	summary := &types.EnergySummary{
		Framework:    set.Framework(),
		Language:     set.Language(),
		EndpointName: set.EndpointName(),
		RunCount:     set.Len(),
		Timestamp:    set.SealedAt(),
	}

	targets := []struct {
		metric string
		dst    *types.MetricStatistics
	}{
		{types.MetricEnergyWh, &summary.Statistics.EnergyWh},
		{types.MetricEmissionsMg, &summary.Statistics.EmissionsMgCO2e},
		{types.MetricDurationS, &summary.Statistics.DurationS},
		{types.MetricCPUEnergyWh, &summary.Statistics.CPUEnergyWh},
		{types.MetricRAMEnergyWh, &summary.Statistics.RAMEnergyWh},
	}
	for _, target := range targets {
		values, err := set.Values(target.metric)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", target.metric, err)
		}
		*target.dst = Compute(values)
	}

	return summary, nil
}

// Compute returns mean, median, population standard deviation, min and max of
// values. Values are kept in the given order. An empty input yields zeros.
func Compute(values []float64) types.MetricStatistics {
	out := types.MetricStatistics{Values: append([]float64(nil), values...)}
	if len(values) == 0 {
		out.Values = []float64{}
		return out
	}

	out.Min = floats.Min(values)
	out.Max = floats.Max(values)
	if out.Min == out.Max {
		out.Mean, out.Median = out.Min, out.Min
		return out
	}

	// sum / n can round just outside the observed range
	out.Mean = math.Max(out.Min, math.Min(out.Max, stat.Mean(values, nil)))
	out.StdDev = stat.PopStdDev(values, nil)
	out.Median = Median(values)
	return out
}

// Median of values; the mean of the two middle elements for even lengths
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
