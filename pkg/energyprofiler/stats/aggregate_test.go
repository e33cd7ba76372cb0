package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
)

func buildSet(t *testing.T, energies []float64, seal bool) *types.RunSet {
	t.Helper()
	set, err := types.NewRunSet("flask", "python", "/json", len(energies))
	require.NoError(t, err)
	for i, wh := range energies {
		require.NoError(t, set.Append(types.RunRecord{
			Framework:       "flask",
			Language:        "python",
			EndpointName:    "/json",
			DurationSeconds: 15 + float64(i),
			EnergyWh:        wh,
			CPUWattHours:    wh * 0.8,
			RAMWattHours:    wh * 0.2,
			EmissionsMgCO2e: wh * 475,
		}))
	}
	if seal {
		set.Seal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	}
	return set
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		mean   float64
		median float64
		stddev float64
		min    float64
		max    float64
	}{
		{name: "even count", values: []float64{3, 1, 4, 1}, mean: 2.25, median: 2.0, stddev: 1.2990381, min: 1, max: 4},
		{name: "odd count", values: []float64{5, 1, 3}, mean: 3, median: 3, stddev: 1.6329932, min: 1, max: 5},
		{name: "single value", values: []float64{0.42}, mean: 0.42, median: 0.42, stddev: 0, min: 0.42, max: 0.42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.values)
			assert.Equal(t, tt.values, got.Values, "values must keep run order")
			assert.InDelta(t, tt.mean, got.Mean, 1e-6)
			assert.InDelta(t, tt.median, got.Median, 1e-6)
			assert.InDelta(t, tt.stddev, got.StdDev, 1e-6)
			assert.Equal(t, tt.min, got.Min)
			assert.Equal(t, tt.max, got.Max)
			assert.LessOrEqual(t, got.Min, got.Median)
			assert.LessOrEqual(t, got.Median, got.Max)
			assert.LessOrEqual(t, got.Min, got.Mean)
			assert.LessOrEqual(t, got.Mean, got.Max)
		})
	}
}

func TestComputeAllValuesEqual(t *testing.T) {
	for _, v := range []float64{0.1, 0.3, 0.7, 0.124, 123.456} {
		for n := 1; n <= 10; n++ {
			values := make([]float64, n)
			for i := range values {
				values[i] = v
			}
			got := Compute(values)
			assert.Equal(t, v, got.Mean, "v=%v n=%d", v, n)
			assert.Equal(t, v, got.Median, "v=%v n=%d", v, n)
			assert.Equal(t, v, got.Min, "v=%v n=%d", v, n)
			assert.Equal(t, v, got.Max, "v=%v n=%d", v, n)
			assert.Zero(t, got.StdDev, "v=%v n=%d", v, n)
		}
	}
}

func TestComputeMeanWithinRange(t *testing.T) {
	values := []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1000000000000001}
	got := Compute(values)
	assert.LessOrEqual(t, got.Min, got.Mean)
	assert.LessOrEqual(t, got.Mean, got.Max)
}

func TestComputeDoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 4, 1}
	Compute(values)
	assert.Equal(t, []float64{3, 1, 4, 1}, values)
}

func TestAggregateRejectsIncompleteInput(t *testing.T) {
	_, err := Aggregate(buildSet(t, []float64{0.1, 0.2}, false))
	assert.True(t, errors.Is(err, types.ErrInsufficientData))

	set, err := types.NewRunSet("flask", "python", "/json", 3)
	require.NoError(t, err)
	set.Seal(time.Now())
	_, err = Aggregate(set)
	assert.True(t, errors.Is(err, types.ErrInsufficientData))

	_, err = Aggregate(nil)
	assert.Equal(t, types.KindInsufficientData, types.KindOf(err))
}

func TestAggregateIsIdempotent(t *testing.T) {
	set := buildSet(t, []float64{0.124, 0.128, 0.123}, true)

	first, err := Aggregate(set)
	require.NoError(t, err)
	second, err := Aggregate(set)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAggregateFlaskJSON(t *testing.T) {
	summary, err := Aggregate(buildSet(t, []float64{0.124, 0.128, 0.123}, true))
	require.NoError(t, err)

	assert.Equal(t, "flask", summary.Framework)
	assert.Equal(t, "/json", summary.EndpointName)
	assert.Equal(t, 3, summary.RunCount)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), summary.Timestamp)

	energy := summary.Statistics.EnergyWh
	assert.Equal(t, []float64{0.124, 0.128, 0.123}, energy.Values)
	assert.InDelta(t, 0.125, energy.Mean, 1e-9)
	assert.InDelta(t, 0.124, energy.Median, 1e-12)
	assert.InDelta(t, 0.0021602, energy.StdDev, 1e-6)
	assert.Equal(t, 0.123, energy.Min)
	assert.Equal(t, 0.128, energy.Max)

	assert.InDelta(t, 0.125*475, summary.Statistics.EmissionsMgCO2e.Mean, 1e-6)
	assert.InDelta(t, 16, summary.Statistics.DurationS.Mean, 1e-9)
	assert.InDelta(t, 0.1, summary.Statistics.CPUEnergyWh.Mean, 1e-9)
}
