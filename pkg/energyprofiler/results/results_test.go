package results

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/workload"
)

var sessionStart = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func record(wh float64) types.RunRecord {
	return types.RunRecord{
		Framework:       "flask",
		Language:        "python",
		EndpointName:    "json",
		StartedAt:       sessionStart,
		DurationSeconds: 15,
		EnergyWh:        wh,
		CPUWattHours:    wh,
		EmissionsMgCO2e: wh * 475,
		PowerCPUWatts:   wh * 3600 / 15,
		Metadata:        map[string]string{"cpu_model": "test"},
	}
}

func outcome(dir string) SessionOutcome {
	summary := &types.EnergySummary{
		Framework:    "flask",
		Language:     "python",
		EndpointName: "json",
		RunCount:     2,
		Timestamp:    sessionStart.Add(time.Minute),
		Statistics: types.Statistics{
			EnergyWh: types.MetricStatistics{Values: []float64{0.1, 0.2}, Mean: 0.15, Median: 0.15, StdDev: 0.05, Min: 0.1, Max: 0.2},
		},
	}
	return SessionOutcome{
		ID:       "session-1",
		Dir:      dir,
		Summary:  summary,
		Runs:     []types.RunRecord{record(0.1), record(0.2)},
		Loads:    []*workload.Result{{Requests: 100, RequestsPerSec: 6.5}},
		Attempts: []types.Attempt{{RunIndex: 1, Attempt: 1, Success: true}, {RunIndex: 2, Attempt: 1, Success: true}},
	}
}

func TestLayout(t *testing.T) {
	dir := SessionDir("results", "python", "flask", sessionStart)
	assert.Equal(t, filepath.Join("results", "python", "flask", "20240501T093000", "energy"), dir)
	assert.Equal(t, filepath.Join(dir, "runs", "run_2"), RunDir(dir, 2))
	assert.Equal(t, filepath.Join(dir, "runs", "run_2_energy.json"), RunReportPath(dir, 2))
	assert.Equal(t, filepath.Join(dir, "energy_runs.json"), SessionReportPath(dir))
}

func TestNewRunReport(t *testing.T) {
	rec := record(0.125)
	r := NewRunReport(1, rec, nil)
	assert.Equal(t, 0.125, r.Energy.TotalWattHours)
	assert.InDelta(t, 0.000125, r.Energy.KilowattHours, 1e-12)
	assert.InDelta(t, 59.375, r.Emissions.MgCarbon, 1e-9)
	assert.InDelta(t, 0.059375, r.Emissions.GCarbon, 1e-12)
	assert.InDelta(t, 0.000059375, r.Emissions.KgCarbon, 1e-15)
	assert.Nil(t, r.Workload)
}

func TestFileWriter(t *testing.T) {
	dir := SessionDir(t.TempDir(), "python", "flask", sessionStart)
	w := NewFileWriter()

	require.NoError(t, w.WriteRun(dir, 1, record(0.1), &workload.Result{Requests: 100}))
	_, err := os.Stat(RunReportPath(dir, 1))
	require.NoError(t, err)

	require.NoError(t, w.WriteSession(outcome(dir)))
	report, err := LoadSessionReport(SessionReportPath(dir))
	require.NoError(t, err)

	assert.Equal(t, "session-1", report.SessionID)
	assert.Equal(t, 2, report.Runs)
	assert.Equal(t, []float64{0.1, 0.2}, report.Statistics.EnergyWh.Values)
	require.Len(t, report.IndividualRuns, 2)
	assert.Equal(t, 2, report.IndividualRuns[1].RunIndex)
	require.NotNil(t, report.IndividualRuns[0].Workload)
	assert.Equal(t, int64(100), report.IndividualRuns[0].Workload.Requests)
	assert.Nil(t, report.IndividualRuns[1].Workload)
	assert.Len(t, report.Attempts, 2)
	assert.True(t, report.Timestamp.Equal(sessionStart.Add(time.Minute)))

	assert.Error(t, w.WriteSession(SessionOutcome{ID: "empty", Dir: dir}))
}

func TestLoadSessionReportErrors(t *testing.T) {
	_, err := LoadSessionReport(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0644))
	_, err = LoadSessionReport(bad)
	assert.Error(t, err)
}

type failingSink struct{ calls int }

func (f *failingSink) WriteRun(string, int, types.RunRecord, *workload.Result) error {
	f.calls++
	return errors.New("disk full")
}

func (f *failingSink) WriteSession(SessionOutcome) error {
	f.calls++
	return errors.New("disk full")
}

func TestSinksFanOut(t *testing.T) {
	dir := t.TempDir()
	failing := &failingSink{}
	sinks := Sinks{failing, NewFileWriter()}

	err := sinks.WriteRun(dir, 1, record(0.1), nil)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, failing.calls)
	_, statErr := os.Stat(RunReportPath(dir, 1))
	assert.NoError(t, statErr, "later sinks still run")

	assert.Error(t, sinks.WriteSession(outcome(dir)))
	assert.NoError(t, Sinks{}.WriteSession(outcome(dir)))
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	defer store.Close()

	dir := "results/python/flask/20240501T093000/energy"
	require.NoError(t, store.WriteRun(dir, 1, record(0.1), &workload.Result{RequestsPerSec: 6.5}))
	require.NoError(t, store.WriteRun(dir, 2, record(0.2), nil))
	require.NoError(t, store.WriteRun(dir, 2, record(0.25), nil))

	n, err := store.RunCount(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first := outcome(dir)
	require.NoError(t, store.WriteSession(first))

	second := outcome("other")
	second.ID = "session-2"
	second.Summary.Framework = "django"
	second.Summary.Timestamp = sessionStart.Add(time.Hour)
	require.NoError(t, store.WriteSession(second))

	all, err := store.RecentSessions("", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "session-2", all[0].ID)

	flask, err := store.RecentSessions("flask", 10)
	require.NoError(t, err)
	require.Len(t, flask, 1)
	assert.Equal(t, "session-1", flask[0].ID)
	assert.Equal(t, 0.15, flask[0].EnergyMeanWh)
	assert.Equal(t, []float64{0.1, 0.2}, flask[0].Statistics.EnergyWh.Values)
	assert.True(t, flask[0].Timestamp.Equal(sessionStart.Add(time.Minute)))
}
