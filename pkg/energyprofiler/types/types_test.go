package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() RunRecord {
	return RunRecord{
		Framework:       "flask",
		Language:        "python",
		EndpointName:    "/json",
		StartedAt:       time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		DurationSeconds: 15.2,
		EnergyWh:        0.124,
		CPUWattHours:    0.1,
		RAMWattHours:    0.024,
		EmissionsMgCO2e: 58.9,
		PowerCPUWatts:   23.7,
		PowerRAMWatts:   5.7,
		Metadata:        map[string]string{"cpu_model": "test"},
	}
}

func TestRunRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *RunRecord)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *RunRecord) {}},
		{name: "zero duration", mutate: func(r *RunRecord) { r.DurationSeconds = 0 }, wantErr: true},
		{name: "negative energy", mutate: func(r *RunRecord) { r.EnergyWh = -1 }, wantErr: true},
		{name: "negative power", mutate: func(r *RunRecord) { r.PowerGPUWatts = -0.1 }, wantErr: true},
		{name: "component mismatch", mutate: func(r *RunRecord) { r.EnergyWh = 0.2 }, wantErr: true},
		{name: "within relative tolerance", mutate: func(r *RunRecord) { r.EnergyWh = 0.1245 }},
		{name: "all zero energy", mutate: func(r *RunRecord) {
			r.EnergyWh, r.CPUWattHours, r.RAMWattHours = 0, 0, 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunSetLifecycle(t *testing.T) {
	_, err := NewRunSet("flask", "python", "/json", 0)
	require.Error(t, err)

	set, err := NewRunSet("flask", "python", "/json", 2)
	require.NoError(t, err)

	r := validRecord()
	require.NoError(t, set.Append(r))
	assert.False(t, set.Complete())

	other := validRecord()
	other.Framework = "django"
	assert.Error(t, set.Append(other), "identity mismatch must be rejected")

	require.NoError(t, set.Append(r))
	assert.True(t, set.Complete())
	assert.Error(t, set.Append(r), "append past capacity must be rejected")

	sealedAt := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	set.Seal(sealedAt)
	set.Seal(sealedAt.Add(time.Hour))
	assert.True(t, set.Sealed())
	assert.Equal(t, sealedAt, set.SealedAt())
	assert.Error(t, set.Append(r))
}

func TestRunSetRecordsAreCopies(t *testing.T) {
	set, err := NewRunSet("flask", "python", "/json", 1)
	require.NoError(t, err)

	r := validRecord()
	require.NoError(t, set.Append(r))
	r.Metadata["cpu_model"] = "changed"

	got := set.Records()
	assert.Equal(t, "test", got[0].Metadata["cpu_model"])

	got[0].Metadata["cpu_model"] = "changed again"
	got[0].EnergyWh = 99
	again := set.Records()
	assert.Equal(t, "test", again[0].Metadata["cpu_model"])
	assert.Equal(t, 0.124, again[0].EnergyWh)
}

func TestRunSetValues(t *testing.T) {
	set, err := NewRunSet("flask", "python", "/json", 3)
	require.NoError(t, err)
	for _, wh := range []float64{0.3, 0.1, 0.2} {
		r := validRecord()
		r.EnergyWh, r.CPUWattHours, r.RAMWattHours = wh, wh, 0
		require.NoError(t, set.Append(r))
	}

	values, err := set.Values(MetricEnergyWh)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.3, 0.1, 0.2}, values)

	_, err = set.Values("bogus")
	assert.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("run 2: %w", NewRunError(KindTargetUnavailable, "readiness", cause))

	assert.True(t, errors.Is(err, ErrTargetUnavailable))
	assert.False(t, errors.Is(err, ErrEnergyDataMissing))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTargetUnavailable, KindOf(err))

	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindInsufficientData, KindOf(fmt.Errorf("x: %w", ErrInsufficientData)))
}

func TestSessionFailure(t *testing.T) {
	failure := &SessionFailure{
		RunIndex: 2,
		Kind:     KindLoadGenerationFailed,
		Attempts: []Attempt{
			{RunIndex: 1, Attempt: 1, Success: true},
			{RunIndex: 2, Attempt: 1, Kind: KindLoadGenerationFailed},
			{RunIndex: 2, Attempt: 2, Kind: KindLoadGenerationFailed},
		},
		Err: NewRunError(KindLoadGenerationFailed, "wrk", errors.New("exit status 1")),
	}

	var err error = failure
	assert.True(t, errors.Is(err, ErrLoadGenerationFailed))
	assert.Equal(t, KindLoadGenerationFailed, KindOf(err))
	assert.Contains(t, err.Error(), "run 2 after 2 attempt(s)")

	var sf *SessionFailure
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &sf))
	assert.Len(t, sf.Attempts, 3)
}
