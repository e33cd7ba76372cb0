package types

import (
	"fmt"
	"math"
	"time"
)

// Metric names tracked per session
const (
	MetricEnergyWh     = "energy_wh"
	MetricEmissionsMg  = "emissions_mg_co2e"
	MetricDurationS    = "duration_s"
	MetricCPUEnergyWh  = "cpu_energy_wh"
	MetricRAMEnergyWh  = "ram_energy_wh"
	energyAbsTolerance = 1e-6 // Wh
	energyRelTolerance = 0.01
)

// RunRecord is one measurement trial. It is a value type: once built by the
// run controller it is only ever copied.
type RunRecord struct {
	Framework       string            `json:"framework"`
	Language        string            `json:"language"`
	EndpointName    string            `json:"endpoint_name"`
	StartedAt       time.Time         `json:"started_at"`
	DurationSeconds float64           `json:"duration_seconds"`
	EnergyWh        float64           `json:"energy_wh"`
	CPUWattHours    float64           `json:"cpu_watt_hours"`
	RAMWattHours    float64           `json:"ram_watt_hours"`
	GPUWattHours    float64           `json:"gpu_watt_hours"`
	EmissionsMgCO2e float64           `json:"emissions_mg_co2e"`
	PowerCPUWatts   float64           `json:"power_cpu_watts"`
	PowerRAMWatts   float64           `json:"power_ram_watts"`
	PowerGPUWatts   float64           `json:"power_gpu_watts"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks the record invariants: positive duration, non-negative
// energy, power and emissions, and energy matching its component sum.
func (r RunRecord) Validate() error {
	if r.DurationSeconds <= 0 || math.IsNaN(r.DurationSeconds) {
		return fmt.Errorf("duration must be positive, got %v", r.DurationSeconds)
	}

	fields := []struct {
		name  string
		value float64
	}{
		{"energy_wh", r.EnergyWh},
		{"cpu_watt_hours", r.CPUWattHours},
		{"ram_watt_hours", r.RAMWattHours},
		{"gpu_watt_hours", r.GPUWattHours},
		{"emissions_mg_co2e", r.EmissionsMgCO2e},
		{"power_cpu_watts", r.PowerCPUWatts},
		{"power_ram_watts", r.PowerRAMWatts},
		{"power_gpu_watts", r.PowerGPUWatts},
	}
	for _, f := range fields {
		if f.value < 0 || math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%s must be a non-negative number, got %v", f.name, f.value)
		}
	}

	sum := r.CPUWattHours + r.RAMWattHours + r.GPUWattHours
	diff := math.Abs(r.EnergyWh - sum)
	if diff > energyAbsTolerance && diff > energyRelTolerance*math.Max(r.EnergyWh, sum) {
		return fmt.Errorf("energy_wh %.9f does not match cpu+ram+gpu %.9f", r.EnergyWh, sum)
	}

	return nil
}

func (r RunRecord) clone() RunRecord {
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

// RunSet is the ordered sequence of runs for one (framework, endpoint) pair.
// It accepts at most Capacity records and becomes read-only once sealed.
type RunSet struct {
	framework string
	language  string
	endpoint  string
	capacity  int
	records   []RunRecord
	sealed    bool
	sealedAt  time.Time
}

// NewRunSet creates an empty run set for the given identity and run count
func NewRunSet(framework, language, endpoint string, runCount int) (*RunSet, error) {
	if runCount < 1 {
		return nil, fmt.Errorf("run count must be at least 1, got %d", runCount)
	}
	return &RunSet{
		framework: framework,
		language:  language,
		endpoint:  endpoint,
		capacity:  runCount,
		records:   make([]RunRecord, 0, runCount),
	}, nil
}

// Append adds a record in run order
func (s *RunSet) Append(r RunRecord) error {
	if s.sealed {
		return fmt.Errorf("run set for %s/%s is sealed", s.language, s.framework)
	}
	if len(s.records) >= s.capacity {
		return fmt.Errorf("run set already holds %d of %d runs", len(s.records), s.capacity)
	}
	if r.Framework != s.framework || r.Language != s.language || r.EndpointName != s.endpoint {
		return fmt.Errorf("record identity %s/%s%s does not match run set %s/%s%s",
			r.Language, r.Framework, r.EndpointName, s.language, s.framework, s.endpoint)
	}
	s.records = append(s.records, r.clone())
	return nil
}

// Seal makes the run set read-only. Sealing twice keeps the first seal time.
func (s *RunSet) Seal(at time.Time) {
	if s.sealed {
		return
	}
	s.sealed = true
	s.sealedAt = at
}

func (s *RunSet) Sealed() bool         { return s.sealed }
func (s *RunSet) SealedAt() time.Time  { return s.sealedAt }
func (s *RunSet) Len() int             { return len(s.records) }
func (s *RunSet) Capacity() int        { return s.capacity }
func (s *RunSet) Complete() bool       { return len(s.records) == s.capacity }
func (s *RunSet) Framework() string    { return s.framework }
func (s *RunSet) Language() string     { return s.language }
func (s *RunSet) EndpointName() string { return s.endpoint }

// Records returns copies of the records in run order
func (s *RunSet) Records() []RunRecord {
	out := make([]RunRecord, len(s.records))
	for i, r := range s.records {
		out[i] = r.clone()
	}
	return out
}

// Values extracts one metric across all runs, in run order
func (s *RunSet) Values(metric string) ([]float64, error) {
	values := make([]float64, len(s.records))
	for i, r := range s.records {
		switch metric {
		case MetricEnergyWh:
			values[i] = r.EnergyWh
		case MetricEmissionsMg:
			values[i] = r.EmissionsMgCO2e
		case MetricDurationS:
			values[i] = r.DurationSeconds
		case MetricCPUEnergyWh:
			values[i] = r.CPUWattHours
		case MetricRAMEnergyWh:
			values[i] = r.RAMWattHours
		default:
			return nil, fmt.Errorf("unknown metric %q", metric)
		}
	}
	return values, nil
}

// MetricStatistics summarises one metric across a run set
type MetricStatistics struct {
	Values []float64 `json:"values"`
	Mean   float64   `json:"mean"`
	Median float64   `json:"median"`
	StdDev float64   `json:"stddev"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
}

// Statistics groups the tracked metrics of a summary
type Statistics struct {
	EnergyWh        MetricStatistics `json:"energy_wh"`
	EmissionsMgCO2e MetricStatistics `json:"emissions_mg_co2e"`
	DurationS       MetricStatistics `json:"duration_s"`
	CPUEnergyWh     MetricStatistics `json:"cpu_energy_wh"`
	RAMEnergyWh     MetricStatistics `json:"ram_energy_wh"`
}

// EnergySummary is the final report unit of a session
type EnergySummary struct {
	Framework    string     `json:"framework"`
	Language     string     `json:"language"`
	EndpointName string     `json:"endpoint_name"`
	RunCount     int        `json:"runs"`
	Timestamp    time.Time  `json:"timestamp"`
	Statistics   Statistics `json:"statistics"`
}
