package results

import (
	"time"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/workload"
)

// EnergyBreakdown splits run energy by component
type EnergyBreakdown struct {
	TotalWattHours float64 `json:"total_watt_hours"`
	CPUWattHours   float64 `json:"cpu_watt_hours"`
	RAMWattHours   float64 `json:"ram_watt_hours"`
	GPUWattHours   float64 `json:"gpu_watt_hours"`
	KilowattHours  float64 `json:"kilowatt_hours"`
}

// PowerBreakdown holds average power per component
type PowerBreakdown struct {
	CPUWatts float64 `json:"cpu_watts"`
	RAMWatts float64 `json:"ram_watts"`
	GPUWatts float64 `json:"gpu_watts"`
}

// EmissionBreakdown expresses emissions in several units
type EmissionBreakdown struct {
	MgCarbon float64 `json:"mg_carbon"`
	GCarbon  float64 `json:"g_carbon"`
	KgCarbon float64 `json:"kg_carbon"`
}

// RunReport is the persisted form of one run (run_<i>_energy.json)
type RunReport struct {
	Framework       string            `json:"framework"`
	Language        string            `json:"language"`
	EndpointName    string            `json:"endpoint_name"`
	RunIndex        int               `json:"run_index"`
	Timestamp       time.Time         `json:"timestamp"`
	Energy          EnergyBreakdown   `json:"energy"`
	Power           PowerBreakdown    `json:"power"`
	Emissions       EmissionBreakdown `json:"emissions"`
	DurationSeconds float64           `json:"duration_seconds"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Workload        *workload.Result  `json:"workload,omitempty"`
}

// NewRunReport renders a record. load may be nil.
func NewRunReport(index int, rec types.RunRecord, load *workload.Result) RunReport {
	return RunReport{
		Framework:    rec.Framework,
		Language:     rec.Language,
		EndpointName: rec.EndpointName,
		RunIndex:     index,
		Timestamp:    rec.StartedAt,
		Energy: EnergyBreakdown{
			TotalWattHours: rec.EnergyWh,
			CPUWattHours:   rec.CPUWattHours,
			RAMWattHours:   rec.RAMWattHours,
			GPUWattHours:   rec.GPUWattHours,
			KilowattHours:  rec.EnergyWh / 1000,
		},
		Power: PowerBreakdown{
			CPUWatts: rec.PowerCPUWatts,
			RAMWatts: rec.PowerRAMWatts,
			GPUWatts: rec.PowerGPUWatts,
		},
		Emissions: EmissionBreakdown{
			MgCarbon: rec.EmissionsMgCO2e,
			GCarbon:  rec.EmissionsMgCO2e / 1e3,
			KgCarbon: rec.EmissionsMgCO2e / 1e6,
		},
		DurationSeconds: rec.DurationSeconds,
		Metadata:        rec.Metadata,
		Workload:        load,
	}
}

// SessionReport is the persisted form of a completed session (energy_runs.json)
type SessionReport struct {
	SessionID      string           `json:"session_id,omitempty"`
	Runs           int              `json:"runs"`
	Framework      string           `json:"framework"`
	Language       string           `json:"language"`
	EndpointName   string           `json:"endpoint_name"`
	Timestamp      time.Time        `json:"timestamp"`
	Statistics     types.Statistics `json:"statistics"`
	IndividualRuns []RunReport      `json:"individual_runs"`
	Attempts       []types.Attempt  `json:"attempts,omitempty"`
}

// SessionOutcome is everything a sink gets when a session completes
type SessionOutcome struct {
	ID       string
	Dir      string
	Summary  *types.EnergySummary
	Runs     []types.RunRecord
	Loads    []*workload.Result // by run, may hold nils
	Attempts []types.Attempt
}

// NewSessionReport renders a completed session
func NewSessionReport(o SessionOutcome) SessionReport {
	runs := make([]RunReport, len(o.Runs))
	for i, rec := range o.Runs {
		var load *workload.Result
		if i < len(o.Loads) {
			load = o.Loads[i]
		}
		runs[i] = NewRunReport(i+1, rec, load)
	}
	return SessionReport{
		SessionID:      o.ID,
		Runs:           o.Summary.RunCount,
		Framework:      o.Summary.Framework,
		Language:       o.Summary.Language,
		EndpointName:   o.Summary.EndpointName,
		Timestamp:      o.Summary.Timestamp,
		Statistics:     o.Summary.Statistics,
		IndividualRuns: runs,
		Attempts:       o.Attempts,
	}
}
