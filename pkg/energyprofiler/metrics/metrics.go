package metrics

import (
	"k8s.io/component-base/metrics"
	"k8s.io/component-base/metrics/legacyregistry"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
)

const (
	// Subsystem name used for profiler metrics
	profilerSubsystem = "energy_profiler"
)

// Session states exported through SessionState
var sessionStates = []string{"Idle", "Preparing", "Running", "Recovering", "Aggregating", "Complete", "Failed"}

var (
	// SessionState is 1 for the state a framework's session is in and 0 for the others
	SessionState = metrics.NewGaugeVec(
		&metrics.GaugeOpts{
			Subsystem:      profilerSubsystem,
			Name:           "session_state",
			Help:           "Current state of the energy session per framework (1 = active state)",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"framework", "state"},
	)

	// RunsTotal counts finished runs by outcome
	RunsTotal = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      profilerSubsystem,
			Name:           "runs_total",
			Help:           "Number of measured runs by outcome",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"framework", "endpoint", "outcome"}, // "success" or an error kind
	)

	// RunAttemptFailures counts failed attempts by error kind
	RunAttemptFailures = metrics.NewCounterVec(
		&metrics.CounterOpts{
			Subsystem:      profilerSubsystem,
			Name:           "run_attempt_failures_total",
			Help:           "Number of failed run attempts by error kind",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"framework", "kind"},
	)

	// RunEnergy observes the energy of successful runs
	RunEnergy = metrics.NewHistogramVec(
		&metrics.HistogramOpts{
			Subsystem:      profilerSubsystem,
			Name:           "run_energy_watt_hours",
			Help:           "Energy consumed per successful run in Wh",
			Buckets:        metrics.ExponentialBuckets(0.001, 2, 14),
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"framework", "endpoint"},
	)

	// RunDuration observes the measured duration of successful runs
	RunDuration = metrics.NewHistogramVec(
		&metrics.HistogramOpts{
			Subsystem:      profilerSubsystem,
			Name:           "run_duration_seconds",
			Help:           "Measured duration per successful run",
			Buckets:        metrics.LinearBuckets(5, 5, 12),
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"framework", "endpoint"},
	)

	// SummaryEnergy holds the statistics of the last completed session
	SummaryEnergy = metrics.NewGaugeVec(
		&metrics.GaugeOpts{
			Subsystem:      profilerSubsystem,
			Name:           "summary_energy_watt_hours",
			Help:           "Energy statistics of the last completed session in Wh",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"framework", "endpoint", "stat"}, // stat: "mean", "median", "stddev", "min", "max"
	)

	// SummaryEmissions holds the mean emissions of the last completed session
	SummaryEmissions = metrics.NewGaugeVec(
		&metrics.GaugeOpts{
			Subsystem:      profilerSubsystem,
			Name:           "summary_emissions_mg_co2e",
			Help:           "Mean emissions of the last completed session in mgCO2e",
			StabilityLevel: metrics.ALPHA,
		},
		[]string{"framework", "endpoint"},
	)
)

func init() {
	legacyregistry.MustRegister(SessionState)
	legacyregistry.MustRegister(RunsTotal)
	legacyregistry.MustRegister(RunAttemptFailures)
	legacyregistry.MustRegister(RunEnergy)
	legacyregistry.MustRegister(RunDuration)
	legacyregistry.MustRegister(SummaryEnergy)
	legacyregistry.MustRegister(SummaryEmissions)
}

// SetSessionState marks state as the active state of a framework's session
func SetSessionState(framework, state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(framework, s).Set(v)
	}
}

// ObserveRun records a successful run
func ObserveRun(rec types.RunRecord) {
	RunsTotal.WithLabelValues(rec.Framework, rec.EndpointName, "success").Inc()
	RunEnergy.WithLabelValues(rec.Framework, rec.EndpointName).Observe(rec.EnergyWh)
	RunDuration.WithLabelValues(rec.Framework, rec.EndpointName).Observe(rec.DurationSeconds)
}

// ObserveFailedAttempt records a failed attempt
func ObserveFailedAttempt(framework, endpoint string, kind types.ErrorKind) {
	label := string(kind)
	if label == "" {
		label = "Unknown"
	}
	RunsTotal.WithLabelValues(framework, endpoint, label).Inc()
	RunAttemptFailures.WithLabelValues(framework, label).Inc()
}

// ObserveSummary exports the statistics of a completed session
func ObserveSummary(s *types.EnergySummary) {
	e := s.Statistics.EnergyWh
	SummaryEnergy.WithLabelValues(s.Framework, s.EndpointName, "mean").Set(e.Mean)
	SummaryEnergy.WithLabelValues(s.Framework, s.EndpointName, "median").Set(e.Median)
	SummaryEnergy.WithLabelValues(s.Framework, s.EndpointName, "stddev").Set(e.StdDev)
	SummaryEnergy.WithLabelValues(s.Framework, s.EndpointName, "min").Set(e.Min)
	SummaryEnergy.WithLabelValues(s.Framework, s.EndpointName, "max").Set(e.Max)
	SummaryEmissions.WithLabelValues(s.Framework, s.EndpointName).Set(s.Statistics.EmissionsMgCO2e.Mean)
}
