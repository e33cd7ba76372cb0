package common

import (
	"net/url"
	"sort"
	"time"
)

// Output layout and file names shared by the writer, the report loader and the CLI
const (
	// Directory created under <results>/<language>/<framework>/<timestamp>/
	EnergyDirName = "energy"
	// Directory holding one sub-directory per run inside the energy directory
	RunsDirName = "runs"

	// Raw power samples written by the sampler for each run
	SamplesFileName = "emissions.csv"
	// Captured target logs for each run
	ContainerLogFileName = "container.log"
	// Combined statistics for a session
	EnergyRunsFileName = "energy_runs.json"
	// Comparison produced by the report command
	ComparisonFileName = "energy_comparison.json"

	// Timestamp layout of session directories; lexical order equals time order
	SessionTimestampLayout = "20060102T150405"
)

// Defaults used when neither the config file nor the environment sets a value
const (
	DefaultRuns                = 3
	DefaultRecoveryDelay       = 10 * time.Second
	DefaultSamplingInterval    = 500 * time.Millisecond
	DefaultFlushGracePeriod    = 5 * time.Second
	DefaultMaxAttempts         = 3
	DefaultInitialBackoff      = 2 * time.Second
	DefaultBackoffFactor       = 2.0
	DefaultMaxBackoff          = time.Minute
	DefaultServerPort          = 8080
	DefaultReadinessTimeout    = 45 * time.Second
	DefaultReadinessPoll       = 2 * time.Second
	DefaultStabilizationTime   = 3 * time.Second
	DefaultShutdownGracePeriod = 10 * time.Second
	DefaultWrkDuration         = 15 * time.Second
	DefaultWrkThreads          = 1
	DefaultWrkConcurrency      = 8
	DefaultWrkTimeout          = 8 * time.Second
	DefaultWrkMargin           = 30 * time.Second
	DefaultIsolationNice       = -10
	DefaultCarbonIntensity     = 475.0 // gCO2eq/kWh, world average
	DefaultMetricsPort         = 9101

	DockerNetworkName   = "rg-profiler-network"
	ContainerNamePrefix = "rg-profiler"
	DefaultWrkImage     = ContainerNamePrefix + "-wrk"
)

// Endpoint describes one benchmark target path and how wrk drives it.
// Query holds fixed parameters so every run requests identical work.
type Endpoint struct {
	Name   string
	Path   string
	Script string
	Accept string
	Query  url.Values
}

// PathWithQuery returns the request path including the encoded fixed query.
func (e Endpoint) PathWithQuery() string {
	if len(e.Query) == 0 {
		return e.Path
	}
	return e.Path + "?" + e.Query.Encode()
}

// energyEndpoints is the energy-mode test catalogue
var energyEndpoints = map[string]Endpoint{
	"json": {
		Name:   "json",
		Path:   "/json",
		Script: "energy_json.lua",
		Accept: "application/json",
	},
	"plaintext": {
		Name:   "plaintext",
		Path:   "/plaintext",
		Script: "energy_plaintext.lua",
		Accept: "text/plain",
	},
	"db": {
		Name:   "db",
		Path:   "/db",
		Script: "energy_db.lua",
		Accept: "application/json",
	},
	"template_simple": {
		Name:   "template_simple",
		Path:   "/template-simple",
		Script: "energy_template.lua",
		Accept: "text/html",
	},
	"cpu_intensive": {
		Name:   "cpu_intensive",
		Path:   "/cpu-intensive",
		Script: "energy_cpu.lua",
		Accept: "application/json",
		Query:  url.Values{"complexity": []string{"5"}},
	},
	"memory_heavy": {
		Name:   "memory_heavy",
		Path:   "/memory-heavy",
		Script: "energy_memory.lua",
		Accept: "application/json",
		Query:  url.Values{"size": []string{"1024"}},
	},
}

// LookupEndpoint resolves an endpoint either by catalogue name ("json") or by
// path ("/json").
func LookupEndpoint(nameOrPath string) (Endpoint, bool) {
	if ep, ok := energyEndpoints[nameOrPath]; ok {
		return copyEndpoint(ep), true
	}
	for _, ep := range energyEndpoints {
		if ep.Path == nameOrPath {
			return copyEndpoint(ep), true
		}
	}
	return Endpoint{}, false
}

// EndpointNames returns the catalogue names in sorted order
func EndpointNames() []string {
	names := make([]string, 0, len(energyEndpoints))
	for name := range energyEndpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyEndpoint(ep Endpoint) Endpoint {
	if ep.Query != nil {
		q := make(url.Values, len(ep.Query))
		for k, v := range ep.Query {
			q[k] = append([]string(nil), v...)
		}
		ep.Query = q
	}
	return ep
}

// ReadinessProbePaths are tried in order when waiting for a target to answer
var ReadinessProbePaths = []string{"/json", "/plaintext", "/", "/health"}
