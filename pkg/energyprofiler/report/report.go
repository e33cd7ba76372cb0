package report

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/results"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/stats"
)

// Entry is one framework's line in a comparison
type Entry struct {
	Framework         string    `json:"framework"`
	Language          string    `json:"language"`
	EndpointName      string    `json:"endpoint_name"`
	Runs              int       `json:"runs"`
	Timestamp         time.Time `json:"timestamp"`
	EnergyMeanWh      float64   `json:"energy_mean_wh"`
	EnergyStdDevWh    float64   `json:"energy_stddev_wh"`
	EmissionsMeanMg   float64   `json:"emissions_mean_mg_co2e"`
	EmissionsStdDevMg float64   `json:"emissions_stddev_mg_co2e"`
	DurationMeanS     float64   `json:"duration_mean_s"`
	RequestsPerSec    float64   `json:"requests_per_sec,omitempty"`
	// energy per thousand requests in mWh, when request counts are known
	EnergyPerKReqMWh float64 `json:"energy_per_1k_requests_mwh,omitempty"`
	// mean energy relative to the most efficient framework (1.0 = best)
	Relative float64 `json:"relative_to_best"`
	Source   string  `json:"source"`
}

// Comparison ranks frameworks by mean energy, most efficient first
type Comparison struct {
	GeneratedAt time.Time `json:"generated_at"`
	Best        string    `json:"best"`
	Entries     []Entry   `json:"entries"`
}

// LatestSessions finds the newest energy_runs.json per language/framework
// under root. An empty frameworks list selects all of them.
func LatestSessions(root string, frameworks []string) (map[string]*results.SessionReport, error) {
	pattern := filepath.Join(root, "*", "*", "*", common.EnergyDirName, common.EnergyRunsFileName)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", root, err)
	}
	sort.Strings(matches)

	wanted := make(map[string]bool, len(frameworks))
	for _, fw := range frameworks {
		wanted[fw] = true
	}

	latest := make(map[string]string)
	for _, path := range matches {
		// <root>/<language>/<framework>/<timestamp>/energy/energy_runs.json
		fwDir := filepath.Dir(filepath.Dir(filepath.Dir(path)))
		framework := filepath.Base(fwDir)
		language := filepath.Base(filepath.Dir(fwDir))
		if len(wanted) > 0 && !wanted[framework] {
			continue
		}
		// timestamps sort lexically, so the last match wins
		latest[language+"/"+framework] = path
	}

	out := make(map[string]*results.SessionReport, len(latest))
	for key, path := range latest {
		r, err := results.LoadSessionReport(path)
		if err != nil {
			klog.V(2).InfoS("Skipping unreadable session report", "file", path, "err", err)
			continue
		}
		out[path] = r
		klog.V(3).InfoS("Using session report", "key", key, "file", path)
	}
	return out, nil
}

// Compare builds a comparison from session reports keyed by source path
func Compare(reports map[string]*results.SessionReport, now time.Time) (*Comparison, error) {
	if len(reports) == 0 {
		return nil, errors.New("no energy sessions found")
	}

	entries := make([]Entry, 0, len(reports))
	for source, r := range reports {
		entries = append(entries, newEntry(source, r))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnergyMeanWh != entries[j].EnergyMeanWh {
			return entries[i].EnergyMeanWh < entries[j].EnergyMeanWh
		}
		return entries[i].Framework < entries[j].Framework
	})

	best := entries[0].EnergyMeanWh
	for i := range entries {
		if best > 0 {
			entries[i].Relative = entries[i].EnergyMeanWh / best
		} else {
			entries[i].Relative = 1
		}
	}

	return &Comparison{GeneratedAt: now, Best: entries[0].Framework, Entries: entries}, nil
}

func newEntry(source string, r *results.SessionReport) Entry {
	e := Entry{
		Framework:         r.Framework,
		Language:          r.Language,
		EndpointName:      r.EndpointName,
		Runs:              r.Runs,
		Timestamp:         r.Timestamp,
		EnergyMeanWh:      r.Statistics.EnergyWh.Mean,
		EnergyStdDevWh:    r.Statistics.EnergyWh.StdDev,
		EmissionsMeanMg:   r.Statistics.EmissionsMgCO2e.Mean,
		EmissionsStdDevMg: r.Statistics.EmissionsMgCO2e.StdDev,
		DurationMeanS:     r.Statistics.DurationS.Mean,
		Source:            source,
	}

	var rps, perK []float64
	for _, run := range r.IndividualRuns {
		if run.Workload == nil || run.Workload.Requests <= 0 {
			continue
		}
		rps = append(rps, run.Workload.RequestsPerSec)
		perK = append(perK, run.Energy.TotalWattHours*1000/float64(run.Workload.Requests)*1000)
	}
	if len(rps) > 0 {
		e.RequestsPerSec = stats.Compute(rps).Mean
		e.EnergyPerKReqMWh = stats.Compute(perK).Mean
	}
	return e
}

// WriteJSON stores the comparison at path
func (c *Comparison) WriteJSON(path string) error {
	return results.WriteJSON(path, c)
}

// RenderTable prints the comparison as a console table
func (c *Comparison) RenderTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Framework", "Runs", "Energy (Wh)", "Emissions (mgCO2e)", "Duration (s)", "Req/s", "vs best"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, e := range c.Entries {
		rps := "-"
		if e.RequestsPerSec > 0 {
			rps = fmt.Sprintf("%.1f", e.RequestsPerSec)
		}
		table.Append([]string{
			e.Language + "/" + e.Framework,
			fmt.Sprintf("%d", e.Runs),
			fmt.Sprintf("%.6f ± %.6f", e.EnergyMeanWh, e.EnergyStdDevWh),
			fmt.Sprintf("%.2f ± %.2f", e.EmissionsMeanMg, e.EmissionsStdDevMg),
			fmt.Sprintf("%.2f", e.DurationMeanS),
			rps,
			relativeLabel(e.Relative),
		})
	}
	table.Render()
}

func relativeLabel(rel float64) string {
	if rel <= 1 {
		return "best"
	}
	return "+" + strings.TrimSuffix(fmt.Sprintf("%.1f", (rel-1)*100), ".0") + "%"
}
