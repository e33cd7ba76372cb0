package app

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/report"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/results"
)

type reportOptions struct {
	resultsDir string
	frameworks []string
	output     string
	history    int
}

func newReportCommand(g *globalOptions) *cobra.Command {
	o := &reportOptions{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Compare the latest energy sessions of each framework",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("results-dir") {
				o.resultsDir = cfg.Results.Dir
			}
			if o.history > 0 {
				if !cfg.Database.Enabled {
					return fmt.Errorf("--history needs the session database to be enabled")
				}
				return printHistory(cmd.OutOrStdout(), cfg.Database.Path, o.frameworks, o.history)
			}
			return o.compare(cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&o.resultsDir, "results-dir", "", "Root directory of the results tree (default from config)")
	flags.StringSliceVar(&o.frameworks, "frameworks", nil, "Only include these frameworks")
	flags.StringVar(&o.output, "output", "", "Comparison JSON path (default <results-dir>/"+common.ComparisonFileName+")")
	flags.IntVar(&o.history, "history", 0, "List the last N stored sessions instead of comparing")
	return cmd
}

func (o *reportOptions) compare(w io.Writer) error {
	sessions, err := report.LatestSessions(o.resultsDir, o.frameworks)
	if err != nil {
		return err
	}
	cmp, err := report.Compare(sessions, time.Now())
	if err != nil {
		return err
	}
	cmp.RenderTable(w)

	output := o.output
	if output == "" {
		output = filepath.Join(o.resultsDir, common.ComparisonFileName)
	}
	if err := cmp.WriteJSON(output); err != nil {
		return err
	}
	fmt.Fprintf(w, "Comparison written to %s\n", output)
	return nil
}

func printHistory(w io.Writer, dbPath string, frameworks []string, limit int) error {
	store, err := results.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(frameworks) == 0 {
		frameworks = []string{""}
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Timestamp", "Framework", "Endpoint", "Runs", "Energy (Wh)", "Emissions (mgCO2e)", "Duration (s)"})
	for _, fw := range frameworks {
		rows, err := store.RecentSessions(fw, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			table.Append([]string{
				r.Timestamp.UTC().Format(time.RFC3339),
				r.Language + "/" + r.Framework,
				r.EndpointName,
				fmt.Sprintf("%d", r.Runs),
				fmt.Sprintf("%.6f ± %.6f", r.EnergyMeanWh, r.EnergyStdDevWh),
				fmt.Sprintf("%.2f", r.EmissionsMean),
				fmt.Sprintf("%.2f", r.DurationMeanS),
			})
		}
	}
	table.Render()
	return nil
}
