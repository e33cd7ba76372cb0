package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/carbon"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/container"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/hostinfo"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/sampler"
)

const probeWindow = 500 * time.Millisecond

func newValidateCommand(g *globalOptions) *cobra.Command {
	var skipDocker bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration, power source, carbon intensity and the container runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			return validate(cmd.Context(), cmd.OutOrStdout(), cfg, !skipDocker)
		},
	}
	cmd.Flags().BoolVar(&skipDocker, "skip-docker", false, "Do not contact the Docker daemon")
	return cmd
}

func validate(ctx context.Context, out io.Writer, cfg *config.Config, checkDocker bool) error {
	fmt.Fprintf(out, "Configuration OK (results in %s, %d runs, sampling every %s)\n",
		cfg.Results.Dir, cfg.Energy.Runs, cfg.Energy.SamplingInterval)

	host := hostinfo.Detect(cfg.Power.ProcRoot)
	fmt.Fprintf(out, "Host: %s, %d CPUs, %.1f GB RAM\n", host.CPUModel, host.CPUCount, host.RAMTotalGB)

	reading, name, err := probePower(cfg.Power, host.RAMTotalGB, probeWindow)
	if err != nil {
		return fmt.Errorf("power source: %w", err)
	}
	fmt.Fprintf(out, "Power source %s: cpu %.2f W, ram %.2f W\n", name, reading.CPUWatts, reading.RAMWatts)

	provider, closeCarbon, err := carbon.NewFromConfig(cfg.Carbon)
	if err != nil {
		return err
	}
	defer closeCarbon()
	intensity, err := provider.Intensity(ctx)
	if err != nil {
		return fmt.Errorf("carbon intensity: %w", err)
	}
	fmt.Fprintf(out, "Carbon intensity for %q: %.1f gCO2eq/kWh\n", provider.Zone(), intensity)

	if checkDocker {
		_, cli, err := container.NewDocker(cfg.Server.PollInterval)
		if err != nil {
			return fmt.Errorf("docker: %w", err)
		}
		defer cli.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		ping, err := cli.Ping(pingCtx)
		if err != nil {
			return fmt.Errorf("docker: %w", err)
		}
		fmt.Fprintf(out, "Docker API %s reachable\n", ping.APIVersion)
	}

	fmt.Fprintln(out, "\nEndpoints:")
	renderEndpoints(out)
	return nil
}

// probePower takes one reading from the configured source over window
func probePower(cfg config.PowerConfig, ramGB float64, window time.Duration) (sampler.Reading, string, error) {
	factory, err := sampler.NewSourceFactory(cfg, ramGB)
	if err != nil {
		return sampler.Reading{}, "", err
	}
	src, err := factory()
	if err != nil {
		return sampler.Reading{}, "", err
	}
	if err := src.Prime(time.Now()); err != nil {
		return sampler.Reading{}, src.Name(), err
	}
	time.Sleep(window)
	r, err := src.Read(time.Now())
	return r, src.Name(), err
}

func renderEndpoints(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Path", "Script", "Accept"})
	for _, name := range common.EndpointNames() {
		ep, _ := common.LookupEndpoint(name)
		table.Append([]string{ep.Name, ep.PathWithQuery(), ep.Script, ep.Accept})
	}
	table.Render()
}
