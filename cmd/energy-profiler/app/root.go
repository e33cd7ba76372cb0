package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
)

// globalOptions are shared by every sub-command
type globalOptions struct {
	configPath string
}

func (g *globalOptions) load() (*config.Config, error) {
	return config.Load(g.configPath)
}

// NewProfilerCommand builds the energy-profiler command tree
func NewProfilerCommand() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "energy-profiler",
		Short: "Comparative energy benchmarking of web framework containers",
		Long: `energy-profiler drives a fixed wrk workload against framework containers,
samples host power while the load runs and reports per-framework energy and
emissions statistics over repeated runs.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("ENERGY_PROFILER_CONFIG"), "Path to the YAML configuration file")

	cmd.AddCommand(
		newRunCommand(g),
		newValidateCommand(g),
		newReportCommand(g),
		newVersionCommand(),
	)
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			klog.InfoS("Received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
