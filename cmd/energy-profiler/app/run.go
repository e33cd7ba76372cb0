package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/component-base/metrics/legacyregistry"
	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/carbon"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/container"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/hostinfo"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/isolation"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/report"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/results"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/runner"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/sampler"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/session"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/workload"
)

type runOptions struct {
	frameworks    []string
	language      string
	endpoint      string
	runs          int
	recoveryDelay time.Duration
	isolation     bool
	imageTemplate string
	attach        string
	resultsDir    string
	metricsPort   int
	skipReport    bool
}

func newRunCommand(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run energy sessions for one or more frameworks",
		Example: `  energy-profiler run --language python --frameworks flask,django --endpoint json
  energy-profiler run --language go --frameworks gin --attach my-gin --runs 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := o.apply(cmd.Flags(), cfg); err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return o.run(ctx, cmd.OutOrStdout(), cfg)
		},
	}

	o.addFlags(cmd.Flags())
	cmd.MarkFlagRequired("frameworks")
	cmd.MarkFlagRequired("language")
	return cmd
}

func (o *runOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringSliceVar(&o.frameworks, "frameworks", nil, "Frameworks to measure, one session each, in order")
	flags.StringVar(&o.language, "language", "", "Language of the frameworks (used for the image name and results layout)")
	flags.StringVar(&o.endpoint, "endpoint", "json", "Endpoint to load, by name or path: "+strings.Join(common.EndpointNames(), ", "))
	flags.IntVar(&o.runs, "runs", 0, "Runs per session (default from config)")
	flags.DurationVar(&o.recoveryDelay, "recovery-delay", 0, "Pause between runs (default from config)")
	flags.BoolVar(&o.isolation, "isolation", true, "Pin the target to a dedicated CPU core during runs")
	flags.StringVar(&o.imageTemplate, "image-template", "", "Server image template with {language} and {framework} placeholders")
	flags.StringVar(&o.attach, "attach", "", "Measure an already running container instead of starting one (single framework only)")
	flags.StringVar(&o.resultsDir, "results-dir", "", "Root directory for results")
	flags.IntVar(&o.metricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port while running")
	flags.BoolVar(&o.skipReport, "skip-report", false, "Do not print the comparison report at the end")
}

// apply layers explicitly set flags over the loaded configuration
func (o *runOptions) apply(flags *pflag.FlagSet, cfg *config.Config) error {
	if flags.Changed("runs") {
		cfg.Energy.Runs = o.runs
	}
	if flags.Changed("recovery-delay") {
		cfg.Energy.RecoveryDelay = o.recoveryDelay
	}
	if flags.Changed("isolation") {
		cfg.Energy.CPUIsolation = o.isolation
	}
	if flags.Changed("image-template") {
		cfg.Server.ImageTemplate = o.imageTemplate
	}
	if flags.Changed("results-dir") {
		cfg.Results.Dir = o.resultsDir
	}
	if flags.Changed("metrics-port") {
		cfg.Metrics.Enabled = o.metricsPort > 0
		cfg.Metrics.Port = o.metricsPort
	}

	if len(o.frameworks) == 0 {
		return errors.New("at least one framework is required")
	}
	if o.attach != "" && len(o.frameworks) > 1 {
		return errors.New("--attach measures a single framework")
	}
	if _, ok := common.LookupEndpoint(o.endpoint); !ok {
		return fmt.Errorf("unknown endpoint %q, known endpoints: %s", o.endpoint, strings.Join(common.EndpointNames(), ", "))
	}
	return cfg.Validate()
}

func (o *runOptions) run(ctx context.Context, out io.Writer, cfg *config.Config) error {
	host := hostinfo.Detect(cfg.Power.ProcRoot)
	metadata := host.Metadata()
	if cfg.Carbon.Country != "" {
		metadata["country_iso_code"] = cfg.Carbon.Country
	}
	if cfg.Carbon.Region != "" {
		metadata["region"] = cfg.Carbon.Region
	}

	provider, closeCarbon, err := carbon.NewFromConfig(cfg.Carbon)
	if err != nil {
		return err
	}
	defer closeCarbon()

	sources, err := sampler.NewSourceFactory(cfg.Power, host.RAMTotalGB)
	if err != nil {
		return err
	}

	docker, dockerClient, err := container.NewDocker(cfg.Server.PollInterval)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer dockerClient.Close()

	sinks := results.Sinks{results.NewFileWriter()}
	if cfg.Database.Enabled {
		store, err := results.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	if cfg.Metrics.Enabled {
		stop := serveMetrics(cfg.Metrics.Port)
		defer stop()
	}

	controller := runner.NewController(
		docker,
		sampler.New(sources, provider, metadata),
		workload.NewWrk(cfg.Wrk.Command, cfg.Wrk.Margin),
		isolation.NewManager(cfg.Energy.Nice),
		sinks,
		runner.OptionsFromConfig(cfg),
	)
	orchestrator := session.NewOrchestrator(docker, controller, sinks, session.OptionsFromConfig(cfg, o.language))

	klog.InfoS("Starting energy sessions",
		"frameworks", o.frameworks,
		"language", o.language,
		"endpoint", o.endpoint,
		"runs", cfg.Energy.Runs,
		"recoveryDelay", cfg.Energy.RecoveryDelay,
		"isolation", cfg.Energy.CPUIsolation,
		"cpu", host.CPUModel)

	var outcomes []frameworkOutcome
	for _, framework := range o.frameworks {
		if ctx.Err() != nil {
			outcomes = append(outcomes, frameworkOutcome{framework: framework, err: types.ErrCancelled})
			continue
		}
		req := session.Request{
			Framework:     framework,
			Language:      o.language,
			Endpoint:      o.endpoint,
			RunCount:      cfg.Energy.Runs,
			RecoveryDelay: cfg.Energy.RecoveryDelay,
			Isolation:     cfg.Energy.CPUIsolation,
			AttachTo:      o.attach,
		}
		if o.attach == "" {
			req.Image = cfg.Server.ImageFor(o.language, framework)
		}
		res, err := orchestrator.Run(ctx, req)
		outcome := frameworkOutcome{framework: framework, err: err}
		if err == nil {
			outcome.summary = res.Summary
			outcome.dir = res.Dir
		}
		outcomes = append(outcomes, outcome)
	}

	failed := printOutcomes(out, outcomes)

	if !o.skipReport && failed < len(outcomes) {
		if err := printComparison(out, cfg.Results.Dir, o.frameworks); err != nil {
			klog.ErrorS(err, "Building comparison report failed")
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d energy sessions failed", failed, len(outcomes))
	}
	return nil
}

type frameworkOutcome struct {
	framework string
	summary   *types.EnergySummary
	dir       string
	err       error
}

// printOutcomes writes one line per framework and returns the failure count
func printOutcomes(w io.Writer, outcomes []frameworkOutcome) int {
	failed := 0
	fmt.Fprintln(w, "\nEnergy sessions:")
	for _, o := range outcomes {
		if o.err != nil {
			failed++
			fmt.Fprintf(w, "  FAIL %-16s %s: %v\n", o.framework, types.KindOf(o.err), o.err)
			continue
		}
		e := o.summary.Statistics.EnergyWh
		fmt.Fprintf(w, "  OK   %-16s %.6f Wh ± %.6f (median %.6f, %d runs) -> %s\n",
			o.framework, e.Mean, e.StdDev, e.Median, o.summary.RunCount, o.dir)
	}
	fmt.Fprintf(w, "%d succeeded, %d failed\n", len(outcomes)-failed, failed)
	return failed
}

func printComparison(w io.Writer, resultsDir string, frameworks []string) error {
	sessions, err := report.LatestSessions(resultsDir, frameworks)
	if err != nil {
		return err
	}
	cmp, err := report.Compare(sessions, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	cmp.RenderTable(w)
	return cmp.WriteJSON(filepath.Join(resultsDir, common.ComparisonFileName))
}

// serveMetrics exposes the profiler metrics until the returned stop is called
func serveMetrics(port int) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", legacyregistry.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		klog.InfoS("Starting metrics server", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "Metrics server error")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "Error shutting down metrics server")
		}
	}
}
