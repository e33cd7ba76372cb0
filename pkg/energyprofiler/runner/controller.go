package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/clock"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/container"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/isolation"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/results"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/sampler"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/workload"
)

const (
	flushPollInterval = 50 * time.Millisecond
	logCaptureTimeout = 10 * time.Second
)

// Isolator hands out core leases for targets
type Isolator interface {
	Acquire(pid, preferredCore int) isolation.Lease
}

// RunRequest describes one measured run
type RunRequest struct {
	Framework  string
	Language   string
	Endpoint   common.Endpoint
	Target     *container.Handle
	RunIndex   int // 1-based
	SessionDir string
	Isolation  bool
}

// Outcome is a successful run: the record plus what the load generator reported
type Outcome struct {
	Record  types.RunRecord
	Load    *workload.Result
	Core    int // -1 when the run was not isolated
	Samples int
}

// Options holds the timing and workload settings of a controller
type Options struct {
	ReadinessTimeout time.Duration
	SamplingInterval time.Duration
	FlushGracePeriod time.Duration
	PreferredCore    int
	Wrk              config.WrkConfig
}

// OptionsFromConfig picks the controller settings out of the full config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReadinessTimeout: cfg.Server.ReadinessTimeout,
		SamplingInterval: cfg.Energy.SamplingInterval,
		FlushGracePeriod: cfg.Energy.FlushGracePeriod,
		PreferredCore:    cfg.Energy.PreferredCore,
		Wrk:              cfg.Wrk,
	}
}

// Controller executes single runs against a ready target
type Controller struct {
	lifecycle container.Lifecycle
	sampler   sampler.Sampler
	generator workload.Generator
	isolator  Isolator
	sink      results.Sink
	opts      Options
	clock     clock.Clock
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) ControllerOption {
	return func(ctrl *Controller) {
		ctrl.clock = c
	}
}

func NewController(lc container.Lifecycle, smp sampler.Sampler, gen workload.Generator, iso Isolator, sink results.Sink, opts Options, options ...ControllerOption) *Controller {
	c := &Controller{
		lifecycle: lc,
		sampler:   smp,
		generator: gen,
		isolator:  iso,
		sink:      sink,
		opts:      opts,
		clock:     clock.RealClock{},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// ExecuteRun performs one run and returns its record
func (c *Controller) ExecuteRun(ctx context.Context, req RunRequest) (*types.RunRecord, error) {
	out, err := c.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return &out.Record, nil
}

// Execute performs one run. The sampler is always stopped and the lease
// always released before any failure is returned.
func (c *Controller) Execute(ctx context.Context, req RunRequest) (*Outcome, error) {
	if req.Target == nil {
		return nil, types.NewRunError(types.KindTargetUnavailable, "run", errors.New("no target"))
	}
	if req.RunIndex < 1 {
		return nil, fmt.Errorf("run index must be 1-based, got %d", req.RunIndex)
	}
	runDir := results.RunDir(req.SessionDir, req.RunIndex)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, types.NewRunError(types.KindEnergyDataMissing, "run directory", err)
	}
	samplesPath := filepath.Join(runDir, common.SamplesFileName)
	if err := os.Remove(samplesPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, types.NewRunError(types.KindEnergyDataMissing, "run directory", err)
	}

	if err := c.lifecycle.WaitReady(ctx, req.Target, c.opts.ReadinessTimeout); err != nil {
		return nil, classify(ctx, types.KindTargetUnavailable, "readiness", err)
	}

	var lease isolation.Lease
	if req.Isolation && c.isolator != nil {
		lease = c.isolator.Acquire(req.Target.PID, c.opts.PreferredCore)
	}
	core := -1
	if lease != nil && lease.Enabled() {
		core = lease.Core()
	}
	release := func() {
		if lease == nil {
			return
		}
		if err := lease.Release(); err != nil {
			klog.ErrorS(err, "Restoring target affinity failed", "framework", req.Framework, "run", req.RunIndex, "core", core)
		}
	}

	startedAt := c.clock.Now()
	session, err := c.sampler.Start(ctx, samplesPath, c.opts.SamplingInterval)
	if err != nil {
		release()
		return nil, classify(ctx, types.KindEnergyDataMissing, "sampler start", err)
	}

	klog.V(1).InfoS("Run started",
		"framework", req.Framework,
		"run", req.RunIndex,
		"endpoint", req.Endpoint.Name,
		"core", core)
	load, genErr := c.generator.Run(ctx, c.workloadRequest(req))
	measurement, stopErr := session.Stop()
	release()
	c.captureLogs(ctx, req.Target, startedAt, runDir)

	if genErr != nil {
		return nil, classify(ctx, types.KindLoadGenerationFailed, "load generation", genErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewRunError(types.KindCancelled, "run", err)
	}
	if err := c.waitForSamples(ctx, samplesPath); err != nil {
		return nil, classify(ctx, types.KindEnergyDataMissing, "samples file", err)
	}
	if stopErr != nil {
		return nil, types.NewRunError(types.KindEnergyDataMissing, "sampler stop", stopErr)
	}

	rec := buildRecord(req, measurement)
	if err := rec.Validate(); err != nil {
		return nil, types.NewRunError(types.KindEnergyDataMissing, "measurement", err)
	}

	if c.sink != nil {
		if err := c.sink.WriteRun(req.SessionDir, req.RunIndex, rec, load); err != nil {
			klog.ErrorS(err, "Persisting run report failed", "framework", req.Framework, "run", req.RunIndex)
		}
	}

	var rps float64
	if load != nil {
		rps = load.RequestsPerSec
	}
	klog.V(1).InfoS("Run finished",
		"framework", req.Framework,
		"run", req.RunIndex,
		"endpoint", req.Endpoint.PathWithQuery(),
		"core", core,
		"samples", measurement.Samples,
		"energyWh", rec.EnergyWh,
		"emissionsMg", rec.EmissionsMgCO2e,
		"durationS", rec.DurationSeconds,
		"requestsPerSec", rps)
	return &Outcome{Record: rec, Load: load, Core: core, Samples: measurement.Samples}, nil
}

func (c *Controller) workloadRequest(req RunRequest) workload.Request {
	base := req.Target.BaseURL
	if c.opts.Wrk.InNetwork && req.Target.NetworkURL != "" {
		base = req.Target.NetworkURL
	}
	var script string
	if req.Endpoint.Script != "" && c.opts.Wrk.ScriptsDir != "" {
		// slash paths: the script may live inside the wrk container
		script = path.Join(c.opts.Wrk.ScriptsDir, "energy", req.Endpoint.Script)
	}
	return workload.Request{
		URL:         base + req.Endpoint.PathWithQuery(),
		Script:      script,
		Accept:      req.Endpoint.Accept,
		Duration:    c.opts.Wrk.Duration,
		Threads:     c.opts.Wrk.Threads,
		Connections: c.opts.Wrk.MaxConcurrency,
		Timeout:     c.opts.Wrk.Timeout,
	}
}

// waitForSamples gives a slow filesystem up to the flush grace period to
// show a non-empty samples file
func (c *Controller) waitForSamples(ctx context.Context, samplesPath string) error {
	grace := c.opts.FlushGracePeriod
	if grace <= 0 {
		grace = flushPollInterval
	}
	err := wait.PollUntilContextTimeout(ctx, flushPollInterval, grace, true, func(context.Context) (bool, error) {
		info, err := os.Stat(samplesPath)
		if err != nil {
			return false, nil
		}
		return info.Size() > 0, nil
	})
	if err != nil {
		if wait.Interrupted(err) && ctx.Err() == nil {
			return fmt.Errorf("%s not written within %v", samplesPath, grace)
		}
		return err
	}
	return nil
}

// captureLogs is best effort and survives a cancelled run context
func (c *Controller) captureLogs(ctx context.Context, h *container.Handle, since time.Time, runDir string) {
	logPath := filepath.Join(runDir, common.ContainerLogFileName)
	f, err := os.Create(logPath)
	if err != nil {
		klog.V(2).InfoS("Could not create container log file", "file", logPath, "err", err)
		return
	}
	defer f.Close()

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logCaptureTimeout)
	defer cancel()
	if err := c.lifecycle.Logs(logCtx, h, since, f); err != nil {
		klog.V(2).InfoS("Could not capture container logs", "container", h.Name, "err", err)
	}
}

// buildRecord copies the sampler metadata as is. Run facts such as the index
// and the isolated core travel on Outcome.
func buildRecord(req RunRequest, m *sampler.Measurement) types.RunRecord {
	metadata := make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		metadata[k] = v
	}

	return types.RunRecord{
		Framework:       req.Framework,
		Language:        req.Language,
		EndpointName:    req.Endpoint.Name,
		StartedAt:       m.StartedAt,
		DurationSeconds: m.DurationS,
		EnergyWh:        m.EnergyWh,
		CPUWattHours:    m.CPUWh,
		RAMWattHours:    m.RAMWh,
		GPUWattHours:    m.GPUWh,
		EmissionsMgCO2e: m.EmissionsMg,
		PowerCPUWatts:   m.CPUPowerW,
		PowerRAMWatts:   m.RAMPowerW,
		PowerGPUWatts:   m.GPUPowerW,
		Metadata:        metadata,
	}
}

// classify reports a cancelled context as Cancelled whatever step failed
func classify(ctx context.Context, kind types.ErrorKind, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return types.NewRunError(types.KindCancelled, op, errors.Join(ctxErr, err))
	}
	return types.NewRunError(kind, op, err)
}
