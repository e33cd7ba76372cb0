package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/clock"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/container"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/metrics"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/results"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/runner"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/stats"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/workload"
)

// extra time allowed for the container runtime beyond the shutdown grace period
const stopSlack = 30 * time.Second

// RunExecutor performs single runs
type RunExecutor interface {
	Execute(ctx context.Context, req runner.RunRequest) (*runner.Outcome, error)
}

// Options configures an orchestrator
type Options struct {
	ResultsDir string
	Language   string
	Server     config.ServerConfig
	Retry      config.RetryConfig
}

// OptionsFromConfig picks the orchestrator settings out of the full config
func OptionsFromConfig(cfg *config.Config, language string) Options {
	return Options{
		ResultsDir: cfg.Results.Dir,
		Language:   language,
		Server:     cfg.Server,
		Retry:      cfg.Retry,
	}
}

// Request describes one energy session
type Request struct {
	Framework     string
	Language      string
	Endpoint      string // catalogue name or path
	RunCount      int
	RecoveryDelay time.Duration
	Isolation     bool
	// Image starts a fresh target; AttachTo reuses a running container instead
	Image    string
	AttachTo string
}

// Result is a completed session
type Result struct {
	ID       string
	Dir      string
	Summary  *types.EnergySummary
	Runs     *types.RunSet
	Loads    []*workload.Result
	Attempts []types.Attempt
	States   []Transition
}

// Orchestrator drives energy sessions: a fixed number of serialized runs,
// retries with backoff, recovery delays between runs and aggregation
type Orchestrator struct {
	lifecycle container.Lifecycle
	executor  RunExecutor
	sink      results.Sink
	opts      Options
	clock     clock.Clock
	newID     func() string
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock replaces the wall clock used for delays and timestamps
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithIDGenerator replaces the session ID generator
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) {
		o.newID = f
	}
}

func NewOrchestrator(lc container.Lifecycle, executor RunExecutor, sink results.Sink, opts Options, options ...Option) *Orchestrator {
	o := &Orchestrator{
		lifecycle: lc,
		executor:  executor,
		sink:      sink,
		opts:      opts,
		clock:     clock.RealClock{},
		newID:     uuid.NewString,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// RunEnergySession measures one framework endpoint runCount times, starting
// the framework image rendered from the server image template
func (o *Orchestrator) RunEnergySession(ctx context.Context, framework, endpoint string, runCount int, recoveryDelay time.Duration, isolationEnabled bool) (*types.EnergySummary, error) {
	res, err := o.Run(ctx, Request{
		Framework:     framework,
		Language:      o.opts.Language,
		Endpoint:      endpoint,
		RunCount:      runCount,
		RecoveryDelay: recoveryDelay,
		Isolation:     isolationEnabled,
		Image:         o.opts.Server.ImageFor(o.opts.Language, framework),
	})
	if err != nil {
		return nil, err
	}
	return res.Summary, nil
}

// Run executes a session. It returns either a complete result or a
// *types.SessionFailure, never a partial summary.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	e := &execution{
		o:   o,
		req: req,
		res: &Result{ID: o.newID()},
	}
	e.sm = &machine{state: StateIdle, onEnter: e.entered}
	metrics.SetSessionState(req.Framework, string(StateIdle))

	defer e.shutdown(ctx)

	if err := e.prepare(ctx); err != nil {
		return nil, err
	}
	for i := 1; i <= req.RunCount; i++ {
		if err := e.runIndex(ctx, i); err != nil {
			return nil, err
		}
		if i < req.RunCount {
			if err := e.recover(ctx, i); err != nil {
				return nil, err
			}
		}
	}
	if err := e.aggregate(); err != nil {
		return nil, err
	}

	e.res.States = e.sm.history
	return e.res, nil
}

// execution is the mutable state of one Run call
type execution struct {
	o        *Orchestrator
	req      Request
	res      *Result
	sm       *machine
	endpoint common.Endpoint
	spec     container.TargetSpec
	target   *container.Handle
}

func (e *execution) entered(t Transition) {
	klog.V(2).InfoS("Energy session transition",
		"session", e.res.ID,
		"framework", e.req.Framework,
		"from", t.From,
		"to", t.To,
		"run", t.RunIndex)
	metrics.SetSessionState(e.req.Framework, string(t.To))
}

func (e *execution) move(next State, runIndex int) {
	if err := e.sm.to(next, runIndex, e.o.clock.Now()); err != nil {
		klog.ErrorS(err, "Ignoring session transition", "session", e.res.ID)
	}
}

func (e *execution) fail(runIndex int, kind types.ErrorKind, err error) error {
	if e.sm.state != StateFailed {
		e.move(StateFailed, runIndex)
	}
	attempts := append([]types.Attempt(nil), e.res.Attempts...)
	klog.ErrorS(err, "Energy session failed",
		"session", e.res.ID,
		"framework", e.req.Framework,
		"run", runIndex,
		"kind", kind,
		"attempts", len(attempts))
	return &types.SessionFailure{RunIndex: runIndex, Kind: kind, Attempts: attempts, Err: err}
}

func (e *execution) prepare(ctx context.Context) error {
	e.move(StatePreparing, 0)
	req := e.req

	if req.Framework == "" || req.Language == "" {
		return e.fail(0, types.KindUnknown, errors.New("framework and language are required"))
	}
	ep, ok := common.LookupEndpoint(req.Endpoint)
	if !ok {
		return e.fail(0, types.KindUnknown, fmt.Errorf("unknown endpoint %q", req.Endpoint))
	}
	e.endpoint = ep
	set, err := types.NewRunSet(req.Framework, req.Language, ep.Name, req.RunCount)
	if err != nil {
		return e.fail(0, types.KindUnknown, err)
	}
	e.res.Runs = set

	e.res.Dir = results.SessionDir(e.o.opts.ResultsDir, req.Language, req.Framework, e.o.clock.Now())
	if err := os.MkdirAll(e.res.Dir, 0755); err != nil {
		return e.fail(0, types.KindUnknown, fmt.Errorf("creating session directory: %w", err))
	}

	klog.V(1).InfoS("Preparing energy session",
		"session", e.res.ID,
		"framework", req.Framework,
		"language", req.Language,
		"endpoint", ep.Name,
		"runs", req.RunCount,
		"isolation", req.Isolation,
		"dir", e.res.Dir)

	switch {
	case req.AttachTo != "":
		e.target, err = e.o.lifecycle.Attach(ctx, req.AttachTo, e.o.opts.Server.Port)
	case req.Image != "":
		e.spec = container.TargetSpec{
			Name:    common.ContainerNamePrefix + "-" + req.Framework,
			Image:   req.Image,
			Port:    e.o.opts.Server.Port,
			Network: e.o.opts.Server.Network,
			Labels: map[string]string{
				"rg-profiler.framework": req.Framework,
				"rg-profiler.session":   e.res.ID,
			},
		}
		e.target, err = e.o.lifecycle.Start(ctx, e.spec)
	default:
		err = errors.New("neither an image nor a container to attach to was given")
	}
	if err != nil {
		return e.fail(0, kindFor(ctx, types.KindTargetUnavailable), err)
	}

	if err := e.awaitTarget(ctx); err != nil {
		return e.fail(0, kindFor(ctx, types.KindTargetUnavailable), err)
	}
	return nil
}

// awaitTarget waits for readiness and lets the server settle
func (e *execution) awaitTarget(ctx context.Context) error {
	if err := e.o.lifecycle.WaitReady(ctx, e.target, e.o.opts.Server.ReadinessTimeout); err != nil {
		return err
	}
	return e.sleep(ctx, e.o.opts.Server.StabilizationTime)
}

func (e *execution) runIndex(ctx context.Context, i int) error {
	retry := e.o.opts.Retry
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := wait.Backoff{
		Duration: retry.InitialBackoff,
		Factor:   retry.BackoffFactor,
		Steps:    math.MaxInt32,
		Cap:      retry.MaxBackoff,
	}

	for attempt := 1; ; attempt++ {
		e.move(StateRunning, i)
		out, err := e.o.executor.Execute(ctx, runner.RunRequest{
			Framework:  e.req.Framework,
			Language:   e.req.Language,
			Endpoint:   e.endpoint,
			Target:     e.target,
			RunIndex:   i,
			SessionDir: e.res.Dir,
			Isolation:  e.req.Isolation,
		})
		at := e.o.clock.Now()

		if err == nil {
			if appendErr := e.res.Runs.Append(out.Record); appendErr != nil {
				return e.fail(i, types.KindUnknown, appendErr)
			}
			e.res.Loads = append(e.res.Loads, out.Load)
			e.res.Attempts = append(e.res.Attempts, types.Attempt{RunIndex: i, Attempt: attempt, Success: true, At: at})
			metrics.ObserveRun(out.Record)
			klog.V(1).InfoS("Run complete",
				"session", e.res.ID,
				"framework", e.req.Framework,
				"run", i,
				"of", e.req.RunCount,
				"energyWh", out.Record.EnergyWh)
			return nil
		}

		kind := types.KindOf(err)
		if ctx.Err() != nil {
			kind = types.KindCancelled
		}
		e.res.Attempts = append(e.res.Attempts, types.Attempt{
			RunIndex: i,
			Attempt:  attempt,
			Kind:     kind,
			Error:    err.Error(),
			At:       at,
		})
		metrics.ObserveFailedAttempt(e.req.Framework, e.endpoint.Name, kind)

		if kind == types.KindCancelled {
			return e.fail(i, kind, err)
		}
		if attempt >= maxAttempts {
			return e.fail(i, kind, err)
		}

		delay := backoff.Step()
		klog.V(2).InfoS("Run attempt failed, retrying",
			"session", e.res.ID,
			"framework", e.req.Framework,
			"run", i,
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"kind", kind,
			"backoff", delay,
			"err", err)

		if kind == types.KindTargetUnavailable {
			e.restartTarget(ctx)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return e.fail(i, types.KindCancelled, err)
		}
	}
}

// restartTarget replaces a target this session started. Failures are left to
// the next attempt's readiness check.
func (e *execution) restartTarget(ctx context.Context) {
	if e.target == nil || !e.target.Started {
		klog.V(2).InfoS("Target unavailable but not owned by this session, not restarting",
			"session", e.res.ID, "framework", e.req.Framework)
		return
	}
	klog.V(1).InfoS("Restarting target", "session", e.res.ID, "container", e.target.Name)

	if err := e.o.lifecycle.Stop(ctx, e.target, e.o.opts.Server.ShutdownGracePeriod); err != nil {
		klog.V(2).InfoS("Stopping unavailable target failed", "container", e.target.Name, "err", err)
	}
	h, err := e.o.lifecycle.Start(ctx, e.spec)
	if err != nil {
		klog.ErrorS(err, "Restarting target failed", "container", e.spec.Name)
		return
	}
	e.target = h
	if err := e.awaitTarget(ctx); err != nil {
		klog.V(2).InfoS("Restarted target not ready yet", "container", h.Name, "err", err)
	}
}

func (e *execution) recover(ctx context.Context, i int) error {
	e.move(StateRecovering, i)
	if err := e.sleep(ctx, e.req.RecoveryDelay); err != nil {
		return e.fail(i, types.KindCancelled, err)
	}
	return nil
}

func (e *execution) aggregate() error {
	e.move(StateAggregating, e.req.RunCount)
	e.res.Runs.Seal(e.o.clock.Now())

	summary, err := stats.Aggregate(e.res.Runs)
	if err != nil {
		return e.fail(e.req.RunCount, types.KindInsufficientData, err)
	}
	e.res.Summary = summary

	if e.o.sink != nil {
		err := e.o.sink.WriteSession(results.SessionOutcome{
			ID:       e.res.ID,
			Dir:      e.res.Dir,
			Summary:  summary,
			Runs:     e.res.Runs.Records(),
			Loads:    e.res.Loads,
			Attempts: e.res.Attempts,
		})
		if err != nil {
			klog.ErrorS(err, "Persisting session summary failed", "session", e.res.ID, "dir", e.res.Dir)
		}
	}
	metrics.ObserveSummary(summary)
	e.move(StateComplete, e.req.RunCount)

	klog.InfoS("Energy session complete",
		"session", e.res.ID,
		"framework", summary.Framework,
		"endpoint", summary.EndpointName,
		"runs", summary.RunCount,
		"meanWh", summary.Statistics.EnergyWh.Mean,
		"stddevWh", summary.Statistics.EnergyWh.StdDev,
		"meanEmissionsMg", summary.Statistics.EmissionsMgCO2e.Mean)
	return nil
}

// shutdown stops a target this session started, even when ctx is cancelled
func (e *execution) shutdown(ctx context.Context) {
	if e.target == nil || !e.target.Started {
		return
	}
	grace := e.o.opts.Server.ShutdownGracePeriod
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+stopSlack)
	defer cancel()
	if err := e.o.lifecycle.Stop(stopCtx, e.target, grace); err != nil {
		klog.ErrorS(err, "Stopping target failed", "container", e.target.Name)
	}
}

// sleep waits d on the orchestrator clock unless ctx ends first
func (e *execution) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.o.clock.After(d):
		return ctx.Err()
	}
}

func kindFor(ctx context.Context, kind types.ErrorKind) types.ErrorKind {
	if ctx.Err() != nil {
		return types.KindCancelled
	}
	return kind
}
