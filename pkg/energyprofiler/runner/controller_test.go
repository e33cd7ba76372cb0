package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/container"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/isolation"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/results"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/sampler"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/types"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/workload"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeLifecycle struct {
	rec      *recorder
	readyErr error
	logsErr  error
}

func (f *fakeLifecycle) Start(context.Context, container.TargetSpec) (*container.Handle, error) {
	return nil, errors.New("not used")
}

func (f *fakeLifecycle) Attach(context.Context, string, int) (*container.Handle, error) {
	return nil, errors.New("not used")
}

func (f *fakeLifecycle) WaitReady(ctx context.Context, h *container.Handle, timeout time.Duration) error {
	f.rec.add("ready")
	return f.readyErr
}

func (f *fakeLifecycle) Stop(context.Context, *container.Handle, time.Duration) error { return nil }

func (f *fakeLifecycle) Logs(ctx context.Context, h *container.Handle, since time.Time, w io.Writer) error {
	f.rec.add("logs")
	if f.logsErr != nil {
		return f.logsErr
	}
	_, err := io.WriteString(w, "server listening\n")
	return err
}

type fakeSession struct {
	rec         *recorder
	measurement *sampler.Measurement
	stopErr     error
	stops       int
}

func (s *fakeSession) Stop() (*sampler.Measurement, error) {
	s.rec.add("sampler.stop")
	s.stops++
	return s.measurement, s.stopErr
}

type fakeSampler struct {
	rec       *recorder
	startErr  error
	noFile    bool
	session   *fakeSession
	lastPath  string
	lastEvery time.Duration
}

func (f *fakeSampler) Start(ctx context.Context, outputPath string, interval time.Duration) (sampler.Session, error) {
	f.rec.add("sampler.start")
	f.lastPath, f.lastEvery = outputPath, interval
	if f.startErr != nil {
		return nil, f.startErr
	}
	if !f.noFile {
		if err := os.WriteFile(outputPath, []byte("timestamp,energy_wh\n"), 0644); err != nil {
			return nil, err
		}
	}
	return f.session, nil
}

type fakeGenerator struct {
	rec     *recorder
	err     error
	lastReq workload.Request
}

func (f *fakeGenerator) Run(ctx context.Context, req workload.Request) (*workload.Result, error) {
	f.rec.add("generate")
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &workload.Result{Requests: 1000, RequestsPerSec: 66.6}, nil
}

type fakeLease struct {
	rec      *recorder
	core     int
	releases int
}

func (l *fakeLease) Core() int     { return l.core }
func (l *fakeLease) Enabled() bool { return l.core >= 0 }
func (l *fakeLease) Release() error {
	l.rec.add("release")
	l.releases++
	return nil
}

type fakeIsolator struct {
	rec   *recorder
	lease *fakeLease
	pid   int
}

func (f *fakeIsolator) Acquire(pid, preferredCore int) isolation.Lease {
	f.rec.add("acquire")
	f.pid = pid
	return f.lease
}

type memorySink struct {
	runs []int
}

func (m *memorySink) WriteRun(dir string, index int, rec types.RunRecord, load *workload.Result) error {
	m.runs = append(m.runs, index)
	return nil
}

func (m *memorySink) WriteSession(results.SessionOutcome) error { return nil }

type fixture struct {
	rec       *recorder
	lifecycle *fakeLifecycle
	sampler   *fakeSampler
	generator *fakeGenerator
	isolator  *fakeIsolator
	sink      *memorySink
	ctrl      *Controller
	req       RunRequest
}

func measurement(wh float64) *sampler.Measurement {
	return &sampler.Measurement{
		StartedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DurationS:   15,
		EnergyWh:    wh,
		CPUWh:       wh * 0.8,
		RAMWh:       wh * 0.2,
		CPUPowerW:   wh * 0.8 * 240,
		RAMPowerW:   wh * 0.2 * 240,
		EmissionsMg: wh * 475,
		Samples:     30,
		Source:      "rapl",
		Metadata:    map[string]string{"cpu_model": "test"},
	}
}

func newFixture(t *testing.T) *fixture {
	rec := &recorder{}
	f := &fixture{
		rec:       rec,
		lifecycle: &fakeLifecycle{rec: rec},
		sampler:   &fakeSampler{rec: rec, session: &fakeSession{rec: rec, measurement: measurement(0.125)}},
		generator: &fakeGenerator{rec: rec},
		isolator:  &fakeIsolator{rec: rec, lease: &fakeLease{rec: rec, core: 3}},
		sink:      &memorySink{},
	}
	wrk := config.Default().Wrk
	f.ctrl = NewController(f.lifecycle, f.sampler, f.generator, f.isolator, f.sink, Options{
		ReadinessTimeout: time.Second,
		SamplingInterval: 100 * time.Millisecond,
		FlushGracePeriod: 200 * time.Millisecond,
		PreferredCore:    isolation.NoPreference,
		Wrk:              wrk,
	})
	ep, ok := common.LookupEndpoint("cpu_intensive")
	require.True(t, ok)
	f.req = RunRequest{
		Framework:  "flask",
		Language:   "python",
		Endpoint:   ep,
		Target:     &container.Handle{Name: "rg-profiler-flask", PID: 4242, BaseURL: "http://127.0.0.1:8080", NetworkURL: "http://rg-profiler-flask:8080"},
		RunIndex:   2,
		SessionDir: t.TempDir(),
		Isolation:  true,
	}
	return f
}

func TestExecuteRunSuccess(t *testing.T) {
	f := newFixture(t)

	out, err := f.ctrl.Execute(context.Background(), f.req)
	require.NoError(t, err)

	assert.Equal(t, []string{"ready", "acquire", "sampler.start", "generate", "sampler.stop", "release", "logs"}, f.rec.list())
	assert.Equal(t, 4242, f.isolator.pid)
	assert.Equal(t, 1, f.isolator.lease.releases)
	assert.Equal(t, 3, out.Core)

	rec := out.Record
	assert.Equal(t, "flask", rec.Framework)
	assert.Equal(t, "cpu_intensive", rec.EndpointName)
	assert.Equal(t, 0.125, rec.EnergyWh)
	assert.InDelta(t, 59.375, rec.EmissionsMgCO2e, 1e-9)
	assert.Equal(t, map[string]string{"cpu_model": "test"}, rec.Metadata)
	assert.Equal(t, map[string]string{"cpu_model": "test"}, f.sampler.session.measurement.Metadata)
	assert.Equal(t, 30, out.Samples)
	assert.Equal(t, int64(1000), out.Load.Requests)

	runDir := results.RunDir(f.req.SessionDir, 2)
	assert.Equal(t, filepath.Join(runDir, common.SamplesFileName), f.sampler.lastPath)
	logs, err := os.ReadFile(filepath.Join(runDir, common.ContainerLogFileName))
	require.NoError(t, err)
	assert.Equal(t, "server listening\n", string(logs))
	assert.Equal(t, []int{2}, f.sink.runs)

	req := f.generator.lastReq
	assert.Equal(t, "http://127.0.0.1:8080/cpu-intensive?complexity=5", req.URL)
	assert.Equal(t, "wrk/energy/energy_cpu.lua", req.Script)
	assert.Equal(t, common.DefaultWrkConcurrency, req.Connections)
	assert.Equal(t, common.DefaultWrkDuration, req.Duration)
}

func TestExecuteRunInNetworkURL(t *testing.T) {
	f := newFixture(t)
	f.ctrl.opts.Wrk.InNetwork = true
	f.ctrl.opts.Wrk.ScriptsDir = "/scripts"

	_, err := f.ctrl.ExecuteRun(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, "http://rg-profiler-flask:8080/cpu-intensive?complexity=5", f.generator.lastReq.URL)
	assert.Equal(t, "/scripts/energy/energy_cpu.lua", f.generator.lastReq.Script)
}

func TestExecuteRunGeneratorFailureReleasesLeaseFirst(t *testing.T) {
	f := newFixture(t)
	f.generator.err = errors.New("wrk exited with status 1")

	_, err := f.ctrl.Execute(context.Background(), f.req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrLoadGenerationFailed))
	assert.Equal(t, types.KindLoadGenerationFailed, types.KindOf(err))

	assert.Equal(t, 1, f.isolator.lease.releases)
	assert.Equal(t, 1, f.sampler.session.stops)
	assert.Equal(t, []string{"ready", "acquire", "sampler.start", "generate", "sampler.stop", "release", "logs"}, f.rec.list())
	assert.Empty(t, f.sink.runs)
}

func TestExecuteRunFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fixture)
		kind     types.ErrorKind
		events   []string
		releases int
	}{
		{
			name:   "target not ready",
			setup:  func(f *fixture) { f.lifecycle.readyErr = errors.New("connection refused") },
			kind:   types.KindTargetUnavailable,
			events: []string{"ready"},
		},
		{
			name:     "sampler start fails",
			setup:    func(f *fixture) { f.sampler.startErr = errors.New("powercap unreadable") },
			kind:     types.KindEnergyDataMissing,
			events:   []string{"ready", "acquire", "sampler.start", "release"},
			releases: 1,
		},
		{
			name:     "sampler stop fails",
			setup:    func(f *fixture) { f.sampler.session.stopErr = errors.New("no power samples recorded") },
			kind:     types.KindEnergyDataMissing,
			events:   []string{"ready", "acquire", "sampler.start", "generate", "sampler.stop", "release", "logs"},
			releases: 1,
		},
		{
			name:     "samples file never appears",
			setup:    func(f *fixture) { f.sampler.noFile = true },
			kind:     types.KindEnergyDataMissing,
			events:   []string{"ready", "acquire", "sampler.start", "generate", "sampler.stop", "release", "logs"},
			releases: 1,
		},
		{
			name: "invalid measurement",
			setup: func(f *fixture) {
				m := measurement(0.125)
				m.DurationS = 0
				f.sampler.session.measurement = m
			},
			kind:     types.KindEnergyDataMissing,
			events:   []string{"ready", "acquire", "sampler.start", "generate", "sampler.stop", "release", "logs"},
			releases: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			rec, err := f.ctrl.ExecuteRun(context.Background(), f.req)
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.Equal(t, tt.kind, types.KindOf(err))
			assert.Equal(t, tt.events, f.rec.list())
			assert.Equal(t, tt.releases, f.isolator.lease.releases)
			assert.Empty(t, f.sink.runs)
		})
	}
}

func TestExecuteRunWithoutIsolation(t *testing.T) {
	f := newFixture(t)
	f.req.Isolation = false

	out, err := f.ctrl.Execute(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, -1, out.Core)
	assert.NotContains(t, f.rec.list(), "acquire")
	assert.Equal(t, map[string]string{"cpu_model": "test"}, out.Record.Metadata)
}

func TestExecuteRunDisabledLease(t *testing.T) {
	f := newFixture(t)
	f.isolator.lease.core = -1

	out, err := f.ctrl.Execute(context.Background(), f.req)
	require.NoError(t, err)
	assert.Equal(t, -1, out.Core)
	assert.Equal(t, 1, f.isolator.lease.releases)
}

func TestExecuteRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.generator.err = fmt.Errorf("killed: %w", context.Canceled)
	f.generator.rec = &recorder{}
	gen := &cancellingGenerator{inner: f.generator, cancel: cancel}
	f.ctrl.generator = gen

	_, err := f.ctrl.Execute(ctx, f.req)
	require.Error(t, err)
	assert.Equal(t, types.KindCancelled, types.KindOf(err))
	assert.Equal(t, 1, f.isolator.lease.releases)
	assert.Equal(t, 1, f.sampler.session.stops)
}

type cancellingGenerator struct {
	inner  *fakeGenerator
	cancel context.CancelFunc
}

func (g *cancellingGenerator) Run(ctx context.Context, req workload.Request) (*workload.Result, error) {
	g.cancel()
	return g.inner.Run(ctx, req)
}

func TestExecuteRunRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	req := f.req
	req.Target = nil
	_, err := f.ctrl.Execute(context.Background(), req)
	assert.Equal(t, types.KindTargetUnavailable, types.KindOf(err))

	req = f.req
	req.RunIndex = 0
	_, err = f.ctrl.Execute(context.Background(), req)
	assert.Error(t, err)
	assert.Empty(t, f.rec.list())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Energy.PreferredCore = 5
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 5, opts.PreferredCore)
	assert.Equal(t, cfg.Server.ReadinessTimeout, opts.ReadinessTimeout)
	assert.Equal(t, cfg.Energy.FlushGracePeriod, opts.FlushGracePeriod)
	assert.Equal(t, cfg.Wrk.Command, opts.Wrk.Command)
}
