package sampler

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/carbon"
)

// Sampler starts power measurement sessions
type Sampler interface {
	Start(ctx context.Context, outputPath string, interval time.Duration) (Session, error)
}

// Session is one running measurement. Stop ends sampling, makes the samples
// file durable and returns the measured totals.
type Session interface {
	Stop() (*Measurement, error)
}

// Measurement is what a sampling session observed
type Measurement struct {
	StartedAt       time.Time
	DurationS       float64
	EnergyWh        float64
	CPUWh           float64
	RAMWh           float64
	GPUWh           float64
	CPUPowerW       float64
	RAMPowerW       float64
	GPUPowerW       float64
	EmissionsMg     float64
	CarbonIntensity float64 // gCO2eq/kWh
	Samples         int
	Source          string
	Metadata        map[string]string
}

var csvHeader = []string{
	"timestamp", "duration_s",
	"cpu_power_w", "ram_power_w", "gpu_power_w",
	"cpu_energy_wh", "ram_energy_wh", "gpu_energy_wh", "energy_wh",
	"cpu_utilization", "source",
}

// PowerSampler samples a power source on a ticker and writes every reading
// to a CSV file
type PowerSampler struct {
	newSource SourceFactory
	carbon    carbon.Provider
	metadata  map[string]string
	now       func() time.Time
}

// New creates a sampler. metadata is attached to every measurement.
func New(newSource SourceFactory, provider carbon.Provider, metadata map[string]string) *PowerSampler {
	return &PowerSampler{
		newSource: newSource,
		carbon:    provider,
		metadata:  metadata,
		now:       time.Now,
	}
}

func (p *PowerSampler) Start(ctx context.Context, outputPath string, interval time.Duration) (Session, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sampling interval must be positive, got %v", interval)
	}

	source, err := p.newSource()
	if err != nil {
		return nil, fmt.Errorf("creating power source: %w", err)
	}
	intensity, err := p.carbon.Intensity(ctx)
	if err != nil {
		return nil, fmt.Errorf("looking up carbon intensity: %w", err)
	}

	file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating samples file: %w", err)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("writing samples header: %w", err)
	}
	writer.Flush()

	start := p.now()
	if err := source.Prime(start); err != nil {
		file.Close()
		return nil, fmt.Errorf("priming %s power source: %w", source.Name(), err)
	}

	s := &session{
		sampler:   p,
		source:    source,
		file:      file,
		writer:    writer,
		intensity: intensity,
		startedAt: start,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go s.loop(ctx, interval)

	klog.V(1).InfoS("Power sampling started",
		"source", source.Name(),
		"output", outputPath,
		"interval", interval,
		"carbonIntensity", intensity)
	return s, nil
}

type session struct {
	sampler   *PowerSampler
	source    Source
	file      *os.File
	writer    *csv.Writer
	intensity float64
	startedAt time.Time

	totals    Totals
	readErrs  int
	lastErr   error
	writeErr  error
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	result    *Measurement
	resultErr error
}

func (s *session) loop(ctx context.Context, interval time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-ctx.Done():
			s.sample()
			return
		case <-s.stopCh:
			s.sample()
			return
		}
	}
}

func (s *session) sample() {
	r, err := s.source.Read(s.sampler.now())
	if err != nil {
		s.readErrs++
		s.lastErr = err
		klog.V(3).InfoS("Power reading failed", "source", s.source.Name(), "err", err)
		return
	}
	s.totals.Add(r)
	klog.V(3).InfoS("Power sample",
		"cpuWatts", r.CPUWatts,
		"ramWatts", r.RAMWatts,
		"interval", r.Interval)

	if s.writeErr != nil {
		return
	}
	hours := r.Interval.Hours()
	row := []string{
		r.At.UTC().Format(time.RFC3339Nano),
		formatFloat(r.Interval.Seconds()),
		formatFloat(r.CPUWatts),
		formatFloat(r.RAMWatts),
		formatFloat(r.GPUWatts),
		formatFloat(r.CPUWatts * hours),
		formatFloat(r.RAMWatts * hours),
		formatFloat(r.GPUWatts * hours),
		formatFloat((r.CPUWatts + r.RAMWatts + r.GPUWatts) * hours),
		formatFloat(r.CPUUtilization),
		s.source.Name(),
	}
	if err := s.writer.Write(row); err != nil {
		s.writeErr = err
		return
	}
	s.writer.Flush()
	s.writeErr = s.writer.Error()
}

// Stop is safe to call more than once; later calls return the first result
func (s *session) Stop() (*Measurement, error) {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.result, s.resultErr = s.finish()
	})
	return s.result, s.resultErr
}

func (s *session) finish() (*Measurement, error) {
	s.writer.Flush()
	errs := []error{s.writeErr, s.writer.Error(), s.file.Sync(), s.file.Close()}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("persisting samples: %w", err)
	}

	if s.totals.Samples == 0 || s.totals.DurationS <= 0 {
		if s.lastErr != nil {
			return nil, fmt.Errorf("no power samples recorded (%d failed reads): %w", s.readErrs, s.lastErr)
		}
		return nil, fmt.Errorf("no power samples recorded")
	}

	t := s.totals
	energy := t.EnergyWh()
	m := &Measurement{
		StartedAt:       s.startedAt,
		DurationS:       t.DurationS,
		EnergyWh:        energy,
		CPUWh:           t.CPUWh,
		RAMWh:           t.RAMWh,
		GPUWh:           t.GPUWh,
		CPUPowerW:       t.AveragePower(t.CPUWh),
		RAMPowerW:       t.AveragePower(t.RAMWh),
		GPUPowerW:       t.AveragePower(t.GPUWh),
		EmissionsMg:     carbon.EmissionsMg(energy, s.intensity),
		CarbonIntensity: s.intensity,
		Samples:         t.Samples,
		Source:          s.source.Name(),
		Metadata:        make(map[string]string, len(s.sampler.metadata)+3),
	}
	for k, v := range s.sampler.metadata {
		m.Metadata[k] = v
	}
	m.Metadata["tracking_mode"] = "machine"
	m.Metadata["power_source"] = s.source.Name()
	m.Metadata["carbon_intensity"] = formatFloat(s.intensity)
	if zone := s.sampler.carbon.Zone(); zone != "" {
		m.Metadata["region"] = zone
	}

	klog.V(1).InfoS("Power sampling stopped",
		"samples", t.Samples,
		"failedReads", s.readErrs,
		"durationS", t.DurationS,
		"energyWh", energy)
	return m, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
