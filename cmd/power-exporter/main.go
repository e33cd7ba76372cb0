package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/carbon"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/hostinfo"
	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/sampler"
)

const (
	namespace = "energy_profiler"
	subsystem = "host"
)

var (
	powerWatts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "power_watts",
			Help:      "Average power draw over the last sampling interval, by component",
		},
		[]string{"host", "component", "source"},
	)

	cpuUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_utilization_ratio",
			Help:      "Aggregate CPU utilisation over the last sampling interval (0-1)",
		},
		[]string{"host"},
	)

	cpuFrequency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_frequency_ghz",
			Help:      "Current CPU frequency in GHz",
		},
		[]string{"host", "cpu"},
	)

	carbonIntensity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "carbon_intensity_gco2eq_per_kwh",
			Help:      "Grid carbon intensity applied to measurements",
		},
		[]string{"host", "zone"},
	)

	hostInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "info",
			Help:      "Static host information, always 1",
		},
		[]string{"host", "cpu_model", "cpu_vendor", "cpu_count"},
	)
)

func init() {
	prometheus.MustRegister(powerWatts)
	prometheus.MustRegister(cpuUtilization)
	prometheus.MustRegister(cpuFrequency)
	prometheus.MustRegister(carbonIntensity)
	prometheus.MustRegister(hostInfo)
}

// collector exports live readings of the power source the profiler samples
type collector struct {
	host     string
	source   sampler.Source
	provider carbon.Provider
	sysRoot  string
	cpuCount int
}

func (c *collector) recordInfo(info hostinfo.Info) {
	hostInfo.With(prometheus.Labels{
		"host":       c.host,
		"cpu_model":  info.CPUModel,
		"cpu_vendor": info.CPUVendor,
		"cpu_count":  strconv.Itoa(info.CPUCount),
	}).Set(1)
}

// collect closes the current sampling interval and updates the gauges
func (c *collector) collect(ctx context.Context, now time.Time) error {
	r, err := c.source.Read(now)
	if err != nil {
		return fmt.Errorf("reading %s source: %w", c.source.Name(), err)
	}

	for component, watts := range map[string]float64{"cpu": r.CPUWatts, "ram": r.RAMWatts, "gpu": r.GPUWatts} {
		powerWatts.With(prometheus.Labels{
			"host":      c.host,
			"component": component,
			"source":    c.source.Name(),
		}).Set(watts)
	}
	if r.CPUUtilization >= 0 {
		cpuUtilization.WithLabelValues(c.host).Set(r.CPUUtilization)
	}
	klog.V(2).InfoS("Recorded power reading",
		"source", c.source.Name(),
		"cpuWatts", r.CPUWatts,
		"ramWatts", r.RAMWatts,
		"interval", r.Interval)

	for cpu := 0; cpu < c.cpuCount; cpu++ {
		freq, err := currentCPUFrequency(c.sysRoot, cpu)
		if err != nil {
			klog.V(3).InfoS("CPU frequency unavailable", "cpu", cpu, "err", err)
			continue
		}
		cpuFrequency.WithLabelValues(c.host, strconv.Itoa(cpu)).Set(freq)
	}

	intensity, err := c.provider.Intensity(ctx)
	if err != nil {
		klog.V(2).ErrorS(err, "Failed to get carbon intensity")
		return nil
	}
	carbonIntensity.WithLabelValues(c.host, c.provider.Zone()).Set(intensity)
	return nil
}

func (c *collector) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := c.collect(ctx, now); err != nil {
				klog.ErrorS(err, "Failed to collect power metrics")
			}
		}
	}
}

// currentCPUFrequency reads the current frequency of one CPU in GHz
func currentCPUFrequency(sysRoot string, cpu int) (float64, error) {
	dir := filepath.Join(sysRoot, "devices", "system", "cpu", fmt.Sprintf("cpu%d", cpu), "cpufreq")
	data, err := os.ReadFile(filepath.Join(dir, "scaling_cur_freq"))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(dir, "cpuinfo_cur_freq"))
		if err != nil {
			return 0, fmt.Errorf("failed to read CPU frequency: %w", err)
		}
	}

	freqKHz, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse CPU frequency: %w", err)
	}
	return freqKHz / 1000000, nil
}

func main() {
	var (
		metricsAddr string
		configPath  string
		hostName    string
		sysRoot     string
		interval    time.Duration
	)

	flag.StringVar(&metricsAddr, "metrics-addr", ":9101", "The address the metric endpoint binds to")
	flag.StringVar(&configPath, "config", os.Getenv("ENERGY_PROFILER_CONFIG"), "Path to the energy profiler YAML configuration")
	flag.StringVar(&hostName, "host-name", "", "Host label for exported series (defaults to the hostname)")
	flag.StringVar(&sysRoot, "sys-root", "/sys", "Root of the sysfs tree")
	flag.DurationVar(&interval, "interval", 5*time.Second, "Sampling interval")
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		klog.ErrorS(err, "Failed to load configuration")
		os.Exit(1)
	}

	info := hostinfo.Detect(cfg.Power.ProcRoot)
	if hostName == "" {
		hostName = info.Hostname
	}

	factory, err := sampler.NewSourceFactory(cfg.Power, info.RAMTotalGB)
	if err != nil {
		klog.ErrorS(err, "Failed to select power source")
		os.Exit(1)
	}
	source, err := factory()
	if err != nil {
		klog.ErrorS(err, "Failed to create power source")
		os.Exit(1)
	}
	if err := source.Prime(time.Now()); err != nil {
		klog.ErrorS(err, "Failed to prime power source")
		os.Exit(1)
	}

	provider, closeCarbon, err := carbon.NewFromConfig(cfg.Carbon)
	if err != nil {
		klog.ErrorS(err, "Failed to create carbon provider")
		os.Exit(1)
	}
	defer closeCarbon()

	klog.InfoS("Starting power exporter",
		"host", hostName,
		"source", source.Name(),
		"metricsAddr", metricsAddr,
		"interval", interval)

	c := &collector{
		host:     hostName,
		source:   source,
		provider: provider,
		sysRoot:  sysRoot,
		cpuCount: info.CPUCount,
	}
	c.recordInfo(info)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx, interval)

	http.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              metricsAddr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		server.Shutdown(shutdownCtx)
	}()

	klog.V(1).InfoS("Starting metrics server", "addr", metricsAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		klog.ErrorS(err, "Failed to start metrics server")
		os.Exit(1)
	}
}
