package sampler

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
)

// Reading is the average power of each component over one sampling interval
type Reading struct {
	At             time.Time
	Interval       time.Duration
	CPUWatts       float64
	RAMWatts       float64
	GPUWatts       float64
	CPUUtilization float64 // 0..1, or -1 when the source does not measure it
}

// Source produces interval power readings. Prime starts an interval and each
// Read closes the current one and starts the next.
type Source interface {
	Name() string
	Prime(now time.Time) error
	Read(now time.Time) (Reading, error)
}

// SourceFactory creates a fresh source for every sampling session
type SourceFactory func() (Source, error)

// NewSourceFactory selects the power source from configuration. "auto"
// prefers RAPL counters and falls back to the utilisation model when the
// powercap tree is missing or unreadable.
func NewSourceFactory(cfg config.PowerConfig, ramGB float64) (SourceFactory, error) {
	model := func() (Source, error) {
		return NewModelSource(cfg.ProcRoot, cfg.IdleWatts, cfg.MaxWatts, cfg.Gamma, cfg.RAMWattsPerGB*ramGB), nil
	}
	rapl := func() (Source, error) {
		return NewRAPLSource(cfg.PowercapRoot, cfg.RAMWattsPerGB*ramGB)
	}

	switch cfg.Source {
	case config.PowerSourceModel:
		return model, nil
	case config.PowerSourceRAPL:
		if _, err := rapl(); err != nil {
			return nil, fmt.Errorf("RAPL power source unavailable: %w", err)
		}
		return rapl, nil
	case config.PowerSourceAuto:
		if _, err := rapl(); err != nil {
			klog.InfoS("RAPL counters unavailable, estimating power from CPU utilisation",
				"powercapRoot", cfg.PowercapRoot,
				"err", err)
			return model, nil
		}
		return rapl, nil
	default:
		return nil, fmt.Errorf("unknown power source %q", cfg.Source)
	}
}
