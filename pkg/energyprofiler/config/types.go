package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all configuration for the energy profiler
type Config struct {
	Results  ResultsConfig  `yaml:"results"`
	Energy   EnergyConfig   `yaml:"energy"`
	Retry    RetryConfig    `yaml:"retry"`
	Server   ServerConfig   `yaml:"server"`
	Wrk      WrkConfig      `yaml:"wrk"`
	Power    PowerConfig    `yaml:"power"`
	Carbon   CarbonConfig   `yaml:"carbon"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Database DatabaseConfig `yaml:"database"`
}

// ResultsConfig controls where artifacts are written
type ResultsConfig struct {
	Dir string `yaml:"dir"`
}

// EnergyConfig holds measurement session settings
type EnergyConfig struct {
	Runs             int           `yaml:"runs"`
	RecoveryDelay    time.Duration `yaml:"recoveryDelay"`
	SamplingInterval time.Duration `yaml:"samplingInterval"`
	FlushGracePeriod time.Duration `yaml:"flushGracePeriod"`
	CPUIsolation     bool          `yaml:"cpuIsolation"`
	PreferredCore    int           `yaml:"preferredCore"` // -1 lets the isolation manager choose
	Nice             int           `yaml:"nice"`
}

// RetryConfig controls per-run retries inside a session
type RetryConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"` // total attempts per run index, including the first
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	BackoffFactor  float64       `yaml:"backoffFactor"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// ServerConfig describes how the framework container is started and probed
type ServerConfig struct {
	Port                int           `yaml:"port"`
	ImageTemplate       string        `yaml:"imageTemplate"` // {language} and {framework} are substituted
	Network             string        `yaml:"network"`
	ReadinessTimeout    time.Duration `yaml:"readinessTimeout"`
	PollInterval        time.Duration `yaml:"pollInterval"`
	StabilizationTime   time.Duration `yaml:"stabilizationTime"`
	ShutdownGracePeriod time.Duration `yaml:"shutdownGracePeriod"`
}

// WrkConfig holds load generator settings
type WrkConfig struct {
	Command        []string      `yaml:"command"` // e.g. ["wrk"] or ["docker", "run", "--rm", ...]
	Duration       time.Duration `yaml:"duration"`
	Threads        int           `yaml:"threads"`
	MaxConcurrency int           `yaml:"maxConcurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	Margin         time.Duration `yaml:"margin"` // extra time allowed beyond Duration before wrk is killed
	ScriptsDir     string        `yaml:"scriptsDir"`
	InNetwork      bool          `yaml:"inNetwork"` // address the target by container name instead of the published port
}

// Power source names
const (
	PowerSourceAuto  = "auto"
	PowerSourceRAPL  = "rapl"
	PowerSourceModel = "model"
)

// PowerConfig selects and parameterises the power sampler
type PowerConfig struct {
	Source        string  `yaml:"source"`
	PowercapRoot  string  `yaml:"powercapRoot"`
	ProcRoot      string  `yaml:"procRoot"`
	IdleWatts     float64 `yaml:"idleWatts"` // CPU package power at idle, model source only
	MaxWatts      float64 `yaml:"maxWatts"`  // CPU package power at full load, model source only
	Gamma         float64 `yaml:"gamma"`     // curve exponent of the utilisation model
	RAMWattsPerGB float64 `yaml:"ramWattsPerGB"`
}

// Carbon provider names
const (
	CarbonProviderStatic          = "static"
	CarbonProviderElectricityMaps = "electricity-maps-api"
)

// CarbonConfig controls how emissions are derived from energy
type CarbonConfig struct {
	Provider        string    `yaml:"provider"`
	StaticIntensity float64   `yaml:"staticIntensity"` // gCO2eq/kWh
	Country         string    `yaml:"country"`
	Region          string    `yaml:"region"`
	API             APIConfig `yaml:"api"`
}

// APIConfig holds configuration for the Electricity Maps API
type APIConfig struct {
	Key         string        `yaml:"key"`
	URL         string        `yaml:"url"`
	Zone        string        `yaml:"zone"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"maxRetries"`
	RetryDelay  time.Duration `yaml:"retryDelay"`
	RateLimit   int           `yaml:"rateLimit"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
	MaxCacheAge time.Duration `yaml:"maxCacheAge"`
}

// MetricsConfig controls the Prometheus endpoint of the CLI
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DatabaseConfig controls the SQLite history store
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ImageFor renders the server image name for a framework
func (s ServerConfig) ImageFor(language, framework string) string {
	return strings.NewReplacer("{language}", language, "{framework}", framework).Replace(s.ImageTemplate)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Results.Dir == "" {
		return fmt.Errorf("results directory must be set")
	}

	if c.Energy.Runs < 1 {
		return fmt.Errorf("energy runs must be at least 1, got %d", c.Energy.Runs)
	}
	if c.Energy.RecoveryDelay < 0 {
		return fmt.Errorf("recovery delay must not be negative")
	}
	if c.Energy.SamplingInterval <= 0 {
		return fmt.Errorf("sampling interval must be positive")
	}
	if c.Energy.FlushGracePeriod <= 0 {
		return fmt.Errorf("flush grace period must be positive")
	}
	if c.Energy.PreferredCore < -1 {
		return fmt.Errorf("preferred core must be -1 or a core index, got %d", c.Energy.PreferredCore)
	}
	if c.Energy.Nice < -20 || c.Energy.Nice > 19 {
		return fmt.Errorf("nice value must be between -20 and 19, got %d", c.Energy.Nice)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
		return fmt.Errorf("retry backoff must not be negative")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry backoff factor must be at least 1, got %v", c.Retry.BackoffFactor)
	}

	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}
	if c.Server.ReadinessTimeout <= 0 || c.Server.PollInterval <= 0 {
		return fmt.Errorf("server readiness timeout and poll interval must be positive")
	}
	if c.Server.ShutdownGracePeriod < 0 || c.Server.StabilizationTime < 0 {
		return fmt.Errorf("server grace period and stabilization time must not be negative")
	}

	if len(c.Wrk.Command) == 0 {
		return fmt.Errorf("wrk command must be set")
	}
	if c.Wrk.Duration <= 0 {
		return fmt.Errorf("wrk duration must be positive")
	}
	if c.Wrk.Threads < 1 || c.Wrk.MaxConcurrency < c.Wrk.Threads {
		return fmt.Errorf("wrk needs at least 1 thread and no fewer connections than threads (threads=%d, connections=%d)",
			c.Wrk.Threads, c.Wrk.MaxConcurrency)
	}
	if c.Wrk.Margin < 0 {
		return fmt.Errorf("wrk margin must not be negative")
	}

	switch c.Power.Source {
	case PowerSourceAuto, PowerSourceRAPL, PowerSourceModel:
	default:
		return fmt.Errorf("unknown power source %q", c.Power.Source)
	}
	if c.Power.IdleWatts < 0 || c.Power.MaxWatts <= c.Power.IdleWatts {
		return fmt.Errorf("power model needs 0 <= idle watts < max watts (idle=%v, max=%v)",
			c.Power.IdleWatts, c.Power.MaxWatts)
	}
	if c.Power.Gamma <= 0 {
		return fmt.Errorf("power model gamma must be positive")
	}
	if c.Power.RAMWattsPerGB < 0 {
		return fmt.Errorf("RAM watts per GB must not be negative")
	}

	switch c.Carbon.Provider {
	case CarbonProviderStatic:
		if c.Carbon.StaticIntensity < 0 {
			return fmt.Errorf("static carbon intensity must not be negative")
		}
	case CarbonProviderElectricityMaps:
		if c.Carbon.API.Key == "" {
			return fmt.Errorf("electricity maps API key is required")
		}
		if c.Carbon.API.URL == "" || c.Carbon.API.Zone == "" {
			return fmt.Errorf("electricity maps URL and zone are required")
		}
		if c.Carbon.API.MaxRetries < 0 {
			return fmt.Errorf("max retries must not be negative")
		}
		if c.Carbon.API.RateLimit <= 0 {
			return fmt.Errorf("rate limit must be positive")
		}
	default:
		return fmt.Errorf("unknown carbon provider %q", c.Carbon.Provider)
	}

	if c.Metrics.Enabled {
		if err := validatePort("metrics", c.Metrics.Port); err != nil {
			return err
		}
	}
	if c.Database.Enabled && c.Database.Path == "" {
		return fmt.Errorf("database path is required when the database is enabled")
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
