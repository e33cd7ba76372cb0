package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Results: ResultsConfig{Dir: "results"},
		Energy: EnergyConfig{
			Runs:             common.DefaultRuns,
			RecoveryDelay:    common.DefaultRecoveryDelay,
			SamplingInterval: common.DefaultSamplingInterval,
			FlushGracePeriod: common.DefaultFlushGracePeriod,
			CPUIsolation:     true,
			PreferredCore:    -1,
			Nice:             common.DefaultIsolationNice,
		},
		Retry: RetryConfig{
			MaxAttempts:    common.DefaultMaxAttempts,
			InitialBackoff: common.DefaultInitialBackoff,
			BackoffFactor:  common.DefaultBackoffFactor,
			MaxBackoff:     common.DefaultMaxBackoff,
		},
		Server: ServerConfig{
			Port:                common.DefaultServerPort,
			ImageTemplate:       common.ContainerNamePrefix + "-{language}-{framework}",
			Network:             common.DockerNetworkName,
			ReadinessTimeout:    common.DefaultReadinessTimeout,
			PollInterval:        common.DefaultReadinessPoll,
			StabilizationTime:   common.DefaultStabilizationTime,
			ShutdownGracePeriod: common.DefaultShutdownGracePeriod,
		},
		Wrk: WrkConfig{
			Command:        []string{"wrk"},
			Duration:       common.DefaultWrkDuration,
			Threads:        common.DefaultWrkThreads,
			MaxConcurrency: common.DefaultWrkConcurrency,
			Timeout:        common.DefaultWrkTimeout,
			Margin:         common.DefaultWrkMargin,
			ScriptsDir:     "wrk",
		},
		Power: PowerConfig{
			Source:        PowerSourceAuto,
			PowercapRoot:  "/sys/class/powercap",
			ProcRoot:      "/proc",
			IdleWatts:     10.0,
			MaxWatts:      65.0,
			Gamma:         1.0,
			RAMWattsPerGB: 0.375,
		},
		Carbon: CarbonConfig{
			Provider:        CarbonProviderStatic,
			StaticIntensity: common.DefaultCarbonIntensity,
			API: APIConfig{
				URL:         "https://api.electricitymap.org/v3/carbon-intensity/latest?zone=",
				Timeout:     10 * time.Second,
				MaxRetries:  3,
				RetryDelay:  1 * time.Second,
				RateLimit:   10,
				CacheTTL:    5 * time.Minute,
				MaxCacheAge: 1 * time.Hour,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    common.DefaultMetricsPort,
		},
		Database: DatabaseConfig{
			Enabled: false,
			Path:    "results/history.db",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (when non-empty), then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"configFile", path,
		"resultsDir", cfg.Results.Dir,
		"runs", cfg.Energy.Runs,
		"recoveryDelay", cfg.Energy.RecoveryDelay,
		"cpuIsolation", cfg.Energy.CPUIsolation,
		"powerSource", cfg.Power.Source,
		"carbonProvider", cfg.Carbon.Provider)

	return cfg, nil
}

// LoadFromEnv loads the defaults with environment overrides only
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func applyEnv(cfg *Config) {
	cfg.Results.Dir = getEnvOrDefault("RESULTS_DIR", cfg.Results.Dir)

	cfg.Energy.Runs = getIntOrDefault("ENERGY_RUNS", cfg.Energy.Runs)
	cfg.Energy.RecoveryDelay = getDurationOrDefault("ENERGY_RECOVERY_DELAY", cfg.Energy.RecoveryDelay)
	cfg.Energy.SamplingInterval = getDurationOrDefault("ENERGY_SAMPLING_INTERVAL", cfg.Energy.SamplingInterval)
	cfg.Energy.FlushGracePeriod = getDurationOrDefault("ENERGY_FLUSH_GRACE_PERIOD", cfg.Energy.FlushGracePeriod)
	cfg.Energy.CPUIsolation = getBoolOrDefault("ENERGY_CPU_ISOLATION", cfg.Energy.CPUIsolation)
	cfg.Energy.PreferredCore = getIntOrDefault("ENERGY_PREFERRED_CORE", cfg.Energy.PreferredCore)
	cfg.Energy.Nice = getIntOrDefault("ENERGY_NICE", cfg.Energy.Nice)

	cfg.Retry.MaxAttempts = getIntOrDefault("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.InitialBackoff = getDurationOrDefault("RETRY_INITIAL_BACKOFF", cfg.Retry.InitialBackoff)
	cfg.Retry.BackoffFactor = getFloatOrDefault("RETRY_BACKOFF_FACTOR", cfg.Retry.BackoffFactor)
	cfg.Retry.MaxBackoff = getDurationOrDefault("RETRY_MAX_BACKOFF", cfg.Retry.MaxBackoff)

	cfg.Server.Port = getIntOrDefault("SERVER_PORT", cfg.Server.Port)
	cfg.Server.ImageTemplate = getEnvOrDefault("SERVER_IMAGE_TEMPLATE", cfg.Server.ImageTemplate)
	cfg.Server.Network = getEnvOrDefault("SERVER_NETWORK", cfg.Server.Network)
	cfg.Server.ReadinessTimeout = getDurationOrDefault("SERVER_READINESS_TIMEOUT", cfg.Server.ReadinessTimeout)
	cfg.Server.PollInterval = getDurationOrDefault("SERVER_POLL_INTERVAL", cfg.Server.PollInterval)
	cfg.Server.StabilizationTime = getDurationOrDefault("SERVER_STABILIZATION_TIME", cfg.Server.StabilizationTime)
	cfg.Server.ShutdownGracePeriod = getDurationOrDefault("SERVER_SHUTDOWN_GRACE_PERIOD", cfg.Server.ShutdownGracePeriod)

	if cmd := os.Getenv("WRK_COMMAND"); cmd != "" {
		cfg.Wrk.Command = strings.Fields(cmd)
	}
	cfg.Wrk.Duration = getDurationOrDefault("WRK_DURATION", cfg.Wrk.Duration)
	cfg.Wrk.Threads = getIntOrDefault("WRK_THREADS", cfg.Wrk.Threads)
	cfg.Wrk.MaxConcurrency = getIntOrDefault("WRK_MAX_CONCURRENCY", cfg.Wrk.MaxConcurrency)
	cfg.Wrk.Timeout = getDurationOrDefault("WRK_TIMEOUT", cfg.Wrk.Timeout)
	cfg.Wrk.Margin = getDurationOrDefault("WRK_MARGIN", cfg.Wrk.Margin)
	cfg.Wrk.ScriptsDir = getEnvOrDefault("WRK_SCRIPTS_DIR", cfg.Wrk.ScriptsDir)
	cfg.Wrk.InNetwork = getBoolOrDefault("WRK_IN_NETWORK", cfg.Wrk.InNetwork)

	cfg.Power.Source = getEnvOrDefault("POWER_SOURCE", cfg.Power.Source)
	cfg.Power.PowercapRoot = getEnvOrDefault("POWER_POWERCAP_ROOT", cfg.Power.PowercapRoot)
	cfg.Power.ProcRoot = getEnvOrDefault("POWER_PROC_ROOT", cfg.Power.ProcRoot)
	cfg.Power.IdleWatts = getFloatOrDefault("POWER_IDLE_WATTS", cfg.Power.IdleWatts)
	cfg.Power.MaxWatts = getFloatOrDefault("POWER_MAX_WATTS", cfg.Power.MaxWatts)
	cfg.Power.Gamma = getFloatOrDefault("POWER_GAMMA", cfg.Power.Gamma)
	cfg.Power.RAMWattsPerGB = getFloatOrDefault("POWER_RAM_WATTS_PER_GB", cfg.Power.RAMWattsPerGB)

	cfg.Carbon.Provider = getEnvOrDefault("CARBON_PROVIDER", cfg.Carbon.Provider)
	cfg.Carbon.StaticIntensity = getFloatOrDefault("CARBON_STATIC_INTENSITY", cfg.Carbon.StaticIntensity)
	cfg.Carbon.Country = getEnvOrDefault("CARBON_COUNTRY", cfg.Carbon.Country)
	cfg.Carbon.Region = getEnvOrDefault("CARBON_REGION", cfg.Carbon.Region)
	cfg.Carbon.API.Key = getEnvOrDefault("ELECTRICITY_MAP_API_KEY", cfg.Carbon.API.Key)
	cfg.Carbon.API.URL = getEnvOrDefault("ELECTRICITY_MAP_API_URL", cfg.Carbon.API.URL)
	cfg.Carbon.API.Zone = getEnvOrDefault("ELECTRICITY_MAP_API_REGION", cfg.Carbon.API.Zone)
	cfg.Carbon.API.Timeout = getDurationOrDefault("API_TIMEOUT", cfg.Carbon.API.Timeout)
	cfg.Carbon.API.MaxRetries = getIntOrDefault("API_MAX_RETRIES", cfg.Carbon.API.MaxRetries)
	cfg.Carbon.API.RetryDelay = getDurationOrDefault("API_RETRY_DELAY", cfg.Carbon.API.RetryDelay)
	cfg.Carbon.API.RateLimit = getIntOrDefault("API_RATE_LIMIT", cfg.Carbon.API.RateLimit)
	cfg.Carbon.API.CacheTTL = getDurationOrDefault("CACHE_TTL", cfg.Carbon.API.CacheTTL)
	cfg.Carbon.API.MaxCacheAge = getDurationOrDefault("MAX_CACHE_AGE", cfg.Carbon.API.MaxCacheAge)

	cfg.Metrics.Enabled = getBoolOrDefault("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Port = getIntOrDefault("METRICS_PORT", cfg.Metrics.Port)

	cfg.Database.Enabled = getBoolOrDefault("DATABASE_ENABLED", cfg.Database.Enabled)
	cfg.Database.Path = getEnvOrDefault("DATABASE_PATH", cfg.Database.Path)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
