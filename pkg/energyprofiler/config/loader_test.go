package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Unexpected error loading defaults: %v", err)
	}

	if cfg.Energy.Runs != 3 {
		t.Errorf("Expected 3 runs by default, got %d", cfg.Energy.Runs)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts by default, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Energy.PreferredCore != -1 {
		t.Errorf("Expected no preferred core by default, got %d", cfg.Energy.PreferredCore)
	}
	if cfg.Carbon.Provider != CarbonProviderStatic {
		t.Errorf("Expected static carbon provider, got %s", cfg.Carbon.Provider)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
results:
  dir: /tmp/results
energy:
  runs: 5
  recoveryDelay: 2s
  samplingInterval: 250ms
  cpuIsolation: false
retry:
  maxAttempts: 4
  initialBackoff: 500ms
wrk:
  command: ["docker", "run", "--rm", "rg-profiler-wrk"]
  duration: 20s
  maxConcurrency: 16
power:
  source: model
  idleWatts: 15
  maxWatts: 95
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Results.Dir != "/tmp/results" {
		t.Errorf("Expected results dir /tmp/results, got %s", cfg.Results.Dir)
	}
	if cfg.Energy.Runs != 5 || cfg.Energy.RecoveryDelay != 2*time.Second {
		t.Errorf("Energy section not applied: %+v", cfg.Energy)
	}
	if cfg.Energy.SamplingInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms sampling interval, got %v", cfg.Energy.SamplingInterval)
	}
	if cfg.Energy.CPUIsolation {
		t.Error("Expected CPU isolation to be disabled")
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.InitialBackoff != 500*time.Millisecond {
		t.Errorf("Retry section not applied: %+v", cfg.Retry)
	}
	if strings.Join(cfg.Wrk.Command, " ") != "docker run --rm rg-profiler-wrk" {
		t.Errorf("Unexpected wrk command: %v", cfg.Wrk.Command)
	}
	if cfg.Power.Source != PowerSourceModel || cfg.Power.MaxWatts != 95 {
		t.Errorf("Power section not applied: %+v", cfg.Power)
	}
	// Untouched fields keep their defaults
	if cfg.Server.ReadinessTimeout != 45*time.Second {
		t.Errorf("Expected default readiness timeout, got %v", cfg.Server.ReadinessTimeout)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "energy:\n  runs: 5\n")
	t.Setenv("ENERGY_RUNS", "7")
	t.Setenv("ENERGY_RECOVERY_DELAY", "0s")
	t.Setenv("WRK_COMMAND", "/usr/local/bin/wrk")
	t.Setenv("RETRY_MAX_ATTEMPTS", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Energy.Runs != 7 {
		t.Errorf("Expected env to override runs to 7, got %d", cfg.Energy.Runs)
	}
	if cfg.Energy.RecoveryDelay != 0 {
		t.Errorf("Expected zero recovery delay, got %v", cfg.Energy.RecoveryDelay)
	}
	if len(cfg.Wrk.Command) != 1 || cfg.Wrk.Command[0] != "/usr/local/bin/wrk" {
		t.Errorf("Unexpected wrk command: %v", cfg.Wrk.Command)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Invalid env value should keep default, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	bad := writeConfig(t, "energy: [not, a, map\n")
	if _, err := Load(bad); err == nil {
		t.Error("Expected error for malformed YAML")
	}

	invalid := writeConfig(t, "energy:\n  runs: 0\n")
	if _, err := Load(invalid); err == nil || !strings.Contains(err.Error(), "runs") {
		t.Errorf("Expected run count validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "single run", mutate: func(c *Config) { c.Energy.Runs = 1 }},
		{name: "zero runs", mutate: func(c *Config) { c.Energy.Runs = 0 }, wantErr: "runs"},
		{name: "negative recovery", mutate: func(c *Config) { c.Energy.RecoveryDelay = -time.Second }, wantErr: "recovery"},
		{name: "nice out of range", mutate: func(c *Config) { c.Energy.Nice = -21 }, wantErr: "nice"},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, wantErr: "attempts"},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Retry.BackoffFactor = 0.5 }, wantErr: "factor"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "port"},
		{name: "no wrk command", mutate: func(c *Config) { c.Wrk.Command = nil }, wantErr: "wrk command"},
		{name: "fewer connections than threads", mutate: func(c *Config) { c.Wrk.Threads = 4; c.Wrk.MaxConcurrency = 2 }, wantErr: "threads"},
		{name: "unknown power source", mutate: func(c *Config) { c.Power.Source = "ipmi" }, wantErr: "power source"},
		{name: "idle above max", mutate: func(c *Config) { c.Power.IdleWatts = 100 }, wantErr: "idle"},
		{name: "api without key", mutate: func(c *Config) { c.Carbon.Provider = CarbonProviderElectricityMaps; c.Carbon.API.Zone = "DE" }, wantErr: "API key"},
		{name: "api configured", mutate: func(c *Config) {
			c.Carbon.Provider = CarbonProviderElectricityMaps
			c.Carbon.API.Key = "k"
			c.Carbon.API.Zone = "DE"
		}},
		{name: "database without path", mutate: func(c *Config) { c.Database.Enabled = true; c.Database.Path = "" }, wantErr: "database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestImageFor(t *testing.T) {
	s := ServerConfig{ImageTemplate: "rg-profiler-{language}-{framework}"}
	if got := s.ImageFor("python", "flask"); got != "rg-profiler-python-flask" {
		t.Errorf("Unexpected image name %s", got)
	}
}
