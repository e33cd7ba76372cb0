package carbon

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/config"
)

// Provider supplies the grid carbon intensity used to turn energy into emissions
type Provider interface {
	// Intensity returns gCO2eq per kWh
	Intensity(ctx context.Context) (float64, error)
	// Zone identifies where the intensity applies
	Zone() string
}

// Static is a fixed carbon intensity
type Static struct {
	Value    float64
	ZoneName string
}

func (s Static) Intensity(context.Context) (float64, error) { return s.Value, nil }

func (s Static) Zone() string { return s.ZoneName }

// Fallback queries Primary and answers with Default when it fails
type Fallback struct {
	Primary Provider
	Default Static
}

func (f Fallback) Intensity(ctx context.Context) (float64, error) {
	value, err := f.Primary.Intensity(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}
		klog.ErrorS(err, "Carbon intensity lookup failed, using static intensity",
			"zone", f.Primary.Zone(),
			"intensity", f.Default.Value)
		return f.Default.Value, nil
	}
	return value, nil
}

func (f Fallback) Zone() string { return f.Primary.Zone() }

// EmissionsMg converts energy in Wh at the given intensity (gCO2eq/kWh) to mgCO2eq.
// Wh/1000 kWh x g/kWh x 1000 mg/g reduces to Wh x intensity.
func EmissionsMg(energyWh, intensity float64) float64 {
	return energyWh * intensity
}

// NewFromConfig builds the configured provider. The returned close function
// releases client resources and is never nil.
func NewFromConfig(cfg config.CarbonConfig) (Provider, func(), error) {
	zone := cfg.Region
	if zone == "" {
		zone = cfg.Country
	}
	static := Static{Value: cfg.StaticIntensity, ZoneName: zone}

	switch cfg.Provider {
	case config.CarbonProviderStatic:
		return static, func() {}, nil
	case config.CarbonProviderElectricityMaps:
		cache := NewCache(cfg.API.CacheTTL, cfg.API.MaxCacheAge)
		client := NewClient(cfg.API, WithCache(cache))
		closeFn := func() {
			client.Close()
			cache.Close()
		}
		static.ZoneName = cfg.API.Zone
		return Fallback{Primary: client, Default: static}, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown carbon provider %q", cfg.Provider)
	}
}
