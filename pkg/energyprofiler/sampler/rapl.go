package sampler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type zoneKind int

const (
	zonePackage zoneKind = iota
	zoneDRAM
)

type raplZone struct {
	path     string
	kind     zoneKind
	maxRange uint64
	last     uint64
}

// RAPLSource reads Intel/AMD RAPL energy counters from the powercap tree.
// Package zones count as CPU, dram subzones as RAM. Without a dram zone RAM
// power is the fixed estimate.
type RAPLSource struct {
	zones        []*raplZone
	ramEstimateW float64
	hasDRAM      bool
	last         time.Time
}

// NewRAPLSource discovers zones under root, e.g. /sys/class/powercap
func NewRAPLSource(root string, ramEstimateW float64) (*RAPLSource, error) {
	dirs, err := filepath.Glob(filepath.Join(root, "intel-rapl:*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)

	s := &RAPLSource{ramEstimateW: ramEstimateW}
	for _, dir := range dirs {
		name, err := readString(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		var kind zoneKind
		switch {
		case strings.HasPrefix(name, "package"):
			kind = zonePackage
		case name == "dram":
			kind = zoneDRAM
			s.hasDRAM = true
		default:
			// core, uncore and psys overlap with the package counter
			continue
		}

		if _, err := readUint(filepath.Join(dir, "energy_uj")); err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		maxRange, err := readUint(filepath.Join(dir, "max_energy_range_uj"))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		s.zones = append(s.zones, &raplZone{path: dir, kind: kind, maxRange: maxRange})
	}

	if !s.hasPackage() {
		return nil, fmt.Errorf("no RAPL package zone under %s", root)
	}
	return s, nil
}

func (s *RAPLSource) Name() string { return "rapl" }

func (s *RAPLSource) hasPackage() bool {
	for _, z := range s.zones {
		if z.kind == zonePackage {
			return true
		}
	}
	return false
}

func (s *RAPLSource) Prime(now time.Time) error {
	for _, z := range s.zones {
		v, err := readUint(filepath.Join(z.path, "energy_uj"))
		if err != nil {
			return err
		}
		z.last = v
	}
	s.last = now
	return nil
}

func (s *RAPLSource) Read(now time.Time) (Reading, error) {
	interval := now.Sub(s.last)
	if interval <= 0 {
		return Reading{}, fmt.Errorf("non-positive sampling interval %v", interval)
	}

	var cpuUJ, ramUJ uint64
	for _, z := range s.zones {
		v, err := readUint(filepath.Join(z.path, "energy_uj"))
		if err != nil {
			return Reading{}, err
		}
		delta := counterDelta(z.last, v, z.maxRange)
		z.last = v
		if z.kind == zoneDRAM {
			ramUJ += delta
		} else {
			cpuUJ += delta
		}
	}
	s.last = now

	seconds := interval.Seconds()
	r := Reading{
		At:             now,
		Interval:       interval,
		CPUWatts:       float64(cpuUJ) / 1e6 / seconds,
		RAMWatts:       s.ramEstimateW,
		CPUUtilization: -1,
	}
	if s.hasDRAM {
		r.RAMWatts = float64(ramUJ) / 1e6 / seconds
	}
	return r, nil
}

// counterDelta handles a counter that wrapped at maxRange
func counterDelta(prev, cur, maxRange uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return maxRange - prev + cur
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}
