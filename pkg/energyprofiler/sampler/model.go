package sampler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/hostinfo"
)

// ModelSource estimates CPU power from host utilisation with
// P = idle + (max - idle) * u^gamma, and RAM power as a constant.
type ModelSource struct {
	procRoot  string
	idleWatts float64
	maxWatts  float64
	gamma     float64
	ramWatts  float64

	prevIdle  float64
	prevTotal float64
	last      time.Time
}

func NewModelSource(procRoot string, idleWatts, maxWatts, gamma, ramWatts float64) *ModelSource {
	return &ModelSource{
		procRoot:  procRoot,
		idleWatts: idleWatts,
		maxWatts:  maxWatts,
		gamma:     gamma,
		ramWatts:  ramWatts,
	}
}

func (s *ModelSource) Name() string { return "model" }

func (s *ModelSource) Prime(now time.Time) error {
	idle, total, err := s.readStat()
	if err != nil {
		return err
	}
	s.prevIdle, s.prevTotal, s.last = idle, total, now
	return nil
}

func (s *ModelSource) Read(now time.Time) (Reading, error) {
	interval := now.Sub(s.last)
	if interval <= 0 {
		return Reading{}, fmt.Errorf("non-positive sampling interval %v", interval)
	}
	idle, total, err := s.readStat()
	if err != nil {
		return Reading{}, err
	}

	util := 0.0
	if total > s.prevTotal {
		util = 1 - (idle-s.prevIdle)/(total-s.prevTotal)
	}
	s.prevIdle, s.prevTotal, s.last = idle, total, now

	return Reading{
		At:             now,
		Interval:       interval,
		CPUWatts:       s.cpuPower(util),
		RAMWatts:       s.ramWatts,
		CPUUtilization: util,
	}, nil
}

func (s *ModelSource) cpuPower(util float64) float64 {
	util = math.Max(0, math.Min(1, util))
	return s.idleWatts + (s.maxWatts-s.idleWatts)*math.Pow(util, s.gamma)
}

func (s *ModelSource) readStat() (idle, total float64, err error) {
	times, err := hostinfo.ReadCPUTimes(hostinfo.WithProcRoot(context.Background(), s.procRoot), false)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregate cpu times: %w", err)
	}
	return times[0].Idle, times[0].Total, nil
}
