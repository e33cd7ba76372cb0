package isolation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/hostinfo"
)

// platform is the OS surface the manager needs. The Linux implementation
// uses sched_setaffinity and setpriority; other systems report unsupported.
type platform interface {
	Supported() bool
	OnlineCPUs() ([]int, error)
	SelfAffinity() ([]int, error)
	Threads(pid int) ([]int, error)
	GetAffinity(tid int) ([]int, error)
	SetAffinity(tid int, cpus []int) error
	GetNice(tid int) (int, error)
	SetNice(tid int, nice int) error
	IdleRatios() (map[int]float64, error)
}

// parseCPUList parses the kernel cpu list format, e.g. "0-3,6,8-9"
func parseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu list %q: %w", s, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid cpu list %q: %w", s, err)
			}
		}
		if end < start {
			return nil, fmt.Errorf("invalid cpu range %q", part)
		}
		for c := start; c <= end; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

// readCoreTimes returns the per-core cpu times found under procRoot
func readCoreTimes(procRoot string) (map[int]hostinfo.CPUTimes, error) {
	times, err := hostinfo.ReadCPUTimes(hostinfo.WithProcRoot(context.Background(), procRoot), true)
	if err != nil {
		return nil, err
	}
	out := make(map[int]hostinfo.CPUTimes, len(times))
	for _, t := range times {
		out[t.Core] = t
	}
	return out, nil
}

// idleRatios turns two cpu time snapshots into per-core idle fractions
func idleRatios(before, after map[int]hostinfo.CPUTimes) map[int]float64 {
	out := make(map[int]float64, len(after))
	for core, a := range after {
		b, ok := before[core]
		if !ok || a.Total <= b.Total {
			continue
		}
		ratio := (a.Idle - b.Idle) / (a.Total - b.Total)
		out[core] = math.Max(0, math.Min(1, ratio))
	}
	return out
}

func isPermission(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

// isGone reports a process or thread that exited
func isGone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrNotExist)
}
