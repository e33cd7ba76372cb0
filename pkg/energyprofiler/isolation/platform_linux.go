//go:build linux

package isolation

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const (
	idleSampleWindow = 100 * time.Millisecond
	maxCPUs          = 1024
)

type linuxPlatform struct {
	procRoot string
	sysRoot  string
}

func newPlatform() platform {
	return &linuxPlatform{procRoot: "/proc", sysRoot: "/sys"}
}

func (p *linuxPlatform) Supported() bool { return true }

func (p *linuxPlatform) OnlineCPUs() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(p.sysRoot, "devices/system/cpu/online"))
	if err != nil {
		return nil, err
	}
	return parseCPUList(string(data))
}

func (p *linuxPlatform) SelfAffinity() ([]int, error) {
	return p.GetAffinity(0)
}

func (p *linuxPlatform) Threads(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(p.procRoot, strconv.Itoa(pid), "task"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, unix.ESRCH
		}
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

func (p *linuxPlatform) GetAffinity(tid int) ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(tid, &set); err != nil {
		return nil, err
	}
	var cpus []int
	for c := 0; c < maxCPUs; c++ {
		if set.IsSet(c) {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

func (p *linuxPlatform) SetAffinity(tid int, cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	return unix.SchedSetaffinity(tid, &set)
}

// GetNice converts the raw getpriority value (20 - nice) back to a nice value
func (p *linuxPlatform) GetNice(tid int) (int, error) {
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		return 0, err
	}
	return 20 - prio, nil
}

func (p *linuxPlatform) SetNice(tid int, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, tid, nice)
}

func (p *linuxPlatform) IdleRatios() (map[int]float64, error) {
	before, err := readCoreTimes(p.procRoot)
	if err != nil {
		return nil, err
	}
	time.Sleep(idleSampleWindow)
	after, err := readCoreTimes(p.procRoot)
	if err != nil {
		return nil, err
	}
	return idleRatios(before, after), nil
}
