package isolation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog/v2"
)

// NoPreference lets the manager pick the core
const NoPreference = -1

// Lease is an exclusive claim on one core for the duration of one run.
// Release restores the target's affinity and priority; only the first call
// has an effect.
type Lease interface {
	Core() int
	Enabled() bool
	Release() error
}

// leaseTable tracks claimed cores. One table is shared by every manager in
// the process so two sessions can never pin to the same core.
type leaseTable struct {
	mu    sync.Mutex
	cores map[int]int // core -> pid
}

var processLeases = &leaseTable{cores: make(map[int]int)}

// Manager pins benchmark targets to a dedicated core
type Manager struct {
	plat  platform
	nice  int
	table *leaseTable
}

// NewManager creates a manager that raises leased targets to the given nice value
func NewManager(nice int) *Manager {
	return &Manager{plat: newPlatform(), nice: nice, table: processLeases}
}

func newManagerWithPlatform(plat platform, nice int) *Manager {
	return &Manager{plat: plat, nice: nice, table: &leaseTable{cores: make(map[int]int)}}
}

// Acquire pins every thread of pid to one free core and raises its priority.
// Isolation is best effort: whenever it cannot be applied a disabled lease is
// returned instead of an error.
func (m *Manager) Acquire(pid, preferredCore int) Lease {
	if !m.plat.Supported() {
		return disabled(pid, "unsupported platform")
	}
	if pid <= 0 {
		return disabled(pid, "no target pid")
	}

	online, err := m.plat.OnlineCPUs()
	if err != nil || len(online) == 0 {
		return disabled(pid, fmt.Sprintf("online cpus unavailable: %v", err))
	}
	self, err := m.plat.SelfAffinity()
	if err != nil {
		klog.V(2).InfoS("Could not read own affinity, ranking by idle time only", "err", err)
	}
	idle, err := m.plat.IdleRatios()
	if err != nil {
		klog.V(2).InfoS("Could not read idle ratios", "err", err)
	}

	core, ok := m.table.reserve(pid, online, self, idle, preferredCore)
	if !ok {
		return disabled(pid, "no free core")
	}

	lease, err := m.pin(pid, core)
	if err != nil {
		m.table.free(core)
		return disabled(pid, err.Error())
	}

	klog.V(2).InfoS("Isolated target on dedicated core",
		"pid", pid,
		"core", core,
		"threads", len(lease.masks),
		"nice", m.nice,
		"niced", len(lease.nices) > 0)
	return lease
}

func (m *Manager) pin(pid, core int) (*coreLease, error) {
	tids, err := m.plat.Threads(pid)
	if err != nil {
		return nil, fmt.Errorf("listing threads of %d: %w", pid, err)
	}

	lease := &coreLease{
		manager: m,
		pid:     pid,
		core:    core,
		masks:   make(map[int][]int, len(tids)),
		nices:   make(map[int]int, len(tids)),
	}

	for _, tid := range tids {
		mask, err := m.plat.GetAffinity(tid)
		if err != nil {
			if isGone(err) {
				continue
			}
			lease.restore()
			return nil, fmt.Errorf("reading affinity of thread %d: %w", tid, err)
		}
		if err := m.plat.SetAffinity(tid, []int{core}); err != nil {
			if isGone(err) {
				continue
			}
			lease.restore()
			return nil, fmt.Errorf("pinning thread %d: %w", tid, err)
		}
		lease.masks[tid] = mask
	}
	if len(lease.masks) == 0 {
		return nil, fmt.Errorf("target %d has no live threads", pid)
	}

	for tid := range lease.masks {
		prev, err := m.plat.GetNice(tid)
		if err != nil {
			continue
		}
		if err := m.plat.SetNice(tid, m.nice); err != nil {
			if isPermission(err) {
				klog.V(2).InfoS("Not permitted to raise target priority, keeping affinity only",
					"pid", pid, "nice", m.nice)
				break
			}
			continue
		}
		lease.nices[tid] = prev
	}

	return lease, nil
}

// reserve picks and claims a core under the table lock
func (t *leaseTable) reserve(pid int, online, self []int, idle map[int]float64, preferred int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	free := make([]int, 0, len(online))
	for _, c := range online {
		if _, taken := t.cores[c]; !taken {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		return 0, false
	}

	core := chooseCore(free, self, idle, preferred)
	t.cores[core] = pid
	return core, true
}

func (t *leaseTable) free(core int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cores, core)
}

func (t *leaseTable) held(core int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cores[core]
	return ok
}

// chooseCore ranks free cores: the preferred core wins outright; otherwise
// core 0 goes last, cores outside our own affinity come first, then the
// most idle, then the lowest index.
func chooseCore(free, self []int, idle map[int]float64, preferred int) int {
	for _, c := range free {
		if c == preferred {
			return c
		}
	}

	inSelf := make(map[int]bool, len(self))
	for _, c := range self {
		inSelf[c] = true
	}

	ranked := append([]int(nil), free...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if (a == 0) != (b == 0) {
			return b == 0
		}
		if inSelf[a] != inSelf[b] {
			return !inSelf[a]
		}
		if idle[a] != idle[b] {
			return idle[a] > idle[b]
		}
		return a < b
	})
	return ranked[0]
}

type coreLease struct {
	manager *Manager
	pid     int
	core    int
	masks   map[int][]int // tid -> original affinity
	nices   map[int]int   // tid -> original nice

	once sync.Once
	err  error
}

func (l *coreLease) Core() int     { return l.core }
func (l *coreLease) Enabled() bool { return true }

func (l *coreLease) Release() error {
	l.once.Do(func() {
		l.err = l.restore()
		l.manager.table.free(l.core)
		klog.V(2).InfoS("Released core isolation", "pid", l.pid, "core", l.core, "err", l.err)
	})
	return l.err
}

// restore puts back saved priorities and masks; threads that exited are ignored
func (l *coreLease) restore() error {
	var errs []error
	for tid, nice := range l.nices {
		if err := l.manager.plat.SetNice(tid, nice); err != nil && !isGone(err) {
			errs = append(errs, fmt.Errorf("restoring priority of thread %d: %w", tid, err))
		}
	}
	for tid, mask := range l.masks {
		if err := l.manager.plat.SetAffinity(tid, mask); err != nil && !isGone(err) {
			errs = append(errs, fmt.Errorf("restoring affinity of thread %d: %w", tid, err))
		}
	}
	return errors.Join(errs...)
}

type disabledLease struct{}

func disabled(pid int, reason string) Lease {
	klog.V(2).InfoS("CPU isolation disabled for run", "pid", pid, "reason", reason)
	return disabledLease{}
}

func (disabledLease) Core() int      { return -1 }
func (disabledLease) Enabled() bool  { return false }
func (disabledLease) Release() error { return nil }
