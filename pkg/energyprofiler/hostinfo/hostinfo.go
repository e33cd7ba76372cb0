package hostinfo

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	psutil "github.com/shirou/gopsutil/v3/common"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"k8s.io/klog/v2"
)

// Info describes the measuring host. It ends up in every run record's metadata.
type Info struct {
	Hostname   string
	CPUModel   string
	CPUVendor  string
	CPUFamily  string
	CPUCount   int
	RAMTotalGB float64
}

// WithProcRoot points gopsutil at an alternative /proc tree. An empty root
// keeps the host default.
func WithProcRoot(ctx context.Context, procRoot string) context.Context {
	if procRoot == "" {
		return ctx
	}
	return context.WithValue(ctx, psutil.EnvKey, psutil.EnvMap{psutil.HostProcEnvKey: procRoot})
}

// Detect gathers host facts. Individual failures are logged and leave the
// corresponding field empty.
func Detect(procRoot string) Info {
	ctx := WithProcRoot(context.Background(), procRoot)
	info := Info{}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	cpus, err := cpu.InfoWithContext(ctx)
	if err != nil || len(cpus) == 0 {
		klog.V(2).InfoS("Could not determine CPU model", "err", err)
	} else {
		info.CPUModel = cpus[0].ModelName
		info.CPUVendor = cpus[0].VendorID
		info.CPUFamily = cpus[0].Family
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.CPUCount = n
	} else {
		info.CPUCount = runtime.NumCPU()
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vm.Total > 0 {
		info.RAMTotalGB = float64(vm.Total) / (1024 * 1024 * 1024)
	} else {
		klog.V(2).InfoS("Could not read memory size", "err", err)
	}

	return info
}

// Metadata renders the facts as run record metadata
func (i Info) Metadata() map[string]string {
	md := map[string]string{
		"cpu_count":      strconv.Itoa(i.CPUCount),
		"ram_total_size": strconv.FormatFloat(i.RAMTotalGB, 'f', 3, 64),
	}
	if i.Hostname != "" {
		md["hostname"] = i.Hostname
	}
	if i.CPUModel != "" {
		md["cpu_model"] = i.CPUModel
	}
	if i.CPUVendor != "" {
		md["cpu_vendor"] = i.CPUVendor
	}
	return md
}

// CPUTimes is the idle and total time of one CPU, or of all CPUs together,
// in seconds since boot. Idle includes iowait; guest time is left out of the
// total because user and nice already count it.
type CPUTimes struct {
	Core  int // -1 for the aggregate
	Idle  float64
	Total float64
}

// ReadCPUTimes returns the aggregate times, or one entry per core when
// perCPU is set
func ReadCPUTimes(ctx context.Context, perCPU bool) ([]CPUTimes, error) {
	stats, err := cpu.TimesWithContext(ctx, perCPU)
	if err != nil {
		return nil, fmt.Errorf("reading cpu times: %w", err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("no cpu times available")
	}

	out := make([]CPUTimes, 0, len(stats))
	for _, s := range stats {
		t := CPUTimes{
			Core:  -1,
			Idle:  s.Idle + s.Iowait,
			Total: s.User + s.Nice + s.System + s.Idle + s.Iowait + s.Irq + s.Softirq + s.Steal,
		}
		if perCPU {
			core, err := strconv.Atoi(strings.TrimPrefix(s.CPU, "cpu"))
			if err != nil {
				continue
			}
			t.Core = core
		}
		out = append(out, t)
	}
	return out, nil
}
