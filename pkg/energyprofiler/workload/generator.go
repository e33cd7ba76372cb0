package workload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Request describes one load generation run
type Request struct {
	URL         string
	Script      string // path of the Lua script as wrk sees it; empty for none
	Accept      string
	Duration    time.Duration
	Threads     int
	Connections int
	Timeout     time.Duration
}

// Generator drives load against a target and blocks until it finishes
type Generator interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Wrk runs wrk through a command prefix, e.g. ["wrk"] or
// ["docker", "run", "--rm", "--network", "rg-profiler-network", "rg-profiler-wrk"]
type Wrk struct {
	command []string
	margin  time.Duration
}

func NewWrk(command []string, margin time.Duration) *Wrk {
	return &Wrk{command: append([]string(nil), command...), margin: margin}
}

// Args renders the wrk arguments for a request
func Args(req Request) []string {
	args := []string{
		"-t" + strconv.Itoa(req.Threads),
		"-c" + strconv.Itoa(req.Connections),
		"-d" + strconv.Itoa(int(req.Duration.Round(time.Second)/time.Second)) + "s",
		"--latency",
	}
	if req.Timeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(int(req.Timeout.Round(time.Second)/time.Second))+"s")
	}
	if req.Accept != "" {
		args = append(args, "-H", "Accept: "+req.Accept)
	}
	if req.Script != "" {
		args = append(args, "-s", req.Script)
	}
	return append(args, req.URL)
}

func (w *Wrk) Run(ctx context.Context, req Request) (*Result, error) {
	if len(w.command) == 0 {
		return nil, fmt.Errorf("no wrk command configured")
	}
	if req.Duration < time.Second {
		return nil, fmt.Errorf("wrk duration must be at least 1s, got %v", req.Duration)
	}
	if req.Threads < 1 || req.Connections < req.Threads {
		return nil, fmt.Errorf("invalid wrk threads/connections %d/%d", req.Threads, req.Connections)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Duration+w.margin)
	defer cancel()

	argv := append(append([]string(nil), w.command[1:]...), Args(req)...)
	cmd := exec.CommandContext(runCtx, w.command[0], argv...)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	klog.V(1).InfoS("Starting load generation",
		"url", req.URL,
		"duration", req.Duration,
		"connections", req.Connections,
		"script", req.Script)
	klog.V(3).InfoS("wrk command", "argv", strings.Join(append([]string{w.command[0]}, argv...), " "))

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("load generation cancelled: %w", ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("wrk did not finish within %v", req.Duration+w.margin)
		default:
			return nil, fmt.Errorf("wrk failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}

	result, err := ParseOutput(stdout.String())
	if err != nil {
		return nil, fmt.Errorf("parsing wrk output: %w", err)
	}

	klog.V(1).InfoS("Load generation finished",
		"requests", result.Requests,
		"requestsPerSec", result.RequestsPerSec,
		"latencyAvg", result.LatencyAvg,
		"non2xx", result.Non2xx,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return result, nil
}
