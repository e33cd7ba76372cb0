package workload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `Running 15s test @ http://rg-profiler-flask:8080/json
  1 threads and 8 connections
  Thread Stats   Avg      Stdev     Max   +/- Stdev
    Latency     1.23ms  456.78us  12.34ms   89.00%
    Req/Sec     6.50k   321.00     7.10k    70.00%
  Latency Distribution
     50%    1.10ms
     75%    1.40ms
     90%    1.80ms
     99%    3.20ms
  97123 requests in 15.00s, 12.34MB read
  Non-2xx or 3xx responses: 12
  Socket errors: connect 0, read 1, write 0, timeout 2
Requests/sec:   6474.87
Transfer/sec:    823.45KB
`

func TestParseOutput(t *testing.T) {
	r, err := ParseOutput(sampleOutput)
	require.NoError(t, err)

	assert.Equal(t, int64(97123), r.Requests)
	assert.InDelta(t, 15.0, r.DurationS, 1e-9)
	assert.InDelta(t, 12.34*1024*1024, r.BytesRead, 1)
	assert.InDelta(t, 6474.87, r.RequestsPerSec, 1e-9)
	assert.InDelta(t, 823.45*1024, r.TransferPerSec, 1e-6)
	assert.Equal(t, 1230*time.Microsecond, r.LatencyAvg)
	assert.Equal(t, 456780*time.Nanosecond, r.LatencyStdev)
	assert.Equal(t, 12340*time.Microsecond, r.LatencyMax)
	assert.Equal(t, 1100*time.Microsecond, r.Percentiles["50"])
	assert.Equal(t, 3200*time.Microsecond, r.Percentiles["99"])
	assert.Len(t, r.Percentiles, 4)
	assert.Equal(t, int64(12), r.Non2xx)
	assert.Equal(t, SocketErrors{Read: 1, Timeout: 2}, r.SocketErrors)
	assert.Equal(t, int64(3), r.SocketErrors.Total())
}

func TestParseOutputMinimal(t *testing.T) {
	out := "  10 requests in 1.00s, 1.00KB read\nRequests/sec:     10.00\n"
	r, err := ParseOutput(out)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Requests)
	assert.Equal(t, 1024.0, r.BytesRead)
	assert.Zero(t, r.Non2xx)
}

func TestParseOutputErrors(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{name: "empty", out: ""},
		{name: "no rate", out: "  10 requests in 1.00s, 1.00KB read\n"},
		{name: "no summary", out: "Requests/sec: 10.00\n"},
		{name: "bad latency", out: "    Latency  fast  1ms  2ms  50%\n  10 requests in 1.00s, 1.00KB read\nRequests/sec: 10\n"},
		{name: "connection failure", out: "unable to connect to flask:8080 Connection refused\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOutput(tt.out)
			assert.Error(t, err)
		})
	}
}

func TestArgs(t *testing.T) {
	args := Args(Request{
		URL:         "http://flask:8080/cpu-intensive?complexity=5",
		Script:      "/scripts/energy/energy_cpu.lua",
		Accept:      "application/json",
		Duration:    15 * time.Second,
		Threads:     1,
		Connections: 8,
		Timeout:     2 * time.Second,
	})
	assert.Equal(t, []string{
		"-t1", "-c8", "-d15s", "--latency",
		"--timeout", "2s",
		"-H", "Accept: application/json",
		"-s", "/scripts/energy/energy_cpu.lua",
		"http://flask:8080/cpu-intensive?complexity=5",
	}, args)

	bare := Args(Request{URL: "http://x/", Duration: time.Second, Threads: 2, Connections: 4})
	assert.Equal(t, []string{"-t2", "-c4", "-d1s", "--latency", "http://x/"}, bare)
}

func shellCommand(script string) []string {
	// extra wrk args land in $1.. and are ignored
	return []string{"sh", "-c", script, "wrk"}
}

func validRequest() Request {
	return Request{URL: "http://localhost:8080/json", Duration: time.Second, Threads: 1, Connections: 2}
}

func TestWrkRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleOutput), 0644))

	w := NewWrk(shellCommand("cat "+path), 5*time.Second)
	r, err := w.Run(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(97123), r.Requests)
}

func TestWrkRunFailures(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		req     func(r *Request)
		margin  time.Duration
	}{
		{name: "non-zero exit", command: shellCommand("echo boom >&2; exit 3")},
		{name: "unparsable output", command: shellCommand("echo hello")},
		{name: "missing binary", command: []string{"/nonexistent/wrk"}},
		{name: "no command"},
		{name: "sub-second duration", command: shellCommand("true"), req: func(r *Request) { r.Duration = 10 * time.Millisecond }},
		{name: "bad connections", command: shellCommand("true"), req: func(r *Request) { r.Connections = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			if tt.req != nil {
				tt.req(&req)
			}
			_, err := NewWrk(tt.command, time.Second).Run(context.Background(), req)
			assert.Error(t, err)
		})
	}
}

func TestWrkRunTimeout(t *testing.T) {
	w := NewWrk(shellCommand("exec sleep 10"), 100*time.Millisecond)
	start := time.Now()
	_, err := w.Run(context.Background(), validRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not finish")
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestWrkRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWrk(shellCommand("exec sleep 10"), time.Second).Run(ctx, validRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
