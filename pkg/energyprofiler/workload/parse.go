package workload

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Result is what wrk reported for a run
type Result struct {
	Requests       int64                    `json:"requests"`
	DurationS      float64                  `json:"duration_s"`
	BytesRead      float64                  `json:"bytes_read"`
	RequestsPerSec float64                  `json:"requests_per_sec"`
	TransferPerSec float64                  `json:"transfer_per_sec_bytes"`
	LatencyAvg     time.Duration            `json:"latency_avg_ns"`
	LatencyStdev   time.Duration            `json:"latency_stdev_ns"`
	LatencyMax     time.Duration            `json:"latency_max_ns"`
	Percentiles    map[string]time.Duration `json:"latency_percentiles_ns,omitempty"`
	Non2xx         int64                    `json:"non_2xx"`
	SocketErrors   SocketErrors             `json:"socket_errors"`
}

type SocketErrors struct {
	Connect int64 `json:"connect"`
	Read    int64 `json:"read"`
	Write   int64 `json:"write"`
	Timeout int64 `json:"timeout"`
}

// Total number of socket errors
func (s SocketErrors) Total() int64 {
	return s.Connect + s.Read + s.Write + s.Timeout
}

// ParseOutput reads the standard wrk report. The summary line and
// Requests/sec are required; everything else is optional.
func ParseOutput(out string) (*Result, error) {
	r := &Result{Percentiles: map[string]time.Duration{}}
	var sawSummary, sawRate, inDistribution bool

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch {
		case fields[0] == "Latency" && len(fields) >= 4 && !inDistribution:
			var err error
			if r.LatencyAvg, err = parseDuration(fields[1]); err != nil {
				return nil, err
			}
			if r.LatencyStdev, err = parseDuration(fields[2]); err != nil {
				return nil, err
			}
			if r.LatencyMax, err = parseDuration(fields[3]); err != nil {
				return nil, err
			}
		case line == "Latency Distribution":
			inDistribution = true
		case inDistribution && strings.HasSuffix(fields[0], "%") && len(fields) == 2:
			d, err := parseDuration(fields[1])
			if err != nil {
				return nil, err
			}
			r.Percentiles[strings.TrimSuffix(fields[0], "%")] = d
		case len(fields) >= 5 && fields[1] == "requests" && fields[2] == "in":
			inDistribution = false
			n, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid request count %q", fields[0])
			}
			r.Requests = n
			d, err := parseDuration(strings.TrimSuffix(fields[3], ","))
			if err != nil {
				return nil, err
			}
			r.DurationS = d.Seconds()
			if r.BytesRead, err = parseSize(fields[4]); err != nil {
				return nil, err
			}
			sawSummary = true
		case strings.HasPrefix(line, "Non-2xx or 3xx responses:"):
			n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid non-2xx count in %q", line)
			}
			r.Non2xx = n
		case strings.HasPrefix(line, "Socket errors:"):
			if err := parseSocketErrors(line, &r.SocketErrors); err != nil {
				return nil, err
			}
		case fields[0] == "Requests/sec:" && len(fields) == 2:
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid requests/sec %q", fields[1])
			}
			r.RequestsPerSec = v
			sawRate = true
		case fields[0] == "Transfer/sec:" && len(fields) == 2:
			v, err := parseSize(fields[1])
			if err != nil {
				return nil, err
			}
			r.TransferPerSec = v
		}
	}

	if !sawSummary || !sawRate {
		return nil, fmt.Errorf("unrecognised wrk output")
	}
	return r, nil
}

// parseDuration accepts wrk units: us, ms, s, m, h
func parseDuration(s string) (time.Duration, error) {
	units := []struct {
		suffix string
		scale  float64
	}{
		{"us", float64(time.Microsecond)},
		{"ms", float64(time.Millisecond)},
		{"s", float64(time.Second)},
		{"m", float64(time.Minute)},
		{"h", float64(time.Hour)},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			return time.Duration(v * u.scale), nil
		}
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// parseSize accepts wrk byte units: B, KB, MB, GB, TB (powers of 1024)
func parseSize(s string) (float64, error) {
	units := []struct {
		suffix string
		scale  float64
	}{
		{"KB", 1 << 10},
		{"MB", 1 << 20},
		{"GB", 1 << 30},
		{"TB", 1 << 40},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q", s)
			}
			return v * u.scale, nil
		}
	}
	return 0, fmt.Errorf("invalid size %q", s)
}

// parseSocketErrors reads "Socket errors: connect 0, read 1, write 0, timeout 2"
func parseSocketErrors(line string, out *SocketErrors) error {
	_, rest, _ := strings.Cut(line, ":")
	for _, part := range strings.Split(rest, ",") {
		kv := strings.Fields(part)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.ParseInt(kv[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid socket error count in %q", line)
		}
		switch kv[0] {
		case "connect":
			out.Connect = n
		case "read":
			out.Read = n
		case "write":
			out.Write = n
		case "timeout":
			out.Timeout = n
		}
	}
	return nil
}
