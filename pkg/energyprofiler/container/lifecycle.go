package container

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rgprofiler/energy-profiler/pkg/energyprofiler/common"
)

// TargetSpec describes a framework server container to start
type TargetSpec struct {
	Name    string
	Image   string
	Port    int
	Network string
	Env     []string
	Labels  map[string]string
}

// Handle identifies a running target
type Handle struct {
	ID   string
	Name string
	PID  int
	Port int
	// BaseURL reaches the target through its published port
	BaseURL string
	// NetworkURL reaches the target by container name from inside the network
	NetworkURL string
	// Started is true when this process created the container
	Started bool
}

// Lifecycle starts, probes and stops benchmark targets
type Lifecycle interface {
	Start(ctx context.Context, spec TargetSpec) (*Handle, error)
	Attach(ctx context.Context, nameOrID string, port int) (*Handle, error)
	// WaitReady blocks until the target answers HTTP or the timeout passes.
	// It refreshes the handle's PID.
	WaitReady(ctx context.Context, h *Handle, timeout time.Duration) error
	// Stop asks the target to exit, kills it after grace and removes it
	Stop(ctx context.Context, h *Handle, grace time.Duration) error
	// Logs copies the target's output since the given time to w
	Logs(ctx context.Context, h *Handle, since time.Time, w io.Writer) error
}

// Prober checks whether a target answers HTTP on one of the probe paths
type Prober struct {
	Client HTTPClient
	Paths  []string
}

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewProber returns a prober over the default readiness paths
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		Client: &http.Client{Timeout: timeout},
		Paths:  common.ReadinessProbePaths,
	}
}

// Probe returns nil when any probe path answers with a 2xx status
func (p *Prober) Probe(ctx context.Context, baseURL string) error {
	var lastErr error
	for _, path := range p.Paths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("building probe request: %w", err)
		}
		resp, err := p.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("%s answered %d", path, resp.StatusCode)
	}
	return fmt.Errorf("target at %s not answering: %w", baseURL, lastErr)
}
