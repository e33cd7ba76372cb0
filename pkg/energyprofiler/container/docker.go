package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"
)

// dockerAPI is the subset of the Docker Engine client the lifecycle uses
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	NetworkInspect(ctx context.Context, networkID string, options types.NetworkInspectOptions) (types.NetworkResource, error)
	NetworkCreate(ctx context.Context, name string, options types.NetworkCreate) (types.NetworkCreateResponse, error)
}

// Docker manages targets through the Docker Engine API
type Docker struct {
	api          dockerAPI
	prober       *Prober
	pollInterval time.Duration
	host         string
}

// DockerOption allows customizing the lifecycle
type DockerOption func(*Docker)

// WithProber replaces the HTTP readiness prober
func WithProber(p *Prober) DockerOption {
	return func(d *Docker) { d.prober = p }
}

// WithPublishHost sets the host name used in BaseURL
func WithPublishHost(host string) DockerOption {
	return func(d *Docker) { d.host = host }
}

// NewDocker connects to the daemon configured by the environment
func NewDocker(pollInterval time.Duration, opts ...DockerOption) (*Docker, *client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newDocker(cli, pollInterval, opts...), cli, nil
}

func newDocker(api dockerAPI, pollInterval time.Duration, opts ...DockerOption) *Docker {
	d := &Docker{
		api:          api,
		prober:       NewProber(2 * time.Second),
		pollInterval: pollInterval,
		host:         "127.0.0.1",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Docker) Start(ctx context.Context, spec TargetSpec) (*Handle, error) {
	if spec.Image == "" || spec.Name == "" {
		return nil, fmt.Errorf("target spec needs an image and a name")
	}
	if spec.Network != "" {
		if err := d.ensureNetwork(ctx, spec.Network); err != nil {
			return nil, err
		}
	}

	// A container left over from an aborted session would hold the name and port
	if err := d.api.ContainerRemove(ctx, spec.Name, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return nil, fmt.Errorf("removing stale container %s: %w", spec.Name, err)
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return nil, fmt.Errorf("invalid target port %d: %w", spec.Port, err)
	}
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
		},
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	klog.V(1).InfoS("Creating target container",
		"name", spec.Name,
		"image", spec.Image,
		"port", spec.Port,
		"network", spec.Network)

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		klog.InfoS("Docker create warning", "name", spec.Name, "warning", w)
	}
	if err := d.api.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		d.api.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container %s: %w", spec.Name, err)
	}

	h := &Handle{
		ID:         resp.ID,
		Name:       spec.Name,
		Port:       spec.Port,
		BaseURL:    fmt.Sprintf("http://%s:%d", d.host, spec.Port),
		NetworkURL: fmt.Sprintf("http://%s:%d", spec.Name, spec.Port),
		Started:    true,
	}
	if _, err := d.refresh(ctx, h); err != nil {
		return h, err
	}
	return h, nil
}

func (d *Docker) Attach(ctx context.Context, nameOrID string, port int) (*Handle, error) {
	info, err := d.api.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", nameOrID, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return nil, fmt.Errorf("container %s is not running", nameOrID)
	}

	name := trimName(info.Name)
	h := &Handle{
		ID:         info.ID,
		Name:       name,
		PID:        info.State.Pid,
		Port:       port,
		BaseURL:    fmt.Sprintf("http://%s:%d", d.host, port),
		NetworkURL: fmt.Sprintf("http://%s:%d", name, port),
	}
	klog.V(1).InfoS("Attached to running target", "name", name, "id", shortID(info.ID), "pid", h.PID)
	return h, nil
}

func (d *Docker) WaitReady(ctx context.Context, h *Handle, timeout time.Duration) error {
	start := time.Now()
	var lastErr error
	err := wait.PollUntilContextTimeout(ctx, d.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		running, err := d.refresh(ctx, h)
		if err != nil {
			lastErr = err
			return false, nil
		}
		if !running {
			return false, fmt.Errorf("container %s exited", h.Name)
		}
		if err := d.prober.Probe(ctx, h.BaseURL); err != nil {
			lastErr = err
			klog.V(3).InfoS("Target not ready yet", "name", h.Name, "err", err)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if lastErr != nil && wait.Interrupted(err) {
			return fmt.Errorf("target %s not ready after %v: %w", h.Name, timeout, lastErr)
		}
		return fmt.Errorf("waiting for target %s: %w", h.Name, err)
	}

	klog.V(1).InfoS("Target ready", "name", h.Name, "pid", h.PID, "waited", time.Since(start).Round(time.Millisecond))
	return nil
}

func (d *Docker) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	timeout := int(math.Ceil(grace.Seconds()))
	klog.V(1).InfoS("Stopping target container", "name", h.Name, "grace", grace)

	var errs []error
	if err := d.api.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: ptr.To(timeout)}); err != nil && !client.IsErrNotFound(err) {
		errs = append(errs, fmt.Errorf("stopping container %s: %w", h.Name, err))
	}
	if err := d.api.ContainerRemove(ctx, h.ID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		errs = append(errs, fmt.Errorf("removing container %s: %w", h.Name, err))
	}
	return errors.Join(errs...)
}

func (d *Docker) Logs(ctx context.Context, h *Handle, since time.Time, w io.Writer) error {
	opts := types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: true}
	if !since.IsZero() {
		opts.Since = strconv.FormatInt(since.Unix(), 10)
	}
	rc, err := d.api.ContainerLogs(ctx, h.ID, opts)
	if err != nil {
		return fmt.Errorf("reading logs of %s: %w", h.Name, err)
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(w, w, rc); err != nil {
		return fmt.Errorf("copying logs of %s: %w", h.Name, err)
	}
	return nil
}

// refresh updates the PID from the daemon and reports whether the container runs
func (d *Docker) refresh(ctx context.Context, h *Handle) (bool, error) {
	info, err := d.api.ContainerInspect(ctx, h.ID)
	if err != nil {
		return false, fmt.Errorf("inspecting container %s: %w", h.Name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, nil
	}
	h.PID = info.State.Pid
	return info.State.Running, nil
}

func (d *Docker) ensureNetwork(ctx context.Context, name string) error {
	_, err := d.api.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting network %s: %w", name, err)
	}
	if _, err := d.api.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge", CheckDuplicate: true}); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	klog.V(1).InfoS("Created docker network", "network", name)
	return nil
}

func trimName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
