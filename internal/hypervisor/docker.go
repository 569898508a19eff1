package hypervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
)

const defaultImage = "nvidia/cuda:12.1.1-runtime-ubuntu22.04"

func init() {
	Register("docker", func(cfg Config) (domain.Hypervisor, error) {
		return NewDockerBackend(cfg)
	})
}

// DockerClient is the subset of the Docker API the backend uses.
// Narrowed for testability.
type DockerClient interface {
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	Close() error
}

// Compile-time interface check
var _ DockerClient = (*client.Client)(nil)

// domainDef holds the definition of one VM between Create and Delete. GPU
// attachments accumulate here and are applied when the container is started,
// since Docker cannot hot-plug devices.
type domainDef struct {
	spec        domain.VMSpec
	devices     []string // NVIDIA device addresses / indexes
	containerID string
	running     bool
}

// DockerBackend realizes VMs as GPU containers under the NVIDIA runtime,
// with device passthrough via NVIDIA_VISIBLE_DEVICES.
type DockerBackend struct {
	log     *logrus.Entry
	cli     DockerClient
	bootImg string

	mu   sync.Mutex
	defs map[string]*domainDef

	bootPollInterval time.Duration
}

// NewDockerBackend connects to the Docker daemon at cfg.URI (or the
// environment default when empty).
func NewDockerBackend(cfg Config) (*DockerBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.URI != "" {
		opts = append(opts, client.WithHost(cfg.URI))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := NewDockerBackendWithClient(cli, log)
	if cfg.DefaultImage != "" {
		b.bootImg = cfg.DefaultImage
	}
	return b, nil
}

// NewDockerBackendWithClient injects a client, for testing.
func NewDockerBackendWithClient(cli DockerClient, log *logrus.Logger) *DockerBackend {
	return &DockerBackend{
		log:              log.WithField("component", "docker-backend"),
		cli:              cli,
		bootImg:          defaultImage,
		defs:             make(map[string]*domainDef),
		bootPollInterval: 500 * time.Millisecond,
	}
}

// Create pulls the boot image and registers the VM definition. The container
// itself is created lazily in Start so GPU attachments land in its config.
func (b *DockerBackend) Create(ctx context.Context, spec domain.VMSpec) (string, error) {
	if spec.Image == "" {
		spec.Image = b.bootImg
	}
	if err := b.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	handle := fmt.Sprintf("gpushare-%s-%s", spec.Name, uuid.NewString()[:8])

	b.mu.Lock()
	b.defs[handle] = &domainDef{spec: spec}
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"handle": handle, "image": spec.Image}).Info("VM defined")
	return handle, nil
}

// AttachGPU records a device for the definition. Rejected while the
// container is running: Docker has no hot-plug.
func (b *DockerBackend) AttachGPU(ctx context.Context, handle, deviceAddress string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	def, ok := b.defs[handle]
	if !ok {
		return domain.NewHypervisorError("attach_gpu", false, fmt.Errorf("unknown handle %q", handle))
	}
	if def.running {
		return domain.NewHypervisorError("attach_gpu", false, fmt.Errorf("cannot attach device to running container %s", handle))
	}
	for _, d := range def.devices {
		if d == deviceAddress {
			return nil
		}
	}
	def.devices = append(def.devices, deviceAddress)
	return nil
}

// DetachGPU removes a device from the definition.
func (b *DockerBackend) DetachGPU(ctx context.Context, handle, deviceAddress string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	def, ok := b.defs[handle]
	if !ok {
		return domain.NewHypervisorError("detach_gpu", false, fmt.Errorf("unknown handle %q", handle))
	}
	if def.running {
		return domain.NewHypervisorError("detach_gpu", false, fmt.Errorf("cannot detach device from running container %s", handle))
	}
	kept := def.devices[:0]
	for _, d := range def.devices {
		if d != deviceAddress {
			kept = append(kept, d)
		}
	}
	def.devices = kept
	return nil
}

// Start creates and starts the container, then blocks until it reports
// running.
func (b *DockerBackend) Start(ctx context.Context, handle string) error {
	b.mu.Lock()
	def, ok := b.defs[handle]
	if !ok {
		b.mu.Unlock()
		return domain.NewHypervisorError("start", false, fmt.Errorf("unknown handle %q", handle))
	}
	spec := def.spec
	devices := append([]string(nil), def.devices...)
	containerID := def.containerID
	b.mu.Unlock()

	if containerID == "" {
		env := []string{}
		hostConfig := &container.HostConfig{
			Resources: container.Resources{
				Memory:   int64(spec.MemoryMB) * 1024 * 1024,
				NanoCPUs: int64(spec.VCPUs) * 1e9,
			},
		}
		if len(devices) > 0 {
			hostConfig.Runtime = "nvidia"
			env = append(env,
				fmt.Sprintf("NVIDIA_VISIBLE_DEVICES=%s", strings.Join(devices, ",")),
				"NVIDIA_DRIVER_CAPABILITIES=all",
			)
		}

		resp, err := b.cli.ContainerCreate(ctx, &container.Config{
			Image: spec.Image,
			Env:   env,
		}, hostConfig, nil, nil, handle)
		if err != nil {
			return classify("start", err)
		}
		containerID = resp.ID

		b.mu.Lock()
		def.containerID = containerID
		b.mu.Unlock()
	}

	if err := b.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return classify("start", err)
	}

	if err := b.waitRunning(ctx, containerID); err != nil {
		return err
	}

	b.mu.Lock()
	def.running = true
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"handle": handle, "container": short(containerID)}).Info("VM booted")
	return nil
}

// waitRunning polls until the container reports running, or fails terminally
// if it exits during boot.
func (b *DockerBackend) waitRunning(ctx context.Context, containerID string) error {
	for {
		inspect, err := b.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return classify("start", err)
		}
		if inspect.State != nil {
			switch inspect.State.Status {
			case "running":
				return nil
			case "exited", "dead":
				return domain.NewHypervisorError("start", false,
					fmt.Errorf("container %s stopped during boot: %s", short(containerID), inspect.State.Status))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.bootPollInterval):
		}
	}
}

// Stop shuts the container down gracefully and waits for it to exit.
func (b *DockerBackend) Stop(ctx context.Context, handle string) error {
	b.mu.Lock()
	def, ok := b.defs[handle]
	if !ok {
		b.mu.Unlock()
		return domain.NewHypervisorError("stop", false, fmt.Errorf("unknown handle %q", handle))
	}
	containerID := def.containerID
	b.mu.Unlock()

	timeout := 10
	if err := b.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify("stop", err)
	}

	waitCh, errCh := b.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
	case err := <-errCh:
		return classify("stop", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	def.running = false
	b.mu.Unlock()
	return nil
}

// Delete removes the container and drops the definition.
func (b *DockerBackend) Delete(ctx context.Context, handle string) error {
	b.mu.Lock()
	def, ok := b.defs[handle]
	if !ok {
		b.mu.Unlock()
		return nil // already gone, deletion is idempotent
	}
	containerID := def.containerID
	b.mu.Unlock()

	if containerID != "" {
		err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil && !errdefs.IsNotFound(err) {
			return classify("delete", err)
		}
	}

	b.mu.Lock()
	delete(b.defs, handle)
	b.mu.Unlock()
	return nil
}

// Stats reads a one-shot stats snapshot and derives CPU percent the way
// `docker stats` does.
func (b *DockerBackend) Stats(ctx context.Context, handle string) (domain.VMStats, error) {
	b.mu.Lock()
	def, ok := b.defs[handle]
	if !ok || def.containerID == "" {
		b.mu.Unlock()
		return domain.VMStats{}, domain.NewHypervisorError("stats", false, fmt.Errorf("unknown handle %q", handle))
	}
	containerID := def.containerID
	b.mu.Unlock()

	resp, err := b.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return domain.VMStats{}, classify("stats", err)
	}
	defer resp.Body.Close()

	var st container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return domain.VMStats{}, domain.NewHypervisorError("stats", true, fmt.Errorf("decode stats: %w", err))
	}

	cpuDelta := float64(st.CPUStats.CPUUsage.TotalUsage) - float64(st.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(st.CPUStats.SystemUsage) - float64(st.PreCPUStats.SystemUsage)
	online := float64(st.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(st.CPUStats.CPUUsage.PercpuUsage))
	}

	var cpuPercent float64
	if sysDelta > 0 && cpuDelta >= 0 {
		cpuPercent = cpuDelta / sysDelta * online * 100.0
	}

	return domain.VMStats{
		CPUPercent:   cpuPercent,
		MemoryUsedMB: st.MemoryStats.Usage / (1024 * 1024),
	}, nil
}

// Close releases the Docker client.
func (b *DockerBackend) Close() error {
	if b.cli != nil {
		return b.cli.Close()
	}
	return nil
}

// ensureImage pulls the image if it is not available locally.
func (b *DockerBackend) ensureImage(ctx context.Context, imageName string) error {
	if _, err := b.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	b.log.WithField("image", imageName).Info("image not found locally, pulling")

	reader, err := b.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return classify("create", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return classify("create", err)
	}
	return nil
}

// classify maps a Docker error to the retryable/terminal split the lifecycle
// manager keys on. Context errors pass through untouched so the caller can
// distinguish timeout from cancellation.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr(err) {
		return err
	}
	if errdefs.IsNotFound(err) || errdefs.IsConflict(err) || errdefs.IsInvalidParameter(err) {
		return domain.NewHypervisorError(op, false, err)
	}
	// Daemon hiccups and transport failures are worth retrying.
	return domain.NewHypervisorError(op, true, err)
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Compile-time interface check
var _ domain.Hypervisor = (*DockerBackend)(nil)
