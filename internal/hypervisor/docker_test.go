package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
)

// MockDockerClient implements DockerClient for testing
type MockDockerClient struct {
	imageInspectFunc    func(ctx context.Context, imageID string) (image.InspectResponse, error)
	imagePullFunc       func(ctx context.Context, refStr string) (io.ReadCloser, error)
	containerCreateFunc func(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, containerName string) (container.CreateResponse, error)
	containerStartFunc  func(ctx context.Context, containerID string) error
	containerStopFunc   func(ctx context.Context, containerID string) error
	containerRemoveFunc func(ctx context.Context, containerID string) error
	inspectFunc         func(ctx context.Context, containerID string) (types.ContainerJSON, error)
	statsFunc           func(ctx context.Context, containerID string) (container.StatsResponseReader, error)

	// Call tracking
	PullCalls   []string
	CreateCalls []container.Config
	HostConfigs []container.HostConfig
	StartCalls  []string
	StopCalls   []string
	RemoveCalls []string
}

func (m *MockDockerClient) ImageInspect(ctx context.Context, imageID string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	if m.imageInspectFunc != nil {
		return m.imageInspectFunc(ctx, imageID)
	}
	return image.InspectResponse{}, nil
}

func (m *MockDockerClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	m.PullCalls = append(m.PullCalls, refStr)
	if m.imagePullFunc != nil {
		return m.imagePullFunc(ctx, refStr)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *MockDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error) {
	m.CreateCalls = append(m.CreateCalls, *config)
	m.HostConfigs = append(m.HostConfigs, *hostConfig)
	if m.containerCreateFunc != nil {
		return m.containerCreateFunc(ctx, config, hostConfig, containerName)
	}
	return container.CreateResponse{ID: "container-abc123456789"}, nil
}

func (m *MockDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	m.StartCalls = append(m.StartCalls, containerID)
	if m.containerStartFunc != nil {
		return m.containerStartFunc(ctx, containerID)
	}
	return nil
}

func (m *MockDockerClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	m.StopCalls = append(m.StopCalls, containerID)
	if m.containerStopFunc != nil {
		return m.containerStopFunc(ctx, containerID)
	}
	return nil
}

func (m *MockDockerClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	waitCh <- container.WaitResponse{StatusCode: 0}
	return waitCh, make(chan error, 1)
}

func (m *MockDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	m.RemoveCalls = append(m.RemoveCalls, containerID)
	if m.containerRemoveFunc != nil {
		return m.containerRemoveFunc(ctx, containerID)
	}
	return nil
}

func (m *MockDockerClient) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	if m.inspectFunc != nil {
		return m.inspectFunc(ctx, containerID)
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Status: "running"},
		},
	}, nil
}

func (m *MockDockerClient) ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error) {
	if m.statsFunc != nil {
		return m.statsFunc(ctx, containerID)
	}
	var buf bytes.Buffer
	st := container.StatsResponse{}
	st.CPUStats.CPUUsage.TotalUsage = 200
	st.PreCPUStats.CPUUsage.TotalUsage = 100
	st.CPUStats.SystemUsage = 1000
	st.PreCPUStats.SystemUsage = 500
	st.CPUStats.OnlineCPUs = 2
	st.MemoryStats.Usage = 512 * 1024 * 1024
	_ = json.NewEncoder(&buf).Encode(st)
	return container.StatsResponseReader{Body: io.NopCloser(&buf)}, nil
}

func (m *MockDockerClient) Close() error { return nil }

func newTestBackend(cli *MockDockerClient) *DockerBackend {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	b := NewDockerBackendWithClient(cli, log)
	b.bootPollInterval = time.Millisecond
	return b
}

func gpuSpec() domain.VMSpec {
	return domain.VMSpec{
		Name:     "worker",
		VCPUs:    4,
		MemoryMB: 8192,
		Image:    "nvidia/cuda:12.1.1-runtime-ubuntu22.04",
	}
}

func TestDockerCreate_PullsMissingImage(t *testing.T) {
	cli := &MockDockerClient{
		imageInspectFunc: func(ctx context.Context, imageID string) (image.InspectResponse, error) {
			return image.InspectResponse{}, errdefs.NotFound(errors.New("no such image"))
		},
	}
	b := newTestBackend(cli)

	handle, err := b.Create(context.Background(), gpuSpec())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(handle, "gpushare-worker-"))
	assert.Equal(t, []string{"nvidia/cuda:12.1.1-runtime-ubuntu22.04"}, cli.PullCalls)

	// No container yet: it is created lazily on Start.
	assert.Empty(t, cli.CreateCalls)
}

func TestDockerCreate_SkipsPullWhenImagePresent(t *testing.T) {
	cli := &MockDockerClient{}
	b := newTestBackend(cli)

	_, err := b.Create(context.Background(), gpuSpec())
	require.NoError(t, err)
	assert.Empty(t, cli.PullCalls)
}

func TestDockerCreate_DefaultImageApplied(t *testing.T) {
	cli := &MockDockerClient{
		imageInspectFunc: func(ctx context.Context, imageID string) (image.InspectResponse, error) {
			return image.InspectResponse{}, errdefs.NotFound(errors.New("no such image"))
		},
	}
	b := newTestBackend(cli)
	b.bootImg = "custom/image:latest"

	spec := gpuSpec()
	spec.Image = ""
	_, err := b.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"custom/image:latest"}, cli.PullCalls)
}

func TestDockerStart_WiresGPUDevices(t *testing.T) {
	cli := &MockDockerClient{}
	b := newTestBackend(cli)

	handle, err := b.Create(context.Background(), gpuSpec())
	require.NoError(t, err)
	require.NoError(t, b.AttachGPU(context.Background(), handle, "GPU-uuid-1"))
	require.NoError(t, b.AttachGPU(context.Background(), handle, "GPU-uuid-2"))

	require.NoError(t, b.Start(context.Background(), handle))

	require.Len(t, cli.CreateCalls, 1)
	assert.Contains(t, cli.CreateCalls[0].Env, "NVIDIA_VISIBLE_DEVICES=GPU-uuid-1,GPU-uuid-2")
	assert.Contains(t, cli.CreateCalls[0].Env, "NVIDIA_DRIVER_CAPABILITIES=all")

	require.Len(t, cli.HostConfigs, 1)
	assert.Equal(t, "nvidia", cli.HostConfigs[0].Runtime)
	assert.Equal(t, int64(8192)*1024*1024, cli.HostConfigs[0].Memory)
	assert.Equal(t, int64(4)*1e9, cli.HostConfigs[0].NanoCPUs)

	assert.Len(t, cli.StartCalls, 1)
}

func TestDockerStart_NoGPURuntimeWithoutDevices(t *testing.T) {
	cli := &MockDockerClient{}
	b := newTestBackend(cli)

	handle, err := b.Create(context.Background(), gpuSpec())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background(), handle))

	require.Len(t, cli.HostConfigs, 1)
	assert.Empty(t, cli.HostConfigs[0].Runtime)
	assert.Empty(t, cli.CreateCalls[0].Env)
}

func TestDockerStart_FailsWhenContainerExitsDuringBoot(t *testing.T) {
	cli := &MockDockerClient{
		inspectFunc: func(ctx context.Context, containerID string) (types.ContainerJSON, error) {
			return types.ContainerJSON{
				ContainerJSONBase: &types.ContainerJSONBase{
					State: &types.ContainerState{Status: "exited"},
				},
			}, nil
		},
	}
	b := newTestBackend(cli)

	handle, err := b.Create(context.Background(), gpuSpec())
	require.NoError(t, err)

	err = b.Start(context.Background(), handle)
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

func TestDockerAttachGPU_RejectedWhileRunning(t *testing.T) {
	cli := &MockDockerClient{}
	b := newTestBackend(cli)

	handle, err := b.Create(context.Background(), gpuSpec())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background(), handle))

	err = b.AttachGPU(context.Background(), handle, "GPU-uuid-1")
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

func TestDockerAttachGPU_Deduplicates(t *testing.T) {
	cli := &MockDockerClient{}
	b := newTestBackend(cli)

	handle, err := b.Create(context.Background(), gpuSpec())
	require.NoError(t, err)
	require.NoError(t, b.AttachGPU(context.Background(), handle, "GPU-uuid-1"))
	require.NoError(t, b.AttachGPU(context.Background(), handle, "GPU-uuid-1"))
	require.NoError(t, b.Start(context.Background(), handle))

	assert.Contains(t, cli.CreateCalls[0].Env, "NVIDIA_VISIBLE_DEVICES=GPU-uuid-1")
}

func TestDockerStopAndDelete(t *testing.T) {
	cli := &MockDockerClient{}
	b := newTestBackend(cli)

	handle, err := b.Create(context.Background(), gpuSpec())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background(), handle))

	require.NoError(t, b.Stop(context.Background(), handle))
	assert.Len(t, cli.StopCalls, 1)

	require.NoError(t, b.Delete(context.Background(), handle))
	assert.Len(t, cli.RemoveCalls, 1)

	// Second delete is a no-op.
	require.NoError(t, b.Delete(context.Background(), handle))
	assert.Len(t, cli.RemoveCalls, 1)
}

func TestDockerStats_ComputesCPUPercent(t *testing.T) {
	cli := &MockDockerClient{}
	b := newTestBackend(cli)

	handle, err := b.Create(context.Background(), gpuSpec())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background(), handle))

	stats, err := b.Stats(context.Background(), handle)
	require.NoError(t, err)
	// delta 100 over system delta 500 on 2 CPUs = 40%
	assert.InDelta(t, 40.0, stats.CPUPercent, 0.01)
	assert.Equal(t, uint64(512), stats.MemoryUsedMB)
}

func TestDockerStats_UnknownHandle(t *testing.T) {
	b := newTestBackend(&MockDockerClient{})

	_, err := b.Stats(context.Background(), "no-such-handle")
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

func TestClassify_ErrorSplit(t *testing.T) {
	notFound := classify("start", errdefs.NotFound(errors.New("gone")))
	assert.False(t, domain.IsRetryable(notFound))

	invalid := classify("create", errdefs.InvalidParameter(errors.New("bad arg")))
	assert.False(t, domain.IsRetryable(invalid))

	transient := classify("start", errors.New("connection reset by peer"))
	assert.True(t, domain.IsRetryable(transient))

	cancelled := classify("start", context.Canceled)
	assert.True(t, errors.Is(cancelled, context.Canceled))

	wrapped := classify("stop", fmt.Errorf("daemon busy: %w", context.DeadlineExceeded))
	assert.True(t, errors.Is(wrapped, context.DeadlineExceeded))

	// A daemon message that merely mentions a context error is not one.
	lookalike := classify("start", errors.New(`container exited: "context canceled" in log tail`))
	assert.False(t, errors.Is(lookalike, context.Canceled))
	assert.True(t, domain.IsRetryable(lookalike))
}
