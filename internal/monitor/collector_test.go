package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/registry"
)

// MockHypervisor implements the stats slice of domain.Hypervisor for testing
type MockHypervisor struct {
	statsFunc func(ctx context.Context, handle string) (domain.VMStats, error)

	StatsCalls []string
}

func (m *MockHypervisor) Create(ctx context.Context, spec domain.VMSpec) (string, error) {
	return "", errors.New("not implemented")
}
func (m *MockHypervisor) Start(ctx context.Context, handle string) error { return nil }

func (m *MockHypervisor) Stop(ctx context.Context, handle string) error { return nil }

func (m *MockHypervisor) Delete(ctx context.Context, handle string) error { return nil }
func (m *MockHypervisor) AttachGPU(ctx context.Context, handle, deviceAddress string) error {
	return nil
}
func (m *MockHypervisor) DetachGPU(ctx context.Context, handle, deviceAddress string) error {
	return nil
}

func (m *MockHypervisor) Stats(ctx context.Context, handle string) (domain.VMStats, error) {
	m.StatsCalls = append(m.StatsCalls, handle)
	if m.statsFunc != nil {
		return m.statsFunc(ctx, handle)
	}
	return domain.VMStats{CPUPercent: 25.0, MemoryUsedMB: 1024}, nil
}

// MockDriverQuery implements domain.DriverQuery for testing
type MockDriverQuery struct {
	sampleFunc func(ctx context.Context, id string) (domain.DeviceSample, error)

	SampleCalls []string
}

func (m *MockDriverQuery) ListDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	return nil, nil
}

func (m *MockDriverQuery) Sample(ctx context.Context, id string) (domain.DeviceSample, error) {
	m.SampleCalls = append(m.SampleCalls, id)
	if m.sampleFunc != nil {
		return m.sampleFunc(ctx, id)
	}
	return domain.DeviceSample{UtilizationPercent: 80, MemoryUsedMB: 10240, TemperatureC: 70, PowerW: 250}, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func seedVM(t *testing.T, reg *registry.Registry, id string, state domain.VMState) {
	t.Helper()
	require.NoError(t, reg.VMs.Insert(id, &domain.VirtualMachine{
		ID:     id,
		Name:   id,
		State:  state,
		Handle: "handle-" + id,
	}))
}

func seedGPU(t *testing.T, reg *registry.Registry, id string, state domain.GPUState) {
	t.Helper()
	require.NoError(t, reg.GPUs.Insert(id, &domain.GPUDevice{
		ID:    id,
		State: state,
	}))
}

func TestCollectOnce_SamplesRunningVMsOnly(t *testing.T) {
	reg := registry.New()
	seedVM(t, reg, "vm-running", domain.VMStateRunning)
	seedVM(t, reg, "vm-stopped", domain.VMStateStopped)

	hv := &MockHypervisor{}
	c := New(reg, hv, &MockDriverQuery{}, time.Second, time.Minute, testLogger())

	c.collectOnce(context.Background())

	assert.Equal(t, []string{"handle-vm-running"}, hv.StatsCalls)

	sample, ok := c.Latest("vm-running")
	require.True(t, ok)
	assert.Equal(t, 25.0, sample.CPUPercent)
	assert.Equal(t, uint64(1024), sample.MemoryUsedMB)

	_, ok = c.Latest("vm-stopped")
	assert.False(t, ok)
}

func TestCollectOnce_SamplesAllocatedGPUsOnly(t *testing.T) {
	reg := registry.New()
	seedGPU(t, reg, "gpu-attached", domain.GPUStateAttached)
	seedGPU(t, reg, "gpu-reserved", domain.GPUStateReserved)
	seedGPU(t, reg, "gpu-free", domain.GPUStateFree)
	seedGPU(t, reg, "gpu-faulted", domain.GPUStateFaulted)

	dq := &MockDriverQuery{}
	c := New(reg, &MockHypervisor{}, dq, time.Second, time.Minute, testLogger())

	c.collectOnce(context.Background())

	assert.ElementsMatch(t, []string{"gpu-attached", "gpu-reserved"}, dq.SampleCalls)

	sample, ok := c.Latest("gpu-attached")
	require.True(t, ok)
	assert.Equal(t, 80.0, sample.GPUUtilPercent)
	assert.Equal(t, 70, sample.TemperatureC)
}

func TestCollectOnce_FailureRecordsGapNotAbort(t *testing.T) {
	reg := registry.New()
	seedVM(t, reg, "vm-bad", domain.VMStateRunning)
	seedVM(t, reg, "vm-good", domain.VMStateRunning)

	hv := &MockHypervisor{
		statsFunc: func(ctx context.Context, handle string) (domain.VMStats, error) {
			if handle == "handle-vm-bad" {
				return domain.VMStats{}, errors.New("agent unreachable")
			}
			return domain.VMStats{CPUPercent: 10}, nil
		},
	}
	c := New(reg, hv, &MockDriverQuery{}, time.Second, time.Minute, testLogger())

	c.collectOnce(context.Background())
	c.collectOnce(context.Background())

	// The failing subject has a gap, the healthy one has both cycles.
	assert.Empty(t, c.Window("vm-bad", time.Time{}, time.Time{}))
	assert.Len(t, c.Window("vm-good", time.Time{}, time.Time{}), 2)
}

func TestWindow_BoundedByRetention(t *testing.T) {
	reg := registry.New()
	seedVM(t, reg, "vm-1", domain.VMStateRunning)

	// retention/interval = 3 slots
	c := New(reg, &MockHypervisor{}, &MockDriverQuery{}, time.Second, 3*time.Second, testLogger())

	for i := 0; i < 10; i++ {
		c.collectOnce(context.Background())
	}

	samples := c.Window("vm-1", time.Time{}, time.Time{})
	assert.Len(t, samples, 3)
}

func TestWindow_TimeBounds(t *testing.T) {
	w := newWindow(10)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w.append(domain.MetricSample{
			SubjectID: "vm-1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	out := w.slice(base.Add(time.Minute), base.Add(3*time.Minute))
	require.Len(t, out, 3)
	assert.Equal(t, base.Add(time.Minute), out[0].Timestamp)
	assert.Equal(t, base.Add(3*time.Minute), out[2].Timestamp)

	// Open bounds return everything.
	assert.Len(t, w.slice(time.Time{}, time.Time{}), 5)
}

func TestWindow_EvictsOldestInOrder(t *testing.T) {
	w := newWindow(2)
	for i := 0; i < 4; i++ {
		w.append(domain.MetricSample{CPUPercent: float64(i)})
	}

	require.Equal(t, 2, w.len())
	latest, ok := w.latest()
	require.True(t, ok)
	assert.Equal(t, 3.0, latest.CPUPercent)

	all := w.slice(time.Time{}, time.Time{})
	assert.Equal(t, 2.0, all[0].CPUPercent)
	assert.Equal(t, 3.0, all[1].CPUPercent)
}

func TestLatest_ReportsExactDriverReading(t *testing.T) {
	reg := registry.New()
	seedGPU(t, reg, "gpu-1", domain.GPUStateAttached)

	dq := &MockDriverQuery{
		sampleFunc: func(ctx context.Context, id string) (domain.DeviceSample, error) {
			return domain.DeviceSample{UtilizationPercent: 73, MemoryUsedMB: 4096}, nil
		},
	}
	c := New(reg, &MockHypervisor{}, dq, time.Second, time.Minute, testLogger())

	c.collectOnce(context.Background())

	sample, ok := c.Latest("gpu-1")
	require.True(t, ok)
	assert.Equal(t, 73.0, sample.GPUUtilPercent)
	assert.Equal(t, uint64(4096), sample.GPUMemoryUsedMB)
}

func TestLatest_UnknownSubject(t *testing.T) {
	c := New(registry.New(), &MockHypervisor{}, &MockDriverQuery{}, time.Second, time.Minute, testLogger())

	_, ok := c.Latest("missing")
	assert.False(t, ok)
	assert.Nil(t, c.Window("missing", time.Time{}, time.Time{}))
}

func TestSubscribe_ReceivesNewSamples(t *testing.T) {
	reg := registry.New()
	seedVM(t, reg, "vm-1", domain.VMStateRunning)

	c := New(reg, &MockHypervisor{}, &MockDriverQuery{}, time.Second, time.Minute, testLogger())

	ch, cancel := c.Subscribe()
	defer cancel()

	c.collectOnce(context.Background())

	select {
	case s := <-ch:
		assert.Equal(t, "vm-1", s.SubjectID)
	case <-time.After(time.Second):
		t.Fatal("no sample broadcast")
	}
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	c := New(registry.New(), &MockHypervisor{}, &MockDriverQuery{}, time.Second, time.Minute, testLogger())

	ch, cancel := c.Subscribe()
	cancel()
	cancel() // second cancel is a no-op

	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribe_SlowConsumerDropsSamples(t *testing.T) {
	reg := registry.New()
	seedVM(t, reg, "vm-1", domain.VMStateRunning)

	c := New(reg, &MockHypervisor{}, &MockDriverQuery{}, time.Second, time.Minute, testLogger())

	ch, cancel := c.Subscribe()
	defer cancel()

	// Overrun the subscriber buffer; the collector must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			c.collectOnce(context.Background())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector blocked on slow subscriber")
	}

	// Whatever is buffered is still deliverable.
	select {
	case s := <-ch:
		assert.Equal(t, "vm-1", s.SubjectID)
	default:
		t.Fatal("expected buffered samples")
	}
}

func TestRun_StopTerminatesLoop(t *testing.T) {
	reg := registry.New()
	seedVM(t, reg, "vm-1", domain.VMStateRunning)

	c := New(reg, &MockHypervisor{}, &MockDriverQuery{}, 5*time.Millisecond, time.Second, testLogger())

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := c.Latest("vm-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNew_CapacityFloor(t *testing.T) {
	// retention shorter than interval still yields one slot
	c := New(registry.New(), &MockHypervisor{}, &MockDriverQuery{}, time.Minute, time.Second, testLogger())
	assert.Equal(t, 1, c.capacity)
}

func TestWindowCapacityMatchesRetention(t *testing.T) {
	for _, tc := range []struct {
		interval  time.Duration
		retention time.Duration
		want      int
	}{
		{time.Second, time.Minute, 60},
		{5 * time.Second, time.Hour, 720},
		{30 * time.Second, time.Minute, 2},
	} {
		c := New(registry.New(), &MockHypervisor{}, &MockDriverQuery{}, tc.interval, tc.retention, testLogger())
		assert.Equal(t, tc.want, c.capacity, fmt.Sprintf("interval=%s retention=%s", tc.interval, tc.retention))
	}
}
