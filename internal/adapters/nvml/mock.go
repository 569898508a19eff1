package nvml

import (
	"context"
	"fmt"
	"sync"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
)

// MockProvider provides fake GPU data for tests and for development hosts
// without NVIDIA hardware.
type MockProvider struct {
	mu      sync.Mutex
	Devices []domain.DeviceInfo
	Samples map[string]domain.DeviceSample

	ListErr   error
	SampleErr map[string]error // per-device failures
}

func NewMockProvider(devices []domain.DeviceInfo, samples map[string]domain.DeviceSample) *MockProvider {
	if samples == nil {
		samples = make(map[string]domain.DeviceSample)
	}
	return &MockProvider{Devices: devices, Samples: samples}
}

func (p *MockProvider) ListDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return append([]domain.DeviceInfo(nil), p.Devices...), nil
}

func (p *MockProvider) Sample(ctx context.Context, id string) (domain.DeviceSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.SampleErr[id]; err != nil {
		return domain.DeviceSample{}, err
	}
	s, ok := p.Samples[id]
	if !ok {
		return domain.DeviceSample{}, fmt.Errorf("no sample for device %s", id)
	}
	return s, nil
}

// SetSample swaps the canned reading for a device.
func (p *MockProvider) SetSample(id string, s domain.DeviceSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Samples[id] = s
}

// SetDevices replaces the reported inventory, simulating hotplug or loss.
func (p *MockProvider) SetDevices(devices []domain.DeviceInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Devices = devices
}

// Compile-time interface check
var _ domain.DriverQuery = (*MockProvider)(nil)
