//go:build nonvml
// +build nonvml

package nvml

import (
	"context"
	"fmt"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
)

// Provider stub - used when building without NVIDIA libraries
type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Init() error {
	return fmt.Errorf("NVML not available (built with nonvml tag)")
}

func (p *Provider) Shutdown() error {
	return nil
}

func (p *Provider) ListDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	return nil, fmt.Errorf("NVML not available")
}

func (p *Provider) Sample(ctx context.Context, id string) (domain.DeviceSample, error) {
	return domain.DeviceSample{}, fmt.Errorf("NVML not available")
}

// Compile-time interface check
var _ domain.DriverQuery = (*Provider)(nil)
