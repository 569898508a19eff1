//go:build !nonvml
// +build !nonvml

package nvml

import (
	"context"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
)

// Provider implements domain.DriverQuery against the NVIDIA driver.
type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *Provider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *Provider) ListDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}

	devices := make([]domain.DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue // Skip failed device
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		memInfo, _ := device.GetMemoryInfo()
		pci, _ := device.GetPciInfo()

		devices = append(devices, domain.DeviceInfo{
			ID:            uuid,
			Vendor:        "NVIDIA",
			Model:         name,
			Address:       pciBusID(pci),
			IOMMUGroup:    -1, // NVML does not expose IOMMU topology
			TotalMemoryMB: memInfo.Total / (1024 * 1024),
		})
	}
	return devices, nil
}

func (p *Provider) Sample(ctx context.Context, id string) (domain.DeviceSample, error) {
	device, ret := nvml.DeviceGetHandleByUUID(id)
	if ret != nvml.SUCCESS {
		return domain.DeviceSample{}, fmt.Errorf("device %s: %v", id, nvml.ErrorString(ret))
	}

	util, _ := device.GetUtilizationRates()
	memInfo, _ := device.GetMemoryInfo()
	temp, _ := device.GetTemperature(nvml.TEMPERATURE_GPU)
	power, _ := device.GetPowerUsage() // milliwatts

	return domain.DeviceSample{
		UtilizationPercent: float64(util.Gpu),
		MemoryUsedMB:       memInfo.Used / (1024 * 1024),
		TemperatureC:       int(temp),
		PowerW:             float64(power) / 1000.0,
	}, nil
}

// pciBusID renders the NVML PCI bus id as the short form the hypervisor
// expects, e.g. "0000:01:00.0".
func pciBusID(pci nvml.PciInfo) string {
	n := 0
	for ; n < len(pci.BusId); n++ {
		if pci.BusId[n] == 0 {
			break
		}
	}
	raw := make([]byte, n)
	for i := 0; i < n; i++ {
		raw[i] = byte(pci.BusId[i])
	}
	return string(raw)
}

// Compile-time interface check
var _ domain.DriverQuery = (*Provider)(nil)
