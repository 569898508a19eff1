package domain

import "context"

// Hypervisor abstracts the virtualization backend. Implementations report
// failures as *HypervisorError so callers can tell retryable from terminal.
type Hypervisor interface {
	// Create defines the VM and returns an opaque handle. The VM is not
	// running afterwards; GPUs are attached before Start.
	Create(ctx context.Context, spec VMSpec) (handle string, err error)
	// Start boots the VM and blocks until the backend reports it running.
	Start(ctx context.Context, handle string) error
	// Stop shuts the VM down gracefully.
	Stop(ctx context.Context, handle string) error
	// Delete removes the VM definition and any backing resources.
	Delete(ctx context.Context, handle string) error
	// AttachGPU wires the device at deviceAddress through to the VM.
	AttachGPU(ctx context.Context, handle, deviceAddress string) error
	// DetachGPU removes the passthrough wiring for deviceAddress.
	DetachGPU(ctx context.Context, handle, deviceAddress string) error
	// Stats returns a point-in-time resource reading for a running VM.
	Stats(ctx context.Context, handle string) (VMStats, error)
}

// VMStats is one hypervisor-side resource reading.
type VMStats struct {
	CPUPercent   float64
	MemoryUsedMB uint64
}

// DriverQuery abstracts the GPU driver (NVML or a mock) for inventory
// discovery and monitoring samples.
type DriverQuery interface {
	ListDevices(ctx context.Context) ([]DeviceInfo, error)
	Sample(ctx context.Context, id string) (DeviceSample, error)
}

// DeviceInfo describes one device as reported by the driver.
type DeviceInfo struct {
	ID            string
	Vendor        string
	Model         string
	Address       string
	IOMMUGroup    int // -1 when unknown
	TotalMemoryMB uint64
}

// DeviceSample is one driver-side utilization reading.
type DeviceSample struct {
	UtilizationPercent float64
	MemoryUsedMB       uint64
	TemperatureC       int
	PowerW             float64
}
