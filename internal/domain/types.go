package domain

import "time"

// GPUState tracks where a device sits in the allocation lifecycle.
type GPUState string

const (
	GPUStateFree     GPUState = "free"
	GPUStateReserved GPUState = "reserved" // claimed by the allocator, attach not yet confirmed
	GPUStateAttached GPUState = "attached" // hypervisor completed passthrough wiring
	GPUStateFaulted  GPUState = "faulted"  // excluded from allocation until explicitly cleared
)

// GPUDevice is the inventory record for one physical GPU.
type GPUDevice struct {
	ID         string   `json:"id"`
	Vendor     string   `json:"vendor"`
	Model      string   `json:"model"`
	Address    string   `json:"address"`     // PCI address handed to the hypervisor
	IOMMUGroup int      `json:"iommu_group"` // -1 when the driver cannot report it
	MemoryMB   uint64   `json:"memory_mb"`
	State      GPUState `json:"state"`
	OwnerID    string   `json:"owner_id,omitempty"` // VM id, set iff Reserved or Attached

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to hand outside the registry.
func (d *GPUDevice) Clone() *GPUDevice {
	c := *d
	return &c
}

// VMState is the lifecycle state of a virtual machine.
type VMState string

const (
	VMStateDefined  VMState = "defined"
	VMStateCreating VMState = "creating"
	VMStateRunning  VMState = "running"
	VMStateStopping VMState = "stopping"
	VMStateStopped  VMState = "stopped"
	VMStateDeleting VMState = "deleting"
	VMStateDeleted  VMState = "deleted"
	VMStateError    VMState = "error"
)

// VMSpec is the requested shape of a virtual machine.
type VMSpec struct {
	Name        string `json:"name"`
	VCPUs       int    `json:"vcpus"`
	MemoryMB    uint64 `json:"memory_mb"`
	GPURequired bool   `json:"gpu_required"`
	GPUVendor   string `json:"gpu_vendor,omitempty"` // exact vendor match when set
	Image       string `json:"image,omitempty"`      // backend-specific boot image
}

// VirtualMachine is the managed record for one VM.
type VirtualMachine struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Spec         VMSpec   `json:"spec"`
	State        VMState  `json:"state"`
	Handle       string   `json:"handle,omitempty"` // hypervisor handle, empty before create
	AttachedGPUs []string `json:"attached_gpus"`
	LastError    string   `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to hand outside the registry.
func (vm *VirtualMachine) Clone() *VirtualMachine {
	c := *vm
	c.AttachedGPUs = append([]string(nil), vm.AttachedGPUs...)
	return &c
}

// GPURequirements narrows which devices satisfy an allocation request.
type GPURequirements struct {
	Vendor      string `json:"vendor,omitempty"` // exact match when set
	MinMemoryMB uint64 `json:"min_memory_mb,omitempty"`
}

// MetricSample is one monitoring observation for a VM or GPU subject.
type MetricSample struct {
	SubjectID       string    `json:"subject_id"`
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryUsedMB    uint64    `json:"memory_used_mb"`
	GPUUtilPercent  float64   `json:"gpu_util_percent"`
	GPUMemoryUsedMB uint64    `json:"gpu_memory_used_mb"`
	TemperatureC    int       `json:"temperature_c"`
	PowerW          float64   `json:"power_w"`
}
