// Package gpu implements the GPU inventory and allocator. A physical GPU is
// passed through to at most one VM, so every claim goes through the atomic
// Free→Reserved transition here; the lifecycle manager settles the claim with
// ConfirmAttach or FailAttach once the hypervisor call concludes.
package gpu

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/registry"
)

// Allocator owns device state transitions. Per-device transitions run under
// the registry's per-entity locks; the scan in Allocate additionally holds
// scanMu so two concurrent requests cannot reserve the same device.
type Allocator struct {
	log *logrus.Entry
	reg *registry.Registry

	scanMu sync.Mutex
}

// NewAllocator creates an allocator over the shared registry.
func NewAllocator(reg *registry.Registry, log *logrus.Logger) *Allocator {
	return &Allocator{
		log: log.WithField("component", "allocator"),
		reg: reg,
	}
}

// Discover merges the devices reported by the driver into the inventory.
// New devices start Free; known devices keep their allocation state; devices
// no longer reported are marked Faulted rather than removed so their history
// and ownership trail survive.
func (a *Allocator) Discover(ctx context.Context, q domain.DriverQuery) ([]*domain.GPUDevice, error) {
	infos, err := q.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("driver query failed: %w", err)
	}

	reported := make(map[string]bool, len(infos))
	for _, info := range infos {
		reported[info.ID] = true

		info := info
		_, err := a.reg.GPUs.Update(info.ID, func(d *domain.GPUDevice) error {
			d.Vendor = info.Vendor
			d.Model = info.Model
			d.Address = info.Address
			d.IOMMUGroup = info.IOMMUGroup
			d.MemoryMB = info.TotalMemoryMB
			d.UpdatedAt = time.Now()
			return nil
		})
		if err == nil {
			continue
		}

		dev := &domain.GPUDevice{
			ID:         info.ID,
			Vendor:     info.Vendor,
			Model:      info.Model,
			Address:    info.Address,
			IOMMUGroup: info.IOMMUGroup,
			MemoryMB:   info.TotalMemoryMB,
			State:      domain.GPUStateFree,
			UpdatedAt:  time.Now(),
		}
		a.reg.GPUs.Upsert(info.ID, dev)
		a.log.WithFields(logrus.Fields{
			"gpu":       info.ID,
			"vendor":    info.Vendor,
			"model":     info.Model,
			"memory_mb": info.TotalMemoryMB,
		}).Info("discovered GPU")
	}

	// Devices the driver stopped reporting are suspect hardware.
	for _, dev := range a.reg.GPUs.List() {
		if reported[dev.ID] || dev.State == domain.GPUStateFaulted {
			continue
		}
		id := dev.ID
		_, _ = a.reg.GPUs.Update(id, func(d *domain.GPUDevice) error {
			d.State = domain.GPUStateFaulted
			d.UpdatedAt = time.Now()
			return nil
		})
		a.log.WithField("gpu", id).Warn("GPU no longer reported by driver, marking faulted")
	}

	return a.reg.GPUs.List(), nil
}

// Allocate reserves the best-fit Free device for vmID: exact vendor match
// when requested, then largest memory first. Returns ErrResourceExhausted
// when nothing Free satisfies the requirements.
func (a *Allocator) Allocate(ctx context.Context, vmID string, req domain.GPURequirements) (*domain.GPUDevice, error) {
	if vmID == "" {
		return nil, fmt.Errorf("empty vm id: %w", domain.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	devices := a.reg.GPUs.List()
	unsafeGroups := occupiedIOMMUGroups(devices)

	candidates := make([]*domain.GPUDevice, 0, len(devices))
	for _, d := range devices {
		if d.State != domain.GPUStateFree {
			continue
		}
		if req.Vendor != "" && d.Vendor != req.Vendor {
			continue
		}
		if d.MemoryMB < req.MinMemoryMB {
			continue
		}
		if d.IOMMUGroup >= 0 && unsafeGroups[d.IOMMUGroup] {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("allocate for vm %s: %w", vmID, domain.ErrResourceExhausted)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].MemoryMB != candidates[j].MemoryMB {
			return candidates[i].MemoryMB > candidates[j].MemoryMB
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	dev, err := a.reg.GPUs.Update(chosen.ID, func(d *domain.GPUDevice) error {
		if d.State != domain.GPUStateFree {
			return fmt.Errorf("gpu %s is %s: %w", d.ID, d.State, domain.ErrConflict)
		}
		d.State = domain.GPUStateReserved
		d.OwnerID = vmID
		d.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{"gpu": dev.ID, "vm": vmID}).Info("GPU reserved")
	return dev, nil
}

// Claim reserves a specific Free device for vmID. Used by the manual
// attach override; the same ConfirmAttach/FailAttach contract applies.
func (a *Allocator) Claim(ctx context.Context, vmID, gpuID string) (*domain.GPUDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	target, err := a.reg.GPUs.Get(gpuID)
	if err != nil {
		return nil, err
	}
	if target.IOMMUGroup >= 0 {
		if occupiedIOMMUGroups(a.reg.GPUs.List())[target.IOMMUGroup] {
			return nil, fmt.Errorf("gpu %s shares IOMMU group %d with an allocated device: %w",
				gpuID, target.IOMMUGroup, domain.ErrValidation)
		}
	}

	dev, err := a.reg.GPUs.Update(gpuID, func(d *domain.GPUDevice) error {
		if d.State != domain.GPUStateFree {
			return fmt.Errorf("gpu %s is %s: %w", d.ID, d.State, domain.ErrConflict)
		}
		d.State = domain.GPUStateReserved
		d.OwnerID = vmID
		d.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{"gpu": gpuID, "vm": vmID}).Info("GPU claimed")
	return dev, nil
}

// ConfirmAttach settles a reservation after the hypervisor reported the
// passthrough wiring complete: Reserved→Attached.
func (a *Allocator) ConfirmAttach(gpuID string) error {
	_, err := a.reg.GPUs.Update(gpuID, func(d *domain.GPUDevice) error {
		if d.State != domain.GPUStateReserved {
			return fmt.Errorf("confirm attach on %s gpu %s: %w", d.State, d.ID, domain.ErrConflict)
		}
		d.State = domain.GPUStateAttached
		d.UpdatedAt = time.Now()
		return nil
	})
	return err
}

// FailAttach rolls a reservation back after the owning operation failed:
// Reserved→Free, owner cleared. Calling it on a device that is already Free
// is a no-op so compensation paths can run it unconditionally.
func (a *Allocator) FailAttach(gpuID string) error {
	_, err := a.reg.GPUs.Update(gpuID, func(d *domain.GPUDevice) error {
		switch d.State {
		case domain.GPUStateFree:
			return nil
		case domain.GPUStateReserved:
			d.State = domain.GPUStateFree
			d.OwnerID = ""
			d.UpdatedAt = time.Now()
			return nil
		default:
			return fmt.Errorf("fail attach on %s gpu %s: %w", d.State, d.ID, domain.ErrConflict)
		}
	})
	if err == nil {
		a.log.WithField("gpu", gpuID).Info("GPU reservation rolled back")
	}
	return err
}

// Release returns an Attached (or still Reserved) device to Free and clears
// the owner. Idempotent: releasing a Free device is a no-op.
func (a *Allocator) Release(gpuID string) error {
	_, err := a.reg.GPUs.Update(gpuID, func(d *domain.GPUDevice) error {
		switch d.State {
		case domain.GPUStateFree:
			return nil
		case domain.GPUStateReserved, domain.GPUStateAttached:
			d.State = domain.GPUStateFree
			d.OwnerID = ""
			d.UpdatedAt = time.Now()
			return nil
		default:
			return fmt.Errorf("release faulted gpu %s: %w", d.ID, domain.ErrConflict)
		}
	})
	if err == nil {
		a.log.WithField("gpu", gpuID).Info("GPU released")
	}
	return err
}

// ClearFault returns a Faulted device to Free after operator intervention.
func (a *Allocator) ClearFault(gpuID string) error {
	_, err := a.reg.GPUs.Update(gpuID, func(d *domain.GPUDevice) error {
		if d.State != domain.GPUStateFaulted {
			return fmt.Errorf("clear fault on %s gpu %s: %w", d.State, d.ID, domain.ErrConflict)
		}
		d.State = domain.GPUStateFree
		d.OwnerID = ""
		d.UpdatedAt = time.Now()
		return nil
	})
	return err
}

// MarkFaulted takes a device out of rotation after a hardware-level fault.
func (a *Allocator) MarkFaulted(gpuID string) error {
	_, err := a.reg.GPUs.Update(gpuID, func(d *domain.GPUDevice) error {
		d.State = domain.GPUStateFaulted
		d.OwnerID = ""
		d.UpdatedAt = time.Now()
		return nil
	})
	return err
}

// List returns a snapshot of the inventory.
func (a *Allocator) List() []*domain.GPUDevice {
	return a.reg.GPUs.List()
}

// occupiedIOMMUGroups collects the groups of devices currently Reserved or
// Attached. Passing through a device that shares a group with one of these
// would expose the neighbour to the guest.
func occupiedIOMMUGroups(devices []*domain.GPUDevice) map[int]bool {
	groups := make(map[int]bool)
	for _, d := range devices {
		if d.IOMMUGroup < 0 {
			continue
		}
		if d.State == domain.GPUStateReserved || d.State == domain.GPUStateAttached {
			groups[d.IOMMUGroup] = true
		}
	}
	return groups
}
