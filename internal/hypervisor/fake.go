package hypervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
)

func init() {
	Register("fake", func(cfg Config) (domain.Hypervisor, error) {
		return NewFake(), nil
	})
}

type fakeVM struct {
	spec    domain.VMSpec
	devices []string
	running bool
}

// Fake is a deterministic in-memory backend for development hosts without a
// container runtime, and for tests. Per-operation hooks inject failures;
// when a hook is nil the operation succeeds.
type Fake struct {
	mu  sync.Mutex
	seq int
	vms map[string]*fakeVM

	CreateFn func(spec domain.VMSpec) error
	StartFn  func(handle string) error
	StopFn   func(handle string) error
	DeleteFn func(handle string) error
	AttachFn func(handle, address string) error
	DetachFn func(handle, address string) error
	StatsFn  func(handle string) (domain.VMStats, error)

	// Call tracking for assertions.
	CreateCalls []domain.VMSpec
	StartCalls  []string
	StopCalls   []string
	DeleteCalls []string
	AttachCalls [][2]string
	DetachCalls [][2]string
}

// NewFake creates an empty fake backend.
func NewFake() *Fake {
	return &Fake{vms: make(map[string]*fakeVM)}
}

func (f *Fake) Create(ctx context.Context, spec domain.VMSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.CreateCalls = append(f.CreateCalls, spec)
	hook := f.CreateFn
	f.mu.Unlock()

	if hook != nil {
		if err := hook(spec); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	handle := fmt.Sprintf("fake-%d", f.seq)
	f.vms[handle] = &fakeVM{spec: spec}
	return handle, nil
}

func (f *Fake) Start(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.StartCalls = append(f.StartCalls, handle)
	hook := f.StartFn
	vm, ok := f.vms[handle]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(handle); err != nil {
			return err
		}
	}
	if !ok {
		return domain.NewHypervisorError("start", false, fmt.Errorf("unknown handle %q", handle))
	}

	f.mu.Lock()
	vm.running = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) Stop(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.StopCalls = append(f.StopCalls, handle)
	hook := f.StopFn
	vm, ok := f.vms[handle]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(handle); err != nil {
			return err
		}
	}
	if !ok {
		return domain.NewHypervisorError("stop", false, fmt.Errorf("unknown handle %q", handle))
	}

	f.mu.Lock()
	vm.running = false
	f.mu.Unlock()
	return nil
}

func (f *Fake) Delete(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.DeleteCalls = append(f.DeleteCalls, handle)
	hook := f.DeleteFn
	f.mu.Unlock()

	if hook != nil {
		if err := hook(handle); err != nil {
			return err
		}
	}

	f.mu.Lock()
	delete(f.vms, handle)
	f.mu.Unlock()
	return nil
}

func (f *Fake) AttachGPU(ctx context.Context, handle, deviceAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.AttachCalls = append(f.AttachCalls, [2]string{handle, deviceAddress})
	hook := f.AttachFn
	vm, ok := f.vms[handle]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(handle, deviceAddress); err != nil {
			return err
		}
	}
	if !ok {
		return domain.NewHypervisorError("attach_gpu", false, fmt.Errorf("unknown handle %q", handle))
	}

	f.mu.Lock()
	vm.devices = append(vm.devices, deviceAddress)
	f.mu.Unlock()
	return nil
}

func (f *Fake) DetachGPU(ctx context.Context, handle, deviceAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	f.DetachCalls = append(f.DetachCalls, [2]string{handle, deviceAddress})
	hook := f.DetachFn
	vm, ok := f.vms[handle]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(handle, deviceAddress); err != nil {
			return err
		}
	}
	if !ok {
		return domain.NewHypervisorError("detach_gpu", false, fmt.Errorf("unknown handle %q", handle))
	}

	f.mu.Lock()
	kept := vm.devices[:0]
	for _, d := range vm.devices {
		if d != deviceAddress {
			kept = append(kept, d)
		}
	}
	vm.devices = kept
	f.mu.Unlock()
	return nil
}

func (f *Fake) Stats(ctx context.Context, handle string) (domain.VMStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.VMStats{}, err
	}

	f.mu.Lock()
	hook := f.StatsFn
	_, ok := f.vms[handle]
	f.mu.Unlock()

	if hook != nil {
		return hook(handle)
	}
	if !ok {
		return domain.VMStats{}, domain.NewHypervisorError("stats", false, fmt.Errorf("unknown handle %q", handle))
	}
	return domain.VMStats{CPUPercent: 12.5, MemoryUsedMB: 512}, nil
}

// Running reports whether the handle exists and is booted. Test helper.
func (f *Fake) Running(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[handle]
	return ok && vm.running
}

// Devices returns the devices currently wired to the handle. Test helper.
func (f *Fake) Devices(handle string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[handle]
	if !ok {
		return nil
	}
	return append([]string(nil), vm.devices...)
}

// Compile-time interface check
var _ domain.Hypervisor = (*Fake)(nil)
