// Package lifecycle drives VM state transitions against the hypervisor
// adapter, claiming GPUs through the allocator when a VM requires one. Per-VM
// transitions are linearized: a second request against the same id is
// rejected with ErrConflict until the current transition settles.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/registry"
)

// Allocator is the slice of the GPU allocator the lifecycle manager needs.
type Allocator interface {
	Allocate(ctx context.Context, vmID string, req domain.GPURequirements) (*domain.GPUDevice, error)
	Claim(ctx context.Context, vmID, gpuID string) (*domain.GPUDevice, error)
	ConfirmAttach(gpuID string) error
	FailAttach(gpuID string) error
	Release(gpuID string) error
}

// CreateRequest is the caller-facing shape of a create operation.
type CreateRequest struct {
	Name        string
	VCPUs       int
	MemoryMB    uint64
	GPURequired bool
	GPUVendor   string
	Image       string
}

// Options tune retry, timeout and request-default behavior. Zero timing
// values fall back to the package defaults; tests shrink the intervals.
type Options struct {
	CallTimeout     time.Duration // upper bound per hypervisor call
	MaxAttempts     uint64        // attempts per retryable hypervisor call
	InitialInterval time.Duration // first backoff delay

	// DefaultVCPUs and DefaultMemoryMB fill sizing fields a create request
	// omits. Left zero, omitted sizing is a validation error.
	DefaultVCPUs    int
	DefaultMemoryMB uint64
}

const (
	defaultCallTimeout     = 60 * time.Second
	defaultMaxAttempts     = 3
	defaultInitialInterval = 500 * time.Millisecond
)

// Manager owns the VM state machine.
type Manager struct {
	log   *logrus.Entry
	reg   *registry.Registry
	alloc Allocator
	hv    domain.Hypervisor
	opts  Options

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewManager wires the manager over the shared registry, allocator and
// hypervisor adapter.
func NewManager(reg *registry.Registry, alloc Allocator, hv domain.Hypervisor, log *logrus.Logger, opts Options) *Manager {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaultInitialInterval
	}
	return &Manager{
		log:      log.WithField("component", "lifecycle"),
		reg:      reg,
		alloc:    alloc,
		hv:       hv,
		opts:     opts,
		inFlight: make(map[string]struct{}),
	}
}

// begin marks a transition in flight for the VM, rejecting concurrent
// requests against the same id.
func (m *Manager) begin(vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[vmID]; busy {
		return fmt.Errorf("vm %s has a transition in flight: %w", vmID, domain.ErrConflict)
	}
	m.inFlight[vmID] = struct{}{}
	return nil
}

func (m *Manager) settle(vmID string) {
	m.mu.Lock()
	delete(m.inFlight, vmID)
	m.mu.Unlock()
}

// Create validates the request, registers the VM and drives it through
// Defined→Creating→Running. If a GPU is required it is reserved first and
// either confirmed attached on success or rolled back on any failure: no
// path leaves a device Reserved.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*domain.VirtualMachine, error) {
	req = m.applyDefaults(req)
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	vm := &domain.VirtualMachine{
		ID:   uuid.NewString(),
		Name: req.Name,
		Spec: domain.VMSpec{
			Name:        req.Name,
			VCPUs:       req.VCPUs,
			MemoryMB:    req.MemoryMB,
			GPURequired: req.GPURequired,
			GPUVendor:   req.GPUVendor,
			Image:       req.Image,
		},
		State:        domain.VMStateDefined,
		AttachedGPUs: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.reg.VMs.Insert(vm.ID, vm); err != nil {
		return nil, err
	}

	if err := m.begin(vm.ID); err != nil {
		return nil, err
	}
	defer m.settle(vm.ID)

	out, err := m.boot(ctx, vm.ID, true)
	if err != nil {
		// A create that could not even reserve its resources, or was
		// cancelled before the hypervisor object existed, leaves no record
		// behind; the request is rejected as a whole.
		if errors.Is(err, domain.ErrResourceExhausted) || errors.Is(err, domain.ErrValidation) ||
			errors.Is(err, context.Canceled) {
			m.reg.VMs.Delete(vm.ID)
		}
		return nil, err
	}
	return out, nil
}

// StartVM boots a Stopped VM through the same path as create.
func (m *Manager) StartVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error) {
	vm, err := m.reg.VMs.Get(vmID)
	if err != nil {
		return nil, err
	}
	if vm.State != domain.VMStateStopped {
		return nil, fmt.Errorf("start from %s: %w", vm.State, domain.ErrConflict)
	}

	if err := m.begin(vmID); err != nil {
		return nil, err
	}
	defer m.settle(vmID)

	return m.boot(ctx, vmID, false)
}

// boot drives Defined|Stopped→Creating→Running. fresh marks a first boot,
// where the hypervisor object does not exist yet and a required GPU has not
// been reserved.
func (m *Manager) boot(ctx context.Context, vmID string, fresh bool) (*domain.VirtualMachine, error) {
	vm, err := m.transition(vmID, domain.VMStateCreating, domain.VMStateDefined, domain.VMStateStopped)
	if err != nil {
		return nil, err
	}
	log := m.log.WithField("vm", vmID)

	// Reserve the GPU before touching the hypervisor so a create that cannot
	// get one is rejected without side effects.
	var reserved *domain.GPUDevice
	if fresh && vm.Spec.GPURequired {
		reserved, err = m.alloc.Allocate(ctx, vmID, domain.GPURequirements{Vendor: vm.Spec.GPUVendor})
		if err != nil {
			m.setState(vmID, domain.VMStateDefined, "")
			return nil, err
		}
	}

	// compensate unwinds a held reservation. Runs on every failure path
	// below; a GPU must never stay Reserved once this operation concludes.
	compensate := func() {
		if reserved != nil {
			if err := m.alloc.FailAttach(reserved.ID); err != nil {
				log.WithError(err).Error("failed to roll back GPU reservation")
			}
		}
	}

	if err := ctx.Err(); err != nil {
		compensate()
		m.setState(vmID, bootOrigin(fresh), "")
		return nil, err
	}

	if fresh {
		handle, err := m.callString(ctx, "create", func(callCtx context.Context) (string, error) {
			return m.hv.Create(callCtx, vm.Spec)
		})
		if err != nil {
			compensate()
			m.fail(vmID, err)
			return nil, err
		}
		if _, err := m.reg.VMs.Update(vmID, func(v *domain.VirtualMachine) error {
			v.Handle = handle
			v.UpdatedAt = time.Now()
			return nil
		}); err != nil {
			compensate()
			return nil, err
		}
		vm.Handle = handle

		if reserved != nil {
			if err := m.call(ctx, "attach_gpu", func(callCtx context.Context) error {
				return m.hv.AttachGPU(callCtx, handle, reserved.Address)
			}); err != nil {
				compensate()
				m.cleanupHandle(handle)
				m.fail(vmID, err)
				return nil, err
			}
		}
	}

	// The hypervisor object now exists; a cancellation from here on is not
	// honored — the boot runs to completion and reports its outcome.
	runCtx := context.WithoutCancel(ctx)

	if err := m.call(runCtx, "start", func(callCtx context.Context) error {
		return m.hv.Start(callCtx, vm.Handle)
	}); err != nil {
		compensate()
		m.fail(vmID, err)
		return nil, err
	}

	if reserved != nil {
		if err := m.alloc.ConfirmAttach(reserved.ID); err != nil {
			m.fail(vmID, err)
			return nil, err
		}
	}

	out, err := m.reg.VMs.Update(vmID, func(v *domain.VirtualMachine) error {
		v.State = domain.VMStateRunning
		v.LastError = ""
		if reserved != nil {
			v.AttachedGPUs = appendUnique(v.AttachedGPUs, reserved.ID)
		}
		v.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithField("handle", out.Handle).Info("VM running")
	return out, nil
}

// StopVM drives Running→Stopping→Stopped. Attached GPUs stay attached.
func (m *Manager) StopVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error) {
	if err := m.begin(vmID); err != nil {
		return nil, err
	}
	defer m.settle(vmID)

	vm, err := m.transition(vmID, domain.VMStateStopping, domain.VMStateRunning)
	if err != nil {
		return nil, err
	}

	if err := m.call(context.WithoutCancel(ctx), "stop", func(callCtx context.Context) error {
		return m.hv.Stop(callCtx, vm.Handle)
	}); err != nil {
		m.fail(vmID, err)
		return nil, err
	}

	out, err := m.setState(vmID, domain.VMStateStopped, "")
	if err != nil {
		return nil, err
	}
	m.log.WithField("vm", vmID).Info("VM stopped")
	return out, nil
}

// DeleteVM drives Stopped|Error→Deleting→Deleted, releasing any attached
// GPUs and removing the record. Deleted is terminal.
func (m *Manager) DeleteVM(ctx context.Context, vmID string) (*domain.VirtualMachine, error) {
	if err := m.begin(vmID); err != nil {
		return nil, err
	}
	defer m.settle(vmID)

	vm, err := m.transition(vmID, domain.VMStateDeleting, domain.VMStateStopped, domain.VMStateError)
	if err != nil {
		return nil, err
	}

	if vm.Handle != "" {
		if err := m.call(context.WithoutCancel(ctx), "delete", func(callCtx context.Context) error {
			return m.hv.Delete(callCtx, vm.Handle)
		}); err != nil {
			m.fail(vmID, err)
			return nil, err
		}
	}

	for _, gpuID := range vm.AttachedGPUs {
		if err := m.alloc.Release(gpuID); err != nil {
			m.log.WithError(err).WithField("gpu", gpuID).Error("failed to release GPU on delete")
		}
	}

	out, err := m.reg.VMs.Update(vmID, func(v *domain.VirtualMachine) error {
		v.State = domain.VMStateDeleted
		v.AttachedGPUs = []string{}
		v.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.reg.VMs.Delete(vmID)

	m.log.WithField("vm", vmID).Info("VM deleted")
	return out, nil
}

// AttachGPU is the manual override: claim a specific Free device and wire it
// to a Running or Stopped VM. The same reservation contract applies.
func (m *Manager) AttachGPU(ctx context.Context, vmID, gpuID string) (*domain.VirtualMachine, error) {
	if err := m.begin(vmID); err != nil {
		return nil, err
	}
	defer m.settle(vmID)

	vm, err := m.reg.VMs.Get(vmID)
	if err != nil {
		return nil, err
	}
	if vm.State != domain.VMStateRunning && vm.State != domain.VMStateStopped {
		return nil, fmt.Errorf("attach gpu to %s vm: %w", vm.State, domain.ErrConflict)
	}

	dev, err := m.alloc.Claim(ctx, vmID, gpuID)
	if err != nil {
		return nil, err
	}

	if err := m.call(context.WithoutCancel(ctx), "attach_gpu", func(callCtx context.Context) error {
		return m.hv.AttachGPU(callCtx, vm.Handle, dev.Address)
	}); err != nil {
		if rbErr := m.alloc.FailAttach(gpuID); rbErr != nil {
			m.log.WithError(rbErr).WithField("gpu", gpuID).Error("failed to roll back GPU claim")
		}
		return nil, err
	}

	if err := m.alloc.ConfirmAttach(gpuID); err != nil {
		return nil, err
	}

	return m.reg.VMs.Update(vmID, func(v *domain.VirtualMachine) error {
		v.AttachedGPUs = appendUnique(v.AttachedGPUs, gpuID)
		v.UpdatedAt = time.Now()
		return nil
	})
}

// DetachGPU unwires a device from the VM and returns it to Free.
func (m *Manager) DetachGPU(ctx context.Context, vmID, gpuID string) (*domain.VirtualMachine, error) {
	if err := m.begin(vmID); err != nil {
		return nil, err
	}
	defer m.settle(vmID)

	vm, err := m.reg.VMs.Get(vmID)
	if err != nil {
		return nil, err
	}
	if !contains(vm.AttachedGPUs, gpuID) {
		return nil, fmt.Errorf("gpu %s not attached to vm %s: %w", gpuID, vmID, domain.ErrNotFound)
	}

	dev, err := m.reg.GPUs.Get(gpuID)
	if err != nil {
		return nil, err
	}

	if err := m.call(context.WithoutCancel(ctx), "detach_gpu", func(callCtx context.Context) error {
		return m.hv.DetachGPU(callCtx, vm.Handle, dev.Address)
	}); err != nil {
		return nil, err
	}

	if err := m.alloc.Release(gpuID); err != nil {
		return nil, err
	}

	return m.reg.VMs.Update(vmID, func(v *domain.VirtualMachine) error {
		v.AttachedGPUs = remove(v.AttachedGPUs, gpuID)
		v.UpdatedAt = time.Now()
		return nil
	})
}

// Get returns a copy of the VM record.
func (m *Manager) Get(vmID string) (*domain.VirtualMachine, error) {
	return m.reg.VMs.Get(vmID)
}

// List returns a snapshot of all VM records.
func (m *Manager) List() []*domain.VirtualMachine {
	return m.reg.VMs.List()
}

// transition moves the VM into next iff its current state is one of from,
// returning ErrConflict otherwise. Runs under the registry's per-entity lock.
func (m *Manager) transition(vmID string, next domain.VMState, from ...domain.VMState) (*domain.VirtualMachine, error) {
	return m.reg.VMs.Update(vmID, func(v *domain.VirtualMachine) error {
		for _, s := range from {
			if v.State == s {
				v.State = next
				v.UpdatedAt = time.Now()
				return nil
			}
		}
		return fmt.Errorf("transition %s→%s: %w", v.State, next, domain.ErrConflict)
	})
}

func (m *Manager) setState(vmID string, s domain.VMState, lastErr string) (*domain.VirtualMachine, error) {
	return m.reg.VMs.Update(vmID, func(v *domain.VirtualMachine) error {
		v.State = s
		v.LastError = lastErr
		v.UpdatedAt = time.Now()
		return nil
	})
}

// fail parks the VM in the sticky Error state; only delete clears it.
func (m *Manager) fail(vmID string, cause error) {
	if _, err := m.setState(vmID, domain.VMStateError, cause.Error()); err != nil {
		m.log.WithError(err).WithField("vm", vmID).Error("failed to record error state")
	}
	m.log.WithError(cause).WithField("vm", vmID).Warn("VM moved to error state")
}

// cleanupHandle best-effort deletes a hypervisor object created by an
// operation that subsequently failed.
func (m *Manager) cleanupHandle(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
	defer cancel()
	if err := m.hv.Delete(ctx, handle); err != nil {
		m.log.WithError(err).WithField("handle", handle).Error("failed to clean up hypervisor object")
	}
}

// call runs one hypervisor operation under the configured per-call timeout,
// retrying retryable failures with bounded exponential backoff. A deadline
// overrun is reported as ErrTimeout and never retried.
func (m *Manager) call(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := m.callString(ctx, op, func(callCtx context.Context) (string, error) {
		return "", fn(callCtx)
	})
	return err
}

func (m *Manager) callString(ctx context.Context, op string, fn func(context.Context) (string, error)) (string, error) {
	var out string

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		defer cancel()

		res, err := fn(callCtx)
		if err == nil {
			out = res
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return backoff.Permanent(fmt.Errorf("hypervisor %s: %w", op, domain.ErrTimeout))
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		m.log.WithError(err).WithField("op", op).Warn("retryable hypervisor failure")
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialInterval
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.opts.MaxAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return out, nil
}

// applyDefaults fills sizing fields the caller omitted from the configured
// defaults. Explicit values, including invalid ones, pass through to
// validation untouched.
func (m *Manager) applyDefaults(req CreateRequest) CreateRequest {
	if req.VCPUs == 0 && m.opts.DefaultVCPUs > 0 {
		req.VCPUs = m.opts.DefaultVCPUs
	}
	if req.MemoryMB == 0 && m.opts.DefaultMemoryMB > 0 {
		req.MemoryMB = m.opts.DefaultMemoryMB
	}
	return req
}

func validateCreate(req CreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if req.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be positive: %w", domain.ErrValidation)
	}
	if req.MemoryMB == 0 {
		return fmt.Errorf("memory must be positive: %w", domain.ErrValidation)
	}
	return nil
}

func bootOrigin(fresh bool) domain.VMState {
	if fresh {
		return domain.VMStateDefined
	}
	return domain.VMStateStopped
}

func appendUnique(s []string, v string) []string {
	if contains(s, v) {
		return s
	}
	return append(s, v)
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func remove(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
