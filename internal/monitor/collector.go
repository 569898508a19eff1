// Package monitor samples resource usage for Running VMs and allocated GPUs
// on a fixed period, keeping a bounded per-subject history. The collector is
// read-only with respect to the registry: it never mutates VM or GPU state.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
	"github.com/dante-gpu/gpu-share-vm-manager/internal/registry"
)

// Collector runs the periodic sampling cycle.
type Collector struct {
	log      *logrus.Entry
	reg      *registry.Registry
	hv       domain.Hypervisor
	dq       domain.DriverQuery
	interval time.Duration
	capacity int

	mu      sync.RWMutex
	windows map[string]*window

	subMu   sync.Mutex
	subs    map[int]chan domain.MetricSample
	nextSub int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a collector. Window capacity is derived from the retention
// duration and the sampling interval, exactly one slot per cycle.
func New(reg *registry.Registry, hv domain.Hypervisor, dq domain.DriverQuery, interval, retention time.Duration, log *logrus.Logger) *Collector {
	capacity := int(retention / interval)
	if capacity < 1 {
		capacity = 1
	}
	return &Collector{
		log:      log.WithField("component", "monitor"),
		reg:      reg,
		hv:       hv,
		dq:       dq,
		interval: interval,
		capacity: capacity,
		windows:  make(map[string]*window),
		subs:     make(map[int]chan domain.MetricSample),
		stopCh:   make(chan struct{}),
	}
}

// Run loops until Stop is called or ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.WithFields(logrus.Fields{
		"interval": c.interval,
		"capacity": c.capacity,
	}).Info("monitoring collector started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectOnce(ctx)
		}
	}
}

// Stop terminates the Run loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// collectOnce samples every eligible subject. A failure for one subject is
// recorded as a gap and does not abort the cycle for the others.
func (c *Collector) collectOnce(ctx context.Context) {
	now := time.Now()

	for _, vm := range c.reg.VMs.List() {
		if vm.State != domain.VMStateRunning {
			continue
		}
		stats, err := c.hv.Stats(ctx, vm.Handle)
		if err != nil {
			c.log.WithError(err).WithField("vm", vm.ID).Warn("VM sample failed, recording gap")
			continue
		}
		c.record(domain.MetricSample{
			SubjectID:    vm.ID,
			Timestamp:    now,
			CPUPercent:   stats.CPUPercent,
			MemoryUsedMB: stats.MemoryUsedMB,
		})
	}

	for _, dev := range c.reg.GPUs.List() {
		if dev.State != domain.GPUStateAttached && dev.State != domain.GPUStateReserved {
			continue
		}
		sample, err := c.dq.Sample(ctx, dev.ID)
		if err != nil {
			c.log.WithError(err).WithField("gpu", dev.ID).Warn("GPU sample failed, recording gap")
			continue
		}
		c.record(domain.MetricSample{
			SubjectID:       dev.ID,
			Timestamp:       now,
			GPUUtilPercent:  sample.UtilizationPercent,
			GPUMemoryUsedMB: sample.MemoryUsedMB,
			TemperatureC:    sample.TemperatureC,
			PowerW:          sample.PowerW,
		})
	}
}

func (c *Collector) record(s domain.MetricSample) {
	c.mu.Lock()
	w, ok := c.windows[s.SubjectID]
	if !ok {
		w = newWindow(c.capacity)
		c.windows[s.SubjectID] = w
	}
	c.mu.Unlock()

	w.append(s)
	c.broadcast(s)
}

// Latest returns the most recent sample for the subject, if any.
func (c *Collector) Latest(subjectID string) (domain.MetricSample, bool) {
	c.mu.RLock()
	w, ok := c.windows[subjectID]
	c.mu.RUnlock()
	if !ok {
		return domain.MetricSample{}, false
	}
	return w.latest()
}

// Window returns the subject's samples within [from, to], oldest first.
// Zero bounds are open.
func (c *Collector) Window(subjectID string, from, to time.Time) []domain.MetricSample {
	c.mu.RLock()
	w, ok := c.windows[subjectID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return w.slice(from, to)
}

// Subscribe registers a live feed of new samples. Slow consumers drop
// samples rather than stall the collector. The returned cancel func must be
// called to release the subscription.
func (c *Collector) Subscribe() (<-chan domain.MetricSample, func()) {
	ch := make(chan domain.MetricSample, 64)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

func (c *Collector) broadcast(s domain.MetricSample) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
		}
	}
}
