package monitor

import (
	"sync"
	"time"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
)

// window is one subject's bounded, ordered sample history. Appending beyond
// capacity evicts the oldest sample.
type window struct {
	mu       sync.Mutex
	capacity int
	samples  []domain.MetricSample
}

func newWindow(capacity int) *window {
	if capacity < 1 {
		capacity = 1
	}
	return &window{capacity: capacity}
}

func (w *window) append(s domain.MetricSample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, s)
	if len(w.samples) > w.capacity {
		// Shift rather than re-slice so the backing array does not pin
		// evicted samples.
		copy(w.samples, w.samples[len(w.samples)-w.capacity:])
		w.samples = w.samples[:w.capacity]
	}
}

func (w *window) latest() (domain.MetricSample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.samples) == 0 {
		return domain.MetricSample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// slice returns the samples within [from, to]. Zero bounds are open.
func (w *window) slice(from, to time.Time) []domain.MetricSample {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]domain.MetricSample, 0, len(w.samples))
	for _, s := range w.samples {
		if !from.IsZero() && s.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && s.Timestamp.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (w *window) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}
