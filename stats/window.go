// Package stats provides fixed-capacity rolling statistics over latency
// samples. A Window keeps the most recent N samples (FIFO eviction) so that
// per-session memory stays bounded regardless of session lifetime.
package stats

import (
	"sort"
	"sync"
)

// DefaultCapacity is used when a Window is constructed with a non-positive
// capacity.
const DefaultCapacity = 120

// Window is a bounded FIFO buffer of float64 samples with order-statistic
// queries. It is safe for concurrent use, although the expected usage is a
// single writer per session.
type Window struct {
	mu      sync.Mutex
	samples []float64
	head    int
	full    bool
}

// NewWindow returns a Window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{samples: make([]float64, 0, capacity)}
}

// Push appends a sample, evicting the oldest one when the window is at
// capacity.
func (w *Window) Push(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.full && len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, v)
		if len(w.samples) == cap(w.samples) {
			w.full = true
		}
		return
	}
	// Ring overwrite: head points at the oldest sample.
	w.samples[w.head] = v
	w.head = (w.head + 1) % len(w.samples)
}

// Len reports the number of samples currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// Snapshot returns a sorted copy of the current samples. The window is small
// and bounded, so O(n log n) per call is acceptable.
func (w *Window) sorted() []float64 {
	w.mu.Lock()
	out := make([]float64, len(w.samples))
	copy(out, w.samples)
	w.mu.Unlock()
	sort.Float64s(out)
	return out
}

// Median returns sorted[n/2], or 0 for an empty window. The upper-median
// index matches the reference client's expectations.
func (w *Window) Median() float64 {
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)/2]
}

// P95 returns sorted[floor(0.95*n)] clamped to the last element, or 0 for an
// empty window. The index formula is pinned so that small-window values are
// deterministic: a single sample is both its own median and p95.
func (w *Window) P95() float64 {
	s := w.sorted()
	if len(s) == 0 {
		return 0
	}
	idx := int(float64(len(s)) * 0.95)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

// Quantiles returns median and p95 from one sorted copy.
func (w *Window) Quantiles() (median, p95 float64) {
	s := w.sorted()
	if len(s) == 0 {
		return 0, 0
	}
	idx := int(float64(len(s)) * 0.95)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[len(s)/2], s[idx]
}

// Values returns the current samples in insertion order, oldest first.
func (w *Window) Values() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]float64, 0, len(w.samples))
	out = append(out, w.samples[w.head:]...)
	out = append(out, w.samples[:w.head]...)
	return out
}
