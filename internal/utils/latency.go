package utils

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded ring of recent call durations so breakers
// can report latency percentiles without unbounded growth.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples []time.Duration
	next    int
	maxSize int
}

// NewLatencyTracker creates a tracker keeping at most maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{maxSize: maxSize}
}

// Observe records one call duration, evicting the oldest sample once full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.samples) < l.maxSize {
		l.samples = append(l.samples, d)
	} else {
		l.samples[l.next] = d
	}
	l.next = (l.next + 1) % l.maxSize
}

// Percentile returns the nearest-rank percentile (0-100) over the retained
// samples, or zero when nothing has been observed yet.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.samples)
	if n == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), l.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(p/100*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= n {
		rank = n - 1
	}
	return sorted[rank]
}

// Count returns the number of samples currently retained.
func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.samples)
}
