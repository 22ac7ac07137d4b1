package utils

import (
	"testing"
	"time"
)

func TestLatencyPercentiles(t *testing.T) {
	tracker := NewLatencyTracker(10)
	for _, d := range []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
	} {
		tracker.Observe(d)
	}

	if got := tracker.Percentile(95); got != 50*time.Millisecond {
		t.Fatalf("p95 = %v, want 50ms", got)
	}
	if got := tracker.Percentile(0); got != 10*time.Millisecond {
		t.Fatalf("p0 = %v, want 10ms", got)
	}
	if tracker.Count() != 5 {
		t.Fatalf("count = %d, want 5", tracker.Count())
	}
}

func TestLatencyEmptyTracker(t *testing.T) {
	tracker := NewLatencyTracker(4)
	if got := tracker.Percentile(50); got != 0 {
		t.Fatalf("empty tracker p50 = %v, want 0", got)
	}
}

func TestLatencyRingEvictsOldest(t *testing.T) {
	tracker := NewLatencyTracker(3)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 3 {
		t.Fatalf("count = %d, want 3", tracker.Count())
	}
	// Only the last three samples (8ms, 9ms, 10ms) remain.
	if got := tracker.Percentile(0); got != 8*time.Millisecond {
		t.Fatalf("oldest retained = %v, want 8ms", got)
	}
}
