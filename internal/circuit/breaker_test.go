package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/resilstack/resilience-engine/internal/models"
	"github.com/resilstack/resilience-engine/internal/utils"
)

func testSettings() Settings {
	s := DefaultSettings()
	s.CallTimeout = time.Second
	return s
}

func failingOp(ctx context.Context) error { return errors.New("boom") }

func okOp(ctx context.Context) error { return nil }

func TestBreakerTripsAfterVolumeAndFailures(t *testing.T) {
	b := NewBreaker("payments", "payments", testSettings())

	for i := 0; i < 4; i++ {
		if err := b.Execute(context.Background(), okOp); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	for i := 0; i < 6; i++ {
		if err := b.Execute(context.Background(), failingOp); err == nil {
			t.Fatalf("expected failure on call %d", i)
		}
	}

	if got := b.State(); got != models.CircuitOpen {
		t.Fatalf("state = %s, want open", got)
	}

	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatalf("operation must not run while circuit is open")
	}
}

func TestBreakerTripsOnSlowSuccessfulCalls(t *testing.T) {
	b := NewBreaker("reports", "reports", testSettings())
	current := time.Now()
	b.now = func() time.Time { return current }

	// Every call succeeds but takes 6s against a 5s slow-call budget.
	slowOK := func(ctx context.Context) error {
		current = current.Add(6 * time.Second)
		return nil
	}
	for i := 0; i < 10; i++ {
		if err := b.Execute(context.Background(), slowOK); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if got := b.State(); got != models.CircuitOpen {
		t.Fatalf("state = %s, want open at 100%% slow-call rate", got)
	}

	invoked := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatalf("operation must not run while circuit is open")
	}
}

func TestBreakerStaysClosedBelowVolume(t *testing.T) {
	b := NewBreaker("search", "search", testSettings())

	for i := 0; i < 9; i++ {
		b.Execute(context.Background(), failingOp)
	}
	if got := b.State(); got != models.CircuitClosed {
		t.Fatalf("state = %s, want closed below request volume threshold", got)
	}
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := NewBreaker("db", "db", testSettings())

	current := time.Now()
	b.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		b.Execute(context.Background(), failingOp)
	}
	if got := b.State(); got != models.CircuitOpen {
		t.Fatalf("state = %s, want open", got)
	}

	current = current.Add(61 * time.Second)

	// First allowed call transitions to half-open before executing.
	if err := b.Execute(context.Background(), okOp); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if got := b.State(); got != models.CircuitHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}

	// Enough successes close the circuit again.
	b.Execute(context.Background(), okOp)
	b.Execute(context.Background(), okOp)
	if got := b.State(); got != models.CircuitClosed {
		t.Fatalf("state = %s, want closed after success threshold", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("cache", "cache", testSettings())
	current := time.Now()
	b.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		b.Execute(context.Background(), failingOp)
	}
	current = current.Add(61 * time.Second)

	b.Execute(context.Background(), okOp)
	if got := b.State(); got != models.CircuitHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}

	b.Execute(context.Background(), failingOp)
	if got := b.State(); got != models.CircuitOpen {
		t.Fatalf("state = %s, want open after half-open failure", got)
	}
}

func TestBreakerCallTimeoutCountsAsFailure(t *testing.T) {
	settings := testSettings()
	settings.CallTimeout = 20 * time.Millisecond
	b := NewBreaker("slow", "slow", settings)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	stats := b.Stats()
	if stats.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", stats.FailureCount)
	}
}

func TestBreakerResetAndForceOpen(t *testing.T) {
	b := NewBreaker("api", "api", testSettings())

	b.ForceOpen()
	if got := b.State(); got != models.CircuitOpen {
		t.Fatalf("state = %s, want open after force-open", got)
	}

	b.Reset()
	if got := b.State(); got != models.CircuitClosed {
		t.Fatalf("state = %s, want closed after reset", got)
	}

	// Resetting an already-closed circuit stays closed.
	b.Reset()
	if got := b.State(); got != models.CircuitClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestRegistryLazyCreateAndNotFound(t *testing.T) {
	r := NewRegistry(testSettings(), 0, nil, nil)

	if err := r.Execute(context.Background(), "orders", okOp); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := len(r.Stats()); got != 1 {
		t.Fatalf("stats length = %d, want 1", got)
	}

	if err := r.Reset("orders"); err != nil {
		t.Fatalf("reset known circuit: %v", err)
	}
	if err := r.Reset("missing"); !utils.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if err := r.ForceOpen("missing"); !utils.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry(testSettings(), 0, nil, nil)
	r.Get("a").ForceOpen()
	r.Get("b").ForceOpen()

	if n := r.ResetAll(); n != 2 {
		t.Fatalf("reset count = %d, want 2", n)
	}
	for _, stats := range r.Stats() {
		if stats.State != models.CircuitClosed {
			t.Fatalf("circuit %s state = %s, want closed", stats.ID, stats.State)
		}
	}
}
