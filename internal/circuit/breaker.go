package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/resilstack/resilience-engine/internal/models"
	"github.com/resilstack/resilience-engine/internal/utils"
)

// ErrOpen is returned when a call is rejected because the circuit is open.
var ErrOpen = errors.New("circuit open")

// Settings hold the thresholds governing one breaker.
type Settings struct {
	FailureThreshold       int
	RequestVolumeThreshold int
	ErrorRateThreshold     float64
	SlowCallRateThreshold  float64
	SlowCallDuration       time.Duration
	CallTimeout            time.Duration
	RecoveryTimeout        time.Duration
	SuccessThreshold       int
}

// DefaultSettings mirror the engine's stock breaker configuration.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:       5,
		RequestVolumeThreshold: 10,
		ErrorRateThreshold:     50,
		SlowCallRateThreshold:  50,
		SlowCallDuration:       5 * time.Second,
		CallTimeout:            10 * time.Second,
		RecoveryTimeout:        60 * time.Second,
		SuccessThreshold:       3,
	}
}

const (
	// rollingWindow bounds the call records kept for rate computation.
	rollingWindow = 5 * time.Minute
	// tripWindow is the evaluation window for trip decisions.
	tripWindow = time.Minute
)

type callRecord struct {
	at      time.Time
	failure bool
	slow    bool
}

// Breaker is a per-dependency call gate. It is in exactly one of closed,
// open, or half-open at any instant; all transitions happen under its mutex.
type Breaker struct {
	id       string
	service  string
	settings Settings

	mu              sync.Mutex
	state           models.CircuitState
	halfOpenSuccess int
	totalRequests   int64
	lastStateChange time.Time
	lastFailure     time.Time
	calls           []callRecord
	latencies       *utils.LatencyTracker

	now func() time.Time
}

// NewBreaker constructs a closed breaker for one logical dependency.
func NewBreaker(id, service string, settings Settings) *Breaker {
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = DefaultSettings().CallTimeout
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = DefaultSettings().RecoveryTimeout
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = DefaultSettings().SuccessThreshold
	}
	return &Breaker{
		id:              id,
		service:         service,
		settings:        settings,
		state:           models.CircuitClosed,
		lastStateChange: time.Now(),
		latencies:       utils.NewLatencyTracker(256),
		now:             time.Now,
	}
}

// Execute runs op if the circuit permits, racing it against the call timeout.
// A timeout counts as a failure. When the circuit is open, op is never invoked.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
	defer cancel()

	start := b.now()
	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = fmt.Errorf("call timed out after %s: %w", b.settings.CallTimeout, callCtx.Err())
	}

	duration := b.now().Sub(start)
	b.record(duration, err)
	return err
}

// allow decides whether a call may proceed, transitioning open circuits to
// half-open once the recovery timeout has elapsed since the last failure.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != models.CircuitOpen {
		return nil
	}
	since := b.lastFailure
	if since.IsZero() {
		since = b.lastStateChange
	}
	if b.now().Sub(since) < b.settings.RecoveryTimeout {
		return ErrOpen
	}
	b.transition(models.CircuitHalfOpen)
	return nil
}

func (b *Breaker) record(duration time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.totalRequests++
	b.latencies.Observe(duration)
	b.calls = append(b.calls, callRecord{
		at:      now,
		failure: err != nil,
		slow:    b.settings.SlowCallDuration > 0 && duration >= b.settings.SlowCallDuration,
	})
	b.prune(now)

	if err != nil {
		b.lastFailure = now
		if b.state == models.CircuitHalfOpen {
			// One failure while probing re-trips immediately.
			b.transition(models.CircuitOpen)
			return
		}
	} else if b.state == models.CircuitHalfOpen {
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.settings.SuccessThreshold {
			b.transition(models.CircuitClosed)
		}
		return
	}

	// Trip conditions are checked on every closed-state call: a run of slow
	// successes must open the circuit just like a run of failures.
	if b.state == models.CircuitClosed && b.shouldTrip(now) {
		b.transition(models.CircuitOpen)
	}
}

// shouldTrip evaluates the trip conditions over the one-minute window.
// Caller holds the mutex.
func (b *Breaker) shouldTrip(now time.Time) bool {
	var requests, failures, slow int
	cutoff := now.Add(-tripWindow)
	for _, call := range b.calls {
		if call.at.Before(cutoff) {
			continue
		}
		requests++
		if call.failure {
			failures++
		}
		if call.slow {
			slow++
		}
	}
	if requests < b.settings.RequestVolumeThreshold {
		return false
	}
	if b.settings.FailureThreshold > 0 && failures >= b.settings.FailureThreshold {
		return true
	}
	errorRate := float64(failures) / float64(requests) * 100
	if b.settings.ErrorRateThreshold > 0 && errorRate >= b.settings.ErrorRateThreshold {
		return true
	}
	slowRate := float64(slow) / float64(requests) * 100
	return b.settings.SlowCallRateThreshold > 0 && slowRate >= b.settings.SlowCallRateThreshold
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-rollingWindow)
	keep := b.calls[:0]
	for _, call := range b.calls {
		if !call.at.Before(cutoff) {
			keep = append(keep, call)
		}
	}
	b.calls = keep
}

// transition moves to a new state and resets per-state counters.
// Caller holds the mutex.
func (b *Breaker) transition(state models.CircuitState) {
	if b.state == state {
		return
	}
	b.state = state
	b.lastStateChange = b.now()
	b.halfOpenSuccess = 0
	if state == models.CircuitClosed {
		b.calls = nil
	}
}

// Reset forces the circuit closed. Resetting an already-closed circuit is a no-op.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(models.CircuitClosed)
}

// ForceOpen forces the circuit open, rejecting calls until reset or recovery.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(models.CircuitOpen)
	b.lastFailure = b.now()
}

// State returns the current state.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns an immutable snapshot of the breaker's counters.
func (b *Breaker) Stats() models.CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-rollingWindow)
	var requests, failures, successes, slow int
	for _, call := range b.calls {
		if call.at.Before(cutoff) {
			continue
		}
		requests++
		if call.failure {
			failures++
		} else {
			successes++
		}
		if call.slow {
			slow++
		}
	}

	stats := models.CircuitStats{
		ID:              b.id,
		Service:         b.service,
		State:           b.state,
		FailureCount:    failures,
		SuccessCount:    successes,
		TotalRequests:   b.totalRequests,
		LatencyP95:      float64(b.latencies.Percentile(95).Milliseconds()),
		LastStateChange: b.lastStateChange,
		LastFailure:     b.lastFailure,
	}
	if requests > 0 {
		stats.ErrorRate = float64(failures) / float64(requests) * 100
		stats.SlowCallRate = float64(slow) / float64(requests) * 100
	}
	return stats
}
