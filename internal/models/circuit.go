package models

import "time"

// CircuitState enumerates breaker states. A circuit is in exactly one state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitStats is an immutable snapshot of one circuit's counters.
type CircuitStats struct {
	ID              string       `json:"id"`
	Service         string       `json:"service"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failureCount"`
	SuccessCount    int          `json:"successCount"`
	TotalRequests   int64        `json:"totalRequests"`
	ErrorRate       float64      `json:"errorRate"`
	SlowCallRate    float64      `json:"slowCallRate"`
	LatencyP95      float64      `json:"latencyP95Ms"`
	LastStateChange time.Time    `json:"lastStateChange"`
	LastFailure     time.Time    `json:"lastFailure,omitempty"`
}
