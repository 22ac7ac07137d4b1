package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/resilstack/resilience-engine/internal/models"
)

const (
	// OutcomeSuccess labels remediation runs that resolved their target.
	OutcomeSuccess = "success"
	// OutcomeFailed labels remediation runs that did not resolve their target.
	OutcomeFailed = "failed"
	// OutcomeTimeout labels remediation runs that exceeded their deadline.
	OutcomeTimeout = "timeout"
)

var (
	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resilience",
			Name:      "recoveries_total",
			Help:      "Total recovery attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	recoverySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "resilience",
			Name:      "recovery_seconds",
			Help:      "Recovery attempt duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "resilience",
			Name:      "circuit_state",
			Help:      "Circuit state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"circuit"},
	)

	circuitErrorRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "resilience",
			Name:      "circuit_error_rate",
			Help:      "Rolling error rate percentage per circuit.",
		},
		[]string{"circuit"},
	)

	healingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resilience",
			Name:      "healing_runs_total",
			Help:      "Total self-healing attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	degradationLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "resilience",
			Name:      "degradation_level",
			Help:      "Highest active degradation level (0 none to 4 emergency).",
		},
	)

	degradationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "resilience",
			Name:      "degradations_active",
			Help:      "Number of currently active degradations.",
		},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resilience",
			Name:      "escalations_total",
			Help:      "Total escalation steps recorded, partitioned by level.",
		},
		[]string{"level"},
	)

	deploymentRollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resilience",
			Name:      "deployment_rollbacks_total",
			Help:      "Total deployment rollbacks, partitioned by trigger.",
		},
		[]string{"trigger"},
	)
)

// Register attaches the engine's collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		recoveriesTotal,
		recoverySeconds,
		circuitState,
		circuitErrorRate,
		healingRunsTotal,
		degradationLevel,
		degradationsActive,
		escalationsTotal,
		deploymentRollbacksTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRecovery records a recovery attempt duration and outcome.
func ObserveRecovery(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeFailed, OutcomeTimeout:
	default:
		outcome = OutcomeFailed
	}
	recoveriesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	recoverySeconds.Observe(duration.Seconds())
}

// SetCircuitState publishes a circuit's state and error rate gauges.
func SetCircuitState(circuit string, state models.CircuitState, errorRate float64) {
	var v float64
	switch state {
	case models.CircuitHalfOpen:
		v = 1
	case models.CircuitOpen:
		v = 2
	}
	circuitState.WithLabelValues(circuit).Set(v)
	circuitErrorRate.WithLabelValues(circuit).Set(errorRate)
}

// ObserveHealing records a self-healing attempt outcome.
func ObserveHealing(outcome string) {
	healingRunsTotal.WithLabelValues(outcome).Inc()
}

// SetDegradation publishes the highest active level and the active count.
func SetDegradation(highest models.DegradationLevel, active int) {
	rank := highest.Rank()
	if rank < 0 {
		rank = 0
	}
	degradationLevel.Set(float64(rank))
	degradationsActive.Set(float64(active))
}

// ObserveEscalation records an escalation step at the given level.
func ObserveEscalation(level models.EscalationLevel) {
	escalationsTotal.WithLabelValues(level.Name()).Inc()
}

// ObserveRollback records a deployment rollback by trigger (automatic or manual).
func ObserveRollback(trigger string) {
	deploymentRollbacksTotal.WithLabelValues(trigger).Inc()
}
