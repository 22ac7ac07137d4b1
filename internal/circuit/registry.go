package circuit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/resilstack/resilience-engine/internal/metrics"
	"github.com/resilstack/resilience-engine/internal/models"
	"github.com/resilstack/resilience-engine/internal/utils"
)

// AlertSink raises alerts in the monitoring backend.
type AlertSink interface {
	CreateAlert(ctx context.Context, alert models.Alert) error
}

// Registry owns all circuits, created lazily per logical dependency, and runs
// the periodic evaluation tick that publishes gauges and raises alerts for
// unhealthy circuits.
type Registry struct {
	defaults Settings
	logger   *slog.Logger
	alerts   AlertSink
	interval time.Duration

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry applying defaults to new circuits.
func NewRegistry(defaults Settings, interval time.Duration, alerts AlertSink, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Registry{
		defaults: defaults,
		logger:   logger,
		alerts:   alerts,
		interval: interval,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the circuit for id, creating it on first use.
func (r *Registry) Get(id string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[id]; ok {
		return b
	}
	b = NewBreaker(id, id, r.defaults)
	r.breakers[id] = b
	r.logger.Debug("circuit created", slog.String("circuit", id))
	return b
}

// Execute runs op through the circuit for id.
func (r *Registry) Execute(ctx context.Context, id string, op func(context.Context) error) error {
	return r.Get(id).Execute(ctx, op)
}

// Stats snapshots every circuit, ordered by id.
func (r *Registry) Stats() []models.CircuitStats {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	stats := make([]models.CircuitStats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Reset forces a named circuit closed. Unknown ids return a not-found error.
func (r *Registry) Reset(id string) error {
	b, ok := r.lookup(id)
	if !ok {
		return utils.NewNotFound("circuit", id)
	}
	b.Reset()
	r.logger.Info("circuit reset", slog.String("circuit", id))
	return nil
}

// ResetAll forces every circuit closed and returns the number reset.
func (r *Registry) ResetAll() int {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
	return len(breakers)
}

// ForceOpen forces a named circuit open. Unknown ids return a not-found error.
func (r *Registry) ForceOpen(id string) error {
	b, ok := r.lookup(id)
	if !ok {
		return utils.NewNotFound("circuit", id)
	}
	b.ForceOpen()
	r.logger.Warn("circuit forced open", slog.String("circuit", id))
	return nil
}

func (r *Registry) lookup(id string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[id]
	return b, ok
}

// Run publishes circuit gauges and raises alerts for unhealthy circuits until
// ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluate(ctx)
		}
	}
}

func (r *Registry) evaluate(ctx context.Context) {
	for _, stats := range r.Stats() {
		metrics.SetCircuitState(stats.ID, stats.State, stats.ErrorRate)

		var issue string
		severity := models.SeverityHigh
		switch {
		case stats.State == models.CircuitOpen:
			issue = "circuit is open"
			severity = models.SeverityCritical
		case stats.ErrorRate > 80:
			issue = "circuit error rate above 80%"
		case stats.LatencyP95 > 10000:
			issue = "circuit p95 latency above 10s"
		default:
			continue
		}

		r.logger.Warn("unhealthy circuit",
			slog.String("circuit", stats.ID),
			slog.String("state", string(stats.State)),
			slog.Float64("error_rate", stats.ErrorRate),
		)
		if r.alerts == nil {
			continue
		}
		alert := models.Alert{
			Type:         "circuit_breaker",
			Severity:     severity,
			Status:       models.AlertActive,
			Title:        "Circuit " + stats.ID + ": " + issue,
			Message:      issue,
			MetricName:   "circuit_error_rate",
			CurrentValue: stats.ErrorRate,
			Source:       "circuit-breaker",
			CreatedAt:    time.Now(),
		}
		if err := r.alerts.CreateAlert(ctx, alert); err != nil {
			r.logger.Error("raise circuit alert", slog.String("circuit", stats.ID), slog.Any("error", err))
		}
	}
}
