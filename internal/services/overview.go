package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/resilstack/resilience-engine/internal/circuit"
	"github.com/resilstack/resilience-engine/internal/degradation"
	"github.com/resilstack/resilience-engine/internal/deploy"
	"github.com/resilstack/resilience-engine/internal/escalation"
	"github.com/resilstack/resilience-engine/internal/healing"
	"github.com/resilstack/resilience-engine/internal/models"
	"github.com/resilstack/resilience-engine/internal/recovery"
)

// highCircuitErrorRate is the error rate above which an open circuit counts
// as an unhealthy signal rather than a degraded one.
const highCircuitErrorRate = 50.0

// Overview is the aggregate status of every resilience component.
type Overview struct {
	Overall     string                `json:"overall"`
	Timestamp   time.Time             `json:"timestamp"`
	Issues      []string              `json:"issues,omitempty"`
	Recovery    recovery.Status       `json:"recovery"`
	Circuits    []models.CircuitStats `json:"circuits"`
	Healing     healing.Status        `json:"healing"`
	Degradation degradation.Status    `json:"degradation"`
	Escalation  escalation.Status     `json:"escalation"`
	Deployments deploy.Status         `json:"deployments"`
}

// OverviewService assembles the system-wide resilience report.
type OverviewService struct {
	logger      *slog.Logger
	circuits    *circuit.Registry
	recovery    *recovery.Orchestrator
	healing     *healing.Engine
	degradation *degradation.Engine
	escalation  *escalation.Service
	deployments *deploy.Monitor
}

// NewOverviewService constructs the overview aggregator.
func NewOverviewService(logger *slog.Logger, circuits *circuit.Registry, orchestrator *recovery.Orchestrator, healer *healing.Engine, degrader *degradation.Engine, escalator *escalation.Service, deployments *deploy.Monitor) *OverviewService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverviewService{
		logger:      logger,
		circuits:    circuits,
		recovery:    orchestrator,
		healing:     healer,
		degradation: degrader,
		escalation:  escalator,
		deployments: deployments,
	}
}

// Overview snapshots every component and derives an overall health verdict:
// any unhealthy signal wins over degraded, degraded over healthy.
func (s *OverviewService) Overview(ctx context.Context) Overview {
	report := Overview{
		Overall:     "healthy",
		Timestamp:   time.Now(),
		Recovery:    s.recovery.Status(),
		Circuits:    s.circuits.Stats(),
		Healing:     s.healing.Status(),
		Degradation: s.degradation.Status(),
		Escalation:  s.escalation.Status(),
		Deployments: s.deployments.Status(),
	}

	unhealthy, degraded := s.collectSignals(&report)
	switch {
	case len(unhealthy) > 0:
		report.Overall = "unhealthy"
	case len(degraded) > 0:
		report.Overall = "degraded"
	}
	report.Issues = append(unhealthy, degraded...)
	return report
}

func (s *OverviewService) collectSignals(report *Overview) (unhealthy, degraded []string) {
	for _, stats := range report.Circuits {
		if stats.State != models.CircuitOpen {
			continue
		}
		if stats.ErrorRate >= highCircuitErrorRate {
			unhealthy = append(unhealthy, fmt.Sprintf("circuit %s open with %.0f%% error rate", stats.ID, stats.ErrorRate))
		} else {
			degraded = append(degraded, fmt.Sprintf("circuit %s open", stats.ID))
		}
	}

	for _, active := range report.Degradation.Active {
		if active.Level == models.DegradationEmergency {
			unhealthy = append(unhealthy, fmt.Sprintf("emergency degradation active: %s", active.RuleID))
		}
	}
	if report.Degradation.ActiveDegradations > 0 {
		degraded = append(degraded, fmt.Sprintf("%d active degradations", report.Degradation.ActiveDegradations))
	}

	for _, incident := range s.escalation.Active() {
		if incident.CurrentLevel >= models.LevelManagement {
			unhealthy = append(unhealthy, fmt.Sprintf("escalation %s at %s level", incident.ID, incident.CurrentLevel.Name()))
		}
	}
	if report.Escalation.ActiveEscalations > 0 {
		degraded = append(degraded, fmt.Sprintf("%d active escalations", report.Escalation.ActiveEscalations))
	}

	switch report.Deployments.Health {
	case "unhealthy":
		unhealthy = append(unhealthy, "failed deployment in flight")
	case "degraded":
		degraded = append(degraded, "long-running deployment")
	}

	for _, issue := range report.Healing.Issues {
		if issue.Severity == models.SeverityCritical {
			degraded = append(degraded, fmt.Sprintf("critical system issue: %s", issue.Type))
		}
	}
	if report.Recovery.ActiveRecoveries > 0 {
		degraded = append(degraded, fmt.Sprintf("%d recoveries in flight", report.Recovery.ActiveRecoveries))
	}
	return unhealthy, degraded
}
