package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resilstack/resilience-engine/internal/config"
	"github.com/resilstack/resilience-engine/internal/metrics"
	"github.com/resilstack/resilience-engine/internal/models"
	"github.com/resilstack/resilience-engine/internal/utils"
)

const historyLimit = 200

// Auto-escalation ages for unacknowledged alerts without an escalation.
const (
	defaultCriticalUnackedAfter = 5 * time.Minute
	defaultHighUnackedAfter     = 15 * time.Minute
)

// customerFacingServices marks the service names whose outages hit users
// directly.
var customerFacingServices = []string{
	"api-server", "web-app", "main-site", "payments", "checkout", "signage",
}

// AlertSource reads active alerts and flags the ones under escalation.
type AlertSource interface {
	ActiveAlerts(ctx context.Context) ([]models.Alert, error)
	EscalateAlert(ctx context.Context, id string) error
}

// Notifier delivers outbound notifications.
type Notifier interface {
	Send(ctx context.Context, channel, recipient, subject, body string) error
}

// Status summarises the service for the control surface.
type Status struct {
	Enabled           bool `json:"enabled"`
	ActiveEscalations int  `json:"activeEscalations"`
	OnCallSchedules   int  `json:"onCallSchedules"`
	RuleCount         int  `json:"ruleCount"`
}

// Service runs multi-level incident escalation: impact-driven initial level
// selection, per-level on-call notification, and timeout-driven promotion.
// At most one active escalation exists per alert id, and an incident's level
// only ever increases.
type Service struct {
	logger   *slog.Logger
	cfg      config.EscalationConfig
	alerts   AlertSource
	notifier Notifier

	mu        sync.Mutex
	enabled   bool
	schedules []models.OnCallSchedule
	rules     []models.EscalationRule
	active    map[string]*models.IncidentEscalation // keyed by alert id
	history   []models.IncidentEscalation

	now func() time.Time
}

// NewService constructs the incident escalation service.
func NewService(logger *slog.Logger, cfg config.EscalationConfig, alerts AlertSource, notifier Notifier) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CriticalUnackedAfter <= 0 {
		cfg.CriticalUnackedAfter = defaultCriticalUnackedAfter
	}
	if cfg.HighUnackedAfter <= 0 {
		cfg.HighUnackedAfter = defaultHighUnackedAfter
	}
	return &Service{
		logger:   logger,
		cfg:      cfg,
		alerts:   alerts,
		notifier: notifier,
		enabled:  cfg.Enabled,
		active:   make(map[string]*models.IncidentEscalation),
		now:      time.Now,
	}
}

// SetSchedules replaces the on-call schedules.
func (s *Service) SetSchedules(schedules []models.OnCallSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = schedules
}

// SetRules replaces the escalation rules.
func (s *Service) SetRules(rules []models.EscalationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// ReloadCatalogs loads schedules and rules, keeping the previous sets on error.
func (s *Service) ReloadCatalogs(schedulePath, rulePath string) error {
	schedules, err := LoadSchedules(schedulePath)
	if err != nil {
		return utils.NewAppError("escalation.ReloadCatalogs", "schedules reload failed", err)
	}
	rules, err := LoadRules(rulePath)
	if err != nil {
		return utils.NewAppError("escalation.ReloadCatalogs", "rules reload failed", err)
	}
	s.SetSchedules(schedules)
	s.SetRules(rules)
	s.logger.Info("escalation catalogs loaded",
		slog.Int("schedules", len(schedules)),
		slog.Int("rules", len(rules)),
	)
	return nil
}

// Escalate opens an escalation for an alert. An alert with an active
// escalation is left alone.
func (s *Service) Escalate(ctx context.Context, alert models.Alert, reason string) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil
	}
	if _, exists := s.active[alert.ID]; exists {
		s.mu.Unlock()
		return nil
	}

	// Duplicate check and insert stay under one lock so concurrent calls for
	// the same alert open exactly one escalation.
	impact := assessImpact(alert)
	level := initialLevel(alert, impact)

	escalation := &models.IncidentEscalation{
		ID:           uuid.NewString(),
		AlertID:      alert.ID,
		CurrentLevel: level,
		Impact:       impact,
		Status:       models.EscalationActive,
		Reason:       reason,
		CreatedAt:    s.now(),
	}
	s.active[alert.ID] = escalation
	s.mu.Unlock()

	s.escalateToLevel(ctx, escalation, alert, level, models.EscalationRecoveryFailure)

	if err := s.alerts.EscalateAlert(ctx, alert.ID); err != nil {
		s.logger.Warn("flag alert escalated failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
	}

	s.logger.Info("escalation opened",
		slog.String("escalation_id", escalation.ID),
		slog.String("alert_id", alert.ID),
		slog.String("level", level.Name()),
		slog.String("reason", reason),
	)
	return nil
}

// escalateToLevel records a step at the given level and notifies its on-call
// roster. Primary contacts are always notified; secondary too when business
// impact is critical.
func (s *Service) escalateToLevel(ctx context.Context, escalation *models.IncidentEscalation, alert models.Alert, level models.EscalationLevel, trigger string) {
	s.mu.Lock()
	schedule, found := s.scheduleForLevelLocked(level)
	s.mu.Unlock()

	step := models.EscalationStep{
		Level:       level,
		Timestamp:   s.now(),
		TriggeredBy: trigger,
	}

	if !found {
		s.logger.Error("no on-call schedule for level", slog.String("level", level.Name()))
	} else {
		message := buildMessage(escalation, alert, level, trigger)
		subject := fmt.Sprintf("[%s] Incident escalation required", strings.ToUpper(level.Name()))

		contacts := append([]models.OnCallContact(nil), schedule.Primary...)
		if escalation.Impact.Level == models.SeverityCritical {
			contacts = append(contacts, schedule.Secondary...)
		}
		for _, contact := range contacts {
			step.AssignedTo = append(step.AssignedTo, contact.Name)
			if err := s.notify(ctx, escalation, contact, subject, message); err != nil {
				s.logger.Warn("escalation notification failed",
					slog.String("contact", contact.Name),
					slog.String("channel", contact.Preferred),
					slog.Any("error", err),
				)
				continue
			}
			step.NotificationsSent = append(step.NotificationsSent, contact.Name)
		}
	}

	s.mu.Lock()
	escalation.Steps = append(escalation.Steps, step)
	escalation.CurrentLevel = level
	s.mu.Unlock()

	metrics.ObserveEscalation(level)
}

// notify delivers one message via the contact's preferred channel and logs
// it in the incident communication log.
func (s *Service) notify(ctx context.Context, escalation *models.IncidentEscalation, contact models.OnCallContact, subject, message string) error {
	recipient := contact.Email
	switch contact.Preferred {
	case "slack":
		recipient = contact.Slack
	case "sms", "phone":
		recipient = contact.Phone
	}
	if recipient == "" {
		return fmt.Errorf("contact %s has no %s recipient", contact.Name, contact.Preferred)
	}

	err := s.notifier.Send(ctx, contact.Preferred, recipient, subject, message)
	if err != nil {
		return err
	}

	s.mu.Lock()
	escalation.CommLog = append(escalation.CommLog, models.CommunicationEntry{
		Time:      s.now(),
		Channel:   contact.Preferred,
		Recipient: recipient,
		Message:   subject,
	})
	s.mu.Unlock()
	return nil
}

// Run drives the monitoring loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return
	}
	s.checkStepTimeouts(ctx)
	s.checkUnacknowledgedAlerts(ctx)
	s.evaluateRules(ctx)
}

// checkStepTimeouts promotes escalations whose current step stayed
// unacknowledged past the level's timeout. Executive is the ceiling.
func (s *Service) checkStepTimeouts(ctx context.Context) {
	s.mu.Lock()
	var due []*models.IncidentEscalation
	for _, escalation := range s.active {
		if len(escalation.Steps) == 0 {
			continue
		}
		step := escalation.Steps[len(escalation.Steps)-1]
		if step.Acknowledged {
			continue
		}
		if escalation.CurrentLevel >= models.LevelExecutive {
			continue
		}
		if s.now().Sub(step.Timestamp) > escalation.CurrentLevel.AckTimeout() {
			due = append(due, escalation)
		}
	}
	s.mu.Unlock()

	for _, escalation := range due {
		next := escalation.CurrentLevel + 1
		s.logger.Warn("escalation step timed out",
			slog.String("escalation_id", escalation.ID),
			slog.String("from", escalation.CurrentLevel.Name()),
			slog.String("to", next.Name()),
		)
		s.escalateToLevel(ctx, escalation, models.Alert{ID: escalation.AlertID}, next, models.EscalationTimeThreshold)
	}
}

// checkUnacknowledgedAlerts opens escalations for stale high and critical
// alerts nobody is handling yet.
func (s *Service) checkUnacknowledgedAlerts(ctx context.Context) {
	alerts, err := s.alerts.ActiveAlerts(ctx)
	if err != nil {
		s.logger.Error("fetch active alerts", slog.Any("error", err))
		return
	}

	for _, alert := range alerts {
		if alert.Severity != models.SeverityHigh && alert.Severity != models.SeverityCritical {
			continue
		}
		s.mu.Lock()
		_, exists := s.active[alert.ID]
		s.mu.Unlock()
		if exists {
			continue
		}

		threshold := s.cfg.HighUnackedAfter
		if alert.Severity == models.SeverityCritical {
			threshold = s.cfg.CriticalUnackedAfter
		}
		if alert.CreatedAt.IsZero() || s.now().Sub(alert.CreatedAt) <= threshold {
			continue
		}
		if err := s.Escalate(ctx, alert, "unacknowledged_alert"); err != nil {
			s.logger.Error("auto-escalate failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
		}
	}
}

// evaluateRules applies configured rules to active escalations. A rule may
// only promote to a strictly higher level.
func (s *Service) evaluateRules(ctx context.Context) {
	s.mu.Lock()
	rules := append([]models.EscalationRule(nil), s.rules...)
	var targets []*models.IncidentEscalation
	for _, escalation := range s.active {
		targets = append(targets, escalation)
	}
	s.mu.Unlock()

	for _, escalation := range targets {
		for _, rule := range rules {
			if rule.TargetLevel <= escalation.CurrentLevel {
				continue
			}
			if rule.MinAge > 0 && s.now().Sub(escalation.CreatedAt) < rule.MinAge {
				continue
			}
			if len(rule.Severities) > 0 && !severityListed(rule.Severities, escalation.Impact.Level) {
				continue
			}
			s.escalateToLevel(ctx, escalation, models.Alert{ID: escalation.AlertID}, rule.TargetLevel, rule.Trigger)
		}
	}
}

// Acknowledge marks the current step of a named escalation acknowledged,
// stopping timeout promotion. Acknowledging an already-acknowledged step is
// a no-op.
func (s *Service) Acknowledge(escalationID, acknowledgedBy, notes string) error {
	if acknowledgedBy == "" {
		return fmt.Errorf("acknowledgedBy is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	escalation := s.findByIDLocked(escalationID)
	if escalation == nil {
		return utils.NewNotFound("escalation", escalationID)
	}
	if len(escalation.Steps) == 0 {
		return fmt.Errorf("escalation %s has no steps", escalationID)
	}
	step := &escalation.Steps[len(escalation.Steps)-1]
	if step.Acknowledged {
		return nil
	}
	at := s.now()
	step.Acknowledged = true
	step.AcknowledgedBy = acknowledgedBy
	step.AcknowledgedAt = &at
	step.Notes = notes
	return nil
}

// Resolve closes a named escalation and moves it to history.
func (s *Service) Resolve(escalationID, resolvedBy, resolution string) error {
	if resolvedBy == "" {
		return fmt.Errorf("resolvedBy is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	escalation := s.findByIDLocked(escalationID)
	if escalation == nil {
		return utils.NewNotFound("escalation", escalationID)
	}

	at := s.now()
	escalation.Status = models.EscalationResolved
	escalation.ResolvedAt = &at
	escalation.ResolvedBy = resolvedBy
	escalation.Resolution = resolution
	if n := len(escalation.Steps); n > 0 && !escalation.Steps[n-1].Acknowledged {
		step := &escalation.Steps[n-1]
		step.Acknowledged = true
		step.AcknowledgedBy = resolvedBy
		step.AcknowledgedAt = &at
	}

	delete(s.active, escalation.AlertID)
	s.history = append(s.history, *escalation)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	return nil
}

// findByIDLocked looks an active escalation up by its own id. Callers must
// hold s.mu.
func (s *Service) findByIDLocked(escalationID string) *models.IncidentEscalation {
	for _, escalation := range s.active {
		if escalation.ID == escalationID {
			return escalation
		}
	}
	return nil
}

func (s *Service) scheduleForLevelLocked(level models.EscalationLevel) (models.OnCallSchedule, bool) {
	for _, schedule := range s.schedules {
		if schedule.Level == level {
			return schedule, true
		}
	}
	return models.OnCallSchedule{}, false
}

// Enable allows new escalations.
func (s *Service) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
}

// Disable stops new escalations; active incidents remain until resolved.
func (s *Service) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// Status reports the service state for the control surface.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:           s.enabled,
		ActiveEscalations: len(s.active),
		OnCallSchedules:   len(s.schedules),
		RuleCount:         len(s.rules),
	}
}

// Active snapshots active escalations sorted by creation time.
func (s *Service) Active() []models.IncidentEscalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.IncidentEscalation, 0, len(s.active))
	for _, escalation := range s.active {
		out = append(out, *escalation)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns the most recent closed escalations, newest last.
func (s *Service) History(limit int) []models.IncidentEscalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]models.IncidentEscalation, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

// assessImpact estimates blast radius from alert severity and customer
// exposure.
func assessImpact(alert models.Alert) models.BusinessImpact {
	facing := alert.CustomerFacing || nameIsCustomerFacing(alert.Source) || nameIsCustomerFacing(alert.Endpoint)

	impact := models.BusinessImpact{
		Level:          models.SeverityLow,
		CustomerFacing: facing,
	}
	switch alert.Severity {
	case models.SeverityCritical:
		impact.Level = models.SeverityCritical
		if facing {
			impact.EstimatedUsers = 10000
			impact.EstimatedRevenue = 10000
		}
	case models.SeverityHigh:
		impact.Level = models.SeverityMedium
		if facing {
			impact.Level = models.SeverityHigh
			impact.EstimatedUsers = 200
			impact.EstimatedRevenue = 2000
		}
	}
	impact.Description = fmt.Sprintf("%s severity incident, customer facing: %t", impact.Level, facing)
	return impact
}

// initialLevel picks where an escalation starts: critical impact goes
// straight to engineering, high impact or a critical alert to support,
// everything else to monitoring.
func initialLevel(alert models.Alert, impact models.BusinessImpact) models.EscalationLevel {
	if impact.Level == models.SeverityCritical {
		return models.LevelEngineering
	}
	if impact.Level == models.SeverityHigh || alert.Severity == models.SeverityCritical {
		return models.LevelSupport
	}
	return models.LevelMonitoring
}

func nameIsCustomerFacing(name string) bool {
	if name == "" {
		return false
	}
	for _, candidate := range customerFacingServices {
		if strings.Contains(name, candidate) {
			return true
		}
	}
	return false
}

func severityListed(list []models.Severity, severity models.Severity) bool {
	for _, item := range list {
		if item == severity {
			return true
		}
	}
	return false
}

func buildMessage(escalation *models.IncidentEscalation, alert models.Alert, level models.EscalationLevel, trigger string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INCIDENT ESCALATION - %s\n\n", strings.ToUpper(level.Name()))
	if alert.Title != "" {
		fmt.Fprintf(&b, "Alert: %s\n", alert.Title)
	}
	if alert.Severity != "" {
		fmt.Fprintf(&b, "Severity: %s\n", strings.ToUpper(string(alert.Severity)))
	}
	fmt.Fprintf(&b, "\nBusiness impact: %s\n", escalation.Impact.Description)
	if escalation.Impact.EstimatedUsers > 0 {
		fmt.Fprintf(&b, "Estimated affected users: %d\n", escalation.Impact.EstimatedUsers)
	}
	fmt.Fprintf(&b, "\nEscalation ID: %s\nTriggered by: %s\n", escalation.ID, trigger)
	b.WriteString("\nPlease acknowledge and take action immediately.")
	return b.String()
}
