package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/resilstack/resilience-engine/internal/config"
	"github.com/resilstack/resilience-engine/internal/models"
	"github.com/resilstack/resilience-engine/internal/utils"
)

type fakeAlertSource struct {
	mu        sync.Mutex
	active    []models.Alert
	escalated []string
}

func (f *fakeAlertSource) ActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Alert(nil), f.active...), nil
}

func (f *fakeAlertSource) EscalateAlert(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, id)
	return nil
}

type sentNotification struct {
	channel   string
	recipient string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeNotifier) Send(ctx context.Context, channel, recipient, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{channel: channel, recipient: recipient})
	return nil
}

func (f *fakeNotifier) recorded() []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNotification(nil), f.sent...)
}

func testSchedules() []models.OnCallSchedule {
	return []models.OnCallSchedule{
		{
			Level:     models.LevelMonitoring,
			Primary:   []models.OnCallContact{{Name: "monitor-1", Email: "monitor1@example.com", Preferred: "email"}},
			Secondary: []models.OnCallContact{{Name: "monitor-2", Email: "monitor2@example.com", Preferred: "email"}},
		},
		{
			Level:     models.LevelSupport,
			Primary:   []models.OnCallContact{{Name: "support-1", Slack: "@support1", Preferred: "slack"}},
			Secondary: []models.OnCallContact{{Name: "support-2", Phone: "+1-555-0102", Preferred: "sms"}},
		},
		{
			Level:     models.LevelEngineering,
			Primary:   []models.OnCallContact{{Name: "eng-1", Slack: "@eng1", Preferred: "slack"}},
			Secondary: []models.OnCallContact{{Name: "eng-2", Email: "eng2@example.com", Preferred: "email"}},
		},
	}
}

func escalationTestConfig() config.EscalationConfig {
	return config.EscalationConfig{
		Enabled:              true,
		Interval:             time.Minute,
		CriticalUnackedAfter: 5 * time.Minute,
		HighUnackedAfter:     15 * time.Minute,
	}
}

func newTestService(alerts *fakeAlertSource, notifier *fakeNotifier) *Service {
	s := NewService(nil, escalationTestConfig(), alerts, notifier)
	s.SetSchedules(testSchedules())
	return s
}

func TestEscalateCriticalCustomerFacingStartsAtEngineering(t *testing.T) {
	alerts := &fakeAlertSource{}
	notifier := &fakeNotifier{}
	s := newTestService(alerts, notifier)

	alert := models.Alert{
		ID:             "alert-1",
		Title:          "Checkout down",
		Severity:       models.SeverityCritical,
		Status:         models.AlertActive,
		Source:         "payments",
		CustomerFacing: true,
	}
	if err := s.Escalate(context.Background(), alert, "automated_recovery_failed"); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	active := s.Active()
	if len(active) != 1 {
		t.Fatalf("active escalations = %d, want 1", len(active))
	}
	escalation := active[0]
	if escalation.CurrentLevel != models.LevelEngineering {
		t.Fatalf("initial level = %s, want engineering", escalation.CurrentLevel.Name())
	}
	if escalation.Impact.Level != models.SeverityCritical || !escalation.Impact.CustomerFacing {
		t.Fatalf("impact = %+v, want critical customer-facing", escalation.Impact)
	}
	if escalation.Impact.EstimatedUsers != 10000 {
		t.Fatalf("estimated users = %d, want 10000", escalation.Impact.EstimatedUsers)
	}

	// Critical impact notifies primary and secondary.
	sent := notifier.recorded()
	if len(sent) != 2 {
		t.Fatalf("notifications = %d, want primary+secondary", len(sent))
	}
	if sent[0].channel != "slack" || sent[0].recipient != "@eng1" {
		t.Fatalf("primary notification = %+v", sent[0])
	}
	if len(escalation.CommLog) != 2 {
		t.Fatalf("communication log entries = %d, want 2", len(escalation.CommLog))
	}
	if len(alerts.escalated) != 1 || alerts.escalated[0] != "alert-1" {
		t.Fatalf("alert should be flagged escalated, got %v", alerts.escalated)
	}
}

func TestEscalateLowImpactStartsAtMonitoringPrimaryOnly(t *testing.T) {
	notifier := &fakeNotifier{}
	s := newTestService(&fakeAlertSource{}, notifier)

	alert := models.Alert{ID: "alert-2", Severity: models.SeverityMedium, Source: "batch-jobs"}
	if err := s.Escalate(context.Background(), alert, "no_action_found"); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	active := s.Active()
	if len(active) != 1 || active[0].CurrentLevel != models.LevelMonitoring {
		t.Fatalf("expected monitoring level, got %+v", active)
	}
	if sent := notifier.recorded(); len(sent) != 1 {
		t.Fatalf("non-critical impact must notify primary only, got %d", len(sent))
	}
}

func TestEscalateIsOncePerAlert(t *testing.T) {
	s := newTestService(&fakeAlertSource{}, &fakeNotifier{})
	alert := models.Alert{ID: "alert-3", Severity: models.SeverityHigh, CustomerFacing: true}

	if err := s.Escalate(context.Background(), alert, "first"); err != nil {
		t.Fatalf("first escalate: %v", err)
	}
	if err := s.Escalate(context.Background(), alert, "second"); err != nil {
		t.Fatalf("second escalate: %v", err)
	}
	if got := len(s.Active()); got != 1 {
		t.Fatalf("active escalations = %d, want 1 per alert", got)
	}
}

func TestConcurrentEscalateOpensOneEscalation(t *testing.T) {
	alerts := &fakeAlertSource{}
	notifier := &fakeNotifier{}
	s := newTestService(alerts, notifier)
	alert := models.Alert{ID: "alert-race", Severity: models.SeverityLow}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Escalate(context.Background(), alert, "racing"); err != nil {
				t.Errorf("escalate: %v", err)
			}
		}()
	}
	wg.Wait()

	active := s.Active()
	if len(active) != 1 {
		t.Fatalf("active escalations = %d, want 1 per alert", len(active))
	}
	// Only the winning call may notify and flag the alert.
	if got := len(notifier.recorded()); got != 1 {
		t.Fatalf("notifications = %d, want 1 (monitoring primary)", got)
	}
	alerts.mu.Lock()
	escalated := len(alerts.escalated)
	alerts.mu.Unlock()
	if escalated != 1 {
		t.Fatalf("alert flagged escalated %d times, want 1", escalated)
	}
	// The surviving ID must be addressable.
	if err := s.Acknowledge(active[0].ID, "oncall", ""); err != nil {
		t.Fatalf("acknowledge surviving escalation: %v", err)
	}
}

func TestStepTimeoutPromotesLevel(t *testing.T) {
	base := time.Now()
	notifier := &fakeNotifier{}
	s := newTestService(&fakeAlertSource{}, notifier)
	s.now = func() time.Time { return base }

	alert := models.Alert{ID: "alert-4", Severity: models.SeverityHigh, CustomerFacing: true}
	if err := s.Escalate(context.Background(), alert, "test"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if got := s.Active()[0].CurrentLevel; got != models.LevelSupport {
		t.Fatalf("initial level = %s, want support", got.Name())
	}

	// Just inside the 30 minute support timeout, nothing moves.
	s.now = func() time.Time { return base.Add(29 * time.Minute) }
	s.tick(context.Background())
	if got := s.Active()[0].CurrentLevel; got != models.LevelSupport {
		t.Fatalf("level moved before timeout: %s", got.Name())
	}

	s.now = func() time.Time { return base.Add(31 * time.Minute) }
	s.tick(context.Background())
	escalation := s.Active()[0]
	if escalation.CurrentLevel != models.LevelEngineering {
		t.Fatalf("level = %s, want engineering after timeout", escalation.CurrentLevel.Name())
	}
	if len(escalation.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(escalation.Steps))
	}
	if escalation.Steps[1].TriggeredBy != models.EscalationTimeThreshold {
		t.Fatalf("second step trigger = %s", escalation.Steps[1].TriggeredBy)
	}
}

func TestAcknowledgedStepBlocksTimeoutPromotion(t *testing.T) {
	base := time.Now()
	s := newTestService(&fakeAlertSource{}, &fakeNotifier{})
	s.now = func() time.Time { return base }

	alert := models.Alert{ID: "alert-5", Severity: models.SeverityHigh, CustomerFacing: true}
	if err := s.Escalate(context.Background(), alert, "test"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	escalationID := s.Active()[0].ID
	if err := s.Acknowledge(escalationID, "support-1", "on it"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	s.tick(context.Background())
	if got := s.Active()[0].CurrentLevel; got != models.LevelSupport {
		t.Fatalf("acknowledged escalation must not promote, got %s", got.Name())
	}
}

func TestUnacknowledgedCriticalAlertAutoEscalates(t *testing.T) {
	base := time.Now()
	alerts := &fakeAlertSource{active: []models.Alert{
		{ID: "stale-critical", Severity: models.SeverityCritical, Status: models.AlertActive, CreatedAt: base.Add(-6 * time.Minute)},
		{ID: "fresh-critical", Severity: models.SeverityCritical, Status: models.AlertActive, CreatedAt: base.Add(-2 * time.Minute)},
		{ID: "stale-low", Severity: models.SeverityLow, Status: models.AlertActive, CreatedAt: base.Add(-time.Hour)},
	}}
	s := newTestService(alerts, &fakeNotifier{})
	s.now = func() time.Time { return base }

	s.tick(context.Background())

	active := s.Active()
	if len(active) != 1 {
		t.Fatalf("active escalations = %d, want only the stale critical alert", len(active))
	}
	if active[0].AlertID != "stale-critical" {
		t.Fatalf("escalated alert = %s", active[0].AlertID)
	}
	if active[0].Reason != "unacknowledged_alert" {
		t.Fatalf("reason = %s", active[0].Reason)
	}
}

func TestRulePromotesOnlyStrictlyHigher(t *testing.T) {
	base := time.Now()
	s := newTestService(&fakeAlertSource{}, &fakeNotifier{})
	s.now = func() time.Time { return base }
	s.SetRules([]models.EscalationRule{
		{
			ID:          "critical-to-engineering",
			Name:        "Critical incidents reach engineering",
			Trigger:     models.EscalationSeverityIncrease,
			TargetLevel: models.LevelEngineering,
			Severities:  []models.Severity{models.SeverityCritical},
			MinAge:      10 * time.Minute,
		},
	})

	alert := models.Alert{ID: "alert-6", Severity: models.SeverityCritical, CustomerFacing: true}
	if err := s.Escalate(context.Background(), alert, "test"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	// Critical customer-facing impact already starts at engineering, so the
	// rule's equal target must be ignored.
	s.now = func() time.Time { return base.Add(11 * time.Minute) }
	s.evaluateRules(context.Background())

	escalation := s.Active()[0]
	if escalation.CurrentLevel != models.LevelEngineering {
		t.Fatalf("level = %s, want engineering", escalation.CurrentLevel.Name())
	}
	if len(escalation.Steps) != 1 {
		t.Fatalf("rule targeting the current level must not add steps, got %d", len(escalation.Steps))
	}
}

func TestAcknowledgeAndResolveLifecycle(t *testing.T) {
	s := newTestService(&fakeAlertSource{}, &fakeNotifier{})

	if err := s.Acknowledge("missing", "nobody", ""); !utils.IsNotFound(err) {
		t.Fatalf("expected not-found for unknown escalation, got %v", err)
	}
	if err := s.Resolve("missing", "nobody", ""); !utils.IsNotFound(err) {
		t.Fatalf("expected not-found for unknown escalation, got %v", err)
	}

	alert := models.Alert{ID: "alert-7", Severity: models.SeverityHigh, CustomerFacing: true}
	if err := s.Escalate(context.Background(), alert, "test"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	escalationID := s.Active()[0].ID

	if err := s.Acknowledge(escalationID, "", "notes"); err == nil {
		t.Fatalf("acknowledge without a user must fail")
	}
	if err := s.Acknowledge(escalationID, "support-1", "looking"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	// Second acknowledge is a no-op.
	if err := s.Acknowledge(escalationID, "support-2", "me too"); err != nil {
		t.Fatalf("repeat acknowledge: %v", err)
	}
	if got := s.Active()[0].Steps[0].AcknowledgedBy; got != "support-1" {
		t.Fatalf("acknowledgedBy = %s, first acknowledger must win", got)
	}

	if err := s.Resolve(escalationID, "support-1", "rolled back bad deploy"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(s.Active()) != 0 {
		t.Fatalf("resolved escalation must leave the active set")
	}
	history := s.History(0)
	if len(history) != 1 || history[0].Status != models.EscalationResolved {
		t.Fatalf("history = %+v, want one resolved escalation", history)
	}
	if history[0].Resolution != "rolled back bad deploy" {
		t.Fatalf("resolution not recorded: %+v", history[0])
	}
}
