package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/resilstack/resilience-engine/internal/config"
	"github.com/resilstack/resilience-engine/internal/models"
	"github.com/resilstack/resilience-engine/internal/utils"
)

type fakeMetrics struct {
	mu     sync.Mutex
	values map[string]float64
}

func (f *fakeMetrics) LatestMetric(ctx context.Context, name string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[name]
	if !ok {
		return 0, fmt.Errorf("no samples for %s", name)
	}
	return v, nil
}

func (f *fakeMetrics) set(name string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
}

type fakeAlerts struct {
	mu       sync.Mutex
	alerts   map[string]models.Alert
	resolved []string
}

func (f *fakeAlerts) ActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Alert, 0, len(f.alerts))
	for _, a := range f.alerts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAlerts) Alert(ctx context.Context, id string) (models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok {
		return models.Alert{}, errors.New("unknown alert")
	}
	return a, nil
}

func (f *fakeAlerts) ResolveAlert(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, id)
	return nil
}

type fakeRemediator struct {
	mu    sync.Mutex
	calls []string
	fn    func(operation, target string) (string, error)
}

func (f *fakeRemediator) ExecuteOperation(ctx context.Context, operation, target string, params map[string]string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, operation+":"+target)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(operation, target)
	}
	return "ok", nil
}

type passGate struct{}

func (passGate) Execute(ctx context.Context, id string, op func(context.Context) error) error {
	return op(ctx)
}

type fakeEscalator struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeEscalator) Escalate(ctx context.Context, alert models.Alert, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeEscalator) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	denied   bool
	acquired []string
	released []string
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied || f.held[key] {
		return false, nil
	}
	if f.held == nil {
		f.held = map[string]bool{}
	}
	f.held[key] = true
	f.acquired = append(f.acquired, key)
	return true, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
	f.released = append(f.released, key)
	return nil
}

func testConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		Enabled:            true,
		GlobalCooldown:     time.Minute,
		MaxConcurrent:      5,
		StabilizationDelay: 5 * time.Millisecond,
		HistoryLimit:       10,
		HistoryRetention:   time.Hour,
	}
}

func memoryAlert() models.Alert {
	return models.Alert{
		ID:                 "alert-1",
		Type:               "memory",
		Severity:           models.SeverityCritical,
		Status:             models.AlertActive,
		MetricName:         "memory_usage",
		CurrentValue:       92,
		ThresholdValue:     85,
		ComparisonOperator: ">",
	}
}

func memoryAction() models.RecoveryAction {
	return models.RecoveryAction{
		ID:   "high-memory",
		Name: "High memory pressure",
		Conditions: models.RecoveryConditions{
			Severity:         models.SeverityCritical,
			AlertTypes:       []string{"memory"},
			MetricThresholds: map[string]float64{"memory_usage": 85},
		},
		Immediate:   []models.RecoveryStep{{Type: StepClearCache, Target: "app-cache", Timeout: time.Second}},
		Cooldown:    5 * time.Minute,
		AutoExecute: true,
	}
}

func newTestOrchestrator(t *testing.T, metricSource *fakeMetrics, alerts *fakeAlerts, remediator *fakeRemediator, escalator *fakeEscalator) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(nil, testConfig(), metricSource, alerts, remediator, passGate{}, nil, nil, nil, escalator, nil)
	return o
}

func TestRecoveryResolvesAlertWhenConditionClears(t *testing.T) {
	alert := memoryAlert()
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}
	remediator := &fakeRemediator{fn: func(operation, target string) (string, error) {
		metricSource.set("memory_usage", 78)
		return "cache cleared", nil
	}}
	escalator := &fakeEscalator{}

	o := newTestOrchestrator(t, metricSource, alerts, remediator, escalator)
	o.SetCatalog([]models.RecoveryAction{memoryAction()})

	if err := o.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("handle alert: %v", err)
	}
	o.wg.Wait()

	history := o.History(0)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	attempt := history[0]
	if attempt.Status != models.AttemptSuccess {
		t.Fatalf("attempt status = %s, want success", attempt.Status)
	}
	if attempt.Result == nil || !attempt.Result.Resolved {
		t.Fatalf("expected resolved validation outcome, got %+v", attempt.Result)
	}
	if len(alerts.resolved) != 1 || alerts.resolved[0] != alert.ID {
		t.Fatalf("resolved alerts = %v, want [%s]", alerts.resolved, alert.ID)
	}
	if len(escalator.recorded()) != 0 {
		t.Fatalf("unexpected escalations: %v", escalator.recorded())
	}
}

func TestDispatchHeldByAnotherInstanceSkips(t *testing.T) {
	alert := memoryAlert()
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}
	remediator := &fakeRemediator{}
	locker := &fakeLocker{denied: true}

	o := NewOrchestrator(nil, testConfig(), metricSource, alerts, remediator, passGate{}, nil, nil, nil, nil, locker)
	o.SetCatalog([]models.RecoveryAction{memoryAction()})

	if err := o.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("handle alert: %v", err)
	}
	o.wg.Wait()

	if len(o.History(0)) != 0 {
		t.Fatalf("no attempt may run while another instance holds the alert")
	}
	remediator.mu.Lock()
	calls := len(remediator.calls)
	remediator.mu.Unlock()
	if calls != 0 {
		t.Fatalf("remediator calls = %d, want 0", calls)
	}
}

func TestDispatchAcquiresAndReleasesAlertLock(t *testing.T) {
	alert := memoryAlert()
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}
	remediator := &fakeRemediator{fn: func(operation, target string) (string, error) {
		metricSource.set("memory_usage", 78)
		return "cache cleared", nil
	}}
	locker := &fakeLocker{}

	o := NewOrchestrator(nil, testConfig(), metricSource, alerts, remediator, passGate{}, nil, nil, nil, nil, locker)
	o.SetCatalog([]models.RecoveryAction{memoryAction()})

	if err := o.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("handle alert: %v", err)
	}
	o.wg.Wait()

	locker.mu.Lock()
	acquired := append([]string(nil), locker.acquired...)
	released := append([]string(nil), locker.released...)
	locker.mu.Unlock()
	want := "recovery:" + alert.ID
	if len(acquired) != 1 || acquired[0] != want {
		t.Fatalf("acquired = %v, want [%s]", acquired, want)
	}
	if len(released) != 1 || released[0] != want {
		t.Fatalf("released = %v, want [%s]", released, want)
	}
}

func TestRecoveryFallsBackThenEscalates(t *testing.T) {
	alert := memoryAlert()
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}
	remediator := &fakeRemediator{} // remediation never moves the metric
	escalator := &fakeEscalator{}

	action := memoryAction()
	action.Fallback = []models.RecoveryStep{{Type: StepRestartService, Target: "api", Timeout: time.Second}}

	o := newTestOrchestrator(t, metricSource, alerts, remediator, escalator)
	o.SetCatalog([]models.RecoveryAction{action})

	if err := o.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("handle alert: %v", err)
	}
	o.wg.Wait()

	history := o.History(0)
	if len(history) != 1 || history[0].Status != models.AttemptFailed {
		t.Fatalf("expected one failed attempt, got %+v", history)
	}

	var phases []string
	for _, step := range history[0].Steps {
		phases = append(phases, step.Phase)
	}
	if len(phases) < 2 || phases[0] != "immediate" || phases[1] != "fallback" {
		t.Fatalf("unexpected phases %v", phases)
	}

	reasons := escalator.recorded()
	if len(reasons) != 1 || reasons[0] != "automated_recovery_failed" {
		t.Fatalf("escalation reasons = %v, want [automated_recovery_failed]", reasons)
	}
	if len(alerts.resolved) != 0 {
		t.Fatalf("alert must not be resolved on failure")
	}
}

func TestRecoverySingleAttemptPerAlert(t *testing.T) {
	alert := memoryAlert()
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}

	release := make(chan struct{})
	remediator := &fakeRemediator{fn: func(operation, target string) (string, error) {
		<-release
		return "ok", nil
	}}
	escalator := &fakeEscalator{}

	o := newTestOrchestrator(t, metricSource, alerts, remediator, escalator)
	o.SetCatalog([]models.RecoveryAction{memoryAction()})

	if err := o.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	// Second handle while the first is blocked must be a no-op.
	if err := o.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if got := o.Status().ActiveRecoveries; got != 1 {
		t.Fatalf("active recoveries = %d, want 1", got)
	}
	close(release)
	o.wg.Wait()

	if got := len(o.History(0)); got != 1 {
		t.Fatalf("history length = %d, want exactly one attempt", got)
	}
}

func TestRecoveryGlobalCooldownEscalates(t *testing.T) {
	alert := memoryAlert()
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}
	escalator := &fakeEscalator{}

	o := newTestOrchestrator(t, metricSource, alerts, &fakeRemediator{}, escalator)
	o.SetCatalog([]models.RecoveryAction{memoryAction()})

	o.mu.Lock()
	o.lastDispatch = time.Now()
	o.mu.Unlock()

	second := memoryAlert()
	second.ID = "alert-2"
	if err := o.HandleAlert(context.Background(), second); err != nil {
		t.Fatalf("handle alert: %v", err)
	}

	reasons := escalator.recorded()
	if len(reasons) != 1 || reasons[0] != "global_cooldown" {
		t.Fatalf("escalation reasons = %v, want [global_cooldown]", reasons)
	}
}

func TestRecoveryNoActionFoundEscalates(t *testing.T) {
	alert := memoryAlert()
	alert.Severity = models.SeverityLow // catalog only has a critical action
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}
	escalator := &fakeEscalator{}

	o := newTestOrchestrator(t, metricSource, alerts, &fakeRemediator{}, escalator)
	o.SetCatalog([]models.RecoveryAction{memoryAction()})

	if err := o.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("handle alert: %v", err)
	}

	reasons := escalator.recorded()
	if len(reasons) != 1 || reasons[0] != "no_action_found" {
		t.Fatalf("escalation reasons = %v, want [no_action_found]", reasons)
	}
}

func TestRecoveryDisabledIsNoOp(t *testing.T) {
	alert := memoryAlert()
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}
	escalator := &fakeEscalator{}

	o := newTestOrchestrator(t, metricSource, alerts, &fakeRemediator{}, escalator)
	o.SetCatalog([]models.RecoveryAction{memoryAction()})
	o.Disable()

	if err := o.HandleAlert(context.Background(), alert); err != nil {
		t.Fatalf("handle alert: %v", err)
	}
	o.wg.Wait()

	if got := len(o.History(0)); got != 0 {
		t.Fatalf("history length = %d, want 0 when disabled", got)
	}
	if len(escalator.recorded()) != 0 {
		t.Fatalf("disabled orchestrator must not escalate")
	}
}

func TestTestActionUnknownIDs(t *testing.T) {
	alert := memoryAlert()
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}

	o := newTestOrchestrator(t, metricSource, alerts, &fakeRemediator{}, &fakeEscalator{})
	o.SetCatalog([]models.RecoveryAction{memoryAction()})

	if _, err := o.TestAction(context.Background(), "missing-alert", ""); !utils.IsNotFound(err) {
		t.Fatalf("expected not-found for unknown alert, got %v", err)
	}
	if _, err := o.TestAction(context.Background(), alert.ID, "missing-action"); !utils.IsNotFound(err) {
		t.Fatalf("expected not-found for unknown action, got %v", err)
	}
}

func TestTestActionRunsSynchronously(t *testing.T) {
	alert := memoryAlert()
	metricSource := &fakeMetrics{values: map[string]float64{"memory_usage": 92}}
	alerts := &fakeAlerts{alerts: map[string]models.Alert{alert.ID: alert}}
	remediator := &fakeRemediator{fn: func(operation, target string) (string, error) {
		metricSource.set("memory_usage", 70)
		return "cleared", nil
	}}

	o := newTestOrchestrator(t, metricSource, alerts, remediator, &fakeEscalator{})
	o.SetCatalog([]models.RecoveryAction{memoryAction()})
	o.Disable() // test runs bypass the enabled flag

	attempt, err := o.TestAction(context.Background(), alert.ID, "high-memory")
	if err != nil {
		t.Fatalf("test action: %v", err)
	}
	if attempt.Status != models.AttemptSuccess {
		t.Fatalf("attempt status = %s, want success", attempt.Status)
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recovery_actions.yaml")
	if err := os.WriteFile(path, []byte(`actions:
  - id: high-memory
    name: High memory pressure
    conditions:
      severity: critical
      alertTypes: ["memory"]
      metricThresholds:
        memory_usage: 85
    immediate:
      - type: clear_cache
        target: app-cache
        timeout: 30s
    cooldown: 10m
    autoExecute: true
`), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	actions, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions length = %d, want 1", len(actions))
	}
	if actions[0].Conditions.MetricThresholds["memory_usage"] != 85 {
		t.Fatalf("threshold not parsed: %+v", actions[0].Conditions)
	}
	if actions[0].Cooldown != 10*time.Minute {
		t.Fatalf("cooldown = %s, want 10m", actions[0].Cooldown)
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	actions, err := LoadCatalog("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("expected nil error for missing catalog, got %v", err)
	}
	if actions != nil {
		t.Fatalf("expected empty catalog for missing file")
	}
}
