package deploy

import (
	"context"
	"fmt"
	"strings"
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

func (f *fakeMetrics) MetricSeries(ctx context.Context, name string, start, end time.Time) ([]models.MetricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[name]
	if !ok {
		return nil, nil
	}
	return []models.MetricSample{{Name: name, Value: value, Timestamp: end}}, nil
}

func (f *fakeMetrics) set(name string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
}

type fakeChecks struct {
	mu           sync.Mutex
	failuresLeft map[string]int
	runs         map[string]int
	clock        func() time.Time
}

func newFakeChecks(clock func() time.Time) *fakeChecks {
	return &fakeChecks{
		failuresLeft: make(map[string]int),
		runs:         make(map[string]int),
		clock:        clock,
	}
}

func (f *fakeChecks) RunCheck(ctx context.Context, check models.HealthCheck) models.CheckResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[check.Name]++
	result := models.CheckResult{Success: true, ResponseTime: 5 * time.Millisecond, RunAt: f.clock()}
	if n := f.failuresLeft[check.Name]; n != 0 {
		if n > 0 {
			f.failuresLeft[check.Name] = n - 1
		}
		result.Success = false
		result.Error = "probe failed"
	}
	return result
}

// failNext makes the named check fail for the next n runs; n < 0 fails forever.
func (f *fakeChecks) failNext(name string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failuresLeft[name] = n
}

func (f *fakeChecks) runCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[name]
}

type fakeRemediator struct {
	mu     sync.Mutex
	calls  []string
	failOn string
}

func (f *fakeRemediator) ExecuteOperation(ctx context.Context, operation, target string, params map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, operation)
	if operation == f.failOn {
		return "", fmt.Errorf("operation %s failed", operation)
	}
	return "ok", nil
}

func (f *fakeRemediator) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAlertSink struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (f *fakeAlertSink) CreateAlert(ctx context.Context, alert models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeAlertSink) recorded() []models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Alert(nil), f.alerts...)
}

func deployTestConfig() config.DeploymentConfig {
	return config.DeploymentConfig{
		Enabled:                 true,
		AutoRollback:            true,
		CheckInterval:           time.Minute,
		Stabilization:           15 * time.Minute,
		MonitoringWindow:        60 * time.Minute,
		MaxCheckFailures:        3,
		FailureWindow:           5 * time.Minute,
		ResponseTimeDegradation: 50,
		ErrorRateIncrease:       200,
		MemoryIncrease:          30,
		BaselineWindow:          30 * time.Minute,
		HistoryLimit:            10,
	}
}

func testChecks() []models.HealthCheck {
	return []models.HealthCheck{
		{Name: "API Health Check", URL: "http://localhost:4000/health", Expected: "ok", Timeout: 10 * time.Second, Retries: 3, Critical: true},
		{Name: "Application Startup", URL: "http://localhost:3000", Timeout: 10 * time.Second, Retries: 1},
	}
}

func healthyMetrics() *fakeMetrics {
	return &fakeMetrics{values: map[string]float64{
		metricResponseTime: 100,
		metricErrorRate:    2,
		metricMemoryUsage:  50,
		metricCPUUsage:     40,
	}}
}

type fixture struct {
	monitor    *Monitor
	metrics    *fakeMetrics
	checks     *fakeChecks
	remediator *fakeRemediator
	alerts     *fakeAlertSink
	clock      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Now()
	clock := &now
	metricsFeed := healthyMetrics()
	checks := newFakeChecks(func() time.Time { return *clock })
	remediator := &fakeRemediator{}
	alerts := &fakeAlertSink{}
	monitor := NewMonitor(nil, deployTestConfig(), metricsFeed, checks, remediator, alerts)
	monitor.now = func() time.Time { return *clock }
	return &fixture{monitor: monitor, metrics: metricsFeed, checks: checks, remediator: remediator, alerts: alerts, clock: clock}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestTrackCapturesBaselineAndRunsChecks(t *testing.T) {
	f := newFixture(t)

	deployment, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", Checks: testChecks()})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if deployment.Status != models.DeploymentInProgress {
		t.Fatalf("status = %s, want in_progress", deployment.Status)
	}
	if deployment.Baseline.ResponseTime != 100 || deployment.Baseline.ErrorRate != 2 {
		t.Fatalf("baseline not captured: %+v", deployment.Baseline)
	}
	if f.checks.runCount("API Health Check") == 0 {
		t.Fatalf("initial health check pass did not run")
	}
	if got := len(f.monitor.List(0)); got != 1 {
		t.Fatalf("listed deployments = %d, want 1", got)
	}
}

func TestTrackRequiresVersion(t *testing.T) {
	f := newFixture(t)
	if _, err := f.monitor.Track(context.Background(), TrackRequest{}); err == nil {
		t.Fatalf("track without version must fail")
	}
}

func TestStabilizationDefersValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", Checks: testChecks()}); err != nil {
		t.Fatalf("track: %v", err)
	}
	initialRuns := f.checks.runCount("API Health Check")

	f.advance(5 * time.Minute)
	f.monitor.tick(context.Background())

	if got := f.checks.runCount("API Health Check"); got != initialRuns {
		t.Fatalf("checks ran during stabilization: %d -> %d", initialRuns, got)
	}
}

func TestCriticalCheckFailureTriggersAutomaticRollback(t *testing.T) {
	f := newFixture(t)
	deployment, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", PriorVersion: "2.3.9", Checks: testChecks()})
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	// All retries fail during validation, then verification passes.
	f.checks.failNext("API Health Check", 3)
	f.advance(16 * time.Minute)
	f.monitor.tick(context.Background())

	got, err := f.monitor.Deployment(deployment.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != models.DeploymentRolledBack {
		t.Fatalf("status = %s, want rolled_back", got.Status)
	}
	if got.Rollback == nil || got.Rollback.Status != models.RollbackSuccess {
		t.Fatalf("rollback record = %+v, want terminal success", got.Rollback)
	}
	if got.Rollback.TriggeredBy != "automatic" {
		t.Fatalf("triggeredBy = %s", got.Rollback.TriggeredBy)
	}
	if got.Rollback.TargetVersion != "2.3.9" {
		t.Fatalf("target version = %s, want prior version", got.Rollback.TargetVersion)
	}

	wantOps := []string{
		models.RollbackGitRevert,
		models.RollbackServiceRestart,
		models.RollbackCacheClear,
		models.RollbackConfigRestore,
	}
	ops := f.remediator.operations()
	if len(ops) != len(wantOps) {
		t.Fatalf("rollback operations = %v, want %v", ops, wantOps)
	}
	for i, op := range wantOps {
		if ops[i] != op {
			t.Fatalf("rollback operation %d = %s, want %s", i, ops[i], op)
		}
	}
	if len(got.Rollback.Verifications) == 0 {
		t.Fatalf("verification checks did not run")
	}
	for _, result := range got.Rollback.Verifications {
		if !result.Success {
			t.Fatalf("verification failed: %+v", result)
		}
	}

	alerts := f.alerts.recorded()
	if len(alerts) != 1 || alerts[0].Severity != models.SeverityMedium {
		t.Fatalf("alerts = %+v, want one medium rollback alert", alerts)
	}
}

func TestMigrationRevertIncludedWhenMigrationsApplied(t *testing.T) {
	f := newFixture(t)
	if _, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", Migrations: true, Checks: testChecks()}); err != nil {
		t.Fatalf("track: %v", err)
	}

	f.checks.failNext("API Health Check", 3)
	f.advance(16 * time.Minute)
	f.monitor.tick(context.Background())

	ops := f.remediator.operations()
	found := false
	for i, op := range ops {
		if op == models.RollbackMigration {
			found = true
			// Migration revert runs before config restore.
			if i+1 >= len(ops) || ops[i+1] != models.RollbackConfigRestore {
				t.Fatalf("migration revert out of order: %v", ops)
			}
		}
	}
	if !found {
		t.Fatalf("migration revert missing from %v", ops)
	}
}

func TestRepeatedNonCriticalFailuresMarkDeploymentFailed(t *testing.T) {
	f := newFixture(t)
	deployment, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", Checks: testChecks()})
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	f.checks.failNext("Application Startup", -1)
	for _, offset := range []time.Duration{16, 17, 18, 19} {
		*f.clock = deployment.StartedAt.Add(offset * time.Minute)
		f.monitor.tick(context.Background())
	}

	got, err := f.monitor.Deployment(deployment.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != models.DeploymentFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Rollback != nil {
		t.Fatalf("non-critical failure must not roll back")
	}
	if len(f.remediator.operations()) != 0 {
		t.Fatalf("remediator called for non-critical failure: %v", f.remediator.operations())
	}

	alerts := f.alerts.recorded()
	if len(alerts) != 1 || alerts[0].Severity != models.SeverityHigh {
		t.Fatalf("alerts = %+v, want one high failure alert", alerts)
	}
}

func TestErrorRateIncreaseIsAlwaysCritical(t *testing.T) {
	f := newFixture(t)
	deployment, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", Checks: testChecks()})
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	// Baseline error rate is 2; 10 is a 400% increase against a 200% ceiling.
	f.metrics.set(metricErrorRate, 10)
	f.advance(16 * time.Minute)
	f.monitor.tick(context.Background())

	got, err := f.monitor.Deployment(deployment.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != models.DeploymentRolledBack {
		t.Fatalf("status = %s, want rolled_back for critical error rate regression", got.Status)
	}
	if !strings.Contains(got.Rollback.Reason, "error rate") {
		t.Fatalf("rollback reason = %q", got.Rollback.Reason)
	}
}

func TestHealthyDeploymentSucceedsAfterMonitoringWindow(t *testing.T) {
	f := newFixture(t)
	deployment, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", Checks: testChecks()})
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	f.advance(30 * time.Minute)
	f.monitor.tick(context.Background())
	if got, _ := f.monitor.Deployment(deployment.ID); got.Status != models.DeploymentInProgress {
		t.Fatalf("status before window = %s, want in_progress", got.Status)
	}

	f.advance(31 * time.Minute)
	f.monitor.tick(context.Background())

	got, err := f.monitor.Deployment(deployment.ID)
	if err != nil {
		t.Fatalf("lookup after success: %v", err)
	}
	if got.Status != models.DeploymentSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
	if got.Rollback != nil {
		t.Fatalf("successful deployment must not carry a rollback record")
	}
	if version := f.monitor.CurrentVersion(); version != "2.4.0" {
		t.Fatalf("current version = %s, want 2.4.0", version)
	}
	if status := f.monitor.Status(); status.ActiveDeployments != 0 {
		t.Fatalf("active deployments = %d after success", status.ActiveDeployments)
	}
}

func TestAutoRollbackDisabledMarksFailedInstead(t *testing.T) {
	f := newFixture(t)
	f.monitor.DisableAutoRollback()
	deployment, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", Checks: testChecks()})
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	f.checks.failNext("API Health Check", -1)
	f.advance(16 * time.Minute)
	f.monitor.tick(context.Background())

	got, _ := f.monitor.Deployment(deployment.ID)
	if got.Status != models.DeploymentFailed {
		t.Fatalf("status = %s, want failed with auto-rollback off", got.Status)
	}
	if len(f.remediator.operations()) != 0 {
		t.Fatalf("rollback ran with auto-rollback disabled")
	}
}

func TestManualRollbackResolvesLatest(t *testing.T) {
	f := newFixture(t)
	first, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", Checks: testChecks()})
	if err != nil {
		t.Fatalf("track first: %v", err)
	}
	f.advance(2 * time.Minute)
	second, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.1", Checks: testChecks()})
	if err != nil {
		t.Fatalf("track second: %v", err)
	}

	message, err := f.monitor.Rollback(context.Background(), "latest", "operator requested")
	if err != nil {
		t.Fatalf("rollback latest: %v", err)
	}
	if !strings.Contains(message, second.ID) {
		t.Fatalf("message %q does not name the newest deployment", message)
	}

	got, _ := f.monitor.Deployment(second.ID)
	if got.Status != models.DeploymentRolledBack || got.Rollback.TriggeredBy != "manual" {
		t.Fatalf("latest deployment = %+v, want manual rolled_back", got)
	}
	if untouched, _ := f.monitor.Deployment(first.ID); untouched.Status != models.DeploymentInProgress {
		t.Fatalf("older deployment was touched: %s", untouched.Status)
	}

	// A second rollback of the same deployment is rejected.
	if _, err := f.monitor.Rollback(context.Background(), second.ID, "again"); err == nil {
		t.Fatalf("repeat rollback must fail")
	}
}

func TestRollbackUnknownDeploymentIsNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.monitor.Rollback(context.Background(), "missing", ""); !utils.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, err := f.monitor.Deployment("missing"); !utils.IsNotFound(err) {
		t.Fatalf("expected not-found lookup, got %v", err)
	}
}

func TestRollbackStepFailureMarksRollbackFailed(t *testing.T) {
	f := newFixture(t)
	f.remediator.failOn = models.RollbackServiceRestart
	deployment, err := f.monitor.Track(context.Background(), TrackRequest{Version: "2.4.0", Checks: testChecks()})
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	if _, err := f.monitor.Rollback(context.Background(), deployment.ID, "bad release"); err == nil {
		t.Fatalf("rollback with failing step must return an error")
	}

	got, _ := f.monitor.Deployment(deployment.ID)
	if got.Status != models.DeploymentRollbackFailed {
		t.Fatalf("status = %s, want rollback_failed", got.Status)
	}
	if got.Rollback.Status != models.RollbackFailed {
		t.Fatalf("rollback status = %s, want failed", got.Rollback.Status)
	}
	if got.Rollback.Steps[0].Status != "completed" || got.Rollback.Steps[1].Status != "failed" {
		t.Fatalf("step statuses = %+v", got.Rollback.Steps)
	}

	alerts := f.alerts.recorded()
	if len(alerts) != 1 || alerts[0].Severity != models.SeverityCritical {
		t.Fatalf("alerts = %+v, want one critical rollback-failure alert", alerts)
	}
	if status := f.monitor.Status(); status.Health != "unhealthy" {
		t.Fatalf("monitor health = %s, want unhealthy", status.Health)
	}
}
