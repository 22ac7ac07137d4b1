package deploy

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

// flapWindow bounds how far back check results count towards stability.
const flapWindow = 10 * time.Minute

// Metric names sampled for the baseline and after snapshots.
const (
	metricResponseTime = "response_time"
	metricErrorRate    = "error_rate"
	metricMemoryUsage  = "memory_usage"
	metricCPUUsage     = "cpu_usage"
)

// MetricSource reads metric samples over a time range.
type MetricSource interface {
	MetricSeries(ctx context.Context, name string, start, end time.Time) ([]models.MetricSample, error)
}

// CheckRunner executes one health check probe.
type CheckRunner interface {
	RunCheck(ctx context.Context, check models.HealthCheck) models.CheckResult
}

// Remediator executes rollback operations against named targets.
type Remediator interface {
	ExecuteOperation(ctx context.Context, operation, target string, params map[string]string) (string, error)
}

// AlertSink raises deployment and rollback alerts.
type AlertSink interface {
	CreateAlert(ctx context.Context, alert models.Alert) error
}

// TrackRequest describes a deployment to start monitoring.
type TrackRequest struct {
	Version      string               `json:"version"`
	Environment  string               `json:"environment,omitempty"`
	Migrations   bool                 `json:"migrations,omitempty"`
	PriorVersion string               `json:"priorVersion,omitempty"`
	Checks       []models.HealthCheck `json:"healthChecks,omitempty"`
}

// Status summarises the monitor for the control surface.
type Status struct {
	Enabled           bool     `json:"enabled"`
	AutoRollback      bool     `json:"autoRollbackEnabled"`
	ActiveDeployments int      `json:"activeDeployments"`
	CurrentVersion    string   `json:"currentVersion"`
	Health            string   `json:"health"`
	Issues            []string `json:"issues,omitempty"`
}

// Monitor tracks in-flight deployments: it captures a metrics baseline, runs
// health checks after a stabilization window, validates check results and
// metric deltas against the configured ceilings, and rolls back automatically
// when validation fails with a critical signal. A deployment that stays
// healthy through the monitoring window becomes the new current version.
type Monitor struct {
	logger     *slog.Logger
	cfg        config.DeploymentConfig
	metrics    MetricSource
	checks     CheckRunner
	remediator Remediator
	alerts     AlertSink

	mu             sync.Mutex
	enabled        bool
	autoRollback   bool
	currentVersion string
	active         map[string]*models.Deployment
	history        []models.Deployment

	now func() time.Time
}

// NewMonitor constructs the deployment monitor.
func NewMonitor(logger *slog.Logger, cfg config.DeploymentConfig, source MetricSource, checks CheckRunner, remediator Remediator, alerts AlertSink) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCheckFailures <= 0 {
		cfg.MaxCheckFailures = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 5 * time.Minute
	}
	if cfg.Stabilization <= 0 {
		cfg.Stabilization = 15 * time.Minute
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = 60 * time.Minute
	}
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = 30 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Monitor{
		logger:         logger,
		cfg:            cfg,
		metrics:        source,
		checks:         checks,
		remediator:     remediator,
		alerts:         alerts,
		enabled:        cfg.Enabled,
		autoRollback:   cfg.AutoRollback,
		currentVersion: "unknown",
		active:         make(map[string]*models.Deployment),
		now:            time.Now,
	}
}

// defaultChecks is the probe set applied when a track request brings none.
func defaultChecks() []models.HealthCheck {
	return []models.HealthCheck{
		{Name: "API Health Check", URL: "http://localhost:4000/health", Expected: "ok", Timeout: 10 * time.Second, Retries: 3, Critical: true},
		{Name: "Database Connectivity", Command: "database_ping", Timeout: 5 * time.Second, Retries: 2, Critical: true},
		{Name: "Application Startup", URL: "http://localhost:3000", Timeout: 15 * time.Second, Retries: 5},
		{Name: "Critical API Endpoints", URL: "http://localhost:4000/api/products", Timeout: 10 * time.Second, Retries: 3},
	}
}

// Track starts monitoring a deployment: baseline capture, an initial health
// check pass, then periodic validation once the stabilization window elapses.
func (m *Monitor) Track(ctx context.Context, req TrackRequest) (models.Deployment, error) {
	if req.Version == "" {
		return models.Deployment{}, fmt.Errorf("version is required")
	}
	if req.Environment == "" {
		req.Environment = "production"
	}
	checks := req.Checks
	if len(checks) == 0 {
		checks = defaultChecks()
	}

	start := m.now()
	deployment := &models.Deployment{
		ID:           uuid.NewString(),
		Version:      req.Version,
		Environment:  req.Environment,
		Status:       models.DeploymentInProgress,
		Migrations:   req.Migrations,
		StartedAt:    start,
		Checks:       checks,
		PriorVersion: req.PriorVersion,
		Baseline:     m.collectSnapshot(ctx, start.Add(-m.cfg.BaselineWindow), start),
	}

	m.runChecks(ctx, deployment)

	m.mu.Lock()
	if deployment.PriorVersion == "" {
		deployment.PriorVersion = m.currentVersion
	}
	m.active[deployment.ID] = deployment
	snapshot := *deployment
	m.mu.Unlock()

	m.logger.Info("tracking deployment",
		slog.String("deployment_id", deployment.ID),
		slog.String("version", deployment.Version),
		slog.String("environment", deployment.Environment),
	)
	return snapshot, nil
}

// Run drives the validation loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.CheckInterval
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
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	enabled := m.enabled
	var inProgress []*models.Deployment
	for _, deployment := range m.active {
		if deployment.Status == models.DeploymentInProgress {
			inProgress = append(inProgress, deployment)
		}
	}
	m.mu.Unlock()

	if !enabled {
		return
	}
	for _, deployment := range inProgress {
		m.monitorDeployment(ctx, deployment)
	}
}

func (m *Monitor) monitorDeployment(ctx context.Context, deployment *models.Deployment) {
	age := m.now().Sub(deployment.StartedAt)
	if age < m.cfg.Stabilization {
		return
	}

	m.runChecks(ctx, deployment)

	current := m.collectSnapshot(ctx, deployment.StartedAt, m.now())
	m.mu.Lock()
	deployment.Current = current
	validation := m.validateLocked(deployment)
	stillInProgress := deployment.Status == models.DeploymentInProgress && deployment.Rollback == nil
	m.mu.Unlock()
	if !stillInProgress {
		return
	}

	if !validation.Healthy {
		reason := strings.Join(validation.Reasons, "; ")
		m.logger.Warn("deployment validation failed",
			slog.String("deployment_id", deployment.ID),
			slog.Bool("critical", validation.Critical),
			slog.String("reason", reason),
		)
		if validation.Critical && m.autoRollbackEnabled() {
			if _, err := m.executeRollback(ctx, deployment, "automatic", reason); err != nil {
				m.logger.Error("automatic rollback failed",
					slog.String("deployment_id", deployment.ID),
					slog.Any("error", err),
				)
			}
			return
		}
		m.markFailed(ctx, deployment, reason)
		return
	}

	if age >= m.cfg.MonitoringWindow {
		m.markSuccessful(ctx, deployment)
	}
}

// runChecks executes every configured check, honouring per-check retries, and
// records the results for failure counting and flap detection.
func (m *Monitor) runChecks(ctx context.Context, deployment *models.Deployment) {
	m.mu.Lock()
	checks := append([]models.HealthCheck(nil), deployment.Checks...)
	m.mu.Unlock()

	results := make([]models.CheckResult, len(checks))
	for i, check := range checks {
		results[i] = m.runCheckWithRetries(ctx, check)
	}

	cutoff := m.now().Add(-flapWindow)
	m.mu.Lock()
	for i := range deployment.Checks {
		result := results[i]
		check := &deployment.Checks[i]
		check.LastResult = &result
		check.Recent = append(check.Recent, result)
		for len(check.Recent) > 0 && check.Recent[0].RunAt.Before(cutoff) {
			check.Recent = check.Recent[1:]
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) runCheckWithRetries(ctx context.Context, check models.HealthCheck) models.CheckResult {
	attempts := check.Retries
	if attempts < 1 {
		attempts = 1
	}
	var result models.CheckResult
	for attempt := 0; attempt < attempts; attempt++ {
		result = m.checks.RunCheck(ctx, check)
		if result.Success {
			return result
		}
	}
	if result.RunAt.IsZero() {
		result.RunAt = m.now()
	}
	return result
}

// validateLocked combines check failures, metric deltas against the baseline
// and flap detection into one verdict. Callers must hold m.mu.
func (m *Monitor) validateLocked(deployment *models.Deployment) models.DeploymentValidation {
	validation := models.DeploymentValidation{Healthy: true}
	fail := func(critical bool, format string, args ...any) {
		validation.Healthy = false
		validation.Critical = validation.Critical || critical
		validation.Reasons = append(validation.Reasons, fmt.Sprintf(format, args...))
	}

	window := m.now().Add(-m.cfg.FailureWindow)
	for i := range deployment.Checks {
		check := &deployment.Checks[i]
		failures, successes := 0, 0
		for _, result := range check.Recent {
			if result.RunAt.Before(window) {
				continue
			}
			if result.Success {
				successes++
			} else {
				failures++
			}
		}
		switch {
		case check.Critical && check.LastResult != nil && !check.LastResult.Success:
			fail(true, "critical health check failing: %s", check.Name)
		case failures > m.cfg.MaxCheckFailures:
			fail(check.Critical, "health check %s failed %d times within %s", check.Name, failures, m.cfg.FailureWindow)
		case failures >= 2 && successes >= 1:
			fail(check.Critical, "health check flapping: %s", check.Name)
		}
	}

	baseline, current := deployment.Baseline, deployment.Current
	if delta := percentChange(baseline.ResponseTime, current.ResponseTime); delta > m.cfg.ResponseTimeDegradation {
		fail(delta > m.cfg.ResponseTimeDegradation*2, "response time degraded by %.1f%%", delta)
	}
	// Error rate regressions are always treated as critical.
	if delta := percentChange(baseline.ErrorRate, current.ErrorRate); delta > m.cfg.ErrorRateIncrease {
		fail(true, "error rate increased by %.1f%%", delta)
	}
	if delta := percentChange(baseline.MemoryPercent, current.MemoryPercent); delta > m.cfg.MemoryIncrease {
		fail(false, "memory usage increased by %.1f%%", delta)
	}

	return validation
}

func percentChange(baseline, current float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return (current - baseline) / baseline * 100
}

// collectSnapshot averages the key metric series over a window. Missing
// series leave the corresponding field at zero.
func (m *Monitor) collectSnapshot(ctx context.Context, start, end time.Time) models.MetricSnapshot {
	snapshot := models.MetricSnapshot{TakenAt: m.now()}
	snapshot.ResponseTime = m.seriesAverage(ctx, metricResponseTime, start, end)
	snapshot.ErrorRate = m.seriesAverage(ctx, metricErrorRate, start, end)
	snapshot.MemoryPercent = m.seriesAverage(ctx, metricMemoryUsage, start, end)
	snapshot.CPUPercent = m.seriesAverage(ctx, metricCPUUsage, start, end)
	return snapshot
}

func (m *Monitor) seriesAverage(ctx context.Context, name string, start, end time.Time) float64 {
	samples, err := m.metrics.MetricSeries(ctx, name, start, end)
	if err != nil {
		m.logger.Warn("metric series fetch failed", slog.String("metric", name), slog.Any("error", err))
		return 0
	}
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range samples {
		sum += sample.Value
	}
	return sum / float64(len(samples))
}

// Rollback rolls a deployment back on request. Target may be a deployment id
// or "latest" for the newest in-progress deployment.
func (m *Monitor) Rollback(ctx context.Context, target, reason string) (string, error) {
	if reason == "" {
		reason = "manual rollback requested"
	}

	m.mu.Lock()
	var deployment *models.Deployment
	if target == "latest" {
		for _, candidate := range m.active {
			if candidate.Status != models.DeploymentInProgress {
				continue
			}
			if deployment == nil || candidate.StartedAt.After(deployment.StartedAt) {
				deployment = candidate
			}
		}
	} else {
		deployment = m.active[target]
	}
	m.mu.Unlock()

	if deployment == nil {
		return "", utils.NewNotFound("deployment", target)
	}

	rollback, err := m.executeRollback(ctx, deployment, "manual", reason)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rollback %s completed for deployment %s", rollback.ID, deployment.ID), nil
}

// executeRollback runs the ordered rollback steps, then re-runs the health
// checks as verification. Any step or verification failure marks the rollback
// failed and raises a critical alert; success raises a medium one.
func (m *Monitor) executeRollback(ctx context.Context, deployment *models.Deployment, triggeredBy, reason string) (*models.Rollback, error) {
	m.mu.Lock()
	if deployment.Rollback != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("deployment %s already has a rollback (%s)", deployment.ID, deployment.Rollback.Status)
	}
	rollback := &models.Rollback{
		ID:            uuid.NewString(),
		TriggeredBy:   triggeredBy,
		Reason:        reason,
		Status:        models.RollbackInProgress,
		TargetVersion: deployment.PriorVersion,
		Steps:         buildRollbackSteps(deployment),
		StartedAt:     m.now(),
	}
	deployment.Rollback = rollback
	checks := append([]models.HealthCheck(nil), deployment.Checks...)
	m.mu.Unlock()

	m.logger.Warn("rolling back deployment",
		slog.String("deployment_id", deployment.ID),
		slog.String("rollback_id", rollback.ID),
		slog.String("triggered_by", triggeredBy),
		slog.String("reason", reason),
	)
	metrics.ObserveRollback(triggeredBy)

	params := map[string]string{
		"deployment":    deployment.ID,
		"version":       deployment.Version,
		"targetVersion": rollback.TargetVersion,
	}
	for i := range rollback.Steps {
		step := &rollback.Steps[i]
		output, err := m.remediator.ExecuteOperation(ctx, step.Kind, step.Target, params)
		m.mu.Lock()
		step.RanAt = m.now()
		step.Output = output
		if err != nil {
			step.Status = "failed"
			step.Error = err.Error()
			m.mu.Unlock()
			m.finishRollback(ctx, deployment, rollback, fmt.Errorf("rollback step %s failed: %w", step.Kind, err))
			return rollback, fmt.Errorf("rollback step %s: %w", step.Kind, err)
		}
		step.Status = "completed"
		m.mu.Unlock()
	}

	var verifyErr error
	for _, check := range checks {
		result := m.runCheckWithRetries(ctx, check)
		m.mu.Lock()
		rollback.Verifications = append(rollback.Verifications, result)
		m.mu.Unlock()
		if !result.Success && verifyErr == nil {
			verifyErr = fmt.Errorf("rollback verification failed: %s", check.Name)
		}
	}

	m.finishRollback(ctx, deployment, rollback, verifyErr)
	return rollback, verifyErr
}

func (m *Monitor) finishRollback(ctx context.Context, deployment *models.Deployment, rollback *models.Rollback, failure error) {
	at := m.now()
	m.mu.Lock()
	rollback.FinishedAt = &at
	deployment.FinishedAt = &at
	if failure != nil {
		rollback.Status = models.RollbackFailed
		deployment.Status = models.DeploymentRollbackFailed
	} else {
		rollback.Status = models.RollbackSuccess
		deployment.Status = models.DeploymentRolledBack
	}
	m.mu.Unlock()

	if failure != nil {
		m.logger.Error("rollback failed",
			slog.String("deployment_id", deployment.ID),
			slog.String("rollback_id", rollback.ID),
			slog.Any("error", failure),
		)
		m.raiseAlert(ctx, models.SeverityCritical, "Rollback failed",
			fmt.Sprintf("rollback of deployment %s (version %s) failed: %v", deployment.ID, deployment.Version, failure))
		return
	}

	m.logger.Info("rollback completed",
		slog.String("deployment_id", deployment.ID),
		slog.String("rollback_id", rollback.ID),
		slog.String("target_version", rollback.TargetVersion),
	)
	m.raiseAlert(ctx, models.SeverityMedium, "Deployment rolled back",
		fmt.Sprintf("deployment %s (version %s) rolled back to %s: %s", deployment.ID, deployment.Version, rollback.TargetVersion, rollback.Reason))
}

// buildRollbackSteps assembles the ordered step list. The migration revert
// only appears when the deployment applied migrations.
func buildRollbackSteps(deployment *models.Deployment) []models.RollbackStep {
	steps := []models.RollbackStep{
		{Kind: models.RollbackGitRevert, Target: deployment.Version, Status: "pending"},
		{Kind: models.RollbackServiceRestart, Target: "api-server", Status: "pending"},
		{Kind: models.RollbackCacheClear, Target: "application", Status: "pending"},
	}
	if deployment.Migrations {
		steps = append(steps, models.RollbackStep{Kind: models.RollbackMigration, Target: "database", Status: "pending"})
	}
	steps = append(steps, models.RollbackStep{Kind: models.RollbackConfigRestore, Target: "application-config", Status: "pending"})
	return steps
}

func (m *Monitor) markFailed(ctx context.Context, deployment *models.Deployment, reason string) {
	at := m.now()
	m.mu.Lock()
	deployment.Status = models.DeploymentFailed
	deployment.FinishedAt = &at
	m.mu.Unlock()

	m.logger.Error("deployment failed",
		slog.String("deployment_id", deployment.ID),
		slog.String("version", deployment.Version),
		slog.String("reason", reason),
	)
	m.raiseAlert(ctx, models.SeverityHigh, "Deployment failed",
		fmt.Sprintf("deployment %s (version %s) failed validation: %s", deployment.ID, deployment.Version, reason))
}

func (m *Monitor) markSuccessful(ctx context.Context, deployment *models.Deployment) {
	at := m.now()
	m.mu.Lock()
	if deployment.Rollback != nil {
		m.mu.Unlock()
		return
	}
	deployment.Status = models.DeploymentSuccess
	deployment.FinishedAt = &at
	m.currentVersion = deployment.Version
	delete(m.active, deployment.ID)
	m.history = append(m.history, *deployment)
	if len(m.history) > m.cfg.HistoryLimit {
		m.history = m.history[len(m.history)-m.cfg.HistoryLimit:]
	}
	m.mu.Unlock()

	m.logger.Info("deployment successful",
		slog.String("deployment_id", deployment.ID),
		slog.String("version", deployment.Version),
	)
}

func (m *Monitor) raiseAlert(ctx context.Context, severity models.Severity, title, message string) {
	if m.alerts == nil {
		return
	}
	alert := models.Alert{
		Type:     "deployment",
		Severity: severity,
		Status:   models.AlertActive,
		Title:    title,
		Message:  message,
		Source:   "deployment-monitor",
	}
	if err := m.alerts.CreateAlert(ctx, alert); err != nil {
		m.logger.Error("raise deployment alert failed", slog.Any("error", err))
	}
}

// Deployment looks a deployment up by id across active and historical sets.
func (m *Monitor) Deployment(id string) (models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if deployment, ok := m.active[id]; ok {
		return *deployment, nil
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], nil
		}
	}
	return models.Deployment{}, utils.NewNotFound("deployment", id)
}

// List returns deployments newest first, active ones included.
func (m *Monitor) List(limit int) []models.Deployment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Deployment, 0, len(m.active)+len(m.history))
	for _, deployment := range m.active {
		out = append(out, *deployment)
	}
	out = append(out, m.history...)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Status reports the monitor state for the control surface.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		Enabled:           m.enabled,
		AutoRollback:      m.autoRollback,
		ActiveDeployments: len(m.active),
		CurrentVersion:    m.currentVersion,
		Health:            "healthy",
	}

	failed, longRunning := 0, 0
	longRunningAfter := m.cfg.MonitoringWindow + m.cfg.Stabilization
	for _, deployment := range m.active {
		switch deployment.Status {
		case models.DeploymentFailed, models.DeploymentRollbackFailed:
			failed++
		case models.DeploymentInProgress:
			if m.now().Sub(deployment.StartedAt) > longRunningAfter {
				longRunning++
			}
		}
	}
	if failed > 0 {
		status.Issues = append(status.Issues, fmt.Sprintf("%d failed deployments", failed))
	}
	if longRunning > 0 {
		status.Issues = append(status.Issues, fmt.Sprintf("%d long-running deployments", longRunning))
	}
	switch {
	case failed > 0:
		status.Health = "unhealthy"
	case len(status.Issues) > 0:
		status.Health = "degraded"
	}
	return status
}

// CurrentVersion reports the last successfully deployed version.
func (m *Monitor) CurrentVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentVersion
}

func (m *Monitor) autoRollbackEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoRollback
}

// EnableAutoRollback turns automatic rollback on.
func (m *Monitor) EnableAutoRollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRollback = true
}

// DisableAutoRollback stops automatic rollbacks; failed deployments are then
// only marked failed and alerted.
func (m *Monitor) DisableAutoRollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRollback = false
}

// Enable resumes deployment validation.
func (m *Monitor) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Disable pauses deployment validation; tracked deployments are kept.
func (m *Monitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}
