package healing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/resilstack/resilience-engine/internal/config"
	"github.com/resilstack/resilience-engine/internal/metrics"
	"github.com/resilstack/resilience-engine/internal/models"
	"github.com/resilstack/resilience-engine/internal/utils"
)

// Issue types derived from a health snapshot.
const (
	IssueMemoryLeak     = "memory_leak"
	IssueHighCPU        = "high_cpu"
	IssueDiskFull       = "disk_full"
	IssueServiceDown    = "service_down"
	IssueConnectionLeak = "connection_leak"
)

// defaultActionTimeout bounds one remediation operation when the catalog
// entry does not set its own.
const defaultActionTimeout = 60 * time.Second

// HealthSource provides host health snapshots.
type HealthSource interface {
	SystemHealth(ctx context.Context) (models.SystemHealth, error)
}

// ServiceProber checks whether a named service is running.
type ServiceProber interface {
	ServiceStatus(ctx context.Context, service string) (models.ServiceStatus, error)
}

// Remediator performs side-effecting operations against named targets.
type Remediator interface {
	ExecuteOperation(ctx context.Context, operation, target string, params map[string]string) (string, error)
}

// AlertSink raises alerts for issues the engine cannot or will not heal.
type AlertSink interface {
	CreateAlert(ctx context.Context, alert models.Alert) error
}

// Status summarises the engine for the control surface.
type Status struct {
	Enabled        bool                 `json:"enabled"`
	ActiveAttempts int                  `json:"activeAttempts"`
	CatalogSize    int                  `json:"catalogSize"`
	LastCheck      time.Time            `json:"lastCheck,omitempty"`
	Health         *models.SystemHealth `json:"systemHealth,omitempty"`
	Issues         []models.SystemIssue `json:"issues,omitempty"`
}

// Engine senses host health, derives issues, and runs catalog actions with
// pre and post execution safety checks. At most MaxConcurrent attempts run
// at once; per-action cooldowns prevent remediation storms.
type Engine struct {
	logger     *slog.Logger
	cfg        config.HealingConfig
	health     HealthSource
	prober     ServiceProber
	remediator Remediator
	alerts     AlertSink

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu           sync.Mutex
	enabled      bool
	catalog      []models.HealingAction
	lastRun      map[string]time.Time
	active       map[string]*models.HealingAttempt
	history      []models.HealingAttempt
	lastSnapshot *models.SystemHealth
	lastIssues   []models.SystemIssue
	lastCheck    time.Time

	now func() time.Time
}

// NewEngine constructs the self-healing engine.
func NewEngine(logger *slog.Logger, cfg config.HealingConfig, health HealthSource, prober ServiceProber, remediator Remediator, alerts AlertSink) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	return &Engine{
		logger:     logger,
		cfg:        cfg,
		health:     health,
		prober:     prober,
		remediator: remediator,
		alerts:     alerts,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		enabled:    cfg.Enabled,
		lastRun:    make(map[string]time.Time),
		active:     make(map[string]*models.HealingAttempt),
		now:        time.Now,
	}
}

// SetCatalog replaces the action catalog.
func (e *Engine) SetCatalog(actions []models.HealingAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog = actions
}

// ReloadCatalog loads the catalog from path, keeping the previous one on error.
func (e *Engine) ReloadCatalog(path string) error {
	actions, err := LoadCatalog(path)
	if err != nil {
		return utils.NewAppError("healing.ReloadCatalog", "catalog reload failed", err)
	}
	e.SetCatalog(actions)
	e.logger.Info("healing catalog loaded", slog.Int("actions", len(actions)))
	return nil
}

// Run drives the health monitoring loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick samples health, derives issues, and dispatches healing for the
// auto-healable ones. Critical issues always raise an alert, healing enabled
// or not.
func (e *Engine) tick(ctx context.Context) {
	snapshot, err := e.health.SystemHealth(ctx)
	if err != nil {
		e.logger.Error("health snapshot failed", slog.Any("error", err))
		return
	}

	issues := e.deriveIssues(snapshot)

	e.mu.Lock()
	e.lastSnapshot = &snapshot
	e.lastIssues = issues
	e.lastCheck = e.now()
	enabled := e.enabled
	e.mu.Unlock()

	for _, issue := range issues {
		if issue.Severity == models.SeverityCritical {
			e.raiseAlert(ctx, issue)
		}
		if !enabled || !issue.AutoHealable {
			continue
		}
		e.healIssue(ctx, issue)
	}
}

// deriveIssues inspects one snapshot against fixed thresholds.
func (e *Engine) deriveIssues(h models.SystemHealth) []models.SystemIssue {
	var issues []models.SystemIssue
	at := e.now()

	switch {
	case h.MemoryPercent > 90:
		issues = append(issues, models.SystemIssue{
			Type:             IssueMemoryLeak,
			Component:        "system",
			Severity:         models.SeverityCritical,
			Description:      fmt.Sprintf("memory usage critically high: %.1f%%", h.MemoryPercent),
			AutoHealable:     true,
			SuggestedActions: []string{"clear-cache", "restart-api-server"},
			DetectedAt:       at,
		})
	case h.MemoryPercent > 80:
		issues = append(issues, models.SystemIssue{
			Type:             IssueMemoryLeak,
			Component:        "system",
			Severity:         models.SeverityHigh,
			Description:      fmt.Sprintf("memory usage high: %.1f%%", h.MemoryPercent),
			AutoHealable:     true,
			SuggestedActions: []string{"clear-cache", "force-gc"},
			DetectedAt:       at,
		})
	}

	switch {
	case h.CPUPercent > 90:
		issues = append(issues, models.SystemIssue{
			Type:             IssueHighCPU,
			Component:        "system",
			Severity:         models.SeverityCritical,
			Description:      fmt.Sprintf("cpu usage critically high: %.1f%%", h.CPUPercent),
			AutoHealable:     true,
			SuggestedActions: []string{"scale-resources"},
			DetectedAt:       at,
		})
	case h.CPUPercent > 85:
		issues = append(issues, models.SystemIssue{
			Type:             IssueHighCPU,
			Component:        "system",
			Severity:         models.SeverityHigh,
			Description:      fmt.Sprintf("cpu usage high: %.1f%%", h.CPUPercent),
			AutoHealable:     true,
			SuggestedActions: []string{"scale-resources"},
			DetectedAt:       at,
		})
	}

	switch {
	case h.DiskPercent > 95:
		issues = append(issues, models.SystemIssue{
			Type:             IssueDiskFull,
			Component:        "filesystem",
			Severity:         models.SeverityCritical,
			Description:      fmt.Sprintf("disk usage critically high: %.1f%%", h.DiskPercent),
			AutoHealable:     true,
			SuggestedActions: []string{"cleanup-logs"},
			DetectedAt:       at,
		})
	case h.DiskPercent > 90:
		issues = append(issues, models.SystemIssue{
			Type:             IssueDiskFull,
			Component:        "filesystem",
			Severity:         models.SeverityHigh,
			Description:      fmt.Sprintf("disk usage high: %.1f%%", h.DiskPercent),
			AutoHealable:     true,
			SuggestedActions: []string{"cleanup-logs"},
			DetectedAt:       at,
		})
	}

	for _, svc := range h.Services {
		if svc.Running {
			continue
		}
		issues = append(issues, models.SystemIssue{
			Type:             IssueServiceDown,
			Component:        svc.Name,
			Severity:         models.SeverityHigh,
			Description:      fmt.Sprintf("service %s is not running", svc.Name),
			AutoHealable:     true,
			SuggestedActions: []string{"restart-service"},
			DetectedAt:       at,
		})
	}

	if h.Connections.Database > 80 {
		issues = append(issues, models.SystemIssue{
			Type:             IssueConnectionLeak,
			Component:        "database",
			Severity:         models.SeverityMedium,
			Description:      fmt.Sprintf("high database connection count: %d", h.Connections.Database),
			AutoHealable:     true,
			SuggestedActions: []string{"reset-connections"},
			DetectedAt:       at,
		})
	}

	return issues
}

// healIssue dispatches the first applicable suggested action asynchronously.
// Issues whose component already has an attempt in flight are skipped.
func (e *Engine) healIssue(ctx context.Context, issue models.SystemIssue) {
	key := issue.Type + "/" + issue.Component

	e.mu.Lock()
	if _, inFlight := e.active[key]; inFlight {
		e.mu.Unlock()
		return
	}
	action, ok := e.pickAction(issue)
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("no applicable healing action",
			slog.String("issue", issue.Type),
			slog.String("component", issue.Component),
		)
		return
	}

	if !e.sem.TryAcquire(1) {
		e.logger.Warn("healing concurrency cap reached", slog.String("issue", issue.Type))
		return
	}

	attempt := e.register(key, issue, action)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		e.execute(context.WithoutCancel(ctx), key, issue, action, attempt)
	}()
}

// pickAction returns the first suggested action present in the catalog and
// out of its cooldown. Callers must hold e.mu.
func (e *Engine) pickAction(issue models.SystemIssue) (models.HealingAction, bool) {
	for _, id := range issue.SuggestedActions {
		for _, action := range e.catalog {
			if action.ID != id {
				continue
			}
			if last, ran := e.lastRun[action.ID]; ran && action.Cooldown > 0 && e.now().Sub(last) < action.Cooldown {
				continue
			}
			return action, true
		}
	}
	return models.HealingAction{}, false
}

func (e *Engine) register(key string, issue models.SystemIssue, action models.HealingAction) *models.HealingAttempt {
	attempt := &models.HealingAttempt{
		ID:        uuid.NewString(),
		IssueType: issue.Type,
		Component: issue.Component,
		ActionID:  action.ID,
		Start:     e.now(),
		Status:    models.HealingInProgress,
	}
	e.mu.Lock()
	e.active[key] = attempt
	e.lastRun[action.ID] = e.now()
	e.mu.Unlock()

	e.logger.Info("healing dispatched",
		slog.String("attempt_id", attempt.ID),
		slog.String("issue", issue.Type),
		slog.String("component", issue.Component),
		slog.String("action_id", action.ID),
	)
	return attempt
}

// execute runs the safety-checked action protocol and finalises the attempt.
func (e *Engine) execute(ctx context.Context, key string, issue models.SystemIssue, action models.HealingAction, attempt *models.HealingAttempt) {
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status := e.runProtocol(ctx, issue, action, attempt)
	e.finish(key, attempt, status)
}

// runProtocol evaluates pre checks, performs the action, and evaluates post
// checks. Pre failures with failureAction abort stop before any side effect.
func (e *Engine) runProtocol(ctx context.Context, issue models.SystemIssue, action models.HealingAction, attempt *models.HealingAttempt) models.HealingStatus {
	for _, check := range action.SafetyChecks {
		if check.Phase != models.CheckPreExecution {
			continue
		}
		result := e.runCheck(ctx, check, issue)
		e.appendCheck(attempt, result)
		if result.Passed {
			continue
		}
		if check.FailureAction == models.SafetyAbort {
			e.appendLog(attempt, "aborted by pre-execution check "+check.Name)
			return models.HealingAborted
		}
		e.logger.Warn("pre-execution check failed",
			slog.String("check", check.Name),
			slog.String("action_id", action.ID),
		)
	}

	e.appendLog(attempt, fmt.Sprintf("running %s against %s", action.Kind, issue.Component))
	output, err := e.remediator.ExecuteOperation(ctx, action.Kind, issue.Component, nil)
	if err != nil {
		e.appendLog(attempt, "operation failed: "+err.Error())
		e.setError(attempt, err)
		return models.HealingFailed
	}
	if output != "" {
		e.appendLog(attempt, output)
	}

	for _, check := range action.SafetyChecks {
		if check.Phase != models.CheckPostExecution {
			continue
		}
		result := e.runCheck(ctx, check, issue)
		e.appendCheck(attempt, result)
		if result.Passed {
			continue
		}
		switch check.FailureAction {
		case models.SafetyRollback:
			e.rollback(ctx, action, issue, attempt)
			return models.HealingRolledBack
		case models.SafetyAbort:
			e.appendLog(attempt, "failed post-execution check "+check.Name)
			return models.HealingFailed
		default:
			e.logger.Warn("post-execution check failed",
				slog.String("check", check.Name),
				slog.String("action_id", action.ID),
			)
		}
	}

	return models.HealingSuccess
}

// runCheck evaluates one safety condition against live state. Unknown
// conditions pass so a catalog typo cannot wedge remediation.
func (e *Engine) runCheck(ctx context.Context, check models.SafetyCheck, issue models.SystemIssue) models.SafetyCheckResult {
	result := models.SafetyCheckResult{Name: check.Name, Phase: check.Phase}

	switch check.Condition {
	case "service_exists", "service_running":
		if e.prober == nil {
			result.Passed = true
			result.Detail = "no service prober configured"
			break
		}
		status, err := e.prober.ServiceStatus(ctx, issue.Component)
		if err != nil {
			result.Detail = err.Error()
			break
		}
		result.Passed = status.Running || check.Condition == "service_exists"
		result.Detail = fmt.Sprintf("service %s running=%t", issue.Component, status.Running)
	case "disk_space_available":
		e.mu.Lock()
		snapshot := e.lastSnapshot
		e.mu.Unlock()
		if snapshot == nil {
			result.Passed = true
			result.Detail = "no snapshot yet"
			break
		}
		result.Passed = snapshot.DiskPercent < 95
		result.Detail = fmt.Sprintf("disk usage %.1f%%", snapshot.DiskPercent)
	default:
		result.Passed = true
		result.Detail = "no evaluator for condition " + check.Condition
	}
	return result
}

// rollback runs the action's declared rollback operations best-effort.
func (e *Engine) rollback(ctx context.Context, action models.HealingAction, issue models.SystemIssue, attempt *models.HealingAttempt) {
	e.appendLog(attempt, "post-execution check failed, rolling back")
	e.mu.Lock()
	attempt.RolledBack = true
	e.mu.Unlock()

	for _, operation := range action.Rollback {
		output, err := e.remediator.ExecuteOperation(ctx, operation, issue.Component, nil)
		if err != nil {
			e.appendLog(attempt, fmt.Sprintf("rollback %s failed: %v", operation, err))
			continue
		}
		e.appendLog(attempt, fmt.Sprintf("rollback %s done: %s", operation, output))
	}
}

func (e *Engine) finish(key string, attempt *models.HealingAttempt, status models.HealingStatus) {
	e.mu.Lock()
	attempt.Status = status
	attempt.End = e.now()
	delete(e.active, key)
	e.history = append(e.history, *attempt)
	if len(e.history) > e.cfg.HistoryLimit {
		e.history = e.history[len(e.history)-e.cfg.HistoryLimit:]
	}
	e.mu.Unlock()

	outcome := metrics.OutcomeFailed
	if status == models.HealingSuccess {
		outcome = metrics.OutcomeSuccess
	}
	metrics.ObserveHealing(outcome)

	e.logger.Info("healing finished",
		slog.String("attempt_id", attempt.ID),
		slog.String("action_id", attempt.ActionID),
		slog.String("status", string(status)),
	)
}

func (e *Engine) raiseAlert(ctx context.Context, issue models.SystemIssue) {
	if e.alerts == nil {
		return
	}
	alert := models.Alert{
		Type:     issue.Type,
		Severity: issue.Severity,
		Status:   models.AlertActive,
		Title:    "System issue detected: " + issue.Type,
		Message:  issue.Description,
		Source:   "self-healing",
	}
	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		e.logger.Error("raise issue alert failed", slog.String("issue", issue.Type), slog.Any("error", err))
	}
}

// ForceHealing runs healing for a named issue type and component regardless
// of the enabled flag, returning the completed attempt.
func (e *Engine) ForceHealing(ctx context.Context, issueType, component string) (models.HealingAttempt, error) {
	if issueType == "" || component == "" {
		return models.HealingAttempt{}, fmt.Errorf("issue type and component are required")
	}
	issue := models.SystemIssue{
		Type:             issueType,
		Component:        component,
		Severity:         models.SeverityHigh,
		Description:      "manual healing request for " + component,
		AutoHealable:     true,
		SuggestedActions: suggestedFor(issueType),
		DetectedAt:       e.now(),
	}

	key := issue.Type + "/" + issue.Component
	e.mu.Lock()
	if _, inFlight := e.active[key]; inFlight {
		e.mu.Unlock()
		return models.HealingAttempt{}, fmt.Errorf("healing already in flight for %s on %s", issueType, component)
	}
	action, ok := e.pickAction(issue)
	e.mu.Unlock()
	if !ok {
		return models.HealingAttempt{}, utils.NewNotFound("healing action for issue type", issueType)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return models.HealingAttempt{}, err
	}
	defer e.sem.Release(1)

	attempt := e.register(key, issue, action)
	e.execute(context.WithoutCancel(ctx), key, issue, action, attempt)

	e.mu.Lock()
	defer e.mu.Unlock()
	return *attempt, nil
}

// suggestedFor maps manual issue types onto catalog action ids.
func suggestedFor(issueType string) []string {
	switch strings.ToLower(issueType) {
	case IssueMemoryLeak:
		return []string{"clear-cache", "force-gc", "restart-service"}
	case IssueHighCPU:
		return []string{"scale-resources"}
	case IssueDiskFull:
		return []string{"cleanup-logs"}
	case IssueConnectionLeak:
		return []string{"reset-connections"}
	default:
		return []string{"restart-service", "clear-cache"}
	}
}

// Enable allows new healing attempts.
func (e *Engine) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = true
}

// Disable stops new healing; in-flight attempts run to completion.
func (e *Engine) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = false
}

// Status reports the engine state for the control surface.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Enabled:        e.enabled,
		ActiveAttempts: len(e.active),
		CatalogSize:    len(e.catalog),
		LastCheck:      e.lastCheck,
		Health:         e.lastSnapshot,
		Issues:         append([]models.SystemIssue(nil), e.lastIssues...),
	}
}

// ActiveAttempts snapshots in-flight attempts.
func (e *Engine) ActiveAttempts() []models.HealingAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	attempts := make([]models.HealingAttempt, 0, len(e.active))
	for _, attempt := range e.active {
		attempts = append(attempts, *attempt)
	}
	return attempts
}

// History returns the most recent attempts, newest last, capped at limit.
func (e *Engine) History(limit int) []models.HealingAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]models.HealingAttempt, limit)
	copy(out, e.history[len(e.history)-limit:])
	return out
}

func (e *Engine) appendLog(attempt *models.HealingAttempt, line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	attempt.Log = append(attempt.Log, line)
}

func (e *Engine) appendCheck(attempt *models.HealingAttempt, result models.SafetyCheckResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	attempt.CheckResults = append(attempt.CheckResults, result)
}

func (e *Engine) setError(attempt *models.HealingAttempt, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	attempt.Error = err.Error()
}
