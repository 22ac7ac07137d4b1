package recovery

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

// attemptTimeout bounds one full recovery protocol end to end.
const attemptTimeout = 10 * time.Minute

// MetricSource reads current metric values from the monitoring backend.
type MetricSource interface {
	LatestMetric(ctx context.Context, name string) (float64, error)
}

// AlertSource reads and mutates alerts.
type AlertSource interface {
	ActiveAlerts(ctx context.Context) ([]models.Alert, error)
	Alert(ctx context.Context, id string) (models.Alert, error)
	ResolveAlert(ctx context.Context, id string) error
}

// Remediator performs side-effecting operations against named targets.
type Remediator interface {
	ExecuteOperation(ctx context.Context, operation, target string, params map[string]string) (string, error)
}

// Gate wraps remediation calls in a per-target circuit.
type Gate interface {
	Execute(ctx context.Context, id string, op func(context.Context) error) error
}

// Healer exposes the self-healing engine to recovery steps.
type Healer interface {
	ForceHealing(ctx context.Context, issueType, component string) (models.HealingAttempt, error)
}

// Degrader exposes manual degradation activation to recovery steps.
type Degrader interface {
	Activate(ctx context.Context, ruleID, reason string) error
}

// Notifier delivers outbound notifications.
type Notifier interface {
	Send(ctx context.Context, channel, recipient, subject, body string) error
}

// Escalator hands an alert to the incident escalation service.
type Escalator interface {
	Escalate(ctx context.Context, alert models.Alert, reason string) error
}

// Locker takes short-lived cross-instance locks so that only one engine
// instance dispatches recovery for a given alert. Nil means local-only
// serialization through the active map.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Status summarises the orchestrator for the control surface.
type Status struct {
	Enabled          bool      `json:"enabled"`
	ActiveRecoveries int       `json:"activeRecoveries"`
	QueuedAlerts     int       `json:"queuedAlerts"`
	CatalogSize      int       `json:"catalogSize"`
	LastDispatch     time.Time `json:"lastDispatch,omitempty"`
}

// Orchestrator matches active alerts to catalog actions and drives the
// immediate, fallback, escalation step protocol. At most one attempt is in
// flight per alert id.
type Orchestrator struct {
	logger       *slog.Logger
	cfg          config.RecoveryConfig
	metricSource MetricSource
	alerts       AlertSource
	remediator   Remediator
	gate         Gate
	healer       Healer
	degrader     Degrader
	notifier     Notifier
	escalator    Escalator
	locker       Locker

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu            sync.Mutex
	enabled       bool
	catalog       []models.RecoveryAction
	active        map[string]*models.RecoveryAttempt
	queue         []models.Alert
	lastDispatch  time.Time
	lastActionRun map[string]time.Time
	history       []models.RecoveryAttempt

	now func() time.Time
}

// NewOrchestrator constructs the auto-recovery orchestrator.
func NewOrchestrator(logger *slog.Logger, cfg config.RecoveryConfig, metricSource MetricSource, alerts AlertSource, remediator Remediator, gate Gate, healer Healer, degrader Degrader, notifier Notifier, escalator Escalator, locker Locker) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	return &Orchestrator{
		logger:        logger,
		cfg:           cfg,
		metricSource:  metricSource,
		alerts:        alerts,
		remediator:    remediator,
		gate:          gate,
		healer:        healer,
		degrader:      degrader,
		notifier:      notifier,
		escalator:     escalator,
		locker:        locker,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		enabled:       cfg.Enabled,
		active:        make(map[string]*models.RecoveryAttempt),
		lastActionRun: make(map[string]time.Time),
		now:           time.Now,
	}
}

// SetCatalog replaces the action catalog.
func (o *Orchestrator) SetCatalog(actions []models.RecoveryAction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.catalog = actions
}

// ReloadCatalog loads the catalog from path, keeping the previous one on error.
func (o *Orchestrator) ReloadCatalog(path string) error {
	actions, err := LoadCatalog(path)
	if err != nil {
		return utils.NewAppError("recovery.ReloadCatalog", "catalog reload failed", err)
	}
	o.SetCatalog(actions)
	o.logger.Info("recovery catalog loaded", slog.Int("actions", len(actions)))
	return nil
}

// HandleAlert evaluates one alert and, when an action matches, dispatches a
// recovery attempt asynchronously. Alerts already being recovered, a disabled
// orchestrator, and non-auto-executable matches are no-ops. When the global
// cooldown is active the alert is escalated instead of remediated; when the
// concurrency cap is reached the alert is queued for the next tick.
func (o *Orchestrator) HandleAlert(ctx context.Context, alert models.Alert) error {
	o.mu.Lock()
	if !o.enabled {
		o.mu.Unlock()
		return nil
	}
	if _, inFlight := o.active[alert.ID]; inFlight {
		o.mu.Unlock()
		return nil
	}
	if !o.lastDispatch.IsZero() && o.now().Sub(o.lastDispatch) < o.cfg.GlobalCooldown {
		o.mu.Unlock()
		o.handOff(ctx, alert, "global_cooldown")
		return nil
	}
	o.mu.Unlock()

	if !o.sem.TryAcquire(1) {
		o.enqueue(alert)
		return nil
	}

	action, ok := o.findAction(ctx, alert)
	if !ok {
		o.sem.Release(1)
		o.handOff(ctx, alert, "no_action_found")
		return nil
	}
	if !action.AutoExecute {
		o.sem.Release(1)
		return nil
	}
	if !o.acquireAlertLock(ctx, alert.ID) {
		// Another instance holds the alert; it will run the protocol.
		o.sem.Release(1)
		return nil
	}

	o.dispatch(ctx, alert, action, true)
	return nil
}

// acquireAlertLock takes the cross-instance lock for one alert. Lock backend
// errors fail open: the in-memory active map still serializes locally.
func (o *Orchestrator) acquireAlertLock(ctx context.Context, alertID string) bool {
	if o.locker == nil {
		return true
	}
	held, err := o.locker.AcquireLock(ctx, "recovery:"+alertID, attemptTimeout)
	if err != nil {
		o.logger.Warn("recovery lock unavailable", slog.String("alert_id", alertID), slog.Any("error", err))
		return true
	}
	return held
}

func (o *Orchestrator) releaseAlertLock(alertID string) {
	if o.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.locker.ReleaseLock(ctx, "recovery:"+alertID); err != nil {
		o.logger.Warn("recovery lock release failed", slog.String("alert_id", alertID), slog.Any("error", err))
	}
}

// dispatch registers the attempt and runs the protocol, asynchronously when
// async is set. The caller must hold a semaphore slot, which the protocol
// releases on completion.
func (o *Orchestrator) dispatch(ctx context.Context, alert models.Alert, action models.RecoveryAction, async bool) *models.RecoveryAttempt {
	attempt := &models.RecoveryAttempt{
		ID:       uuid.NewString(),
		AlertID:  alert.ID,
		ActionID: action.ID,
		Start:    o.now(),
		Status:   models.AttemptInProgress,
	}

	o.mu.Lock()
	o.active[alert.ID] = attempt
	o.lastDispatch = o.now()
	o.lastActionRun[action.ID] = o.now()
	o.mu.Unlock()

	o.logger.Info("recovery dispatched",
		slog.String("attempt_id", attempt.ID),
		slog.String("alert_id", alert.ID),
		slog.String("action_id", action.ID),
	)

	o.wg.Add(1)
	if async {
		go o.executeRecovery(ctx, alert, action, attempt)
	} else {
		o.executeRecovery(ctx, alert, action, attempt)
	}
	return attempt
}

// findAction selects the single best-matching catalog action for an alert:
// exact severity match, per-action cooldown elapsed, alert-type filter (when
// declared) includes the alert's type, and all declared metric thresholds
// currently met. Actions earlier in the catalog win ties.
func (o *Orchestrator) findAction(ctx context.Context, alert models.Alert) (models.RecoveryAction, bool) {
	o.mu.Lock()
	catalog := o.catalog
	lastRuns := make(map[string]time.Time, len(o.lastActionRun))
	for id, at := range o.lastActionRun {
		lastRuns[id] = at
	}
	o.mu.Unlock()

	for _, action := range catalog {
		if action.Conditions.Severity != alert.Severity {
			continue
		}
		if last, ok := lastRuns[action.ID]; ok && action.Cooldown > 0 && o.now().Sub(last) < action.Cooldown {
			continue
		}
		if len(action.Conditions.AlertTypes) > 0 && !containsType(action.Conditions.AlertTypes, alert.Type) {
			continue
		}
		if !o.thresholdsMet(ctx, action.Conditions.MetricThresholds) {
			continue
		}
		return action, true
	}
	return models.RecoveryAction{}, false
}

func (o *Orchestrator) thresholdsMet(ctx context.Context, thresholds map[string]float64) bool {
	for name, threshold := range thresholds {
		current, err := o.metricSource.LatestMetric(ctx, name)
		if err != nil {
			o.logger.Warn("threshold check failed", slog.String("metric", name), slog.Any("error", err))
			return false
		}
		if current < threshold {
			return false
		}
	}
	return true
}

func (o *Orchestrator) executeRecovery(parent context.Context, alert models.Alert, action models.RecoveryAction, attempt *models.RecoveryAttempt) {
	defer o.wg.Done()
	defer o.sem.Release(1)
	defer o.releaseAlertLock(alert.ID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), attemptTimeout)
	defer cancel()

	status := models.AttemptFailed
	var result *models.ValidationOutcome

	if o.runSteps(ctx, attempt, "immediate", action.Immediate, true) {
		if outcome, ok := o.stabilizeAndValidate(ctx, alert); ok {
			status = models.AttemptSuccess
			result = outcome
		}
	}

	if status != models.AttemptSuccess && ctx.Err() == nil && len(action.Fallback) > 0 {
		o.runSteps(ctx, attempt, "fallback", action.Fallback, false)
		if outcome, ok := o.stabilizeAndValidate(ctx, alert); ok {
			status = models.AttemptSuccess
			result = outcome
		}
	}

	if status != models.AttemptSuccess {
		if ctx.Err() != nil {
			status = models.AttemptTimeout
		} else {
			// Escalation steps are best-effort; their failures never mask the handoff.
			o.runSteps(ctx, attempt, "escalation", action.Escalation, false)
			o.handOff(ctx, alert, "automated_recovery_failed")
		}
	}

	o.finish(ctx, alert, attempt, status, result)
}

// stabilizeAndValidate waits the stabilization delay and re-checks the
// alert's triggering condition.
func (o *Orchestrator) stabilizeAndValidate(ctx context.Context, alert models.Alert) (*models.ValidationOutcome, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case <-time.After(o.cfg.StabilizationDelay):
	}

	outcome, err := o.validate(ctx, alert)
	if err != nil {
		o.logger.Warn("recovery validation failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
		return nil, false
	}
	return &outcome, outcome.Resolved
}

func (o *Orchestrator) finish(ctx context.Context, alert models.Alert, attempt *models.RecoveryAttempt, status models.AttemptStatus, result *models.ValidationOutcome) {
	o.mu.Lock()
	attempt.Status = status
	attempt.End = o.now()
	attempt.Result = result
	delete(o.active, alert.ID)
	o.history = append(o.history, *attempt)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[len(o.history)-o.cfg.HistoryLimit:]
	}
	duration := attempt.End.Sub(attempt.Start)
	o.mu.Unlock()

	outcome := metrics.OutcomeFailed
	switch status {
	case models.AttemptSuccess:
		outcome = metrics.OutcomeSuccess
	case models.AttemptTimeout:
		outcome = metrics.OutcomeTimeout
	}
	metrics.ObserveRecovery(duration, outcome)

	if status == models.AttemptSuccess {
		if err := o.alerts.ResolveAlert(ctx, alert.ID); err != nil {
			o.logger.Error("resolve alert after recovery", slog.String("alert_id", alert.ID), slog.Any("error", err))
		}
	}

	o.logger.Info("recovery finished",
		slog.String("attempt_id", attempt.ID),
		slog.String("alert_id", alert.ID),
		slog.String("status", string(status)),
		slog.Duration("duration", duration),
	)
}

func (o *Orchestrator) handOff(ctx context.Context, alert models.Alert, reason string) {
	if o.escalator == nil {
		return
	}
	if err := o.escalator.Escalate(ctx, alert, reason); err != nil {
		o.logger.Error("escalation handoff failed",
			slog.String("alert_id", alert.ID),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) appendStep(attempt *models.RecoveryAttempt, record models.StepExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	attempt.Steps = append(attempt.Steps, record)
}

func (o *Orchestrator) enqueue(alert models.Alert) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, queued := range o.queue {
		if queued.ID == alert.ID {
			return
		}
	}
	o.queue = append(o.queue, alert)
}

// Run drives the monitoring and cleanup ticks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	cleanup := o.cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	cleanupTicker := time.NewTicker(cleanup)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return
		case <-ticker.C:
			o.tick(ctx)
		case <-cleanupTicker.C:
			o.cleanup()
		}
	}
}

// tick drains the overflow queue, then evaluates current active alerts.
func (o *Orchestrator) tick(ctx context.Context) {
	o.mu.Lock()
	queued := o.queue
	o.queue = nil
	enabled := o.enabled
	o.mu.Unlock()

	if !enabled {
		return
	}

	for _, alert := range queued {
		if err := o.HandleAlert(ctx, alert); err != nil {
			o.logger.Error("requeue alert", slog.String("alert_id", alert.ID), slog.Any("error", err))
		}
	}

	alerts, err := o.alerts.ActiveAlerts(ctx)
	if err != nil {
		o.logger.Error("fetch active alerts", slog.Any("error", err))
		return
	}
	for _, alert := range alerts {
		if err := o.HandleAlert(ctx, alert); err != nil {
			o.logger.Error("handle alert", slog.String("alert_id", alert.ID), slog.Any("error", err))
		}
	}
}

func (o *Orchestrator) cleanup() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.HistoryRetention <= 0 {
		return
	}
	cutoff := o.now().Add(-o.cfg.HistoryRetention)
	kept := o.history[:0]
	for _, attempt := range o.history {
		if attempt.Start.After(cutoff) {
			kept = append(kept, attempt)
		}
	}
	o.history = kept
}

// TestAction runs a named (or best-matching) action against an alert,
// bypassing the enabled flag, cooldowns, and the auto-execute flag. The
// completed attempt is returned synchronously.
func (o *Orchestrator) TestAction(ctx context.Context, alertID, actionID string) (models.RecoveryAttempt, error) {
	alert, err := o.alerts.Alert(ctx, alertID)
	if err != nil {
		return models.RecoveryAttempt{}, utils.NewNotFound("alert", alertID)
	}

	o.mu.Lock()
	if _, inFlight := o.active[alert.ID]; inFlight {
		o.mu.Unlock()
		return models.RecoveryAttempt{}, fmt.Errorf("alert %s already has a recovery in flight", alert.ID)
	}
	var action models.RecoveryAction
	found := false
	if actionID != "" {
		for _, candidate := range o.catalog {
			if candidate.ID == actionID {
				action = candidate
				found = true
				break
			}
		}
	}
	o.mu.Unlock()

	if actionID != "" && !found {
		return models.RecoveryAttempt{}, utils.NewNotFound("recovery action", actionID)
	}
	if actionID == "" {
		action, found = o.findAction(ctx, alert)
		if !found {
			return models.RecoveryAttempt{}, utils.NewNotFound("matching recovery action for alert", alertID)
		}
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return models.RecoveryAttempt{}, err
	}
	attempt := o.dispatch(ctx, alert, action, false)

	o.mu.Lock()
	defer o.mu.Unlock()
	return *attempt, nil
}

// Enable allows new recoveries to start.
func (o *Orchestrator) Enable() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enabled = true
}

// Disable stops new recoveries; in-flight attempts run to completion.
func (o *Orchestrator) Disable() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enabled = false
}

// Status reports the orchestrator state for the control surface.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Enabled:          o.enabled,
		ActiveRecoveries: len(o.active),
		QueuedAlerts:     len(o.queue),
		CatalogSize:      len(o.catalog),
		LastDispatch:     o.lastDispatch,
	}
}

// ActiveAttempts snapshots in-flight attempts.
func (o *Orchestrator) ActiveAttempts() []models.RecoveryAttempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	attempts := make([]models.RecoveryAttempt, 0, len(o.active))
	for _, attempt := range o.active {
		attempts = append(attempts, *attempt)
	}
	return attempts
}

// History returns the most recent attempts, newest last, capped at limit.
func (o *Orchestrator) History(limit int) []models.RecoveryAttempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]models.RecoveryAttempt, limit)
	copy(out, o.history[len(o.history)-limit:])
	return out
}

// Stats summarises the attempt history.
func (o *Orchestrator) Stats() models.RecoveryStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	stats := models.RecoveryStats{TopActions: make(map[string]int)}
	var totalDuration time.Duration
	for _, attempt := range o.history {
		stats.TotalAttempts++
		switch attempt.Status {
		case models.AttemptSuccess:
			stats.Successful++
		default:
			stats.Failed++
		}
		if !attempt.End.IsZero() {
			totalDuration += attempt.End.Sub(attempt.Start)
		}
		stats.TopActions[attempt.ActionID]++
	}
	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.TotalAttempts) * 100
		stats.AverageDuration = totalDuration / time.Duration(stats.TotalAttempts)
	}
	return stats
}

func containsType(list []string, target string) bool {
	for _, item := range list {
		if strings.EqualFold(item, target) {
			return true
		}
	}
	return false
}
