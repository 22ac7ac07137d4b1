package degradation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/resilstack/resilience-engine/internal/config"
	"github.com/resilstack/resilience-engine/internal/metrics"
	"github.com/resilstack/resilience-engine/internal/models"
	"github.com/resilstack/resilience-engine/internal/utils"
)

// Defaults applied when a trigger omits its own window or threshold.
const (
	defaultTriggerWindow        = 5 * time.Minute
	defaultErrorRateThreshold   = 10
	defaultResponseTimeCeiling  = 5000
	defaultRevertHold           = 5 * time.Minute
	longRunningDegradationAfter = 30 * time.Minute
)

// MetricSource reads metric values and recent series from the monitoring
// backend.
type MetricSource interface {
	LatestMetric(ctx context.Context, name string) (float64, error)
	MetricSeries(ctx context.Context, name string, start, end time.Time) ([]models.MetricSample, error)
}

// ServiceProber checks whether a named service is reachable.
type ServiceProber interface {
	ServiceStatus(ctx context.Context, service string) (models.ServiceStatus, error)
}

// Remediator pushes degradation configuration to named targets.
type Remediator interface {
	ExecuteOperation(ctx context.Context, operation, target string, params map[string]string) (string, error)
}

// AlertSink raises alerts for severe and emergency activations.
type AlertSink interface {
	CreateAlert(ctx context.Context, alert models.Alert) error
}

// Status summarises the engine for the control surface.
type Status struct {
	Enabled            bool                       `json:"enabled"`
	ActiveDegradations int                        `json:"activeDegradations"`
	DegradedFeatures   int                        `json:"degradedFeatures"`
	Level              models.DegradationLevel    `json:"degradationLevel"`
	RuleCount          int                        `json:"ruleCount"`
	Active             []models.ActiveDegradation `json:"active,omitempty"`
}

// Engine evaluates degradation rules against live metrics and service
// availability, applies reduced-functionality actions when rules trigger,
// and reverts them once conditions normalize. At most one active
// degradation exists per rule id.
type Engine struct {
	logger       *slog.Logger
	cfg          config.DegradationConfig
	metricSource MetricSource
	prober       ServiceProber
	remediator   Remediator
	alerts       AlertSink

	mu       sync.Mutex
	enabled  bool
	rules    []models.DegradationRule
	active   map[string]*models.ActiveDegradation
	features map[string]*models.FeatureState
	manual   map[string]bool

	now func() time.Time
}

// NewEngine constructs the graceful degradation engine.
func NewEngine(logger *slog.Logger, cfg config.DegradationConfig, metricSource MetricSource, prober ServiceProber, remediator Remediator, alerts AlertSink) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:       logger,
		cfg:          cfg,
		metricSource: metricSource,
		prober:       prober,
		remediator:   remediator,
		alerts:       alerts,
		enabled:      cfg.Enabled,
		active:       make(map[string]*models.ActiveDegradation),
		features:     make(map[string]*models.FeatureState),
		manual:       make(map[string]bool),
		now:          time.Now,
	}
}

// SetRules replaces the rule set and registers any new feature seeds.
func (e *Engine) SetRules(rules []models.DegradationRule, features []FeatureSeed) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	for _, seed := range features {
		if _, known := e.features[seed.ID]; known {
			continue
		}
		e.features[seed.ID] = &models.FeatureState{
			ID:      seed.ID,
			Name:    seed.Name,
			Normal:  append([]string(nil), seed.Capabilities...),
			Current: append([]string(nil), seed.Capabilities...),
		}
	}
}

// ReloadRules loads rules from path, keeping the previous set on error.
func (e *Engine) ReloadRules(path string) error {
	rules, features, err := LoadRules(path)
	if err != nil {
		return utils.NewAppError("degradation.ReloadRules", "rules reload failed", err)
	}
	e.SetRules(rules, features)
	e.logger.Info("degradation rules loaded", slog.Int("rules", len(rules)), slog.Int("features", len(features)))
	return nil
}

// Run drives the evaluation loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Evaluate runs one pass over every rule: activation for newly triggered
// rules, revert-hold bookkeeping and reversion for active auto-revert rules.
func (e *Engine) Evaluate(ctx context.Context) {
	e.mu.Lock()
	enabled := e.enabled
	rules := append([]models.DegradationRule(nil), e.rules...)
	e.mu.Unlock()

	if !enabled {
		return
	}

	for _, rule := range rules {
		triggered := e.ruleTriggered(ctx, rule)

		e.mu.Lock()
		current, isActive := e.active[rule.ID]
		e.mu.Unlock()

		switch {
		case triggered && !isActive:
			e.activate(ctx, rule, false)
		case triggered && isActive:
			// Conditions regressed; the revert hold starts over.
			e.mu.Lock()
			current.RevertCandidateSince = nil
			e.mu.Unlock()
		case !triggered && isActive && rule.AutoRevert && !current.Manual:
			e.trackRevert(ctx, rule, current)
		}
	}

	e.observe()
	e.warnLongRunning()
}

// trackRevert advances the continuity clock for a quiet rule and reverts it
// once the negated trigger has held for the rule's full hold duration.
func (e *Engine) trackRevert(ctx context.Context, rule models.DegradationRule, current *models.ActiveDegradation) {
	hold := rule.RevertHold
	if hold <= 0 {
		hold = defaultRevertHold
	}

	e.mu.Lock()
	if current.RevertCandidateSince == nil {
		since := e.now()
		current.RevertCandidateSince = &since
		e.mu.Unlock()
		return
	}
	elapsed := e.now().Sub(*current.RevertCandidateSince)
	e.mu.Unlock()

	if elapsed >= hold {
		if err := e.revert(ctx, rule.ID); err != nil {
			e.logger.Error("auto-revert failed", slog.String("rule_id", rule.ID), slog.Any("error", err))
		}
	}
}

// ruleTriggered combines the rule's trigger results per its aggregation.
func (e *Engine) ruleTriggered(ctx context.Context, rule models.DegradationRule) bool {
	all := strings.EqualFold(rule.Aggregation, "all")
	for _, trigger := range rule.Triggers {
		hit := e.evaluateTrigger(ctx, rule.ID, trigger)
		if all && !hit {
			return false
		}
		if !all && hit {
			return true
		}
	}
	return all
}

func (e *Engine) evaluateTrigger(ctx context.Context, ruleID string, trigger models.DegradationTrigger) bool {
	switch trigger.Kind {
	case models.TriggerMetricThreshold:
		if trigger.Metric == "" || trigger.Operator == "" {
			return false
		}
		value, err := e.metricSource.LatestMetric(ctx, trigger.Metric)
		if err != nil {
			e.logger.Warn("metric trigger read failed", slog.String("metric", trigger.Metric), slog.Any("error", err))
			return false
		}
		return models.Compare(value, trigger.Threshold, trigger.Operator)

	case models.TriggerServiceAvailability:
		if trigger.Service == "" || e.prober == nil {
			return false
		}
		status, err := e.prober.ServiceStatus(ctx, trigger.Service)
		if err != nil {
			return true // unreachable counts as unavailable
		}
		return !status.Running

	case models.TriggerErrorRate:
		threshold := trigger.Threshold
		if threshold <= 0 {
			threshold = defaultErrorRateThreshold
		}
		avg, ok := e.windowAverage(ctx, "error_rate", trigger.Window)
		return ok && avg > threshold

	case models.TriggerResponseTime:
		threshold := trigger.Threshold
		if threshold <= 0 {
			threshold = defaultResponseTimeCeiling
		}
		avg, ok := e.windowAverage(ctx, "response_time", trigger.Window)
		return ok && avg > threshold

	case models.TriggerManual:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.manual[ruleID]

	default:
		return false
	}
}

// windowAverage averages a metric over the trailing window. No samples means
// no signal, never a trigger.
func (e *Engine) windowAverage(ctx context.Context, metric string, window time.Duration) (float64, bool) {
	if window <= 0 {
		window = defaultTriggerWindow
	}
	end := e.now()
	samples, err := e.metricSource.MetricSeries(ctx, metric, end.Add(-window), end)
	if err != nil {
		e.logger.Warn("series trigger read failed", slog.String("metric", metric), slog.Any("error", err))
		return 0, false
	}
	if len(samples) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples)), true
}

// activate applies the rule's actions in order and registers the active
// degradation. Severe and emergency activations raise a high alert.
func (e *Engine) activate(ctx context.Context, rule models.DegradationRule, manual bool) {
	degradation := &models.ActiveDegradation{
		RuleID:    rule.ID,
		Level:     rule.Level,
		StartedAt: e.now(),
		Manual:    manual,
	}

	for _, action := range rule.Actions {
		if err := e.applyAction(ctx, action, rule.Level, degradation); err != nil {
			e.logger.Error("degradation action failed",
				slog.String("rule_id", rule.ID),
				slog.String("kind", action.Kind),
				slog.String("target", action.Target),
				slog.Any("error", err),
			)
			continue
		}
		degradation.ActionsApplied = append(degradation.ActionsApplied, action.Kind)
	}

	e.mu.Lock()
	e.active[rule.ID] = degradation
	e.mu.Unlock()

	e.logger.Warn("degradation activated",
		slog.String("rule_id", rule.ID),
		slog.String("level", string(rule.Level)),
		slog.Bool("manual", manual),
	)

	if rule.Level == models.DegradationSevere || rule.Level == models.DegradationEmergency {
		e.raiseAlert(ctx, rule, degradation)
	}
	e.observe()
}

// applyAction mutates the feature registry for feature-level kinds and
// pushes the degraded configuration to the target either way.
func (e *Engine) applyAction(ctx context.Context, action models.DegradationAction, level models.DegradationLevel, degradation *models.ActiveDegradation) error {
	switch action.Kind {
	case models.ActionDisableFeature:
		e.setFeatureCapabilities(action.Target, nil, degradation)
	case models.ActionReduceFunctionality:
		e.reduceFeature(action.Target, action.Capabilities, degradation)
	}

	if e.remediator == nil {
		return nil
	}
	params := map[string]string{"level": string(level)}
	for k, v := range action.Parameters {
		params[k] = v
	}
	_, err := e.remediator.ExecuteOperation(ctx, action.Kind, action.Target, params)
	return err
}

func (e *Engine) setFeatureCapabilities(featureID string, capabilities []string, degradation *models.ActiveDegradation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	feature, ok := e.features[featureID]
	if !ok {
		feature = &models.FeatureState{ID: featureID, Name: featureID}
		e.features[featureID] = feature
	}
	feature.Current = append([]string(nil), capabilities...)
	at := e.now()
	feature.DegradedAt = &at
	degradation.AffectedFeatures = append(degradation.AffectedFeatures, featureID)
}

// reduceFeature strips the named capabilities from the feature's current set.
func (e *Engine) reduceFeature(featureID string, removed []string, degradation *models.ActiveDegradation) {
	e.mu.Lock()
	feature, ok := e.features[featureID]
	if !ok {
		feature = &models.FeatureState{ID: featureID, Name: featureID}
		e.features[featureID] = feature
	}
	drop := make(map[string]bool, len(removed))
	for _, capability := range removed {
		drop[capability] = true
	}
	var kept []string
	for _, capability := range feature.Current {
		if !drop[capability] {
			kept = append(kept, capability)
		}
	}
	feature.Current = kept
	at := e.now()
	feature.DegradedAt = &at
	degradation.AffectedFeatures = append(degradation.AffectedFeatures, featureID)
	e.mu.Unlock()
}

// revert restores affected features and clears the target configuration.
func (e *Engine) revert(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	degradation, ok := e.active[ruleID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.active, ruleID)
	delete(e.manual, ruleID)
	for _, featureID := range degradation.AffectedFeatures {
		if feature, known := e.features[featureID]; known {
			feature.Current = append([]string(nil), feature.Normal...)
			feature.DegradedAt = nil
		}
	}
	rule, hasRule := e.findRuleLocked(ruleID)
	e.mu.Unlock()

	if hasRule && e.remediator != nil {
		for _, action := range rule.Actions {
			params := map[string]string{"mode": "revert"}
			if _, err := e.remediator.ExecuteOperation(ctx, action.Kind, action.Target, params); err != nil {
				e.logger.Warn("degradation revert push failed",
					slog.String("rule_id", ruleID),
					slog.String("target", action.Target),
					slog.Any("error", err),
				)
			}
		}
	}

	e.logger.Info("degradation reverted",
		slog.String("rule_id", ruleID),
		slog.Duration("duration", e.now().Sub(degradation.StartedAt)),
	)
	e.observe()
	return nil
}

// findRuleLocked looks up a rule by id. Callers must hold e.mu.
func (e *Engine) findRuleLocked(ruleID string) (models.DegradationRule, bool) {
	for _, rule := range e.rules {
		if rule.ID == ruleID {
			return rule, true
		}
	}
	return models.DegradationRule{}, false
}

// Activate manually applies a named rule, bypassing trigger evaluation.
// Activating an already-active rule is a no-op.
func (e *Engine) Activate(ctx context.Context, ruleID, reason string) error {
	e.mu.Lock()
	rule, ok := e.findRuleLocked(ruleID)
	if !ok {
		e.mu.Unlock()
		return utils.NewNotFound("degradation rule", ruleID)
	}
	if _, isActive := e.active[ruleID]; isActive {
		e.mu.Unlock()
		return nil
	}
	e.manual[ruleID] = true
	e.mu.Unlock()

	e.logger.Info("manual degradation requested", slog.String("rule_id", ruleID), slog.String("reason", reason))
	e.activate(ctx, rule, true)
	return nil
}

// Revert manually reverts a named rule. Reverting an inactive rule is a
// no-op; an unknown rule is not found.
func (e *Engine) Revert(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	_, known := e.findRuleLocked(ruleID)
	_, isActive := e.active[ruleID]
	e.mu.Unlock()
	if !known && !isActive {
		return utils.NewNotFound("degradation rule", ruleID)
	}
	return e.revert(ctx, ruleID)
}

// IsolateComponent applies an emergency severe degradation that disables one
// component. The synthetic rule never auto-reverts; use Revert to lift it.
func (e *Engine) IsolateComponent(ctx context.Context, component, reason string) (string, error) {
	if component == "" {
		return "", fmt.Errorf("component is required")
	}
	ruleID := "isolation-" + component
	rule := models.DegradationRule{
		ID:          ruleID,
		Name:        "Emergency isolation: " + component,
		Description: reason,
		Level:       models.DegradationSevere,
		Priority:    1000,
		Aggregation: "any",
		Triggers:    []models.DegradationTrigger{{Kind: models.TriggerManual}},
		Actions:     []models.DegradationAction{{Kind: models.ActionDisableFeature, Target: component}},
		AutoRevert:  false,
	}

	e.mu.Lock()
	if _, isActive := e.active[ruleID]; isActive {
		e.mu.Unlock()
		return "component " + component + " already isolated", nil
	}
	if _, known := e.findRuleLocked(ruleID); !known {
		e.rules = append(e.rules, rule)
	}
	e.manual[ruleID] = true
	e.mu.Unlock()

	e.activate(ctx, rule, true)
	return "component " + component + " isolated", nil
}

func (e *Engine) raiseAlert(ctx context.Context, rule models.DegradationRule, degradation *models.ActiveDegradation) {
	if e.alerts == nil {
		return
	}
	alert := models.Alert{
		Type:     "degradation",
		Severity: models.SeverityHigh,
		Status:   models.AlertActive,
		Title:    "Service degradation active: " + strings.ToUpper(string(rule.Level)),
		Message: fmt.Sprintf("rule %s activated, affected features: %s",
			rule.ID, strings.Join(degradation.AffectedFeatures, ", ")),
		Source: "graceful-degradation",
	}
	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		e.logger.Error("degradation alert failed", slog.String("rule_id", rule.ID), slog.Any("error", err))
	}
}

// observe publishes the highest active level and the active count.
func (e *Engine) observe() {
	e.mu.Lock()
	highest := models.DegradationNone
	for _, degradation := range e.active {
		if degradation.Level.Rank() > highest.Rank() {
			highest = degradation.Level
		}
	}
	count := len(e.active)
	e.mu.Unlock()
	metrics.SetDegradation(highest, count)
}

func (e *Engine) warnLongRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, degradation := range e.active {
		if e.now().Sub(degradation.StartedAt) > longRunningDegradationAfter {
			e.logger.Warn("degradation active beyond expected duration",
				slog.String("rule_id", degradation.RuleID),
				slog.Time("started_at", degradation.StartedAt),
			)
		}
	}
}

// Enable allows rule evaluation and new activations.
func (e *Engine) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = true
}

// Disable stops evaluation and reverts everything currently active.
func (e *Engine) Disable(ctx context.Context) {
	e.mu.Lock()
	e.enabled = false
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.revert(ctx, id); err != nil {
			e.logger.Error("revert on disable failed", slog.String("rule_id", id), slog.Any("error", err))
		}
	}
}

// Shutdown reverts all active degradations before the process exits.
func (e *Engine) Shutdown(ctx context.Context) {
	e.Disable(ctx)
}

// Status reports the engine state for the control surface.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	highest := models.DegradationNone
	active := make([]models.ActiveDegradation, 0, len(e.active))
	for _, degradation := range e.active {
		if degradation.Level.Rank() > highest.Rank() {
			highest = degradation.Level
		}
		active = append(active, *degradation)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].RuleID < active[j].RuleID })

	degraded := 0
	for _, feature := range e.features {
		if feature.DegradedAt != nil {
			degraded++
		}
	}

	return Status{
		Enabled:            e.enabled,
		ActiveDegradations: len(e.active),
		DegradedFeatures:   degraded,
		Level:              highest,
		RuleCount:          len(e.rules),
		Active:             active,
	}
}

// FeatureStates snapshots the feature registry, sorted by id.
func (e *Engine) FeatureStates() []models.FeatureState {
	e.mu.Lock()
	defer e.mu.Unlock()
	states := make([]models.FeatureState, 0, len(e.features))
	for _, feature := range e.features {
		states = append(states, *feature)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}
