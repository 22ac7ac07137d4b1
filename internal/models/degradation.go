package models

import "time"

// DegradationLevel orders degradation severity from none to emergency.
type DegradationLevel string

const (
	DegradationNone      DegradationLevel = "none"
	DegradationMinimal   DegradationLevel = "minimal"
	DegradationModerate  DegradationLevel = "moderate"
	DegradationSevere    DegradationLevel = "severe"
	DegradationEmergency DegradationLevel = "emergency"
)

// Rank orders levels from none (0) to emergency (4).
func (l DegradationLevel) Rank() int {
	switch l {
	case DegradationNone:
		return 0
	case DegradationMinimal:
		return 1
	case DegradationModerate:
		return 2
	case DegradationSevere:
		return 3
	case DegradationEmergency:
		return 4
	default:
		return -1
	}
}

// Trigger kinds evaluated by the degradation engine.
const (
	TriggerMetricThreshold     = "metric_threshold"
	TriggerServiceAvailability = "service_availability"
	TriggerErrorRate           = "error_rate"
	TriggerResponseTime        = "response_time"
	TriggerManual              = "manual"
)

// DegradationTrigger is one activation condition inside a rule.
type DegradationTrigger struct {
	Kind      string        `yaml:"kind" json:"kind"`
	Metric    string        `yaml:"metric,omitempty" json:"metric,omitempty"`
	Threshold float64       `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Operator  string        `yaml:"operator,omitempty" json:"operator,omitempty"`
	Service   string        `yaml:"service,omitempty" json:"service,omitempty"`
	Window    time.Duration `yaml:"window,omitempty" json:"window,omitempty"`
}

// Degradation action kinds applied against named targets.
const (
	ActionDisableFeature      = "disable_feature"
	ActionReduceFunctionality = "reduce_functionality"
	ActionCacheFallback       = "cache_fallback"
	ActionStaticContent       = "static_content"
	ActionSimplifyUI          = "simplify_ui"
	ActionRateLimit           = "rate_limit"
	ActionQueueRequests       = "queue_requests"
	ActionRedirectTraffic     = "redirect_traffic"
)

// DegradationAction is one reduced-functionality effect inside a rule.
type DegradationAction struct {
	Kind         string            `yaml:"kind" json:"kind"`
	Target       string            `yaml:"target" json:"target"`
	Capabilities []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Parameters   map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// DegradationRule maps trigger conditions to ordered degradation actions.
type DegradationRule struct {
	ID          string               `yaml:"id" json:"id"`
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Level       DegradationLevel     `yaml:"level" json:"level"`
	Priority    int                  `yaml:"priority" json:"priority"`
	Aggregation string               `yaml:"aggregation" json:"aggregation"` // "any" or "all"
	Triggers    []DegradationTrigger `yaml:"triggers" json:"triggers"`
	Actions     []DegradationAction  `yaml:"actions" json:"actions"`
	AutoRevert  bool                 `yaml:"autoRevert" json:"autoRevert"`
	RevertHold  time.Duration        `yaml:"revertHold,omitempty" json:"revertHold,omitempty"`
}

// ActiveDegradation is the runtime record of a triggered rule.
type ActiveDegradation struct {
	RuleID               string           `json:"ruleId"`
	Level                DegradationLevel `json:"level"`
	StartedAt            time.Time        `json:"startedAt"`
	Manual               bool             `json:"manual"`
	ActionsApplied       []string         `json:"actionsApplied"`
	AffectedFeatures     []string         `json:"affectedFeatures"`
	RevertCandidateSince *time.Time       `json:"revertCandidateSince,omitempty"`
}

// FeatureState tracks a feature's normal and currently served capabilities.
type FeatureState struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Normal     []string   `json:"normal"`
	Current    []string   `json:"current"`
	DegradedAt *time.Time `json:"degradedAt,omitempty"`
}
