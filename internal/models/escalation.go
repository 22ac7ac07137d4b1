package models

import "time"

// EscalationLevel is an ordered responder tier, L1 monitoring through L5 executive.
type EscalationLevel int

const (
	LevelMonitoring EscalationLevel = iota + 1
	LevelSupport
	LevelEngineering
	LevelManagement
	LevelExecutive
)

// Name returns the human-facing tier name.
func (l EscalationLevel) Name() string {
	switch l {
	case LevelMonitoring:
		return "monitoring"
	case LevelSupport:
		return "support"
	case LevelEngineering:
		return "engineering"
	case LevelManagement:
		return "management"
	case LevelExecutive:
		return "executive"
	default:
		return "unknown"
	}
}

// AckTimeout is how long a step at this level may stay unacknowledged before
// the incident escalates to the next level.
func (l EscalationLevel) AckTimeout() time.Duration {
	switch l {
	case LevelMonitoring:
		return 15 * time.Minute
	case LevelSupport:
		return 30 * time.Minute
	case LevelEngineering:
		return 45 * time.Minute
	case LevelManagement:
		return 60 * time.Minute
	default:
		return 90 * time.Minute
	}
}

// Escalation trigger kinds.
const (
	EscalationTimeThreshold    = "time_threshold"
	EscalationSeverityIncrease = "severity_increase"
	EscalationManual           = "manual"
	EscalationRecoveryFailure  = "recovery_failure"
)

// BusinessImpact estimates the blast radius of an incident.
type BusinessImpact struct {
	Level            Severity `json:"level"`
	CustomerFacing   bool     `json:"customerFacing"`
	EstimatedUsers   int      `json:"estimatedUsers"`
	EstimatedRevenue float64  `json:"estimatedRevenue"`
	Description      string   `json:"description,omitempty"`
}

// EscalationStep records one notification round at one level.
type EscalationStep struct {
	Level             EscalationLevel `json:"level"`
	Timestamp         time.Time       `json:"timestamp"`
	TriggeredBy       string          `json:"triggeredBy"`
	AssignedTo        []string        `json:"assignedTo"`
	NotificationsSent []string        `json:"notificationsSent,omitempty"`
	Acknowledged      bool            `json:"acknowledged"`
	AcknowledgedBy    string          `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt    *time.Time      `json:"acknowledgedAt,omitempty"`
	Notes             string          `json:"notes,omitempty"`
}

// CommunicationEntry is one outbound message in the incident log.
type CommunicationEntry struct {
	Time      time.Time `json:"time"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Message   string    `json:"message"`
}

// EscalationStatus enumerates incident escalation lifecycle states.
type EscalationStatus string

const (
	EscalationActive    EscalationStatus = "active"
	EscalationResolved  EscalationStatus = "resolved"
	EscalationCancelled EscalationStatus = "cancelled"
)

// IncidentEscalation is the runtime escalation record for one alert.
type IncidentEscalation struct {
	ID           string               `json:"id"`
	AlertID      string               `json:"alertId"`
	CurrentLevel EscalationLevel      `json:"currentLevel"`
	Steps        []EscalationStep     `json:"escalationPath"`
	Impact       BusinessImpact       `json:"businessImpact"`
	CommLog      []CommunicationEntry `json:"communicationLog,omitempty"`
	Status       EscalationStatus     `json:"status"`
	Reason       string               `json:"reason,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	ResolvedAt   *time.Time           `json:"resolvedAt,omitempty"`
	ResolvedBy   string               `json:"resolvedBy,omitempty"`
	Resolution   string               `json:"resolution,omitempty"`
}

// OnCallContact is one reachable responder.
type OnCallContact struct {
	Name      string `yaml:"name" json:"name"`
	Email     string `yaml:"email,omitempty" json:"email,omitempty"`
	Phone     string `yaml:"phone,omitempty" json:"phone,omitempty"`
	Slack     string `yaml:"slack,omitempty" json:"slack,omitempty"`
	Preferred string `yaml:"preferred" json:"preferred"` // email, sms, slack or phone
}

// OnCallSchedule lists responders for one escalation level.
type OnCallSchedule struct {
	Level     EscalationLevel `yaml:"level" json:"level"`
	Primary   []OnCallContact `yaml:"primary" json:"primary"`
	Secondary []OnCallContact `yaml:"secondary,omitempty" json:"secondary,omitempty"`
}

// EscalationRule promotes an active escalation when its conditions hold.
// A rule may only target a level strictly above the incident's current one.
type EscalationRule struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Trigger     string          `yaml:"trigger" json:"trigger"`
	TargetLevel EscalationLevel `yaml:"targetLevel" json:"targetLevel"`
	Severities  []Severity      `yaml:"severities,omitempty" json:"severities,omitempty"`
	MinAge      time.Duration   `yaml:"minAge,omitempty" json:"minAge,omitempty"`
}
