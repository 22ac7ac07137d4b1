package models

import "time"

// RecoveryStep is one remediation operation inside an action's protocol.
type RecoveryStep struct {
	Type             string            `yaml:"type" json:"type"`
	Target           string            `yaml:"target" json:"target"`
	Parameters       map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Timeout          time.Duration     `yaml:"timeout" json:"timeout"`
	Retries          int               `yaml:"retries,omitempty" json:"retries,omitempty"`
	SuccessCondition string            `yaml:"successCondition,omitempty" json:"successCondition,omitempty"`
}

// RecoveryConditions gate an action to matching alerts.
type RecoveryConditions struct {
	Severity         Severity           `yaml:"severity" json:"severity"`
	AlertTypes       []string           `yaml:"alertTypes,omitempty" json:"alertTypes,omitempty"`
	MetricThresholds map[string]float64 `yaml:"metricThresholds,omitempty" json:"metricThresholds,omitempty"`
}

// RecoveryAction is a catalog entry mapping alert conditions to an ordered
// immediate, fallback, escalation step protocol.
type RecoveryAction struct {
	ID          string             `yaml:"id" json:"id"`
	Name        string             `yaml:"name" json:"name"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`
	Conditions  RecoveryConditions `yaml:"conditions" json:"conditions"`
	Immediate   []RecoveryStep     `yaml:"immediate" json:"immediate"`
	Fallback    []RecoveryStep     `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Escalation  []RecoveryStep     `yaml:"escalation,omitempty" json:"escalation,omitempty"`
	MaxRetries  int                `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	Cooldown    time.Duration      `yaml:"cooldown" json:"cooldown"`
	AutoExecute bool               `yaml:"autoExecute" json:"autoExecute"`
}

// AttemptStatus enumerates terminal and in-flight recovery attempt states.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
	AttemptTimeout    AttemptStatus = "timeout"
)

// StepExecution records one executed step inside an attempt.
type StepExecution struct {
	Step      RecoveryStep `json:"step"`
	Phase     string       `json:"phase"`
	StartTime time.Time    `json:"startTime"`
	EndTime   time.Time    `json:"endTime,omitempty"`
	Status    string       `json:"status"`
	Output    string       `json:"output,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// ValidationOutcome captures the post-stabilization resolution check.
type ValidationOutcome struct {
	Resolved        bool     `json:"resolved"`
	Improvements    []string `json:"improvements,omitempty"`
	RemainingIssues []string `json:"remainingIssues,omitempty"`
}

// RecoveryAttempt is one execution of an action against an alert.
type RecoveryAttempt struct {
	ID       string             `json:"id"`
	AlertID  string             `json:"alertId"`
	ActionID string             `json:"actionId"`
	Start    time.Time          `json:"startTime"`
	End      time.Time          `json:"endTime,omitempty"`
	Status   AttemptStatus      `json:"status"`
	Steps    []StepExecution    `json:"stepsExecuted"`
	Result   *ValidationOutcome `json:"result,omitempty"`
}

// RecoveryStats summarises the bounded attempt history.
type RecoveryStats struct {
	TotalAttempts   int            `json:"totalAttempts"`
	Successful      int            `json:"successful"`
	Failed          int            `json:"failed"`
	SuccessRate     float64        `json:"successRate"`
	AverageDuration time.Duration  `json:"averageDuration"`
	TopActions      map[string]int `json:"topActions,omitempty"`
}
