package models

import "time"

// SafetyCheckPhase distinguishes checks run before and after an action.
type SafetyCheckPhase string

const (
	CheckPreExecution  SafetyCheckPhase = "pre_execution"
	CheckPostExecution SafetyCheckPhase = "post_execution"
)

// SafetyFailureAction controls what a failed safety check does.
type SafetyFailureAction string

const (
	SafetyAbort    SafetyFailureAction = "abort"
	SafetyWarn     SafetyFailureAction = "warn"
	SafetyRollback SafetyFailureAction = "rollback"
)

// SafetyCheck guards a healing action. Pre-execution failures abort before
// any side effect; post-execution failures may trigger rollback actions.
type SafetyCheck struct {
	Phase         SafetyCheckPhase    `yaml:"phase" json:"phase"`
	Name          string              `yaml:"name" json:"name"`
	Condition     string              `yaml:"condition" json:"condition"`
	FailureAction SafetyFailureAction `yaml:"failureAction" json:"failureAction"`
}

// HealingAction is a catalog entry for one safe remediation primitive.
type HealingAction struct {
	ID           string        `yaml:"id" json:"id"`
	Name         string        `yaml:"name" json:"name"`
	Description  string        `yaml:"description,omitempty" json:"description,omitempty"`
	Kind         string        `yaml:"kind" json:"kind"`
	SafetyChecks []SafetyCheck `yaml:"safetyChecks,omitempty" json:"safetyChecks,omitempty"`
	Rollback     []string      `yaml:"rollback,omitempty" json:"rollback,omitempty"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	Cooldown     time.Duration `yaml:"cooldown" json:"cooldown"`
}

// HealingStatus enumerates healing attempt outcomes.
type HealingStatus string

const (
	HealingInProgress HealingStatus = "in_progress"
	HealingSuccess    HealingStatus = "success"
	HealingFailed     HealingStatus = "failed"
	HealingAborted    HealingStatus = "aborted"
	HealingRolledBack HealingStatus = "rolled_back"
)

// SafetyCheckResult records one evaluated safety check.
type SafetyCheckResult struct {
	Name   string           `json:"name"`
	Phase  SafetyCheckPhase `json:"phase"`
	Passed bool             `json:"passed"`
	Detail string           `json:"detail,omitempty"`
}

// HealingAttempt is one execution of a healing action against an issue.
type HealingAttempt struct {
	ID           string              `json:"id"`
	IssueType    string              `json:"issueType"`
	Component    string              `json:"component"`
	ActionID     string              `json:"actionId"`
	Start        time.Time           `json:"startTime"`
	End          time.Time           `json:"endTime,omitempty"`
	Status       HealingStatus       `json:"status"`
	CheckResults []SafetyCheckResult `json:"safetyCheckResults,omitempty"`
	Log          []string            `json:"executionLog,omitempty"`
	RolledBack   bool                `json:"rollbackPerformed"`
	Error        string              `json:"error,omitempty"`
}

// ServiceStatus is one managed service's point-in-time condition.
type ServiceStatus struct {
	Name         string    `json:"name"`
	Running      bool      `json:"running"`
	RestartCount int       `json:"restartCount"`
	LastRestart  time.Time `json:"lastRestart,omitempty"`
}

// ConnectionCounts tracks pooled connection usage.
type ConnectionCounts struct {
	Database int `json:"database"`
	HTTP     int `json:"http"`
}

// SystemHealth is a point-in-time host health snapshot.
type SystemHealth struct {
	Timestamp     time.Time        `json:"timestamp"`
	MemoryPercent float64          `json:"memoryPercent"`
	CPUPercent    float64          `json:"cpuPercent"`
	DiskPercent   float64          `json:"diskPercent"`
	Services      []ServiceStatus  `json:"services"`
	Connections   ConnectionCounts `json:"connections"`
}

// SystemIssue is a problem derived from a health snapshot.
type SystemIssue struct {
	Type             string    `json:"type"`
	Component        string    `json:"component"`
	Severity         Severity  `json:"severity"`
	Description      string    `json:"description"`
	AutoHealable     bool      `json:"autoHealable"`
	SuggestedActions []string  `json:"suggestedActions,omitempty"`
	DetectedAt       time.Time `json:"detectedAt"`
}
