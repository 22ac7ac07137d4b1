package models

import "time"

// DeploymentStatus enumerates deployment lifecycle states.
type DeploymentStatus string

const (
	DeploymentPending        DeploymentStatus = "pending"
	DeploymentInProgress     DeploymentStatus = "in_progress"
	DeploymentSuccess        DeploymentStatus = "success"
	DeploymentFailed         DeploymentStatus = "failed"
	DeploymentRolledBack     DeploymentStatus = "rolled_back"
	DeploymentRollbackFailed DeploymentStatus = "rollback_failed"
)

// CheckResult is the outcome of one health check run.
type CheckResult struct {
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"responseTime"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	RunAt        time.Time     `json:"runAt"`
}

// HealthCheck probes one aspect of a deployed system. Either URL (HTTP probe
// with expected-substring matching) or Command (service/database probe) is set.
type HealthCheck struct {
	Name       string        `yaml:"name" json:"name"`
	URL        string        `yaml:"url,omitempty" json:"url,omitempty"`
	Command    string        `yaml:"command,omitempty" json:"command,omitempty"`
	Expected   string        `yaml:"expected,omitempty" json:"expected,omitempty"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	Retries    int           `yaml:"retries" json:"retries"`
	Critical   bool          `yaml:"critical,omitempty" json:"critical,omitempty"`
	LastResult *CheckResult  `yaml:"-" json:"lastResult,omitempty"`
	Recent     []CheckResult `yaml:"-" json:"-"`
}

// MetricSnapshot is an aggregate of key performance metrics over a window.
type MetricSnapshot struct {
	ResponseTime  float64   `json:"responseTimeMs"`
	ErrorRate     float64   `json:"errorRate"`
	MemoryPercent float64   `json:"memoryPercent"`
	CPUPercent    float64   `json:"cpuPercent"`
	TakenAt       time.Time `json:"takenAt"`
}

// Rollback step kinds, executed in catalog order.
const (
	RollbackGitRevert      = "git_revert"
	RollbackServiceRestart = "service_restart"
	RollbackCacheClear     = "cache_clear"
	RollbackMigration      = "database_migration"
	RollbackConfigRestore  = "config_restore"
)

// RollbackStep is one ordered operation inside a rollback.
type RollbackStep struct {
	Kind    string    `json:"kind"`
	Target  string    `json:"target,omitempty"`
	Status  string    `json:"status"`
	Output  string    `json:"output,omitempty"`
	Error   string    `json:"error,omitempty"`
	RanAt   time.Time `json:"ranAt,omitempty"`
}

// RollbackStatus enumerates rollback outcomes.
type RollbackStatus string

const (
	RollbackInProgress RollbackStatus = "in_progress"
	RollbackSuccess    RollbackStatus = "success"
	RollbackFailed     RollbackStatus = "failed"
)

// Rollback records one rollback execution against a deployment.
type Rollback struct {
	ID            string         `json:"id"`
	TriggeredBy   string         `json:"triggeredBy"` // automatic or manual
	Reason        string         `json:"reason"`
	Status        RollbackStatus `json:"status"`
	TargetVersion string         `json:"targetVersion"`
	Steps         []RollbackStep `json:"steps"`
	Verifications []CheckResult  `json:"verificationChecks,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
}

// Deployment tracks one in-flight or historical release.
type Deployment struct {
	ID            string           `json:"id"`
	Version       string           `json:"version"`
	Environment   string           `json:"environment"`
	Status        DeploymentStatus `json:"status"`
	Migrations    bool             `json:"migrationsApplied,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	FinishedAt    *time.Time       `json:"finishedAt,omitempty"`
	Checks        []HealthCheck    `json:"healthChecks"`
	Baseline      MetricSnapshot   `json:"baselineMetrics"`
	Current       MetricSnapshot   `json:"currentMetrics"`
	Rollback      *Rollback        `json:"rollbackInfo,omitempty"`
	PriorVersion  string           `json:"priorVersion,omitempty"`
}

// DeploymentValidation is the outcome of one validation pass.
type DeploymentValidation struct {
	Healthy  bool     `json:"healthy"`
	Critical bool     `json:"critical"`
	Reasons  []string `json:"reasons,omitempty"`
}
