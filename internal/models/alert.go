package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (0) to critical (3). Unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// AlertStatus enumerates alert lifecycle states. Alerts are never hard-deleted.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

// Alert is the inbound incident signal the engine reacts to.
type Alert struct {
	ID                 string      `json:"id"`
	Type               string      `json:"type"`
	Severity           Severity    `json:"severity"`
	Status             AlertStatus `json:"status"`
	Title              string      `json:"title"`
	Message            string      `json:"message,omitempty"`
	MetricName         string      `json:"metricName,omitempty"`
	CurrentValue       float64     `json:"currentValue,omitempty"`
	ThresholdValue     float64     `json:"thresholdValue,omitempty"`
	ComparisonOperator string      `json:"comparisonOperator,omitempty"`
	Source             string      `json:"source,omitempty"`
	Endpoint           string      `json:"endpoint,omitempty"`
	CustomerFacing     bool        `json:"customerFacing,omitempty"`
	Escalated          bool        `json:"escalated"`
	OccurrenceCount    int         `json:"occurrenceCount"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Compare evaluates value against threshold using a comparison operator
// (">", ">=", "<", "<=", "==", "!="). Unknown operators evaluate to false.
func Compare(value, threshold float64, operator string) bool {
	switch operator {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	default:
		return false
	}
}

// OppositeOperator returns the logical negation of a comparison operator,
// used to check whether a triggering condition has cleared.
func OppositeOperator(operator string) string {
	switch operator {
	case ">":
		return "<="
	case ">=":
		return "<"
	case "<":
		return ">="
	case "<=":
		return ">"
	case "==":
		return "!="
	case "!=":
		return "=="
	default:
		return ""
	}
}

// MetricSample is one append-only observation from the metric feed.
type MetricSample struct {
	Category  string    `json:"category"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
