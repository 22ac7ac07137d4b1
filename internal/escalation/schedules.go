package escalation

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/resilstack/resilience-engine/internal/models"
)

type schedulesFile struct {
	Schedules []models.OnCallSchedule `yaml:"schedules"`
}

type rulesFile struct {
	Rules []models.EscalationRule `yaml:"rules"`
}

// LoadSchedules reads on-call schedules from the provided path. A missing
// file yields an empty set rather than an error.
func LoadSchedules(path string) ([]models.OnCallSchedule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var file schedulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse on-call schedules: %w", err)
	}
	for i, schedule := range file.Schedules {
		if schedule.Level < models.LevelMonitoring || schedule.Level > models.LevelExecutive {
			return nil, fmt.Errorf("on-call schedule %d has invalid level %d", i, schedule.Level)
		}
		if len(schedule.Primary) == 0 {
			return nil, fmt.Errorf("on-call schedule for level %s has no primary contacts", schedule.Level.Name())
		}
	}
	return file.Schedules, nil
}

// LoadRules reads escalation rules from the provided path. A missing file
// yields an empty set rather than an error.
func LoadRules(path string) ([]models.EscalationRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse escalation rules: %w", err)
	}
	for i, rule := range file.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("escalation rule %d missing id", i)
		}
		if rule.TargetLevel < models.LevelMonitoring || rule.TargetLevel > models.LevelExecutive {
			return nil, fmt.Errorf("escalation rule %s has invalid target level %d", rule.ID, rule.TargetLevel)
		}
	}
	return file.Rules, nil
}
