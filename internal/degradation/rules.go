package degradation

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/resilstack/resilience-engine/internal/models"
)

// FeatureSeed declares one feature and its normal capability set.
type FeatureSeed struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities"`
}

type rulesFile struct {
	Rules    []models.DegradationRule `yaml:"rules"`
	Features []FeatureSeed            `yaml:"features"`
}

// LoadRules reads degradation rules and feature seeds from the provided
// path. A missing file yields an empty rule set rather than an error.
func LoadRules(path string) ([]models.DegradationRule, []FeatureSeed, error) {
	if path == "" {
		return nil, nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse degradation rules: %w", err)
	}
	for i, rule := range file.Rules {
		if rule.ID == "" {
			return nil, nil, fmt.Errorf("degradation rule %d missing id", i)
		}
		if len(rule.Triggers) == 0 {
			return nil, nil, fmt.Errorf("degradation rule %s has no triggers", rule.ID)
		}
		if rule.Level.Rank() <= 0 {
			return nil, nil, fmt.Errorf("degradation rule %s has invalid level %q", rule.ID, rule.Level)
		}
	}
	return file.Rules, file.Features, nil
}
