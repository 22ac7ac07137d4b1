package recovery

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/resilstack/resilience-engine/internal/models"
)

// catalogFile is the YAML root structure of a recovery action pack.
type catalogFile struct {
	Actions []models.RecoveryAction `yaml:"actions"`
}

// LoadCatalog reads recovery actions from the provided path. A missing file
// yields an empty catalog rather than an error.
func LoadCatalog(path string) ([]models.RecoveryAction, error) {
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
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse recovery catalog: %w", err)
	}
	for i, action := range file.Actions {
		if action.ID == "" {
			return nil, fmt.Errorf("recovery catalog entry %d missing id", i)
		}
		if len(action.Immediate) == 0 {
			return nil, fmt.Errorf("recovery action %s has no immediate steps", action.ID)
		}
	}
	return file.Actions, nil
}
