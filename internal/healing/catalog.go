package healing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/resilstack/resilience-engine/internal/models"
)

// Action kinds the executor understands.
const (
	KindRestartService   = "restart_service"
	KindClearCache       = "clear_cache"
	KindResetConnections = "reset_connections"
	KindScaleResources   = "scale_resources"
	KindCleanupLogs      = "cleanup_logs"
	KindForceGC          = "force_gc"
)

type catalogFile struct {
	Actions []models.HealingAction `yaml:"actions"`
}

// LoadCatalog reads healing actions from the provided path. A missing file
// yields an empty catalog rather than an error.
func LoadCatalog(path string) ([]models.HealingAction, error) {
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
		return nil, fmt.Errorf("parse healing catalog: %w", err)
	}
	for i, action := range file.Actions {
		if action.ID == "" {
			return nil, fmt.Errorf("healing catalog entry %d missing id", i)
		}
		if action.Kind == "" {
			return nil, fmt.Errorf("healing action %s missing kind", action.ID)
		}
	}
	return file.Actions, nil
}
