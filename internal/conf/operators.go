package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/anthropics/feishu-handoff/internal/biz/domain"
)

// OperatorsConfig is the operators.yaml shape. The allow-list is the only
// source of operator identity; ratings are seeded here once and evolve in
// memory afterwards.
type OperatorsConfig struct {
	Operators []OperatorEntry `yaml:"operators"`
}

// OperatorEntry describes one allow-listed operator
type OperatorEntry struct {
	ID          string  `yaml:"id"`
	DisplayName string  `yaml:"display_name"`
	Active      bool    `yaml:"active"`
	Rating      float64 `yaml:"rating"`
	Sessions    int     `yaml:"sessions"`
}

// LoadOperators loads the operator allow-list from YAML. With an empty
// configPath it searches the usual locations.
func LoadOperators(configPath string) ([]domain.Operator, string, error) {
	paths := []string{configPath}
	if configPath == "" {
		paths = []string{
			"configs/operators.yaml",
			"./configs/operators.yaml",
			"/etc/feishu-handoff/operators.yaml",
		}
		if execPath, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(execPath), "configs", "operators.yaml"))
		}
		if wd, err := os.Getwd(); err == nil {
			paths = append(paths, filepath.Join(wd, "configs", "operators.yaml"))
		}
	}

	var data []byte
	var loadedPath string
	var err error

	for _, p := range paths {
		data, err = os.ReadFile(p)
		if err == nil {
			loadedPath = p
			break
		}
	}

	if data == nil {
		return nil, "", &ConfigError{Field: "operators.yaml", Message: "not found in any search path"}
	}

	var config OperatorsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, "", fmt.Errorf("failed to parse %s: %w", loadedPath, err)
	}

	operators := make([]domain.Operator, 0, len(config.Operators))
	for i, entry := range config.Operators {
		if entry.ID == "" {
			return nil, "", fmt.Errorf("%s: operator %d has no id", loadedPath, i)
		}
		name := entry.DisplayName
		if name == "" {
			name = entry.ID
		}
		rating := entry.Rating
		if rating == 0 && entry.Sessions == 0 {
			rating = 5.0
		}
		operators = append(operators, domain.Operator{
			OperatorID:    entry.ID,
			DisplayName:   name,
			IsActive:      entry.Active,
			Rating:        rating,
			TotalSessions: entry.Sessions,
		})
	}

	return operators, loadedPath, nil
}
