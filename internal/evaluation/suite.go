package evaluation

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/driftgate/driftgate/pkg/models"
)

// LoadSuite parses and validates a suite definition YAML document.
func LoadSuite(path string) (*models.SuiteDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite %s: %w", path, err)
	}
	return ParseSuite(data)
}

// ParseSuite parses a suite definition from YAML bytes and validates it.
func ParseSuite(data []byte) (*models.SuiteDefinition, error) {
	var suite models.SuiteDefinition
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, models.Validationf("parse suite: %v", err)
	}
	if err := validator.New().Struct(suite); err != nil {
		return nil, models.Validationf("suite definition: %v", err)
	}

	seen := make(map[string]bool, len(suite.Tasks))
	for _, t := range suite.Tasks {
		if seen[t.ID] {
			return nil, models.Validationf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return &suite, nil
}
