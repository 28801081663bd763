// Package toolctl manages the registry of named tools: YAML-defined
// specs, guarded execution with timeouts, and performance-ranked
// recommendations.
package toolctl

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tool categories.
const (
	CategoryDataCollection = "data_collection"
	CategoryAnalysis       = "analysis"
	CategoryStrategy       = "strategy"
	CategoryExecution      = "execution"
	CategoryMonitoring     = "monitoring"
	CategoryUtility        = "utility"
)

var knownCategories = map[string]bool{
	CategoryDataCollection: true,
	CategoryAnalysis:       true,
	CategoryStrategy:       true,
	CategoryExecution:      true,
	CategoryMonitoring:     true,
	CategoryUtility:        true,
}

// Spec describes one tool as declared in the registry file.
type Spec struct {
	Name       string            `yaml:"name"`
	Category   string            `yaml:"category"`
	Priority   int               `yaml:"priority"`
	Command    string            `yaml:"command"`
	Depends    []string          `yaml:"depends,omitempty"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

type registryFile struct {
	Tools []Spec `yaml:"tools"`
}

// LoadSpecs reads tool specs from a YAML registry file.
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool registry %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool registry %s: %w", path, err)
	}

	for i := range file.Tools {
		if err := validateSpec(&file.Tools[i]); err != nil {
			return nil, fmt.Errorf("tool registry %s: %w", path, err)
		}
	}
	return file.Tools, nil
}

func validateSpec(s *Spec) error {
	if s.Name == "" {
		return fmt.Errorf("tool with empty name")
	}
	if !knownCategories[s.Category] {
		return fmt.Errorf("tool %s has unknown category %q", s.Name, s.Category)
	}
	if s.Priority < 1 || s.Priority > 5 {
		return fmt.Errorf("tool %s priority %d outside 1..5", s.Name, s.Priority)
	}
	return nil
}
