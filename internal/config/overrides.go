package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"streamvault/internal/policy"
)

type overridesFile struct {
	Cameras map[string]policy.Override `yaml:"cameras"`
}

// LoadOverrides reads the per-stream override table from a YAML file:
//
//	cameras:
//	  camA:
//	    max_space_mb: 500
//	    rotation_strategy: oldest
func LoadOverrides(path string) (map[string]policy.Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overrides %s: %w", path, err)
	}
	return ParseOverrides(data)
}

// ParseOverrides decodes an override table.
func ParseOverrides(data []byte) (map[string]policy.Override, error) {
	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse overrides: %w", err)
	}
	if f.Cameras == nil {
		f.Cameras = map[string]policy.Override{}
	}
	return f.Cameras, nil
}
