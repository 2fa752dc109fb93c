package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Overlay applies the YAML file at path on top of c. Keys absent from the
// file keep their current value.
func (c *Config) Overlay(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}
