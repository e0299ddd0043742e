package config

import (
	"github.com/goccy/go-yaml"
)

// marshalConfigYAML renders the config in a canonical YAML form. Used both
// for content hashing (key order is stable) and for `clawgate config export`.
func marshalConfigYAML(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ExportYAML returns the config as YAML for human inspection.
func ExportYAML(cfg *Config) (string, error) {
	data, err := marshalConfigYAML(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
