package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and merges one or more YAML files in order (later files
// override earlier ones), interpolating ${VAR} references against the
// process environment before parsing, then validates the result.
func LoadConfig(paths ...string) (*Config, error) {
	cfg, err := LoadConfigWithProfile("", paths...)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigWithProfile behaves like LoadConfig but additionally applies the
// named profile, if non-empty, after merging all files.
func LoadConfigWithProfile(profile string, paths ...string) (*Config, error) {
	var merged Config

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		interpolated, err := interpolateEnvVars(string(raw), os.LookupEnv)
		if err != nil {
			return nil, fmt.Errorf("failed to interpolate %s: %w", path, err)
		}

		var layer Config
		if err := yaml.Unmarshal([]byte(interpolated), &layer); err != nil {
			return nil, fmt.Errorf("failed to parse yaml in %s: %w", path, err)
		}

		merged.Merge(&layer)
	}

	if profile != "" {
		if err := merged.ApplyProfile(profile); err != nil {
			return nil, err
		}
	}

	merged.SetDefaults()

	if err := merged.Validate(); err != nil {
		return nil, err
	}

	return &merged, nil
}
