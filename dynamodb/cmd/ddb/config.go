package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schemagen"
)

const configFilename = "ddb.migrate.yaml"

// MigrateConfig holds defaults for the migration commands.
// Loaded from ddb.migrate.yaml if present; flags override it.
type MigrateConfig struct {
	// Models lists registry files or glob patterns. When empty, files named
	// *.ddbmodel.yaml are discovered from the working directory.
	Models []string `yaml:"models"`

	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Profile  string `yaml:"profile"`

	State StateConfig `yaml:"state"`

	// Table holds the generator settings. Unset fields keep
	// schemagen.DefaultConfig values.
	Table schemagen.Config `yaml:"table"`

	// Timeouts bounds wait steps, e.g. "index: 6h". Zero fields keep the
	// runner defaults.
	Timeouts migrate.Timeouts `yaml:"timeouts"`

	// dir is the directory the file was found in. Relative paths in the
	// file are resolved against it.
	dir string
}

// StateConfig selects where applied states are stored.
type StateConfig struct {
	// Backend is one of memory, badger, sqlite or table.
	Backend string `yaml:"backend"`
	// Path is the badger directory or sqlite file.
	Path string `yaml:"path"`
}

// LoadMigrateConfig searches for ddb.migrate.yaml starting from the current
// directory and walking up to the filesystem root. Returns the defaults if
// not found.
func LoadMigrateConfig() (MigrateConfig, error) {
	cfg := defaultMigrateConfig()
	path := findConfigFile()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

func defaultMigrateConfig() MigrateConfig {
	return MigrateConfig{
		State: StateConfig{Backend: "table"},
		Table: schemagen.DefaultConfig(""),
	}
}

// findConfigFile searches for ddb.migrate.yaml walking up from current directory.
func findConfigFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, configFilename)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			return ""
		}
		dir = parent
	}
}

// resolve makes a path from the config file relative to its directory.
func (c MigrateConfig) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.dir == "" {
		return path
	}
	return filepath.Join(c.dir, path)
}
