package model

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML registry document. Unknown keys are rejected so typos
// in trait names do not silently drop an index.
func Parse(data []byte) (Registry, error) {
	var reg Registry
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&reg); err != nil {
		return Registry{}, fmt.Errorf("decode registry: %w", err)
	}
	return NewRegistry(reg.Entities...)
}

// LoadFile reads a single registry file.
func LoadFile(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, err
	}
	reg, err := Parse(data)
	if err != nil {
		return Registry{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return reg, nil
}

// LoadFiles loads every file matching the glob pattern and merges their
// entities into one registry.
func LoadFiles(pattern string) (Registry, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return Registry{}, fmt.Errorf("glob pattern error: %w", err)
	}
	if len(matches) == 0 {
		return Registry{}, fmt.Errorf("no model files found matching: %s", pattern)
	}

	var all []Entity
	for _, path := range matches {
		reg, err := LoadFile(path)
		if err != nil {
			return Registry{}, err
		}
		all = append(all, reg.Entities...)
	}
	return NewRegistry(all...)
}
