package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model"
)

const modelSuffix = ".ddbmodel.yaml"

// skipDirs are never searched for model files.
var skipDirs = map[string]bool{
	".git":         true,
	".ddb":         true,
	".venv":        true,
	"__pycache__":  true,
	"node_modules": true,
	"vendor":       true,
}

// DiscoverModels finds *.ddbmodel.yaml files below the working directory.
// git ls-files is tried first since it honours .gitignore, then find, then
// a directory walk. The first strategy that finds anything wins.
func DiscoverModels() ([]string, error) {
	for _, list := range []func() ([]byte, error){gitListFiles, findModelFiles} {
		out, err := list()
		if err != nil {
			continue
		}
		if files, err := filterModelFiles(out); err == nil && len(files) > 0 {
			return files, nil
		}
	}
	return discoverWithWalk()
}

func gitListFiles() ([]byte, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, err
	}
	return exec.Command("git", "ls-files", "--cached", "--others", "--exclude-standard").Output()
}

func findModelFiles() ([]byte, error) {
	if _, err := exec.LookPath("find"); err != nil {
		return nil, err
	}
	return exec.Command("find", ".", "-type", "f", "-name", "*"+modelSuffix).Output()
}

func discoverWithWalk() ([]string, error) {
	var files []string
	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return nil
		case d.IsDir() && skipDirs[d.Name()]:
			return filepath.SkipDir
		case !d.IsDir() && strings.HasSuffix(d.Name(), modelSuffix):
			files = append(files, absPath(path))
		}
		return nil
	})
	return files, err
}

// filterModelFiles keeps the model files of a newline separated path
// listing, made absolute.
func filterModelFiles(output []byte) ([]string, error) {
	var files []string
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); strings.HasSuffix(line, modelSuffix) {
			files = append(files, absPath(line))
		}
	}
	return files, sc.Err()
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// loadRegistry merges the entities of every model file. Patterns come from
// the flag, then the config file, then discovery.
func loadRegistry(cfg MigrateConfig, patterns []string) (model.Registry, []string, error) {
	if len(patterns) == 0 {
		for _, p := range cfg.Models {
			patterns = append(patterns, cfg.resolve(p))
		}
	}
	var files []string
	if len(patterns) == 0 {
		found, err := DiscoverModels()
		if err != nil {
			return model.Registry{}, nil, fmt.Errorf("discover models: %w", err)
		}
		files = found
	}
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return model.Registry{}, nil, fmt.Errorf("models %q: %w", p, err)
		}
		if len(matches) == 0 {
			return model.Registry{}, nil, fmt.Errorf("no model files match %q", p)
		}
		files = append(files, matches...)
	}
	files = uniqueSorted(files)
	if len(files) == 0 {
		return model.Registry{}, nil, fmt.Errorf("no *%s files found; pass --models", modelSuffix)
	}

	var entities []model.Entity
	for _, f := range files {
		reg, err := model.LoadFile(f)
		if err != nil {
			return model.Registry{}, nil, err
		}
		entities = append(entities, reg.Entities...)
	}
	reg, err := model.NewRegistry(entities...)
	if err != nil {
		return model.Registry{}, nil, err
	}
	return reg, files, nil
}

func uniqueSorted(files []string) []string {
	sort.Strings(files)
	out := files[:0]
	for _, f := range files {
		if len(out) == 0 || f != out[len(out)-1] {
			out = append(out, f)
		}
	}
	return out
}
