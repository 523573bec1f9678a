package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// definitionsFile is the on-disk shape of a service definitions document.
type definitionsFile struct {
	Services []*Service `yaml:"services"`
}

// LoadDefinitions reads service definitions from a YAML file, or from every
// .yml/.yaml file in a directory, and registers them with the manager.
// Duplicate names fail the whole load so a broken file is noticed at
// startup rather than at node boot.
func (m *Manager) LoadDefinitions(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("reading service definitions: %w", err)
	}
	if !info.IsDir() {
		return m.loadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, fmt.Errorf("reading service definitions: %w", err)
	}
	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yml", ".yaml":
		default:
			continue
		}
		n, err := m.loadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *Manager) loadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading service definitions: %w", err)
	}

	var doc definitionsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parsing service definitions %s: %w", path, err)
	}

	for _, svc := range doc.Services {
		if err := m.Register(svc); err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
	}
	return len(doc.Services), nil
}
