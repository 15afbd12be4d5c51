package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest looked up when a generator path names a directory.
const FileName = "generator.yaml"

// Manifest describes a generator package.
type Manifest struct {
	Metadata Metadata         `yaml:"metadata"`
	Runtime  RuntimeSpec      `yaml:"runtime"`
	MIDI     map[string]int   `yaml:"midi,omitempty"`
	Groups   []map[string]any `yaml:"groups,omitempty"`

	dir string
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode       string `yaml:"mode"`
	Module     string `yaml:"module"`
	Entrypoint string `yaml:"entrypoint"`
}

// Load reads a manifest from disk. path may be the manifest itself or its directory.
func Load(path string) (Manifest, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if m.Runtime.Entrypoint == "" {
		m.Runtime.Entrypoint = "play"
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ModulePath resolves runtime.module relative to the manifest's directory.
func (m Manifest) ModulePath() string {
	if filepath.IsAbs(m.Runtime.Module) || m.dir == "" {
		return m.Runtime.Module
	}
	return filepath.Join(m.dir, m.Runtime.Module)
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	switch m.Runtime.Mode {
	case "wasm", "lua":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for %s", m.Runtime.Mode)
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	for name, id := range m.MIDI {
		if name == "" {
			return fmt.Errorf("midi device names must not be empty")
		}
		if id < 0 {
			return fmt.Errorf("midi device %q has negative id %d", name, id)
		}
	}
	for i, g := range m.Groups {
		if g == nil {
			return fmt.Errorf("groups[%d] must be a mapping", i)
		}
	}
	return nil
}
