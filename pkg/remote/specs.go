package remote

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerSpec describes a remote tool server launched over stdio
type ServerSpec struct {
	ID      string            `json:"id" yaml:"id"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
}

// Validate checks the spec has an id and a command
func (s ServerSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("remote server id is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("remote server %s: command is required", s.ID)
	}
	return nil
}

type specFile struct {
	Servers []ServerSpec `json:"servers" yaml:"servers"`
}

// LoadServerSpecs reads a .json, .yaml or .yml file holding a "servers"
// list. A missing file yields no specs.
func LoadServerSpecs(path string) ([]ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read remote server specs: %w", err)
	}

	var file specFile
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse JSON server specs: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML server specs: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported server specs format: %s (supported: .json, .yaml, .yml)", ext)
	}

	seen := make(map[string]bool, len(file.Servers))
	for i, spec := range file.Servers {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("server %d: %w", i, err)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate remote server id %q", spec.ID)
		}
		seen[spec.ID] = true
	}
	return file.Servers, nil
}
