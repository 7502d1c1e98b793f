package climate

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileTable struct {
	Default  *Profile      `yaml:"default"`
	Stations []StationSpec `yaml:"stations"`
}

// LoadFile reads a profile table from YAML. The default profile is optional and
// falls back to DefaultProfile.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML profile table.
func Parse(data []byte) (*Table, error) {
	var ft fileTable
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(ft.Stations) == 0 {
		return nil, errors.New("profiles: at least one station is required")
	}
	fallback := DefaultProfile
	if ft.Default != nil {
		fallback = *ft.Default
	}
	return NewTable(ft.Stations, fallback)
}
