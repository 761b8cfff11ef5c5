package pipeline

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads a pipeline document. Files ending in .toml are decoded as
// TOML, everything else as YAML. Unknown keys are rejected so typos in
// field names surface as ConfigErrors instead of silently doing nothing.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Errorf("pipeline file %s not found", path)
		}
		return nil, Errorf("reading pipeline %s: %v", path, err)
	}

	def, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, err
	}
	def.Path = path
	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

// Formats accepted by Parse.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes a pipeline document from memory.
func Parse(data []byte, format string) (*Definition, error) {
	def := &Definition{}
	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(def); err != nil {
			return nil, Errorf("decoding toml: %v", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(def); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, Errorf("pipeline document is empty")
			}
			return nil, Errorf("decoding yaml: %v", err)
		}
	}
	return def, nil
}
