package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML loads configuration from a YAML file. Unknown keys are rejected
// so misspelled settings do not silently fall back to defaults.
func LoadYAML(path string, target interface{}) error {
	// #nosec G304 -- path is provided by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return nil
}
