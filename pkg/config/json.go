package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// LoadJSON loads configuration from a JSON file. Unknown keys are rejected.
// Durations are integer nanoseconds in JSON.
func LoadJSON(path string, target interface{}) error {
	// #nosec G304 -- path is provided by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}
