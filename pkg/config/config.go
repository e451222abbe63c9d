// Package config loads YAML or JSON configuration files, applies environment
// overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fluxorio/claimbridge/pkg/core"
)

// Validator validates configuration
type Validator interface {
	Validate(config interface{}) error
}

// ValidatorFunc is a function that validates configuration
type ValidatorFunc func(config interface{}) error

func (f ValidatorFunc) Validate(config interface{}) error {
	return f(config)
}

var durationType = reflect.TypeOf(time.Duration(0))

// Load loads configuration from a file (YAML or JSON)
// Automatically detects file type by extension
func Load(path string, target interface{}) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(path, target)
	default:
		return LoadYAML(path, target)
	}
}

// LoadWithEnv loads configuration from file and applies environment variable overrides
// Environment variables use format: PREFIX_SECTION_FIELD (e.g., CLAIMBRIDGE_NATS_URL)
func LoadWithEnv(path string, prefix string, target interface{}) error {
	if path != "" {
		if err := Load(path, target); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := ApplyEnvOverrides(prefix, target); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to configuration struct.
// A field's name in the variable is its yaml tag, or its Go name when untagged,
// upper-cased.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	if prefix == "" {
		prefix = "APP"
	}

	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}

	return applyEnvToStruct(prefix, val.Elem())
}

// envName returns the variable segment for a struct field, or "" to skip it.
func envName(f reflect.StructField) string {
	name := f.Name
	if tag, ok := f.Tag.Lookup("yaml"); ok {
		tagName, _, _ := strings.Cut(tag, ",")
		if tagName == "-" {
			return ""
		}
		if tagName != "" {
			name = tagName
		}
	}
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// isInline reports whether f is an embedded struct flattened into its parent.
func isInline(f reflect.StructField) bool {
	if !f.Anonymous {
		return false
	}
	_, opts, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	return strings.Contains(opts, "inline")
}

// applyEnvToStruct recursively applies environment variables to struct fields
func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}
		if isInline(fieldType) && field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(prefix, field); err != nil {
				return err
			}
			continue
		}

		name := envName(fieldType)
		if name == "" {
			continue
		}
		envKey := prefix + "_" + name

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}

		if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}
			if err := applyEnvToStruct(envKey, field.Elem()); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envKey, err)
		}
	}

	return nil
}

// setFieldFromEnv sets a struct field value from environment variable string
func setFieldFromEnv(field reflect.Value, envValue string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return fmt.Errorf("invalid duration value: %s", envValue)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intVal, err := strconv.ParseInt(envValue, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer value: %s", envValue)
		}
		field.SetInt(intVal)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uintVal, err := strconv.ParseUint(envValue, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", envValue)
		}
		field.SetUint(uintVal)
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(envValue, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid float value: %s", envValue)
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(envValue)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", envValue)
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		// For slices, split by comma
		parts := strings.Split(envValue, ",")
		sliceType := field.Type().Elem()
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, part := range parts {
			part = strings.TrimSpace(part)
			elem := reflect.New(sliceType).Elem()
			if err := setFieldFromEnv(elem, part); err != nil {
				return err
			}
			slice.Index(i).Set(elem)
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate runs validators in order and stops at the first failure. The
// error matches core.ErrInvalidConfig.
func Validate(config interface{}, validators ...Validator) error {
	for _, validator := range validators {
		if err := validator.Validate(config); err != nil {
			return fmt.Errorf("%w: %w", core.ErrInvalidConfig, err)
		}
	}
	return nil
}
