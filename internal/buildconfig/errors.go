package buildconfig

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidValue indicates a configuration value failed syntax checks
	ErrInvalidValue = errors.New("invalid configuration value")
	// ErrNotFound indicates a path named by the configuration does not exist
	ErrNotFound = errors.New("path not found")
	// ErrNotWritable indicates the output directory cannot be created or written
	ErrNotWritable = errors.New("path not writable")
)

// ConfigError reports a malformed or unresolvable configuration value.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := "config"
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" (%q)", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PortInUseError reports that the dev server address is already bound.
type PortInUseError struct {
	Addr string
	Err  error
}

func (e *PortInUseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("dev server address %s is already in use: %v", e.Addr, e.Err)
}

func (e *PortInUseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func invalidField(field, value, format string, args ...any) *ConfigError {
	return &ConfigError{
		Field: field,
		Value: value,
		Err:   fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...)),
	}
}
