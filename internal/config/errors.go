package config

import "fmt"

// ConfigurationError reports a rejected configuration value.
type ConfigurationError struct {
	// Key is the dotted option name, e.g. "learning.learning_rate".
	Key string

	// Value is the rejected value, if any.
	Value any

	// Reason describes the constraint that was violated.
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return "invalid configuration: " + e.Reason
	}
	if e.Value == nil {
		return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("invalid configuration %s=%v: %s", e.Key, e.Value, e.Reason)
}

func invalid(key string, value any, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Key: key, Value: value, Reason: fmt.Sprintf(format, args...)}
}
