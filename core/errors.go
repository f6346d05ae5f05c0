package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeInvalidValue    = "INVALID_VALUE"
	ErrCodeInvalidDevice   = "INVALID_DEVICE"
	ErrCodeRepairCatalog   = "REPAIR_CATALOG"
	ErrCodeDirectoryAccess = "DIRECTORY_ACCESS"
)

// ErrInvalidValue reports an environment variable holding an out-of-range value.
func ErrInvalidValue(varName, value, expected string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid value %q for %s", value, varName),
		Action:  fmt.Sprintf("Set %s to %s", varName, expected),
	}
}

// ErrInvalidDevice reports an unknown PICGO_DEVICE selection.
func ErrInvalidDevice(value string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidDevice,
		Message: fmt.Sprintf("Unknown device selection %q", value),
		Action:  "Set PICGO_DEVICE to one of: auto, cpu, gpu",
	}
}

// ErrRepairCatalog reports an unreadable or malformed repair-source file.
func ErrRepairCatalog(path string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeRepairCatalog,
		Message: fmt.Sprintf("Cannot read repair sources from %s: %v", path, cause),
		Action:  "Fix the YAML file named by PICGO_CONFIG or unset the variable to use the built-in sources",
	}
}

// ErrDirectoryAccess reports a directory that cannot be created.
func ErrDirectoryAccess(path string, cause error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeDirectoryAccess,
		Message: fmt.Sprintf("Cannot create directory %s: %v", path, cause),
		Action:  "Check permissions or point the corresponding PICGO_*_DIR variable elsewhere",
	}
}

// IsConfigError checks if an error is a ConfigError and returns it if so.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}
