package thermal

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a runtime write that was rejected without changing state.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoFrequencyTable is reported when the frequency limiter has no table yet.
	ErrNoFrequencyTable = errors.New("frequency table unavailable")
	// ErrOnlineRejected is returned by GatedHotplug when the hotplug gate vetoes an online request.
	ErrOnlineRejected = errors.New("cpu online rejected by core control")
	// ErrRunning is returned for writes only accepted while the polling loop is stopped.
	ErrRunning = errors.New("polling loop is enabled")
)

// ConfigError reports invalid configuration or an unusable frequency table.
// It is fatal for the governor.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("thermal config: %v", e.Err)
	}
	return fmt.Sprintf("thermal config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// SensorError is a transient sensor read failure; the cycle is skipped.
type SensorError struct {
	SensorID string
	Err      error
}

func (e *SensorError) Error() string {
	return fmt.Sprintf("read sensor %s: %v", e.SensorID, e.Err)
}

func (e *SensorError) Unwrap() error {
	return e.Err
}

// ApplyError is a failed frequency-limit or hotplug request for one CPU.
type ApplyError struct {
	CPU int
	Op  string
	Err error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s cpu%d: %v", e.Op, e.CPU, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

func invalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
