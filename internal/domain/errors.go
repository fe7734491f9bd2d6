package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDevices is returned when a pool stays empty past its timeout
	ErrNoDevices = errors.New("no devices available")
	// ErrRunCancelled marks a run stopped by timeout or abort
	ErrRunCancelled = errors.New("run cancelled")
	// ErrLeaseExpired is returned when a lease no longer matches the device generation
	ErrLeaseExpired = errors.New("device lease expired")
)

// ConfigError is an invalid filter, strategy or policy configuration.
// It is always raised before scheduling starts.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += " in " + e.Field
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DeviceError is an infra or communication failure isolated to one device
type DeviceError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.DeviceID, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// SetupError is a device preparation failure after exhausting bounded retries
type SetupError struct {
	DeviceID string
	Step     string
	Err      error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setting up device %s (%s): %v", e.DeviceID, e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned when a state transition is invalid
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s -> %s (%s)", e.Entity, e.From, e.To, e.ID)
}

// IsDeviceError reports whether err is an infra failure attributable to a device
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// IsConfigError reports whether err is a configuration error
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
