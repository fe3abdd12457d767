package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrUnknownCommand = errors.New("unknown command")
	ErrAlreadyStarted = errors.New("sync client already started")
	ErrInvalidParam   = errors.New("invalid command parameter")
	// ErrDeviceReported marks a status document in which the device itself
	// reports that it is not healthy.
	ErrDeviceReported = errors.New("device reported")
)

// ConfigError reports an invalid descriptor set.
type ConfigError struct {
	DeviceID string
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := "invalid configuration"
	if e.DeviceID != "" {
		msg += fmt.Sprintf(" for device %s", e.DeviceID)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError wraps a failure to complete a request. StatusCode is set when
// the device answered with a non-2xx status.
type TransportError struct {
	DeviceID   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("device %s: HTTP %d", e.DeviceID, e.StatusCode)
	}
	return fmt.Sprintf("device %s: %v", e.DeviceID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type ParseError struct {
	DeviceID string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("device %s: malformed status: %v", e.DeviceID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type UnknownDeviceError struct {
	DeviceID string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownDevice, e.DeviceID)
}

func (e *UnknownDeviceError) Is(target error) bool { return target == ErrUnknownDevice }

type UnknownCommandError struct {
	DeviceID string
	Action   string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("%s %q for device %q", ErrUnknownCommand, e.Action, e.DeviceID)
}

func (e *UnknownCommandError) Is(target error) bool { return target == ErrUnknownCommand }
