// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// Transport errors
	ErrHandleClosed       = errors.New("connection handle closed")
	ErrNamespaceUnknown   = errors.New("unknown namespace")
	ErrNotConnected       = errors.New("transport not connected")
	ErrOutboundQueueFull  = errors.New("outbound queue full")
	ErrManagerClosed      = errors.New("connection manager closed")
	ErrInvalidFrame       = errors.New("invalid frame")
	ErrSubscriptionClosed = errors.New("subscription already released")

	// Device errors
	ErrVesselNotSelected = errors.New("no vessel selected")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrInvalidDevice     = errors.New("invalid device")
	ErrSnapshotLoad      = errors.New("device snapshot load failed")
	ErrDeviceSlotTaken   = errors.New("vessel already has a device in that state")
	ErrInvalidTransition = errors.New("invalid device state transition")
	ErrActivationExpired = errors.New("activation token expired")

	// Position errors
	ErrInvalidPosition = errors.New("invalid position")
	ErrNoPosition      = errors.New("no known position")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
)

// StatusError is returned when the REST backend answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Is lets callers match status errors against the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrDeviceNotFound:
		return e.StatusCode == 404
	case ErrInvalidTransition:
		return e.StatusCode == 409
	case ErrActivationExpired:
		return e.StatusCode == 410
	case ErrBackendUnavailable:
		return e.StatusCode >= 500
	}
	return false
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
