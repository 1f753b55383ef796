package callwall

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrTimeout is returned when a command gets no terminal response before its deadline
	ErrTimeout = errors.New("command timeout")
	// ErrCommandPending is returned when a command is sent while another one is in flight
	ErrCommandPending = errors.New("command pending")
	// ErrNotReady is returned when a command is issued while the session is not ready
	ErrNotReady = errors.New("session not ready")
	// ErrClosed is returned for operations on a closed engine or session
	ErrClosed = errors.New("closed")
	// ErrFatal is returned when the session exhausted its recovery attempts
	ErrFatal = errors.New("session failed")
	// ErrInvalidStateTransition is returned when an invalid state transition is attempted
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// DeviceError is returned when the modem answers a command with ERROR or with
// a response that cannot be interpreted. Response keeps the raw lines for
// diagnostics.
type DeviceError struct {
	Command  string
	Response []string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error on %s: %s", e.Command, strings.Join(e.Response, " | "))
}

// TransportError wraps an I/O failure on the serial line.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// recoverable reports whether err should push a ready session into recovery.
// Timeouts are not: the caller retries or fails open.
func recoverable(err error) bool {
	var de *DeviceError
	var te *TransportError
	return errors.As(err, &de) || errors.As(err, &te)
}
