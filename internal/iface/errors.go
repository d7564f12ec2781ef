package iface

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSetupFailed   = errors.New("interface setup failed")
	ErrInvalidConfig = errors.New("invalid interface config")
	ErrUnknownKind   = errors.New("unknown interface kind")
)

type Severity int

const (
	SeverityTransient Severity = iota
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "fatal"
	}
	return "transient"
}

// Error classifies a backend failure
type Error struct {
	Severity Severity
	// Offline is set when the remote end is unreachable. Retries of offline
	// errors are not bounded by Backoff.MaxAttempts.
	Offline bool
	Err     error
}

func (e *Error) Error() string {
	if e.Offline {
		return fmt.Sprintf("offline: %v", e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Severity, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable; the interface keeps running
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Severity: SeverityTransient, Err: err}
}

// Fatal marks err as terminal for the interface
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Severity: SeverityFatal, Err: err}
}

// Offline marks err as transient until the remote end comes back
func Offline(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Severity: SeverityTransient, Offline: true, Err: err}
}

func IsOffline(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Offline
}

func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Severity == SeverityFatal
}

// IsTransient treats unclassified errors as transient. Context errors are
// neither, they mean the worker is being stopped.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
