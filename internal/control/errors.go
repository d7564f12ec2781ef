package control

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidConfig    Code = "invalid_config"
	CodeInterfaceBusy    Code = "interface_busy"
	CodeInterfaceRemoved Code = "interface_removed"
	CodeUnauthorized     Code = "unauthorized"
	CodeNotFound         Code = "not_found"
	CodeInternal         Code = "internal"
)

// Error is a task failure. Errors compare equal by code, so
// errors.Is(err, ErrInterfaceBusy) matches any busy error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

var (
	ErrInvalidConfig    = &Error{Code: CodeInvalidConfig}
	ErrInterfaceBusy    = &Error{Code: CodeInterfaceBusy}
	ErrInterfaceRemoved = &Error{Code: CodeInterfaceRemoved}
	ErrUnauthorized     = &Error{Code: CodeUnauthorized}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrInternal         = &Error{Code: CodeInternal}
)

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Code == e.Code
}

// AsError finds the task error in err's chain, anything else is internal
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
