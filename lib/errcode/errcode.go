// Package errcode defines the numeric result codes exchanged between clients,
// the context manager and providers. The values are stable on the wire.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a wire-stable result code. A Code other than ErrNone is an error.
type Code int32

// contextBase is the common base of all context specific codes
const contextBase Code = -0x02C00000

const (
	ErrNone             Code = 0
	ErrInvalidParameter Code = -22
	ErrInvalidOperation Code = -38
	ErrOutOfMemory      Code = -12
	ErrPermissionDenied Code = -13
	ErrNoData           Code = -61
	ErrNotSupported     Code = -0x40000000 + 2

	ErrAlreadyStarted  Code = contextBase | 0x01
	ErrNotStarted      Code = contextBase | 0x02
	ErrOutOfRange      Code = contextBase | 0x03
	ErrOperationFailed Code = contextBase | 0x04
)

// Error implements the error interface
func (c Code) Error() string {
	return c.String()
}

// String returns the symbolic name of the code
func (c Code) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrInvalidParameter:
		return "invalid parameter"
	case ErrInvalidOperation:
		return "invalid operation"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrPermissionDenied:
		return "permission denied"
	case ErrNoData:
		return "no data"
	case ErrNotSupported:
		return "not supported"
	case ErrAlreadyStarted:
		return "already started"
	case ErrNotStarted:
		return "not started"
	case ErrOutOfRange:
		return "out of range"
	case ErrOperationFailed:
		return "operation failed"
	default:
		return fmt.Sprintf("unknown error (%d)", int32(c))
	}
}

// Err returns nil for ErrNone and the code itself otherwise.
// Use it to turn a code received from the wire into a Go error.
func (c Code) Err() error {
	if c == ErrNone {
		return nil
	}
	return c
}

// Of maps an error to its code. nil maps to ErrNone, errors that do not wrap a
// Code map to ErrOperationFailed.
func Of(err error) Code {
	if err == nil {
		return ErrNone
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrOperationFailed
}
