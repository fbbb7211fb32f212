// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-ioq.

package api

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock is the "try again later" signal. It is a control flow
// value, not a failure: the operation state is preserved and the caller
// re-polls once more data may be available.
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err (or anything it wraps) is ErrWouldBlock.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeNotFound
	ErrCodePermission
	ErrCodeAlreadyExists
	ErrCodeNotSupported
	ErrCodeClosed
	ErrCodeCorrupt
	ErrCodeIO
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid argument"
	case ErrCodeNotFound:
		return "not found"
	case ErrCodePermission:
		return "permission denied"
	case ErrCodeAlreadyExists:
		return "already exists"
	case ErrCodeNotSupported:
		return "not implemented"
	case ErrCodeClosed:
		return "queue closed"
	case ErrCodeCorrupt:
		return "stream corrupt"
	case ErrCodeIO:
		return "i/o error"
	default:
		return "internal error"
	}
}

// Common errors used across the library. Match them with errors.Is; any
// *Error carrying the same code matches regardless of message or context.
var (
	ErrInvalidArgument = NewError(ErrCodeInvalidArgument, "invalid argument")
	ErrNotFound        = NewError(ErrCodeNotFound, "descriptor not found")
	ErrPermission      = NewError(ErrCodePermission, "registry not initialized")
	ErrAlreadyExists   = NewError(ErrCodeAlreadyExists, "resource already exists")
	ErrNotSupported    = NewError(ErrCodeNotSupported, "operation not implemented")
	ErrQueueClosed     = NewError(ErrCodeClosed, "queue is closed")
	ErrCorruptStream   = NewError(ErrCodeCorrupt, "stream corrupt")
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped transport error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Errorf creates a structured error wrapping cause.
func Errorf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
}

// WithContext adds context information to the error. Sentinel errors are
// never mutated; a copy is returned instead.
func (e *Error) WithContext(key string, value any) *Error {
	out := &Error{Code: e.Code, Message: e.Message, Err: e.Err}
	out.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		out.Context[k] = v
	}
	out.Context[key] = value
	return out
}

// CodeOf extracts the ErrorCode from err. Plain errors map to ErrCodeIO
// and nil maps to ErrCodeOK.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeIO
}
