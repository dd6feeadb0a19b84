// Package errors provides coded application errors. Handlers map codes to
// HTTP statuses; services use codes to distinguish expected rejections
// (validation, permission, conflict) from infrastructure failures.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeValidation      Code = "VALIDATION"
	ErrCodePermissionDenied Code = "PERMISSION_DENIED"
	ErrCodeInvalidState    Code = "INVALID_STATE"
	ErrCodeNotFound        Code = "NOT_FOUND"
	ErrCodeUnauthenticated Code = "UNAUTHENTICATED"
	ErrCodeBadCipher       Code = "BAD_CIPHER"
	ErrCodeParse           Code = "PARSE"
	ErrCodeUnavailable     Code = "UNAVAILABLE"
	ErrCodeDuplicate       Code = "DUPLICATE"
	ErrCodeConflict        Code = "CONFLICT"
	ErrCodeInternal        Code = "INTERNAL"
)

// Error is an application error with a stable code.
type Error struct {
	ErrCode Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given code and message.
func New(code Code, msg string) error {
	return &Error{ErrCode: code, Message: msg}
}

// Newf creates an error with the given code and formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message, preserving the cause chain.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{ErrCode: code, Message: msg, cause: err}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, msg string) error {
	return &Error{ErrCode: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", field, msg)}
}

// NotFound reports a missing resource.
func NotFound(kind, id string) error {
	return &Error{ErrCode: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// PermissionDenied reports an authorization failure.
func PermissionDenied(msg string) error {
	return &Error{ErrCode: ErrCodePermissionDenied, Message: msg}
}

// CodeOf extracts the application code from err, or ErrCodeInternal when the
// error carries none.
func CodeOf(err error) Code {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.ErrCode
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
