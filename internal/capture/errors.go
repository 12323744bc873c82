package capture

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the class of a capture failure.
type ErrorCode string

// Capture error codes.
const (
	ErrDeviceOpen        ErrorCode = "DEVICE_OPEN"
	ErrUnsupportedDevice ErrorCode = "UNSUPPORTED_DEVICE"
	ErrInvalidState      ErrorCode = "INVALID_STATE"
	ErrFormatNegotiation ErrorCode = "FORMAT_NEGOTIATION"
	ErrBufferAllocation  ErrorCode = "BUFFER_ALLOCATION"
	ErrBufferMapping     ErrorCode = "BUFFER_MAPPING"
	ErrQueue             ErrorCode = "QUEUE"
	ErrStreamStart       ErrorCode = "STREAM_START"
	ErrDequeue           ErrorCode = "DEQUEUE"
	ErrRequeue           ErrorCode = "REQUEUE"
)

// Error is returned by every Manager operation that can fail.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func newError(code ErrorCode, op, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("capture %s: [%s] %s: %v", e.Op, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("capture %s: [%s] %s", e.Op, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HasCode checks if the error matches a specific code.
func (e *Error) HasCode(code ErrorCode) bool {
	return e.Code == code
}

// CodeOf returns the capture error code carried by err, or "" if err is not
// (and does not wrap) a *Error.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
