package accel

import (
	"errors"
	"fmt"
)

// Status is a runtime status code. Commands use it as their exit code.
type Status int

// Status codes.
const (
	StatusSuccess               Status = 0
	StatusUninitialized         Status = 1
	StatusInvalidArgument       Status = 2
	StatusOutOfHostMemory       Status = 3
	StatusTimeout               Status = 4
	StatusInsufficientBuffer    Status = 5
	StatusInvalidOperation      Status = 6
	StatusNotImplemented        Status = 7
	StatusInternalFailure       Status = 8
	StatusOpenFileFailure       Status = 13
	StatusInvalidModel          Status = 26
	StatusNotSupported          Status = 40
	StatusOutOfPhysicalDevices  Status = 74
	StatusDMAMappingUnavailable Status = 75
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusUninitialized:
		return "UNINITIALIZED"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	case StatusOutOfHostMemory:
		return "OUT_OF_HOST_MEMORY"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusInsufficientBuffer:
		return "INSUFFICIENT_BUFFER"
	case StatusInvalidOperation:
		return "INVALID_OPERATION"
	case StatusNotImplemented:
		return "NOT_IMPLEMENTED"
	case StatusInternalFailure:
		return "INTERNAL_FAILURE"
	case StatusOpenFileFailure:
		return "OPEN_FILE_FAILURE"
	case StatusInvalidModel:
		return "INVALID_MODEL"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusOutOfPhysicalDevices:
		return "OUT_OF_PHYSICAL_DEVICES"
	case StatusDMAMappingUnavailable:
		return "DMA_MAPPING_UNAVAILABLE"
	default:
		return fmt.Sprintf("STATUS_%d", int(s))
	}
}

// Error is a failed runtime call.
type Error struct {
	Status  Status
	Op      string
	Message string
	Cause   error
}

// NewError creates an accelerator error.
func NewError(status Status, op, message string) *Error {
	return &Error{Status: status, Op: op, Message: message}
}

// Wrap creates an accelerator error with an underlying cause.
func Wrap(status Status, op, message string, cause error) *Error {
	return &Error{Status: status, Op: op, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("accel %s: %s (status %d %s): %v", e.Op, e.Message, int(e.Status), e.Status, e.Cause)
	}
	return fmt.Sprintf("accel %s: %s (status %d %s)", e.Op, e.Message, int(e.Status), e.Status)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusOf returns the status carried by err. A nil error is StatusSuccess
// and an error from outside the runtime is StatusInternalFailure.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return StatusInternalFailure
}
