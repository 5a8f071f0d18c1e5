package scheduling

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine readable category of an engine error. Callers use it to
// pick a response, e.g. suggesting an extra weekday when generation is unsatisfiable.
type ErrorCode string

const (
	CodeValidation    ErrorCode = "validation_error"
	CodeUnsatisfiable ErrorCode = "unsatisfiable_generation"
)

// Error is the typed error returned by the engine.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var (
	ErrNoWeekdays             = &Error{Code: CodeValidation, Message: "recurrence pattern has no weekdays"}
	ErrInvalidWeekday         = &Error{Code: CodeValidation, Message: "weekday must be between 0 (Sunday) and 6 (Saturday)"}
	ErrInvalidTargetCount     = &Error{Code: CodeValidation, Message: "target session count must be positive"}
	ErrMissingStartDate       = &Error{Code: CodeValidation, Message: "start date is required"}
	ErrInvalidTimeRange       = &Error{Code: CodeValidation, Message: "start time must be before end time"}
	ErrCompletedExceedsTarget = &Error{Code: CodeValidation, Message: "completed sessions exceed the target session count"}
	ErrUnsatisfiable          = &Error{Code: CodeUnsatisfiable, Message: "cannot satisfy session count within the generation horizon"}
)

// wrapf keeps the sentinel's code and chains it so errors.Is keeps working.
func wrapf(sentinel *Error, format string, args ...interface{}) error {
	return &Error{
		Code:    sentinel.Code,
		Message: fmt.Sprintf("%s: %s", sentinel.Message, fmt.Sprintf(format, args...)),
		Err:     sentinel,
	}
}

// CodeOf returns the engine error code carried by err, or "" when err did not come
// from the engine.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err is a malformed-input error.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}
