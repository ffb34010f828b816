package yaf

import (
	"errors"
	"fmt"
)

// DriverError is the error type returned by every operation in this module.
// It wraps one of the [YAFError] taxonomy constants, so callers can test the
// failure class with [errors.Is] regardless of how many context messages
// have been layered on top.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	WrapError(err error) DriverError
}

// -----------------------------------------------------------------------------

type customDriverError struct {
	message       string
	originalError error
}

func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDriverError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: e,
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}

// CastToDriverError converts any error into a DriverError. Errors that
// already are one pass through unchanged; nil stays nil; anything else is
// wrapped as an I/O failure, the only thing a foreign error can mean at the
// boundary between the core and its backing storage.
func CastToDriverError(err error) DriverError {
	if err == nil {
		return nil
	}

	var driverError DriverError
	if errors.As(err, &driverError) {
		return driverError
	}
	return ErrIOFailed.WrapError(err)
}
