package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps err with additional context. Returns
// nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is wraps errors.Is from the standard library.
func Is(err, target error) bool { return errors.Is(err, target) }

// As wraps errors.As from the standard library.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Unwrap wraps errors.Unwrap from the standard library.
func Unwrap(err error) error { return errors.Unwrap(err) }

// New wraps errors.New from the standard library.
func New(message string) error { return errors.New(message) }
