// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package alert

// ErrorKind identifies a kind of validation error.
type ErrorKind string

// These constants are used to identify a specific ValidationError.
const (
	// ErrUnsupportedChannel indicates the alert requests a delivery
	// channel the deployment does not support.
	ErrUnsupportedChannel = ErrorKind("ErrUnsupportedChannel")

	// ErrInvalidSchedule indicates the schedule does not parse as a
	// cron expression.
	ErrInvalidSchedule = ErrorKind("ErrInvalidSchedule")

	// ErrScheduleTooFrequent indicates the schedule fires more often on
	// average than the configured minimum interval.
	ErrScheduleTooFrequent = ErrorKind("ErrScheduleTooFrequent")

	// ErrInvalidEmail indicates the email address is not syntactically
	// plausible.
	ErrInvalidEmail = ErrorKind("ErrInvalidEmail")

	// ErrMissingCredentials indicates a push registration lacks a
	// required device or endpoint credential.
	ErrMissingCredentials = ErrorKind("ErrMissingCredentials")

	// ErrInvalidFeed indicates the feed list is empty or contains a
	// feed that does not decode or validate.
	ErrInvalidFeed = ErrorKind("ErrInvalidFeed")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// ValidationError identifies a rule violation in a submitted alert.  The
// description is written for the alert owner and is surfaced verbatim in
// the alert's status record.  It has full support for errors.Is and
// errors.As, so the caller can ascertain the specific rule violated.
type ValidationError struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e ValidationError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e ValidationError) Unwrap() error {
	return e.Err
}

// validationError creates a ValidationError given a set of arguments.
func validationError(kind ErrorKind, desc string) ValidationError {
	return ValidationError{Err: kind, Description: desc}
}
