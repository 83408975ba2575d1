// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notify

import (
	"errors"
)

// ErrorKind identifies a kind of delivery error.
type ErrorKind string

// These constants classify delivery failures.  The scheduler disables an
// alert on a permanent failure and merely logs a transient one.
const (
	// ErrPermanent indicates the delivery target itself is invalid,
	// such as a revoked device token or a gone push endpoint.  Retrying
	// cannot succeed.
	ErrPermanent = ErrorKind("ErrPermanent")

	// ErrTransient indicates a failure that may not recur, such as a
	// provider timeout.
	ErrTransient = ErrorKind("ErrTransient")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error is a classified delivery error.  It has full support for
// errors.Is and errors.As.
type Error struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// PermanentError returns a delivery error that disables the alert.
func PermanentError(desc string) Error {
	return Error{Err: ErrPermanent, Description: desc}
}

// TransientError returns a delivery error that is retried on the next
// natural occurrence.
func TransientError(desc string) Error {
	return Error{Err: ErrTransient, Description: desc}
}

// IsPermanent returns whether the passed error is a permanent delivery
// failure.  Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
