package models

import "errors"

var (
	// ErrValidation wraps any rejected input; nothing is persisted.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for an unknown towing request.
	ErrNotFound = errors.New("towing request not found")

	// ErrUnknownMechanic is returned when a response comes from a mechanic the
	// directory does not know.
	ErrUnknownMechanic = errors.New("mechanic not found")

	// ErrInvalidTransition is returned when the current status does not allow
	// the requested change, e.g. acting on a terminal request.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrForbidden = errors.New("forbidden action")

	ErrInvalidOutcome = errors.New("response must be accept or reject")

	// ErrUnavailable marks infrastructure failures (database, queue backend).
	ErrUnavailable = errors.New("service unavailable")
)
