package main

import (
	"errors"
	"fmt"
)

// Error kinds returned by streaming adapters. Concrete errors wrap one of
// these so callers can branch with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnection    = errors.New("connection error")
	ErrState         = errors.New("state error")
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func connectionError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
}

func stateErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

// errorKind names the error class for logs and API responses.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrState):
		return "state"
	default:
		return "internal"
	}
}
