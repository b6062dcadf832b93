package internal

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument			= errors.New("invalid argument")
	ErrInvalidHandle			= errors.New("invalid handle")
	ErrOperationStillPending	= errors.New("operation still pending")
	ErrContextNotInitialized	= errors.New("context not initialized")
	ErrCollaboratorFailure		= errors.New("collaborator failure")
	ErrCancelled				= errors.New("operation cancelled")
	ErrResourceExhausted		= errors.New("no free handles")
	ErrClosed					= errors.New("manager closed")
)

// StatusError is what a failing filesystem or codec call turns into. The cause is
// kept as-is so callers can still match on the underlying errno.
type StatusError struct {
	Op		string
	Err		error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func (e *StatusError) Is(target error) bool {
	return target == ErrCollaboratorFailure
}

// Collab wraps err as a collaborator failure. nil stays nil, and errors that are
// already part of the taxonomy are returned untouched.
func Collab(op string, err error) error {
	if err == nil { return nil }
	switch {
	case errors.Is(err, ErrCollaboratorFailure),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrContextNotInitialized),
		errors.Is(err, ErrCancelled):
		return err
	}
	return &StatusError{Op: op, Err: err}
}

// Invalid builds an ErrInvalidArgument with some context attached.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
