package controller

import (
	"errors"
	"fmt"
)

// Kind classifies controller errors so the API layer can map them to HTTP
// statuses without string matching.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindForbidden
	KindNotFound
	KindConflict
	KindExhausted
	KindUnavailable
)

// Error is a controller error with a classification and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain; unclassified errors are
// internal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...any) *Error {
	return errorf(KindValidation, format, args...)
}

func forbiddenf(format string, args ...any) *Error {
	return errorf(KindForbidden, format, args...)
}

func notFoundf(format string, args ...any) *Error {
	return errorf(KindNotFound, format, args...)
}

func conflictf(format string, args ...any) *Error {
	return errorf(KindConflict, format, args...)
}

func exhaustedf(format string, args ...any) *Error {
	return errorf(KindExhausted, format, args...)
}

func unavailablef(format string, args ...any) *Error {
	return errorf(KindUnavailable, format, args...)
}

func internalErr(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}
