package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrConfiguration  = errors.New("invalid configuration")
	ErrConnection     = errors.New("connection failed")
	ErrLoad           = errors.New("collection load failed")
	ErrValidation     = errors.New("validation failed")
	ErrModelInference = errors.New("model inference failed")
	ErrInsert         = errors.New("insert failed")
	ErrSearch         = errors.New("search failed")
	ErrCancelled      = errors.New("operation cancelled")
)

// Error describes a failed pipeline operation. Both Kind and the underlying
// cause are reachable through errors.Is and errors.As.
type Error struct {
	Kind       error
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Collection != "" {
		return fmt.Sprintf("%s [collection=%s]: %s", e.Op, e.Collection, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an Error. Context cancellation and deadline errors are
// always reported as ErrCancelled regardless of kind.
func NewError(kind error, op, collection string, err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = ErrCancelled
	}
	return &Error{Kind: kind, Op: op, Collection: collection, Err: err}
}

// IsTransient reports whether err is worth retrying by an outer layer.
// Configuration and validation failures never are.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrValidation):
		return false
	case errors.Is(err, ErrConnection), errors.Is(err, ErrInsert), errors.Is(err, ErrSearch), errors.Is(err, ErrCancelled):
		return true
	}
	return false
}
