package waitlist

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the transport can map them.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindPersistence ErrorKind = "persistence"
)

// Error is the error type returned by the waitlist service and
// repositories.
type Error struct {
	Kind    ErrorKind
	Message string
	// Fields maps request field names to what is wrong with them.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindPersistence {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ErrDuplicateIdempotencyKey is wrapped by the store when a create collides
// with an existing idempotency key.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

func validationError(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

func fieldError(field, problem string) *Error {
	return validationError(fmt.Sprintf("%s %s", field, problem), map[string]string{field: problem})
}

func notFoundError(what string, id fmt.Stringer) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", what, id)}
}

func conflictError(err error) *Error {
	return &Error{Kind: KindConflict, Message: "concurrent update on the same queue group, retry", Err: err}
}

func persistenceError(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: op, Err: err}
}

// KindOf returns the kind of err, or KindPersistence for errors that did not
// originate here.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
