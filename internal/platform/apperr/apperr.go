// Package apperr carries the error kinds shared by the platform and domain
// packages, and their mapping to HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Conflict
	Allocation
	Provisioning
	Forbidden
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Allocation:
		return "allocation"
	case Provisioning:
		return "provisioning"
	case Forbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// Error is an application error. Ref optionally names the entity the error
// is about, e.g. the existing queue entry on a duplicate booking.
type Error struct {
	Kind    Kind
	Message string
	Ref     string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so sentinel values such as
// ErrRegistryClosed can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

// ConflictRef reports a conflict with an existing entity identified by ref.
func ConflictRef(message, ref string) *Error {
	return &Error{Kind: Conflict, Message: message, Ref: ref}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
