package circulation

import (
	"context"
	"errors"
	"fmt"

	"libralend/internal/storage"
)

// Error kinds. Match them with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrNotAvailable    = errors.New("book is not available for borrowing")
	ErrLimitExceeded   = errors.New("borrow limit reached")
	ErrAlreadyReturned = errors.New("book has already been returned")
	ErrConflict        = errors.New("conflicting concurrent request, retry")
	ErrInternal        = errors.New("internal error")
)

// Entity names the record an error is about.
type Entity string

const (
	EntityBook         Entity = "book"
	EntityMember       Entity = "member"
	EntityBorrowRecord Entity = "borrow record"
)

// Error is the typed failure of a lending operation.
type Error struct {
	Kind   error
	Entity Entity
	ID     string
	Err    error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Kind == ErrNotFound:
		msg = fmt.Sprintf("%s not found with id: %s", e.Entity, e.ID)
	case e.Entity != "":
		msg = fmt.Sprintf("%s (%s %s)", e.Kind, e.Entity, e.ID)
	default:
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func notFound(entity Entity, id fmt.Stringer) *Error {
	return &Error{Kind: ErrNotFound, Entity: entity, ID: id.String()}
}

// IsRetryable reports whether repeating the same request may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

var kinds = []error{ErrNotFound, ErrNotAvailable, ErrLimitExceeded, ErrAlreadyReturned, ErrConflict, ErrInternal}

// KindOf returns the kind sentinel of err, or nil for a nil error.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// OutcomeLabel is the metric and log label of the outcome err describes.
func OutcomeLabel(err error) string {
	switch KindOf(err) {
	case nil:
		return "ok"
	case ErrNotFound:
		return "not_found"
	case ErrNotAvailable:
		return "not_available"
	case ErrLimitExceeded:
		return "limit_exceeded"
	case ErrAlreadyReturned:
		return "already_returned"
	case ErrConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// classify turns anything below the coordinator into a typed error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrConflict, Err: err}
	}
	return &Error{Kind: ErrInternal, Err: err}
}
