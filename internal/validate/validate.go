// Package validate checks request fields at the HTTP boundary.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("validation failed")

// FieldError reports one rejected field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *FieldError) Is(target error) bool {
	return target == ErrInvalid
}

// Field returns a FieldError when ok is false and nil otherwise.
func Field(ok bool, field, format string, args ...any) error {
	if ok {
		return nil
	}
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// All combines the failures of several checks, nil when every check passed.
func All(errs ...error) error {
	return multierr.Combine(errs...)
}

// Message joins the field errors of err with "; ".
func Message(err error) string {
	parts := make([]string, 0, 2)
	for _, e := range multierr.Errors(err) {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}
