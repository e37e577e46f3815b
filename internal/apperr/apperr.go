// Package apperr categorizes pipeline failures so callers can map them
// to remediation guidance.
package apperr

import "fmt"

type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryFormat     Category = "format"
	CategoryPermission Category = "permission"
	CategoryStorage    Category = "storage"
)

type Error struct {
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(category Category, message string, cause error) *Error {
	return &Error{Category: category, Message: message, Cause: cause}
}

// CategoryOf reports the category of err, or empty when err carries none.
func CategoryOf(err error) Category {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Category
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
