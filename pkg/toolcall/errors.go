package toolcall

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every builder validation failure.
var ErrValidation = errors.New("toolcall: validation failed")

// ValidationError names the offending field. Builders return it before any
// hashing or network activity happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
