package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConflict means a conditional transition lost its race: the ride was
	// no longer in the expected state. Callers must not act as if they won.
	ErrConflict = errors.New("ride status changed concurrently")

	ErrRideNotFound    = errors.New("ride not found")
	ErrRideUnavailable = errors.New("ride no longer available")
	ErrForbidden       = errors.New("actor not allowed for this ride")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for malformed or inconsistent requests. Nothing
// is written when it is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps a registry or store failure (timeout, connection
// refused). The caller retries on its own schedule.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalConfigError stops the process before it serves traffic.
type FatalConfigError struct {
	Dependency string
	Err        error
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("fatal config: %s: %v", e.Dependency, e.Err)
}

func (e *FatalConfigError) Unwrap() error { return e.Err }
